package es

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/zsiec/flvdemux/internal/flv"
	"github.com/zsiec/flvdemux/internal/transform"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xD9, 0x00, 0xA0, 0x47, 0xFE, 0xC8}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func avcConfigRecord(lengthSize int) []byte {
	out := []byte{1, 0x42, 0xC0, 0x1E, 0xFC | byte(lengthSize-1), 0xE1}
	out = append(out, byte(len(testSPS)>>8), byte(len(testSPS)))
	out = append(out, testSPS...)
	out = append(out, 1, byte(len(testPPS)>>8), byte(len(testPPS)))
	return append(out, testPPS...)
}

func prefixed(lengthSize int, nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		for i := lengthSize - 1; i >= 0; i-- {
			out = append(out, byte(len(n)>>(8*i)))
		}
		out = append(out, n...)
	}
	return out
}

func videoTag(packetType uint8, data []byte) flv.Tag {
	return flv.Tag{
		Kind:       flv.KindVideo,
		TrackID:    flv.TagTypeVideo,
		Codec:      flv.CodecAVC,
		PacketType: packetType,
		DTS:        3600,
		PTS:        7200,
		Data:       data,
	}
}

func audioTag(packetType uint8, data []byte) flv.Tag {
	return flv.Tag{
		Kind:       flv.KindAudio,
		TrackID:    flv.TagTypeAudio,
		Codec:      flv.CodecAAC,
		PacketType: packetType,
		DTS:        1800,
		PTS:        1800,
		Data:       data,
	}
}

func newCollectingDemuxer() (*Demuxer, *[]Unit) {
	d := NewDemuxer()
	units := new([]Unit)
	d.OnData(transform.Collect(units))
	return d, units
}

func TestAACConfigAttachedToUnits(t *testing.T) {
	t.Parallel()

	d, units := newCollectingDemuxer()
	if err := d.Push(audioTag(flv.PacketTypeSequenceHeader, []byte{0x12, 0x10})); err != nil {
		t.Fatalf("config Push: %v", err)
	}
	if len(*units) != 0 {
		t.Fatalf("config tag emitted %d units", len(*units))
	}

	cfg := d.AudioConfig()
	if cfg.AudioObjectType != 2 || cfg.SamplingFrequencyIndex != 4 || cfg.ChannelConfiguration != 2 {
		t.Errorf("config = %+v, want AOT 2, index 4, 2 channels", cfg)
	}
	if cfg.FrameLengthFlag || cfg.DependsOnCoreCoder || cfg.ExtensionFlag {
		t.Errorf("config flags = %+v, want all false", cfg)
	}
	if cfg.CodecString() != "mp4a.40.2" {
		t.Errorf("codec string = %q", cfg.CodecString())
	}

	payload := []byte{0x21, 0x10, 0x04, 0x60}
	if err := d.Push(audioTag(flv.PacketTypeNALU, payload)); err != nil {
		t.Fatalf("data Push: %v", err)
	}
	if len(*units) != 1 {
		t.Fatalf("got %d units, want 1", len(*units))
	}
	u := (*units)[0]
	if u.Type != TypeAudio || u.AVC != nil {
		t.Errorf("unit type = %v avc = %v", u.Type, u.AVC)
	}
	if u.AAC != cfg {
		t.Error("unit does not reference the cached config")
	}
	if !bytes.Equal(u.Data, payload) || u.PTS != 1800 || u.DTS != 1800 || u.TrackID != flv.TagTypeAudio {
		t.Errorf("unit = %+v", u)
	}
}

func TestAVCConfigAndNALSplit(t *testing.T) {
	t.Parallel()

	for lengthSize := 1; lengthSize <= 4; lengthSize++ {
		t.Run(fmt.Sprintf("length size %d", lengthSize), func(t *testing.T) {
			t.Parallel()

			d, units := newCollectingDemuxer()
			if err := d.Push(videoTag(flv.PacketTypeSequenceHeader, avcConfigRecord(lengthSize))); err != nil {
				t.Fatalf("config Push: %v", err)
			}
			cfg := d.VideoConfig()
			if int(cfg.NALLengthSize) != lengthSize {
				t.Fatalf("NALLengthSize = %d, want %d", cfg.NALLengthSize, lengthSize)
			}

			nalus := [][]byte{{0x09, 0xF0}, {0x06, 0x05, 0x01, 0x80}, {0x65, 0x88, 0x84, 0x00, 0x33}}
			payload := prefixed(lengthSize, nalus...)
			if err := d.Push(videoTag(flv.PacketTypeNALU, payload)); err != nil {
				t.Fatalf("data Push: %v", err)
			}
			if len(*units) != len(nalus) {
				t.Fatalf("got %d units, want %d", len(*units), len(nalus))
			}

			total := 0
			for i, u := range *units {
				if !bytes.Equal(u.Data, nalus[i]) {
					t.Errorf("unit %d = % x, want % x", i, u.Data, nalus[i])
				}
				if u.AVC != cfg || u.AAC != nil {
					t.Errorf("unit %d does not carry the cached video config", i)
				}
				if u.PTS != 7200 || u.DTS != 3600 {
					t.Errorf("unit %d pts/dts = %d/%d", i, u.PTS, u.DTS)
				}
				total += lengthSize + len(u.Data)
			}
			if total != len(payload) {
				t.Errorf("prefixes + units = %d bytes, payload is %d", total, len(payload))
			}
		})
	}
}

func TestParseAVCDecoderConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseAVCDecoderConfig(avcConfigRecord(4))
	if err != nil {
		t.Fatalf("ParseAVCDecoderConfig: %v", err)
	}
	if cfg.ConfigurationVersion != 1 || cfg.ProfileIndication != 0x42 || cfg.ProfileCompatibility != 0xC0 || cfg.LevelIndication != 0x1E {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.NumSPS != 1 || cfg.NumPPS != 1 {
		t.Errorf("NumSPS/NumPPS = %d/%d, want 1/1", cfg.NumSPS, cfg.NumPPS)
	}
	if !bytes.Equal(cfg.SPS, testSPS) || !bytes.Equal(cfg.PPS, testPPS) {
		t.Errorf("SPS/PPS = % x / % x", cfg.SPS, cfg.PPS)
	}
}

func TestInvalidDecoderConfig(t *testing.T) {
	t.Parallel()

	rec := avcConfigRecord(4)
	tests := []struct {
		name string
		tag  flv.Tag
	}{
		{"empty AVC record", videoTag(flv.PacketTypeSequenceHeader, nil)},
		{"AVC record cut in SPS", videoTag(flv.PacketTypeSequenceHeader, rec[:12])},
		{"AVC record cut in PPS", videoTag(flv.PacketTypeSequenceHeader, rec[:len(rec)-1])},
		{"one byte ASC", audioTag(flv.PacketTypeSequenceHeader, []byte{0x12})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, _ := newCollectingDemuxer()
			if err := d.Push(tc.tag); !errors.Is(err, ErrInvalidDecoderConfig) {
				t.Fatalf("err = %v, want ErrInvalidDecoderConfig", err)
			}
		})
	}
}

func TestInvalidNALUnit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		payload   []byte
		wantUnits int
	}{
		{"zero length", []byte{0, 0, 0, 0, 0x65}, 0},
		{"overrun", []byte{0, 0, 0, 9, 0x65, 0x88}, 0},
		{"truncated prefix", append(prefixed(4, []byte{0x41, 0x9A}), 0x00, 0x00), 1},
		{"zero after valid unit", append(prefixed(4, []byte{0x41}), 0, 0, 0, 0), 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, units := newCollectingDemuxer()
			if err := d.Push(videoTag(flv.PacketTypeSequenceHeader, avcConfigRecord(4))); err != nil {
				t.Fatal(err)
			}
			err := d.Push(videoTag(flv.PacketTypeNALU, tc.payload))
			if !errors.Is(err, ErrInvalidNALUnit) {
				t.Fatalf("err = %v, want ErrInvalidNALUnit", err)
			}
			if len(*units) != tc.wantUnits {
				t.Errorf("emitted %d units before failing, want %d", len(*units), tc.wantUnits)
			}
		})
	}
}

func TestUnitsBeforeConfig(t *testing.T) {
	t.Parallel()

	d, units := newCollectingDemuxer()
	if err := d.Push(videoTag(flv.PacketTypeNALU, prefixed(4, []byte{0x41, 0x9A}))); err != nil {
		t.Fatalf("video Push: %v", err)
	}
	if err := d.Push(audioTag(flv.PacketTypeNALU, []byte{0x21})); err != nil {
		t.Fatalf("audio Push: %v", err)
	}
	if len(*units) != 2 {
		t.Fatalf("got %d units, want 2", len(*units))
	}
	if v := (*units)[0].AVC; v == nil || len(v.SPS) != 0 {
		t.Errorf("video unit config = %+v, want empty config", v)
	}
	if a := (*units)[1].AAC; a == nil || *a != (AACAudioConfig{}) {
		t.Errorf("audio unit config = %+v, want zero config", a)
	}
}

func TestConfigReplacementKeepsOldReferences(t *testing.T) {
	t.Parallel()

	d, units := newCollectingDemuxer()
	d.Push(audioTag(flv.PacketTypeSequenceHeader, []byte{0x12, 0x10}))
	d.Push(audioTag(flv.PacketTypeNALU, []byte{0x21}))
	d.Push(audioTag(flv.PacketTypeSequenceHeader, []byte{0x11, 0x88}))
	d.Push(audioTag(flv.PacketTypeNALU, []byte{0x21}))

	first, second := (*units)[0].AAC, (*units)[1].AAC
	if first == second {
		t.Fatal("units share a config across a replacement")
	}
	if first.SamplingFrequencyIndex != 4 {
		t.Errorf("first config index = %d, want 4", first.SamplingFrequencyIndex)
	}
	if second.SamplingFrequencyIndex != 3 || second.ChannelConfiguration != 1 {
		t.Errorf("second config = %+v, want index 3 mono", second)
	}
}

func TestResetClearsConfig(t *testing.T) {
	t.Parallel()

	d, _ := newCollectingDemuxer()
	d.Push(videoTag(flv.PacketTypeSequenceHeader, avcConfigRecord(2)))
	d.Push(audioTag(flv.PacketTypeSequenceHeader, []byte{0x12, 0x10}))
	d.Reset()

	if len(d.VideoConfig().SPS) != 0 || d.VideoConfig().NALLengthSize != 0 {
		t.Errorf("video config after Reset = %+v", d.VideoConfig())
	}
	if *d.AudioConfig() != (AACAudioConfig{}) {
		t.Errorf("audio config after Reset = %+v", d.AudioConfig())
	}
}

func TestUnsupportedTagIgnored(t *testing.T) {
	t.Parallel()

	d, units := newCollectingDemuxer()
	err := d.Push(flv.Tag{Kind: flv.KindScriptData, TrackID: flv.TagTypeScriptData, Data: []byte{2}})
	if err != nil || len(*units) != 0 {
		t.Fatalf("Push = %v with %d units, want nil and none", err, len(*units))
	}
}
