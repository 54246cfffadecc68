package flv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zsiec/flvdemux/internal/flv/flvtest"
	"github.com/zsiec/flvdemux/internal/transform"
)

func collect(t *testing.T, p *Parser, data []byte) ([]Tag, error) {
	t.Helper()
	var tags []Tag
	p.OnData(transform.Collect(&tags))
	err := p.Push(data)
	return tags, err
}

func TestParseAACTag(t *testing.T) {
	t.Parallel()

	data := flvtest.File(true, true,
		flvtest.Tag(TagTypeAudio, 0, []byte{0xAF, 0x01, 0x21, 0x10}),
	)
	p := NewParser()
	tags, err := collect(t, p, data)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("got %d tags, want 1", len(tags))
	}

	tag := tags[0]
	if tag.Kind != KindAudio || tag.TrackID != TagTypeAudio {
		t.Errorf("kind = %v track = %#x, want audio 0x08", tag.Kind, tag.TrackID)
	}
	if tag.Codec != CodecAAC {
		t.Errorf("codec = %v, want aac", tag.Codec)
	}
	if tag.PacketType != 1 {
		t.Errorf("packet type = %d, want 1", tag.PacketType)
	}
	if !bytes.Equal(tag.Data, []byte{0x21, 0x10}) {
		t.Errorf("data = % x, want 21 10", tag.Data)
	}
	if tag.DataLength != 4 {
		t.Errorf("data length = %d, want 4", tag.DataLength)
	}
	if tag.HasCTS {
		t.Error("audio tag has CTS")
	}

	h := p.Header()
	if !h.HasAudio || !h.HasVideo || h.HeaderLength != 9 {
		t.Errorf("header = %+v", h)
	}
}

func TestParseAVCKeyFrameZeroCTS(t *testing.T) {
	t.Parallel()

	nalus := flvtest.NALUs(4, []byte{0x65, 0x88, 0x84})
	data := flvtest.File(false, true,
		flvtest.Tag(TagTypeVideo, 40, flvtest.AVCPayload(true, PacketTypeNALU, 0, nalus)),
	)
	tags, err := collect(t, NewParser(), data)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("got %d tags, want 1", len(tags))
	}

	tag := tags[0]
	if tag.Codec != CodecAVC || !tag.KeyFrame {
		t.Errorf("codec = %v keyframe = %v, want avc keyframe", tag.Codec, tag.KeyFrame)
	}
	if !tag.HasCTS || tag.CTS != 0 {
		t.Errorf("cts = %d (present %v), want 0", tag.CTS, tag.HasCTS)
	}
	if tag.PTS != tag.DTS {
		t.Errorf("pts %d != dts %d", tag.PTS, tag.DTS)
	}
	if !bytes.Equal(tag.Data, nalus) {
		t.Errorf("data = % x, want % x", tag.Data, nalus)
	}
}

func TestParseAVCCompositionTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cts     int32
		wantCTS int32
	}{
		{"positive", 80, 7200},
		{"negative sign extended", -40, -3600},
		{"max positive", 0x7FFFFF, 0x7FFFFF * 90},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data := flvtest.File(false, true,
				flvtest.Tag(TagTypeVideo, 0, flvtest.AVCPayload(false, PacketTypeNALU, tc.cts, []byte{0, 0, 0, 1, 0x41})),
			)
			tags, err := collect(t, NewParser(), data)
			if err != nil {
				t.Fatalf("Push: %v", err)
			}
			tag := tags[0]
			if tag.KeyFrame {
				t.Error("inter frame marked as keyframe")
			}
			if tag.CTS != tc.wantCTS {
				t.Errorf("cts = %d, want %d", tag.CTS, tc.wantCTS)
			}
			if tag.PTS != tag.DTS+int64(tc.wantCTS) {
				t.Errorf("pts = %d, want dts %d + cts %d", tag.PTS, tag.DTS, tc.wantCTS)
			}
		})
	}
}

func TestSequenceHeaderHasNoCTS(t *testing.T) {
	t.Parallel()

	data := flvtest.File(false, true,
		flvtest.Tag(TagTypeVideo, 0, flvtest.AVCPayload(true, PacketTypeSequenceHeader, 0, []byte{1, 2, 3})),
	)
	tags, err := collect(t, NewParser(), data)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if tags[0].HasCTS || tags[0].PacketType != PacketTypeSequenceHeader {
		t.Errorf("tag = %+v, want sequence header without CTS", tags[0])
	}
}

func TestTimestampDecoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		timestamp   uint32
		wantDefault int64
		wantUniform int64
	}{
		{"zero", 0, 0, 0},
		{"one second", 1000, 21392, 90000},
		{"extended byte", 0x80000010, -2147482208, 193273529760},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data := flvtest.File(true, false,
				flvtest.Tag(TagTypeAudio, tc.timestamp, flvtest.AACPayload(1, []byte{0x21})),
			)

			tags, err := collect(t, NewParser(), data)
			if err != nil {
				t.Fatalf("Push: %v", err)
			}
			if tags[0].DTS != tc.wantDefault {
				t.Errorf("default dts = %d, want %d", tags[0].DTS, tc.wantDefault)
			}

			tags, err = collect(t, NewParser(ParserOptUniformTimestamps()), data)
			if err != nil {
				t.Fatalf("Push: %v", err)
			}
			if tags[0].DTS != tc.wantUniform {
				t.Errorf("uniform dts = %d, want %d", tags[0].DTS, tc.wantUniform)
			}
		})
	}
}

func TestTagsEmittedInFileOrder(t *testing.T) {
	t.Parallel()

	data := flvtest.File(true, true,
		flvtest.Tag(TagTypeScriptData, 0, []byte{0x02, 0x00, 0x0A}),
		flvtest.Tag(TagTypeVideo, 0, flvtest.AVCPayload(true, PacketTypeSequenceHeader, 0, []byte{1})),
		flvtest.Tag(TagTypeAudio, 0, flvtest.AACPayload(PacketTypeSequenceHeader, []byte{0x12, 0x10})),
		flvtest.Tag(TagTypeVideo, 33, flvtest.AVCPayload(false, PacketTypeNALU, 0, []byte{0, 0, 0, 1, 0x41})),
		flvtest.Tag(TagTypeAudio, 23, flvtest.AACPayload(PacketTypeNALU, []byte{0x21})),
	)

	var dropped []Tag
	p := NewParser(ParserOptDropped(func(tag Tag) { dropped = append(dropped, tag) }))
	tags, err := collect(t, p, data)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	wantKinds := []Kind{KindVideo, KindAudio, KindVideo, KindAudio}
	if len(tags) != len(wantKinds) {
		t.Fatalf("got %d tags, want %d", len(tags), len(wantKinds))
	}
	for i, k := range wantKinds {
		if tags[i].Kind != k {
			t.Errorf("tag %d kind = %v, want %v", i, tags[i].Kind, k)
		}
	}
	if len(dropped) != 1 || dropped[0].Kind != KindScriptData || dropped[0].Codec != CodecUnsupported {
		t.Errorf("dropped = %+v, want one script data tag", dropped)
	}
}

func TestUnsupportedCodecsDropped(t *testing.T) {
	t.Parallel()

	data := flvtest.File(true, true,
		flvtest.Tag(TagTypeAudio, 0, []byte{0x2F, 0xFF, 0xFB}), // MP3
		flvtest.Tag(TagTypeVideo, 0, []byte{0x12, 0x00}),       // Sorenson H.263
		flvtest.Tag(TagTypeAudio, 0, nil),
	)
	var dropped int
	p := NewParser(ParserOptDropped(func(Tag) { dropped++ }))
	tags, err := collect(t, p, data)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("emitted %d tags, want 0", len(tags))
	}
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
}

func TestMalformedContainer(t *testing.T) {
	t.Parallel()

	valid := flvtest.File(true, false, flvtest.Tag(TagTypeAudio, 0, flvtest.AACPayload(1, []byte{0x21, 0x10})))
	badLen := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(badLen[5:9], 8)
	hugeLen := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(hugeLen[5:9], 1<<20)

	tests := []struct {
		name string
		data []byte
	}{
		{"bad signature", append([]byte("ABC\x01\x05\x00\x00\x00\x09"), make([]byte, 4)...)},
		{"bad version", append([]byte("FLV\x02\x05\x00\x00\x00\x09"), make([]byte, 4)...)},
		{"short header", []byte("FLV\x01\x05")},
		{"header length below 9", badLen},
		{"header length past buffer", hugeLen},
		{"truncated tag header", valid[:9+4+6]},
		{"truncated tag payload", valid[:len(valid)-4-1]},
		{"short AAC payload", flvtest.File(true, false, flvtest.Tag(TagTypeAudio, 0, []byte{0xAF}))},
		{"short AVC payload", flvtest.File(false, true, flvtest.Tag(TagTypeVideo, 0, []byte{0x17, 0x01, 0x00}))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tags, err := collect(t, NewParser(), tc.data)
			if !errors.Is(err, ErrMalformedContainer) {
				t.Fatalf("err = %v, want ErrMalformedContainer", err)
			}
			if len(tags) != 0 {
				t.Errorf("emitted %d tags before failing", len(tags))
			}
		})
	}
}

func TestUnknownTagType(t *testing.T) {
	t.Parallel()

	data := flvtest.File(true, false,
		flvtest.Tag(TagTypeAudio, 0, flvtest.AACPayload(1, []byte{0x21})),
		flvtest.Tag(0x07, 0, []byte{0x00}),
	)
	tags, err := collect(t, NewParser(), data)
	if !errors.Is(err, ErrUnknownTagType) {
		t.Fatalf("err = %v, want ErrUnknownTagType", err)
	}
	if len(tags) != 1 {
		t.Errorf("got %d tags before the error, want 1", len(tags))
	}
}

func TestTrailingPartialPrevTagSize(t *testing.T) {
	t.Parallel()

	data := flvtest.File(true, false, flvtest.Tag(TagTypeAudio, 0, flvtest.AACPayload(1, []byte{0x21})))
	tags, err := collect(t, NewParser(), data[:len(data)-2])
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("got %d tags, want 1", len(tags))
	}
}

func TestPrevTagSizeMatchesTag(t *testing.T) {
	t.Parallel()

	payloads := [][]byte{
		flvtest.AACPayload(1, []byte{0x21, 0x10, 0x04}),
		flvtest.AVCPayload(true, PacketTypeNALU, 0, flvtest.NALUs(4, []byte{0x65, 0x88})),
		flvtest.AACPayload(1, nil),
	}
	var tagBytes [][]byte
	for i, pl := range payloads {
		tagType := byte(TagTypeAudio)
		if i == 1 {
			tagType = TagTypeVideo
		}
		tagBytes = append(tagBytes, flvtest.Tag(tagType, uint32(i), pl))
	}
	data := flvtest.File(true, true, tagBytes...)

	tags, err := collect(t, NewParser(), data)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(tags) != len(payloads) {
		t.Fatalf("got %d tags, want %d", len(tags), len(payloads))
	}

	// Each previous-tag-size field equals 11 + the preceding tag's data
	// length.
	off := 9 + 4
	for i, tag := range tags {
		off += TagHeaderByteCount + int(tag.DataLength)
		got := binary.BigEndian.Uint32(data[off : off+4])
		if got != uint32(TagHeaderByteCount)+tag.DataLength {
			t.Errorf("tag %d: prev-tag-size = %d, want %d", i, got, TagHeaderByteCount+tag.DataLength)
		}
		off += 4
	}
}

func TestPushResetsState(t *testing.T) {
	t.Parallel()

	data := flvtest.File(true, false, flvtest.Tag(TagTypeAudio, 0, flvtest.AACPayload(1, []byte{0x21})))
	p := NewParser()
	var tags []Tag
	p.OnData(transform.Collect(&tags))
	for i := 0; i < 2; i++ {
		if err := p.Push(data); err != nil {
			t.Fatalf("Push #%d: %v", i, err)
		}
	}
	if len(tags) != 2 {
		t.Fatalf("got %d tags across two buffers, want 2", len(tags))
	}
}

func TestMetadataFilter(t *testing.T) {
	t.Parallel()

	f := NewMetadataFilter()
	if f.DispatchType != "12" {
		t.Errorf("DispatchType = %q, want \"12\"", f.DispatchType)
	}
	if !f.Matches(TagTypeScriptData) {
		t.Error("script data tag not matched")
	}
	if f.Matches(TagTypeAudio) || f.Matches(TagTypeVideo) {
		t.Error("media tag matched")
	}
}
