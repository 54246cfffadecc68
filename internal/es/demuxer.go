// Package es separates FLV tags into elementary-stream units. Out-of-band
// codec configuration (AVCDecoderConfigurationRecord, AudioSpecificConfig) is
// cached and attached by reference to every subsequent unit; AVC payloads
// are split into individual NAL units.
package es

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zsiec/flvdemux/internal/flv"
	"github.com/zsiec/flvdemux/internal/transform"
)

var (
	// ErrInvalidNALUnit is returned when a NAL length prefix decodes to zero,
	// is truncated, or points past the end of the payload.
	ErrInvalidNALUnit = errors.New("invalid NAL unit")
	// ErrInvalidDecoderConfig is returned for a truncated configuration record.
	ErrInvalidDecoderConfig = errors.New("invalid decoder configuration")
)

// defaultNALLengthSize is used to split AVC payloads that arrive before any
// AVCDecoderConfigurationRecord.
const defaultNALLengthSize = 4

// Type distinguishes audio and video units.
type Type int

// Unit types.
const (
	TypeAudio Type = iota
	TypeVideo
)

func (t Type) String() string {
	if t == TypeVideo {
		return "video"
	}
	return "audio"
}

// AVCDecoderConfig is a parsed AVCDecoderConfigurationRecord (ISO 14496-15).
type AVCDecoderConfig struct {
	ConfigurationVersion uint8
	ProfileIndication    uint8
	ProfileCompatibility uint8
	LevelIndication      uint8
	NALLengthSize        uint8 // bytes per NAL length prefix, 1-4
	NumSPS               uint8
	NumPPS               uint8
	SPS                  []byte // first sequence parameter set NAL unit
	PPS                  []byte // first picture parameter set NAL unit
}

// AACAudioConfig holds the leading fields of an AudioSpecificConfig
// (ISO 14496-3).
type AACAudioConfig struct {
	AudioObjectType        uint8
	SamplingFrequencyIndex uint8
	ChannelConfiguration   uint8
	FrameLengthFlag        bool
	DependsOnCoreCoder     bool
	ExtensionFlag          bool
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "mp4a.40.2").
func (c AACAudioConfig) CodecString() string {
	return fmt.Sprintf("mp4a.40.%d", c.AudioObjectType)
}

// Unit is one elementary-stream access unit: a single NAL unit for video or
// a full raw AAC payload for audio. AVC is set for video units and AAC for
// audio units; both point at the configuration current when the unit was
// emitted and must be treated as read-only.
type Unit struct {
	Type    Type
	TrackID uint8
	PTS     int64
	DTS     int64
	Data    []byte
	AVC     *AVCDecoderConfig
	AAC     *AACAudioConfig
}

// Demuxer turns tags into units. It owns the configuration cache for one
// stream; use one Demuxer per stream.
type Demuxer struct {
	transform.Channel[Unit]

	video *AVCDecoderConfig
	audio *AACAudioConfig
}

// NewDemuxer creates a Demuxer with empty configuration caches.
func NewDemuxer() *Demuxer {
	d := &Demuxer{}
	d.Reset()
	return d
}

// Reset clears both cached configurations.
func (d *Demuxer) Reset() {
	d.video = &AVCDecoderConfig{}
	d.audio = &AACAudioConfig{}
}

// VideoConfig returns the cached AVC configuration.
func (d *Demuxer) VideoConfig() *AVCDecoderConfig {
	return d.video
}

// AudioConfig returns the cached AAC configuration.
func (d *Demuxer) AudioConfig() *AACAudioConfig {
	return d.audio
}

// Push consumes one tag. Configuration tags replace the cache and emit
// nothing; data tags emit one unit per NAL unit (video) or one unit (audio).
func (d *Demuxer) Push(tag flv.Tag) error {
	switch tag.Codec {
	case flv.CodecAVC:
		if tag.PacketType == flv.PacketTypeSequenceHeader {
			cfg, err := ParseAVCDecoderConfig(tag.Data)
			if err != nil {
				return err
			}
			d.video = cfg
			return nil
		}
		return d.pushNALUs(tag)

	case flv.CodecAAC:
		if tag.PacketType == flv.PacketTypeSequenceHeader {
			cfg, err := ParseAACAudioConfig(tag.Data)
			if err != nil {
				return err
			}
			d.audio = cfg
			return nil
		}
		return d.Emit(Unit{
			Type:    TypeAudio,
			TrackID: tag.TrackID,
			PTS:     tag.PTS,
			DTS:     tag.DTS,
			Data:    tag.Data,
			AAC:     d.audio,
		})
	}
	return nil
}

func (d *Demuxer) pushNALUs(tag flv.Tag) error {
	cfg := d.video
	lengthSize := int(cfg.NALLengthSize)
	if lengthSize == 0 {
		lengthSize = defaultNALLengthSize
	}

	data := tag.Data
	i := 0
	for i < len(data) {
		if i+lengthSize > len(data) {
			return fmt.Errorf("%w: truncated %d-byte length prefix at offset %d", ErrInvalidNALUnit, lengthSize, i)
		}
		unitLen := 0
		for j := 0; j < lengthSize; j++ {
			unitLen |= int(data[i+j]) << (8 * (lengthSize - 1 - j))
		}
		if unitLen < 1 {
			return fmt.Errorf("%w: zero length at offset %d", ErrInvalidNALUnit, i)
		}
		i += lengthSize
		if unitLen > len(data)-i {
			return fmt.Errorf("%w: length %d at offset %d exceeds remaining %d bytes", ErrInvalidNALUnit, unitLen, i-lengthSize, len(data)-i)
		}

		err := d.Emit(Unit{
			Type:    TypeVideo,
			TrackID: tag.TrackID,
			PTS:     tag.PTS,
			DTS:     tag.DTS,
			Data:    data[i : i+unitLen],
			AVC:     cfg,
		})
		if err != nil {
			return err
		}
		i += unitLen
	}
	return nil
}

// ParseAVCDecoderConfig parses an AVCDecoderConfigurationRecord carrying at
// least one SPS and one PPS.
func ParseAVCDecoderConfig(data []byte) (*AVCDecoderConfig, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: AVC record of %d bytes", ErrInvalidDecoderConfig, len(data))
	}
	cfg := &AVCDecoderConfig{
		ConfigurationVersion: data[0],
		ProfileIndication:    data[1],
		ProfileCompatibility: data[2],
		LevelIndication:      data[3],
		NALLengthSize:        1 + (data[4] & 3),
		NumSPS:               data[5] & 0x1F,
	}

	idx := 6
	spsLen := int(binary.BigEndian.Uint16(data[idx:]))
	idx += 2
	if idx+spsLen+3 > len(data) {
		return nil, fmt.Errorf("%w: SPS length %d overruns record of %d bytes", ErrInvalidDecoderConfig, spsLen, len(data))
	}
	cfg.SPS = data[idx : idx+spsLen]
	idx += spsLen

	cfg.NumPPS = data[idx]
	idx++
	ppsLen := int(binary.BigEndian.Uint16(data[idx:]))
	idx += 2
	if idx+ppsLen > len(data) {
		return nil, fmt.Errorf("%w: PPS length %d overruns record of %d bytes", ErrInvalidDecoderConfig, ppsLen, len(data))
	}
	cfg.PPS = data[idx : idx+ppsLen]
	return cfg, nil
}

// ParseAACAudioConfig parses the first two bytes of an AudioSpecificConfig.
func ParseAACAudioConfig(data []byte) (*AACAudioConfig, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: AudioSpecificConfig of %d bytes", ErrInvalidDecoderConfig, len(data))
	}
	return &AACAudioConfig{
		AudioObjectType:        (data[0] & 0xF8) >> 3,
		SamplingFrequencyIndex: (data[0]&0x07)<<1 | data[1]>>7,
		ChannelConfiguration:   (data[1] >> 3) & 0x0F,
		FrameLengthFlag:        (data[1]>>2)&0x01 != 0,
		DependsOnCoreCoder:     (data[1]>>1)&0x01 != 0,
		ExtensionFlag:          data[1]&0x01 != 0,
	}, nil
}
