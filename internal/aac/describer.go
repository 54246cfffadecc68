// Package aac derives AAC frame descriptors from audio elementary-stream
// units and the AudioSpecificConfig they carry.
package aac

import (
	"errors"
	"fmt"

	"github.com/zsiec/flvdemux/internal/es"
	"github.com/zsiec/flvdemux/internal/transform"
)

// ErrInvalidSamplingFrequencyIndex is returned when a configuration's
// sampling frequency index is outside the sample rate table.
var ErrInvalidSamplingFrequencyIndex = errors.New("invalid sampling frequency index")

// AAC sample rate index table (ISO 14496-3)
var sampleRates = [...]uint32{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

const (
	samplesPerFrame = 1024
	// AudioSampleEntry default sample size (ISO 14496-12).
	defaultSampleSize = 16
)

// SampleRate returns the rate in Hz for a sampling frequency index.
func SampleRate(index uint8) (uint32, error) {
	if int(index) >= len(sampleRates) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSamplingFrequencyIndex, index)
	}
	return sampleRates[index], nil
}

// Frame describes one raw AAC frame.
type Frame struct {
	PTS                    int64
	DTS                    int64
	SampleCount            uint32
	AudioObjectType        uint8
	ChannelCount           uint8
	SamplingFrequencyIndex uint8
	SampleSize             uint8
	SampleRate             uint32
	Data                   []byte
	Config                 *es.AACAudioConfig
}

// Describer maps audio units to frames one to one.
type Describer struct {
	transform.Channel[Frame]
}

// NewDescriber creates a Describer.
func NewDescriber() *Describer {
	return &Describer{}
}

// Push emits a Frame for an audio unit. Video units are ignored.
func (d *Describer) Push(u es.Unit) error {
	if u.Type != es.TypeAudio {
		return nil
	}
	cfg := u.AAC
	if cfg == nil {
		cfg = &es.AACAudioConfig{}
	}
	rate, err := SampleRate(cfg.SamplingFrequencyIndex)
	if err != nil {
		return err
	}
	return d.Emit(Frame{
		PTS:                    u.PTS,
		DTS:                    u.DTS,
		SampleCount:            samplesPerFrame,
		AudioObjectType:        cfg.AudioObjectType,
		ChannelCount:           cfg.ChannelConfiguration,
		SamplingFrequencyIndex: cfg.SamplingFrequencyIndex,
		SampleSize:             defaultSampleSize,
		SampleRate:             rate,
		Data:                   u.Data,
		Config:                 cfg,
	})
}
