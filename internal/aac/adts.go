package aac

import (
	"errors"
	"fmt"

	"github.com/zsiec/flvdemux/internal/bits"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// ErrFrameTooLarge is returned when a frame does not fit the 13-bit ADTS
// frame_length field.
var ErrFrameTooLarge = errors.New("frame too large for ADTS")

const (
	adtsHeaderSize = 7
	maxADTSFrame   = 0x1FFF
)

// ADTS returns the frame wrapped in a 7-byte ADTS header without CRC.
func (f Frame) ADTS() ([]byte, error) {
	frameLen := adtsHeaderSize + len(f.Data)
	if frameLen > maxADTSFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}
	profile := uint32(0)
	if f.AudioObjectType > 0 {
		profile = uint32(f.AudioObjectType-1) & 0x03
	}

	w := bits.NewWriter(frameLen)
	w.PutBits(12, 0xFFF)                           // syncword
	w.PutBits(1, 0)                                // MPEG-4
	w.PutBits(2, 0)                                // layer
	w.PutBits(1, 1)                                // protection_absent
	w.PutBits(2, profile)                          // profile
	w.PutBits(4, uint32(f.SamplingFrequencyIndex)) // sampling_frequency_index
	w.PutBits(1, 0)                                // private_bit
	w.PutBits(3, uint32(f.ChannelCount))           // channel_configuration
	w.PutBits(4, 0)                                // original/copy, home, copyright bits
	w.PutBits(13, uint32(frameLen))                // frame_length
	w.PutBits(11, 0x7FF)                           // buffer fullness (VBR)
	w.PutBits(2, 0)                                // number_of_raw_data_blocks_in_frame

	return append(w.Bytes(), f.Data...), nil
}

// ADTSFrame is one frame read back from an ADTS byte stream.
type ADTSFrame struct {
	Data       []byte // complete ADTS frame (header + payload)
	SampleRate uint32
	Channels   int
}

// ParseADTS parses an ADTS byte stream into individual AAC frames.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < adtsHeaderSize {
			break
		}

		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		br := bits.NewReader(data[offset : offset+adtsHeaderSize])
		br.SkipBits(15)
		protectionAbsent := br.ReadBoolean()
		br.SkipBits(2) // profile
		sampleRateIdx := uint8(br.ReadBits(4))
		br.SkipBits(1) // private_bit
		channelCfg := int(br.ReadBits(3))
		br.SkipBits(4)
		frameLen := int(br.ReadBits(13))

		headerSize := adtsHeaderSize
		if !protectionAbsent {
			headerSize = 9
		}

		rate, err := SampleRate(sampleRateIdx)
		if err != nil {
			return frames, ErrInvalidADTS
		}
		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		frames = append(frames, ADTSFrame{
			Data:       data[offset : offset+frameLen],
			SampleRate: rate,
			Channels:   channelCfg,
		})
		offset += frameLen
	}

	return frames, nil
}
