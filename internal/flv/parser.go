package flv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zsiec/flvdemux/internal/transform"
)

var (
	// ErrMalformedContainer is returned for a bad signature, version, header
	// length, or a tag that runs past the end of the buffer.
	ErrMalformedContainer = errors.New("malformed FLV container")
	// ErrUnknownTagType is returned for a tag type byte that is not audio,
	// video or script data.
	ErrUnknownTagType = errors.New("unknown FLV tag type")
)

type parseState int

const (
	stateFileHeader parseState = iota
	statePrevTagSize
	stateTag
)

// Parser is the FLV container state machine. Each Push parses one complete
// buffer from its file header onward; state is not carried across calls.
type Parser struct {
	transform.Channel[Tag]

	header            Header
	uniformTimestamps bool
	dropped           func(Tag)
}

// NewParser creates a Parser.
func NewParser(opts ...func(*Parser)) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParserOptUniformTimestamps scales the whole 32-bit tag timestamp by 90.
// Without it only the lowest timestamp byte is scaled before being combined
// with the other three, which is how existing consumers of this stream
// have always computed DTS.
func ParserOptUniformTimestamps() func(*Parser) {
	return func(p *Parser) {
		p.uniformTimestamps = true
	}
}

// ParserOptDropped registers fn to observe tags that are parsed but not
// emitted (script data and unsupported codecs).
func ParserOptDropped(fn func(Tag)) func(*Parser) {
	return func(p *Parser) {
		p.dropped = fn
	}
}

// Header returns the header of the most recently pushed buffer.
func (p *Parser) Header() Header {
	return p.header
}

// Push parses data, emitting a Tag for every AAC and AVC tag in file order.
// It stops at the first error; tags emitted before the error stay emitted.
func (p *Parser) Push(data []byte) error {
	state := stateFileHeader
	start := 0

	for start < len(data) {
		switch state {
		case stateFileHeader:
			h, err := parseFileHeader(data[start:])
			if err != nil {
				return err
			}
			p.header = h
			start += int(h.HeaderLength)
			state = statePrevTagSize

		case statePrevTagSize:
			start += PrevTagByteCount
			state = stateTag

		case stateTag:
			tag, err := p.parseTag(data[start:])
			if err != nil {
				return err
			}
			if tag.Codec != CodecUnsupported {
				if err := p.Emit(tag); err != nil {
					return err
				}
			} else if p.dropped != nil {
				p.dropped(tag)
			}
			start += TagHeaderByteCount + int(tag.DataLength)
			state = statePrevTagSize
		}
	}
	return nil
}

func parseFileHeader(data []byte) (Header, error) {
	if len(data) < MinFileHeaderByteCount {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrMalformedContainer, MinFileHeaderByteCount, len(data))
	}
	if data[0] != 'F' || data[1] != 'L' || data[2] != 'V' {
		return Header{}, fmt.Errorf("%w: signature %q", ErrMalformedContainer, data[:3])
	}
	if data[3] != 0x01 {
		return Header{}, fmt.Errorf("%w: version 0x%02x", ErrMalformedContainer, data[3])
	}

	flags := data[4]
	h := Header{
		HasAudio:     flags&0x04 != 0,
		HasVideo:     flags&0x01 != 0,
		HeaderLength: binary.BigEndian.Uint32(data[5:9]),
	}
	if h.HeaderLength < MinFileHeaderByteCount {
		return Header{}, fmt.Errorf("%w: header length %d", ErrMalformedContainer, h.HeaderLength)
	}
	if uint64(h.HeaderLength) > uint64(len(data)) {
		return Header{}, fmt.Errorf("%w: header length %d exceeds buffer of %d bytes", ErrMalformedContainer, h.HeaderLength, len(data))
	}
	return h, nil
}

func (p *Parser) parseTag(data []byte) (Tag, error) {
	if len(data) < TagHeaderByteCount {
		return Tag{}, fmt.Errorf("%w: tag header needs %d bytes, have %d", ErrMalformedContainer, TagHeaderByteCount, len(data))
	}

	tagType := data[0]
	dataLength := uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	if uint64(TagHeaderByteCount)+uint64(dataLength) > uint64(len(data)) {
		return Tag{}, fmt.Errorf("%w: tag data length %d exceeds remaining %d bytes",
			ErrMalformedContainer, dataLength, len(data)-TagHeaderByteCount)
	}
	payload := data[TagHeaderByteCount : TagHeaderByteCount+int(dataLength)]

	tag := Tag{
		TrackID:    tagType,
		DataLength: dataLength,
		DTS:        p.decodeTimestamp(data[4:8]),
	}

	var err error
	switch tagType {
	case TagTypeAudio:
		tag.Kind = KindAudio
		err = parseAudioData(&tag, payload)
	case TagTypeVideo:
		tag.Kind = KindVideo
		err = parseVideoData(&tag, payload)
	case TagTypeScriptData:
		tag.Kind = KindScriptData
	default:
		return Tag{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTagType, tagType)
	}
	if err != nil {
		return Tag{}, err
	}

	tag.PTS = tag.DTS + int64(tag.CTS)
	return tag, nil
}

// decodeTimestamp assembles the 24-bit timestamp and its extension byte.
func (p *Parser) decodeTimestamp(ts []byte) int64 {
	if p.uniformTimestamps {
		raw := uint32(ts[3])<<24 | uint32(ts[0])<<16 | uint32(ts[1])<<8 | uint32(ts[2])
		return int64(raw) * 90
	}
	raw := uint32(ts[3])<<24 | uint32(ts[0])<<16 | uint32(ts[1])<<8 | uint32(ts[2])*90
	return int64(int32(raw))
}

func parseAudioData(tag *Tag, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	soundFormat := (payload[0] >> 4) & 0x0F
	if soundFormat != SoundFormatAAC {
		return nil
	}
	if len(payload) < 2 {
		return fmt.Errorf("%w: AAC tag payload of %d bytes", ErrMalformedContainer, len(payload))
	}
	tag.Codec = CodecAAC
	tag.PacketType = payload[1]
	tag.Data = payload[2:]
	return nil
}

func parseVideoData(tag *Tag, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	codecID := payload[0] & 0x0F
	frameType := (payload[0] >> 4) & 0x0F
	tag.KeyFrame = frameType == videoFrameTypeKey

	if codecID != VideoCodecAVC {
		return nil
	}
	if len(payload) < 5 {
		return fmt.Errorf("%w: AVC tag payload of %d bytes", ErrMalformedContainer, len(payload))
	}
	tag.Codec = CodecAVC
	tag.PacketType = payload[1]
	if tag.PacketType == PacketTypeNALU {
		ct := uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])
		if ct&0x00800000 != 0 {
			ct |= 0xFF000000
		}
		tag.CTS = int32(ct) * 90
		tag.HasCTS = true
	}
	tag.Data = payload[5:]
	return nil
}
