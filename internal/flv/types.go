// Package flv implements FLV container parsing. A Parser walks a complete
// FLV buffer and yields one Tag per AAC audio or AVC video tag; script data
// and unsupported codecs are dropped.
package flv

import "fmt"

// Container layout constants.
const (
	MinFileHeaderByteCount = 9
	PrevTagByteCount       = 4
	TagHeaderByteCount     = 11
)

// Tag type bytes.
const (
	TagTypeAudio      = 0x08
	TagTypeVideo      = 0x09
	TagTypeScriptData = 0x12
)

// Codec identifiers carried in tag payload headers.
const (
	SoundFormatAAC = 10
	VideoCodecAVC  = 7

	videoFrameTypeKey = 1
)

// Packet types shared by AAC and AVC tags.
const (
	PacketTypeSequenceHeader = 0
	PacketTypeNALU           = 1
)

// Kind is the tag category derived from the tag type byte.
type Kind int

// Tag kinds.
const (
	KindAudio Kind = iota
	KindVideo
	KindScriptData
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindScriptData:
		return "script"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Codec is decided once when a tag is classified. Only CodecAAC and
// CodecAVC tags are emitted by the Parser.
type Codec int

// Recognized codecs.
const (
	CodecUnsupported Codec = iota
	CodecAAC
	CodecAVC
)

func (c Codec) String() string {
	switch c {
	case CodecAAC:
		return "aac"
	case CodecAVC:
		return "avc"
	default:
		return "unsupported"
	}
}

// Header is the FLV file header.
type Header struct {
	HasAudio     bool
	HasVideo     bool
	HeaderLength uint32 // offset of the first previous-tag-size field
}

// Tag is one parsed FLV tag.
type Tag struct {
	Kind       Kind
	TrackID    uint8 // raw tag type byte
	DataLength uint32
	DTS        int64
	PTS        int64
	Codec      Codec
	PacketType uint8
	KeyFrame   bool
	CTS        int32 // composition offset in 90 kHz units, valid when HasCTS
	HasCTS     bool
	Data       []byte
}
