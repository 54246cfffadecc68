// Package h264 classifies H.264 NAL units carried in elementary-stream
// units, strips emulation prevention bytes and decodes Sequence Parameter
// Sets. Around every IDR slice it re-emits the active SPS and PPS so a
// downstream muxer sees parameter sets at each random access point.
package h264

import (
	"fmt"

	"github.com/zsiec/flvdemux/internal/es"
	"github.com/zsiec/flvdemux/internal/transform"
)

// H.264 NAL unit type values as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// UnitType is the classification attached to an Event.
type UnitType int

// Classified unit types. Everything else is UnitUnclassified and passes
// through untouched.
const (
	UnitUnclassified UnitType = iota
	UnitAUD
	UnitSPS
	UnitPPS
	UnitSEI
	UnitIDR
)

func (u UnitType) String() string {
	switch u {
	case UnitAUD:
		return "access_unit_delimiter_rbsp"
	case UnitSPS:
		return "seq_parameter_set_rbsp"
	case UnitPPS:
		return "pic_parameter_set_rbsp"
	case UnitSEI:
		return "sei_rbsp"
	case UnitIDR:
		return "slice_layer_without_partitioning_rbsp_idr"
	default:
		return "unclassified"
	}
}

// Classify maps a raw NAL unit type to its UnitType.
func Classify(nalType byte) UnitType {
	switch nalType {
	case NALTypeIDR:
		return UnitIDR
	case NALTypeSEI:
		return UnitSEI
	case NALTypeSPS:
		return UnitSPS
	case NALTypePPS:
		return UnitPPS
	case NALTypeAUD:
		return UnitAUD
	default:
		return UnitUnclassified
	}
}

// audPayload is the access unit delimiter emitted ahead of every unit:
// NAL header 0x09 followed by primary_pic_type 7 and the stop bit.
var audPayload = []byte{NALTypeAUD, 0xF0}

// Event is one NAL unit leaving the parser. EscapedRBSP is set for SEI and
// SPS units, Config only for SPS units.
type Event struct {
	UnitType    UnitType
	NALType     byte
	TrackID     uint8
	DTS         int64
	PTS         int64
	Data        []byte
	EscapedRBSP []byte
	Config      *SPSConfig
}

// Parser turns video units into NAL events. It keeps no state between
// calls; parameter sets come from the configuration attached to each unit.
type Parser struct {
	transform.Channel[Event]
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Push processes one unit. Audio units are ignored. For each video unit it
// emits, in order: a synthesized AUD; for IDR slices the cached SPS
// (decoded) and PPS; then the unit itself.
func (p *Parser) Push(u es.Unit) error {
	if u.Type != es.TypeVideo {
		return nil
	}
	data := u.Data
	if len(data) == 0 {
		return fmt.Errorf("%w: empty NAL unit", es.ErrInvalidNALUnit)
	}

	nalType := data[0] & 0x1F
	ev := Event{
		UnitType: Classify(nalType),
		NALType:  nalType,
		TrackID:  u.TrackID,
		DTS:      u.DTS,
		PTS:      u.PTS,
		Data:     data,
	}

	switch ev.UnitType {
	case UnitSEI:
		ev.EscapedRBSP = DiscardEmulationPreventionBytes(data[1:])
	case UnitSPS:
		ev.EscapedRBSP = DiscardEmulationPreventionBytes(data[1:])
		cfg, err := ReadSequenceParameterSet(ev.EscapedRBSP)
		if err != nil {
			return err
		}
		ev.Config = &cfg
	}

	if err := p.Emit(p.companion(u, UnitAUD, NALTypeAUD, audPayload)); err != nil {
		return err
	}

	if ev.UnitType == UnitIDR && u.AVC != nil && len(u.AVC.SPS) > 0 {
		sps := p.companion(u, UnitSPS, NALTypeSPS, u.AVC.SPS)
		sps.EscapedRBSP = DiscardEmulationPreventionBytes(u.AVC.SPS[1:])
		cfg, err := ReadSequenceParameterSet(sps.EscapedRBSP)
		if err != nil {
			return err
		}
		sps.Config = &cfg
		if err := p.Emit(sps); err != nil {
			return err
		}
		if err := p.Emit(p.companion(u, UnitPPS, NALTypePPS, u.AVC.PPS)); err != nil {
			return err
		}
	}

	return p.Emit(ev)
}

func (p *Parser) companion(u es.Unit, t UnitType, nalType byte, data []byte) Event {
	return Event{
		UnitType: t,
		NALType:  nalType,
		TrackID:  u.TrackID,
		DTS:      u.DTS,
		PTS:      u.PTS,
		Data:     data,
	}
}
