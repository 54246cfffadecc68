// Package captions decodes CEA-608 and CEA-708 closed captions carried in
// H.264 SEI NAL units (ATSC A/53 user data).
package captions

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/flvdemux/internal/h264"
	"github.com/zsiec/flvdemux/internal/transform"
)

// Extractor consumes NAL events and emits a caption frame whenever a
// decoder produces displayable text. It holds decoder state for one stream.
type Extractor struct {
	transform.Channel[*ccx.CaptionFrame]

	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte
	seiCount   int64

	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

// NewExtractor creates an Extractor with CC1-CC4 and 708 services 1-6.
func NewExtractor() *Extractor {
	e := &Extractor{
		cea608Decs: make(map[int]*ccx.CEA608Decoder),
		cea708Svcs: make(map[int]*ccx.CEA708Service),
	}
	for ch := 1; ch <= 4; ch++ {
		e.cea608Decs[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		e.cea708Svcs[svc] = ccx.NewCEA708Service()
	}
	return e
}

// Push inspects one NAL event. Only SEI units are decoded.
func (e *Extractor) Push(ev h264.Event) error {
	if ev.UnitType != h264.UnitSEI {
		return nil
	}
	e.seiCount++

	cd := ccx.ExtractCaptions(ev.Data)
	if cd == nil {
		return nil
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// Control codes are transmitted twice; decode the repeat only if
		// it arrives more than two SEI units later.
		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		f := pair.Field
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			gap := e.seiCount - e.lastCCCtrlFrame[f]
			if e.lastCCWasCtrl[f] && e.lastCCCtrl[f] == cp && gap <= 2 {
				e.lastCCWasCtrl[f] = false
				continue
			}
			e.lastCCCtrl[f] = cp
			e.lastCCWasCtrl[f] = true
			e.lastCCCtrlFrame[f] = e.seiCount
		} else {
			e.lastCCWasCtrl[f] = false
		}

		dec := e.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: ev.PTS, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			if err := e.Emit(frame); err != nil {
				return err
			}
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			if err := e.drainDTVCC(ev.PTS); err != nil {
				return err
			}
			e.dtvccBuf = e.dtvccBuf[:0]
		}
		e.dtvccBuf = append(e.dtvccBuf, t.Data[0], t.Data[1])
	}
	return nil
}

// Flush decodes a pending DTVCC packet. Call it once the stream ends.
func (e *Extractor) Flush(pts int64) error {
	err := e.drainDTVCC(pts)
	e.dtvccBuf = e.dtvccBuf[:0]
	return err
}

func (e *Extractor) drainDTVCC(pts int64) error {
	if len(e.dtvccBuf) < 1 {
		return nil
	}
	packetSize := ccx.DTVCCPacketSize(e.dtvccBuf[0])
	if len(e.dtvccBuf) < packetSize {
		return nil
	}

	for _, block := range ccx.ParseDTVCCPacket(e.dtvccBuf[:packetSize]) {
		svc := e.cea708Svcs[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		text := svc.DisplayText()
		if text == "" {
			continue
		}
		// 708 services follow the four 608 channels and two text channels.
		channel := block.ServiceNum + 6
		frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: channel}
		frame.Regions = svc.StyledRegions()
		if err := e.Emit(frame); err != nil {
			return err
		}
	}
	e.dtvccBuf = e.dtvccBuf[packetSize:]
	return nil
}
