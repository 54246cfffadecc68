// Package eventlog writes and reads a compact binary log of demuxed
// events. A log starts with a 4-byte magic followed by records, each a
// sequence of QUIC variable-length integers:
//
//	kind | zigzag(pts) | zigzag(dts) | aux | len(data) | data
//
// aux is the NAL unit type for NAL records, the sample rate for audio
// records and the caption channel for caption records.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/zsiec/ccx"

	"github.com/zsiec/flvdemux/internal/aac"
	"github.com/zsiec/flvdemux/internal/h264"
)

// Magic prefixes every event log.
var Magic = [4]byte{'F', 'L', 'V', 'E'}

var (
	ErrBadMagic     = errors.New("eventlog: bad magic")
	ErrBadRecord    = errors.New("eventlog: malformed record")
	ErrValueTooLong = errors.New("eventlog: value exceeds varint range")
)

// maxDataLen bounds a single record payload.
const maxDataLen = 64 << 20

// Kind identifies what a record describes.
type Kind uint64

const (
	KindNAL Kind = iota + 1
	KindAudio
	KindCaption
)

func (k Kind) String() string {
	switch k {
	case KindNAL:
		return "nal"
	case KindAudio:
		return "audio"
	case KindCaption:
		return "caption"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// Record is one logged event.
type Record struct {
	Kind Kind
	PTS  int64
	DTS  int64
	Aux  uint64
	Data []byte
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// Writer appends records to an io.Writer. It is not safe for concurrent use.
type Writer struct {
	w       io.Writer
	buf     []byte
	started bool
	count   int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes one record. The magic is written before the first record.
func (w *Writer) Write(r Record) error {
	if r.Aux > quicvarint.Max {
		return fmt.Errorf("%w: aux %d", ErrValueTooLong, r.Aux)
	}
	b := w.buf[:0]
	if !w.started {
		b = append(b, Magic[:]...)
	}
	b = quicvarint.Append(b, uint64(r.Kind))
	b = appendSigned(b, r.PTS)
	b = appendSigned(b, r.DTS)
	b = quicvarint.Append(b, r.Aux)
	b = quicvarint.Append(b, uint64(len(r.Data)))
	b = append(b, r.Data...)
	w.buf = b

	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	w.started = true
	w.count++
	return nil
}

// appendSigned zigzag-encodes v. Values whose encoding exceeds the varint
// range are clamped; 90 kHz timestamps never get there.
func appendSigned(b []byte, v int64) []byte {
	z := zigzag(v)
	if z > quicvarint.Max {
		z = quicvarint.Max
	}
	return quicvarint.Append(b, z)
}

// WriteNAL logs an H.264 NAL event.
func (w *Writer) WriteNAL(ev h264.Event) error {
	return w.Write(Record{Kind: KindNAL, PTS: ev.PTS, DTS: ev.DTS, Aux: uint64(ev.NALType), Data: ev.Data})
}

// WriteAudio logs an AAC frame.
func (w *Writer) WriteAudio(f aac.Frame) error {
	return w.Write(Record{Kind: KindAudio, PTS: f.PTS, DTS: f.DTS, Aux: uint64(f.SampleRate), Data: f.Data})
}

// WriteCaption logs a decoded caption's text.
func (w *Writer) WriteCaption(c *ccx.CaptionFrame) error {
	return w.Write(Record{Kind: KindCaption, PTS: c.PTS, DTS: c.PTS, Aux: uint64(c.Channel), Data: []byte(c.Text)})
}

// Count reports how many records have been written.
func (w *Writer) Count() int {
	return w.count
}

// Reader decodes records written by Writer.
type Reader struct {
	r       *bufio.Reader
	started bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF at a clean end of log and
// ErrBadRecord when the log ends inside a record.
func (r *Reader) Next() (Record, error) {
	if !r.started {
		var m [4]byte
		if _, err := io.ReadFull(r.r, m[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("%w: %v", ErrBadMagic, err)
		}
		if m != Magic {
			return Record{}, fmt.Errorf("%w: % x", ErrBadMagic, m)
		}
		r.started = true
	}

	kind, err := quicvarint.Read(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: kind: %v", ErrBadRecord, err)
	}

	var fields [4]uint64
	for i := range fields {
		v, err := quicvarint.Read(r.r)
		if err != nil {
			return Record{}, fmt.Errorf("%w: field %d: %v", ErrBadRecord, i, err)
		}
		fields[i] = v
	}

	rec := Record{
		Kind: Kind(kind),
		PTS:  unzigzag(fields[0]),
		DTS:  unzigzag(fields[1]),
		Aux:  fields[2],
	}
	if n := fields[3]; n > maxDataLen {
		return Record{}, fmt.Errorf("%w: data length %d", ErrBadRecord, n)
	} else if n > 0 {
		rec.Data = make([]byte, n)
		if _, err := io.ReadFull(r.r, rec.Data); err != nil {
			return Record{}, fmt.Errorf("%w: data: %v", ErrBadRecord, err)
		}
	}
	return rec, nil
}
