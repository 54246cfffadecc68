// Package bits provides MSB-first bit cursors over byte slices, including
// the Exp-Golomb codes used by H.264 parameter sets.
package bits

import (
	"errors"
	"fmt"
)

// ErrBitstreamUnderrun is returned when a read runs past the end of the data.
var ErrBitstreamUnderrun = errors.New("bitstream underrun")

// maxExpGolombPrefix bounds the leading-zero run of an Exp-Golomb code so
// the decoded value fits in 32 bits.
const maxExpGolombPrefix = 31

// Reader reads bits MSB-first from a byte slice. The first read past the end
// of the data sets a sticky error; subsequent reads return zero values and
// the error is reported by Err.
type Reader struct {
	data   []byte
	bitPos int
	err    error
}

// NewReader returns a Reader positioned at the first bit of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first error encountered, or nil.
func (r *Reader) Err() error {
	return r.err
}

// BitsLeft returns the number of unread bits.
func (r *Reader) BitsLeft() int {
	total := len(r.data) * 8
	if r.bitPos > total {
		return 0
	}
	return total - r.bitPos
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) readBit() uint32 {
	if r.err != nil {
		return 0
	}
	if r.bitPos >= len(r.data)*8 {
		r.fail(fmt.Errorf("%w: read at bit %d of %d", ErrBitstreamUnderrun, r.bitPos, len(r.data)*8))
		return 0
	}
	byteIdx := r.bitPos / 8
	bitIdx := 7 - (r.bitPos % 8)
	r.bitPos++
	return uint32(r.data[byteIdx]>>uint(bitIdx)) & 1
}

// ReadBits reads n bits (n <= 32) as an unsigned big-endian value.
func (r *Reader) ReadBits(n int) uint32 {
	var val uint32
	for i := 0; i < n; i++ {
		val = (val << 1) | r.readBit()
	}
	return val
}

// ReadUnsignedByte reads 8 bits.
func (r *Reader) ReadUnsignedByte() uint8 {
	return uint8(r.ReadBits(8))
}

// ReadBoolean reads one bit and reports whether it is set.
func (r *Reader) ReadBoolean() bool {
	return r.ReadBits(1) != 0
}

// SkipBits advances the cursor by n bits.
func (r *Reader) SkipBits(n int) {
	if r.err != nil {
		return
	}
	if r.bitPos+n > len(r.data)*8 {
		r.fail(fmt.Errorf("%w: skip %d bits at bit %d of %d", ErrBitstreamUnderrun, n, r.bitPos, len(r.data)*8))
		r.bitPos = len(r.data) * 8
		return
	}
	r.bitPos += n
}

// ReadUnsignedExpGolomb decodes a ue(v) value.
func (r *Reader) ReadUnsignedExpGolomb() uint32 {
	zeros := 0
	for r.readBit() == 0 {
		if r.err != nil {
			return 0
		}
		zeros++
		if zeros > maxExpGolombPrefix {
			r.fail(fmt.Errorf("%w: exp-golomb prefix longer than %d bits", ErrBitstreamUnderrun, maxExpGolombPrefix))
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	suffix := r.ReadBits(zeros)
	if r.err != nil {
		return 0
	}
	return uint32((uint64(1)<<zeros)-1) + suffix
}

// ReadExpGolomb decodes an se(v) value.
func (r *Reader) ReadExpGolomb() int32 {
	val := r.ReadUnsignedExpGolomb()
	if val&1 == 1 {
		return int32((uint64(val) + 1) / 2)
	}
	return -int32(val / 2)
}

// SkipUnsignedExpGolomb advances past one ue(v) value.
func (r *Reader) SkipUnsignedExpGolomb() {
	r.ReadUnsignedExpGolomb()
}

// SkipExpGolomb advances past one se(v) value.
func (r *Reader) SkipExpGolomb() {
	r.ReadUnsignedExpGolomb()
}
