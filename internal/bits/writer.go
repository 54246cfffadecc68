package bits

// Writer writes bits MSB-first into a growing byte slice.
type Writer struct {
	data   []byte
	bitPos int
}

// NewWriter returns a Writer with capacity for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{data: make([]byte, 0, size)}
}

// PutBit appends a single bit.
func (w *Writer) PutBit(v bool) {
	if w.bitPos%8 == 0 {
		w.data = append(w.data, 0)
	}
	if v {
		w.data[w.bitPos/8] |= 1 << uint(7-w.bitPos%8)
	}
	w.bitPos++
}

// PutBits appends the low n bits of v, most significant first.
func (w *Writer) PutBits(n int, v uint32) {
	for i := n - 1; i >= 0; i-- {
		w.PutBit((v>>uint(i))&1 == 1)
	}
}

// PutUnsignedExpGolomb appends v as ue(v).
func (w *Writer) PutUnsignedExpGolomb(v uint32) {
	code := uint64(v) + 1
	n := 0
	for c := code; c > 1; c >>= 1 {
		n++
	}
	w.PutBits(n, 0)
	for i := n; i >= 0; i-- {
		w.PutBit((code>>uint(i))&1 == 1)
	}
}

// PutExpGolomb appends v as se(v).
func (w *Writer) PutExpGolomb(v int32) {
	if v > 0 {
		w.PutUnsignedExpGolomb(uint32(v)*2 - 1)
		return
	}
	w.PutUnsignedExpGolomb(uint32(-int64(v)) * 2)
}

// PutTrailingBits appends rbsp_stop_one_bit followed by zero bits up to the
// next byte boundary.
func (w *Writer) PutTrailingBits() {
	w.PutBit(true)
	for w.bitPos%8 != 0 {
		w.PutBit(false)
	}
}

// Len returns the number of bits written.
func (w *Writer) Len() int {
	return w.bitPos
}

// Bytes returns the written data. A trailing partial byte is zero padded.
func (w *Writer) Bytes() []byte {
	return w.data
}
