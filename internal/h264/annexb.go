package h264

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// AppendAnnexB appends ev's NAL unit to dst behind a 4-byte start code.
func AppendAnnexB(dst []byte, ev Event) []byte {
	dst = append(dst, startCode...)
	return append(dst, ev.Data...)
}
