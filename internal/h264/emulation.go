package h264

// DiscardEmulationPreventionBytes removes the 0x03 from every 00 00 03
// sequence found from offset 1 onward. Data without such a sequence is
// returned as is, without copying.
func DiscardEmulationPreventionBytes(data []byte) []byte {
	var positions []int
	for i := 1; i < len(data)-2; {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 0x03 {
			positions = append(positions, i+2)
			i += 2
		} else {
			i++
		}
	}
	if len(positions) == 0 {
		return data
	}

	out := make([]byte, 0, len(data)-len(positions))
	prev := 0
	for _, pos := range positions {
		out = append(out, data[prev:pos]...)
		prev = pos + 1
	}
	return append(out, data[prev:]...)
}
