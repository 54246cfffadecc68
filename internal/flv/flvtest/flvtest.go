// Package flvtest builds FLV byte streams for tests.
package flvtest

import "encoding/binary"

// Header returns a 9-byte FLV file header with the given stream flags.
func Header(hasAudio, hasVideo bool) []byte {
	header := make([]byte, 9)
	copy(header[0:3], "FLV")
	header[3] = 1

	flags := byte(0)
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}
	header[4] = flags
	binary.BigEndian.PutUint32(header[5:9], 9)
	return header
}

// Tag encodes one FLV tag followed by its previous-tag-size field
// (11 + len(data)). The timestamp's low 24 bits go in bytes 4-6 and the
// extension byte in byte 7.
func Tag(tagType byte, timestamp uint32, data []byte) []byte {
	out := make([]byte, 11+len(data)+4)
	out[0] = tagType
	out[1] = byte(len(data) >> 16)
	out[2] = byte(len(data) >> 8)
	out[3] = byte(len(data))
	out[4] = byte(timestamp >> 16)
	out[5] = byte(timestamp >> 8)
	out[6] = byte(timestamp)
	out[7] = byte(timestamp >> 24)
	copy(out[11:], data)
	binary.BigEndian.PutUint32(out[11+len(data):], uint32(11+len(data)))
	return out
}

// File concatenates a header, the initial zero previous-tag-size and tags.
func File(hasAudio, hasVideo bool, tags ...[]byte) []byte {
	out := Header(hasAudio, hasVideo)
	out = append(out, 0, 0, 0, 0)
	for _, t := range tags {
		out = append(out, t...)
	}
	return out
}

// AACPayload returns an AAC audio tag payload (44.1 kHz, 16-bit, stereo).
func AACPayload(packetType byte, data []byte) []byte {
	return append([]byte{0xAF, packetType}, data...)
}

// AVCPayload returns an AVC video tag payload with a 24-bit composition time.
func AVCPayload(keyFrame bool, packetType byte, cts int32, data []byte) []byte {
	first := byte(0x27)
	if keyFrame {
		first = 0x17
	}
	out := []byte{first, packetType, byte(cts >> 16), byte(cts >> 8), byte(cts)}
	return append(out, data...)
}

// AVCDecoderConfig returns an AVCDecoderConfigurationRecord holding one SPS
// and one PPS, using lengthSize bytes per NAL length prefix.
func AVCDecoderConfig(lengthSize int, sps, pps []byte) []byte {
	out := []byte{1, 0x64, 0x00, 0x1F, 0xFC | byte(lengthSize-1), 0xE1}
	out = append(out, byte(len(sps)>>8), byte(len(sps)))
	out = append(out, sps...)
	out = append(out, 1, byte(len(pps)>>8), byte(len(pps)))
	return append(out, pps...)
}

// NALUs length-prefixes each NAL unit with lengthSize big-endian bytes.
func NALUs(lengthSize int, nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		for i := lengthSize - 1; i >= 0; i-- {
			out = append(out, byte(len(n)>>(8*i)))
		}
		out = append(out, n...)
	}
	return out
}
