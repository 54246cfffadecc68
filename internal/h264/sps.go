package h264

import (
	"fmt"
	"math"

	"github.com/zsiec/flvdemux/internal/bits"
)

// SPSConfig holds the fields decoded from a Sequence Parameter Set.
// Width includes the sample aspect ratio scale.
type SPSConfig struct {
	ProfileIDC           uint8
	ProfileCompatibility uint8
	LevelIDC             uint8
	Width                uint32
	Height               uint32
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.64001F").
func (s SPSConfig) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ProfileCompatibility, s.LevelIDC)
}

// profilesWithChromaInfo lists the profile_idc values whose SPS carries
// chroma format, bit depth and scaling matrix fields.
var profilesWithChromaInfo = map[uint8]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// sampleAspectRatios maps aspect_ratio_idc 1-16 (Table E-1) to width:height.
var sampleAspectRatios = [...][2]uint32{
	1: {1, 1}, 2: {12, 11}, 3: {10, 11}, 4: {16, 11},
	5: {40, 33}, 6: {24, 11}, 7: {20, 11}, 8: {32, 11},
	9: {80, 33}, 10: {18, 11}, 11: {15, 11}, 12: {64, 33},
	13: {160, 99}, 14: {4, 3}, 15: {3, 2}, 16: {2, 1},
}

const aspectRatioExtendedSAR = 255

func skipScalingList(br *bits.Reader, size int) {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta := int(br.ReadExpGolomb())
			nextScale = ((lastScale+delta)%256 + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// ReadSequenceParameterSet decodes profile, level and picture dimensions
// from an SPS RBSP: the NAL payload after the header byte with emulation
// prevention bytes removed.
func ReadSequenceParameterSet(rbsp []byte) (SPSConfig, error) {
	br := bits.NewReader(rbsp)

	profileIdc := br.ReadUnsignedByte()
	profileCompatibility := br.ReadUnsignedByte()
	levelIdc := br.ReadUnsignedByte()
	br.SkipUnsignedExpGolomb() // seq_parameter_set_id

	if profilesWithChromaInfo[profileIdc] {
		chromaFormatIdc := br.ReadUnsignedExpGolomb()
		if chromaFormatIdc == 3 {
			br.SkipBits(1) // separate_colour_plane_flag
		}
		br.SkipUnsignedExpGolomb() // bit_depth_luma_minus8
		br.SkipUnsignedExpGolomb() // bit_depth_chroma_minus8
		br.SkipBits(1)             // qpprime_y_zero_transform_bypass_flag
		if br.ReadBoolean() {      // seq_scaling_matrix_present_flag
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count && br.Err() == nil; i++ {
				if !br.ReadBoolean() {
					continue
				}
				if i < 6 {
					skipScalingList(br, 16)
				} else {
					skipScalingList(br, 64)
				}
			}
		}
	}

	br.SkipUnsignedExpGolomb() // log2_max_frame_num_minus4
	switch br.ReadUnsignedExpGolomb() {
	case 0:
		br.SkipUnsignedExpGolomb() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.SkipBits(1)     // delta_pic_order_always_zero_flag
		br.SkipExpGolomb() // offset_for_non_ref_pic
		br.SkipExpGolomb() // offset_for_top_to_bottom_field
		n := br.ReadUnsignedExpGolomb()
		for i := uint32(0); i < n && br.Err() == nil; i++ {
			br.SkipExpGolomb() // offset_for_ref_frame
		}
	}

	br.SkipUnsignedExpGolomb() // max_num_ref_frames
	br.SkipBits(1)             // gaps_in_frame_num_value_allowed_flag

	picWidthInMbsMinus1 := int64(br.ReadUnsignedExpGolomb())
	picHeightInMapUnitsMinus1 := int64(br.ReadUnsignedExpGolomb())

	frameMbsOnly := int64(br.ReadBits(1))
	if frameMbsOnly == 0 {
		br.SkipBits(1) // mb_adaptive_frame_field_flag
	}
	br.SkipBits(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom int64
	if br.ReadBoolean() { // frame_cropping_flag
		cropLeft = int64(br.ReadUnsignedExpGolomb())
		cropRight = int64(br.ReadUnsignedExpGolomb())
		cropTop = int64(br.ReadUnsignedExpGolomb())
		cropBottom = int64(br.ReadUnsignedExpGolomb())
	}

	sarScale := 1.0
	if br.ReadBoolean() && br.ReadBoolean() { // vui_parameters_present_flag, aspect_ratio_info_present_flag
		var sar [2]uint32
		switch idc := br.ReadUnsignedByte(); {
		case idc == aspectRatioExtendedSAR:
			sar[0] = uint32(br.ReadUnsignedByte())<<8 | uint32(br.ReadUnsignedByte())
			sar[1] = uint32(br.ReadUnsignedByte())<<8 | uint32(br.ReadUnsignedByte())
		case int(idc) < len(sampleAspectRatios):
			sar = sampleAspectRatios[idc]
		}
		if sar[0] != 0 && sar[1] != 0 {
			sarScale = float64(sar[0]) / float64(sar[1])
		}
	}

	if err := br.Err(); err != nil {
		return SPSConfig{}, fmt.Errorf("read SPS: %w", err)
	}

	width := math.Ceil(float64((picWidthInMbsMinus1+1)*16-cropLeft*2-cropRight*2) * sarScale)
	height := (2-frameMbsOnly)*(picHeightInMapUnitsMinus1+1)*16 - cropTop*2 - cropBottom*2

	return SPSConfig{
		ProfileIDC:           profileIdc,
		ProfileCompatibility: profileCompatibility,
		LevelIDC:             levelIdc,
		Width:                clampDimension(int64(width)),
		Height:               clampDimension(height),
	}, nil
}

func clampDimension(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
