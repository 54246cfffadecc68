package flv

import "strconv"

// MetadataFilter declares the script-data tag type (onMetaData and friends)
// as its dispatch type. It performs no AMF decoding.
type MetadataFilter struct {
	DispatchType string
}

// NewMetadataFilter returns a filter dispatching on tag type 0x12.
func NewMetadataFilter() *MetadataFilter {
	return &MetadataFilter{DispatchType: strconv.FormatUint(TagTypeScriptData, 16)}
}

// Matches reports whether a raw tag type byte belongs to this filter.
func (m *MetadataFilter) Matches(trackID uint8) bool {
	return strconv.FormatUint(uint64(trackID), 16) == m.DispatchType
}
