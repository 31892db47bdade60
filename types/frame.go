// Package types defines the shared data model for frame acquisition:
// identifiers, decoded frames, load requests and the error taxonomy.
package types //nolint:revive // types is a valid package name

import (
	"fmt"
	"strings"
)

// SchemeDelimiter separates the scheme prefix from the rest of an identifier.
const SchemeDelimiter = ":"

// DerivedScheme is the scheme of identifiers assigned to synthesized frames.
const DerivedScheme = "derived"

// Identifier is an opaque frame identifier with a scheme prefix.
// Example: "lode:volumes/ct-1/slice-0004", "https://pacs.example.com/f/12".
type Identifier string

// Scheme returns the substring before the first ':'.
// An identifier without a delimiter is its own scheme.
func (id Identifier) Scheme() string {
	s := string(id)
	if i := strings.Index(s, SchemeDelimiter); i >= 0 {
		return s[:i]
	}
	return s
}

// Path returns the part of the identifier after the scheme delimiter.
// Returns the empty string when there is no delimiter.
func (id Identifier) Path() string {
	s := string(id)
	if i := strings.Index(s, SchemeDelimiter); i >= 0 {
		return s[i+len(SchemeDelimiter):]
	}
	return ""
}

// IsDerived reports whether the identifier was assigned by derived-frame synthesis.
func (id Identifier) IsDerived() bool {
	return id.Scheme() == DerivedScheme
}

// String implements fmt.Stringer.
func (id Identifier) String() string { return string(id) }

// BufferType selects the element type of a frame payload.
type BufferType string

// Buffer type constants.
const (
	BufferUint8   BufferType = "uint8"
	BufferInt16   BufferType = "int16"
	BufferUint16  BufferType = "uint16"
	BufferFloat32 BufferType = "float32"
)

// BytesPerElement returns the element width of the buffer type.
// Unknown and empty buffer types are treated as float32.
func (b BufferType) BytesPerElement() int {
	switch b {
	case BufferUint8:
		return 1
	case BufferInt16, BufferUint16:
		return 2
	default:
		return 4
	}
}

// ParseBufferType parses a buffer type name.
func ParseBufferType(s string) (BufferType, error) {
	switch b := BufferType(strings.ToLower(s)); b {
	case BufferUint8, BufferInt16, BufferUint16, BufferFloat32:
		return b, nil
	case "":
		return BufferFloat32, nil
	default:
		return "", fmt.Errorf("invalid buffer type: %q (must be uint8, int16, uint16, or float32)", s)
	}
}

// Geometry is the shape and placement metadata shared by a frame and the
// frames derived from it.
type Geometry struct {
	Rows    int `msgpack:"rows" json:"rows" yaml:"rows"`
	Columns int `msgpack:"columns" json:"columns" yaml:"columns"`
	// RowSpacing and ColumnSpacing are in millimetres.
	RowSpacing    float64 `msgpack:"row_spacing" json:"row_spacing" yaml:"row_spacing"`
	ColumnSpacing float64 `msgpack:"column_spacing" json:"column_spacing" yaml:"column_spacing"`
	// Orientation holds the row then column direction cosines.
	Orientation [6]float64 `msgpack:"orientation" json:"orientation" yaml:"orientation"`
	Origin      [3]float64 `msgpack:"origin" json:"origin" yaml:"origin"`
}

// Valid reports whether the geometry describes a non-empty plane.
func (g Geometry) Valid() bool {
	return g.Rows > 0 && g.Columns > 0
}

// PixelCount returns rows * columns.
func (g Geometry) PixelCount() int {
	return g.Rows * g.Columns
}

// Frame is one decoded 2-D image unit: an opaque payload plus geometry.
type Frame struct {
	ID         Identifier `msgpack:"id"`
	Geometry   Geometry   `msgpack:"geometry"`
	BufferType BufferType `msgpack:"buffer_type"`
	Payload    []byte     `msgpack:"payload"`
	// Derived is set on frames synthesized from a source frame.
	Derived bool `msgpack:"derived,omitempty"`
	// SourceID is the frame a derived frame was synthesized from.
	SourceID Identifier `msgpack:"source_id,omitempty"`
}

// SizeInBytes returns the payload length.
func (f *Frame) SizeInBytes() int {
	if f == nil {
		return 0
	}
	return len(f.Payload)
}

// LoadOptions tune a single fetch.
type LoadOptions struct {
	// TargetBuffer is the element type the loader should decode into.
	TargetBuffer BufferType
	// PreScale asks the loader to apply modality rescale before returning.
	PreScale bool
	// IgnoreCache makes LoadAndCache behave like a one-shot load.
	IgnoreCache bool
}

// DerivedOptions tune derived-frame synthesis.
type DerivedOptions struct {
	// ID overrides the generated derived identifier.
	ID Identifier
	// TargetBuffer is the payload element type (default float32).
	TargetBuffer BufferType
	// SkipBufferCreate allocates a minimal placeholder payload instead of
	// a full zero-filled plane.
	SkipBufferCreate bool
}

// FrameSummary is a flat description of a frame for rendering and logs.
type FrameSummary struct {
	ID         string `json:"id" yaml:"id"`
	Rows       int    `json:"rows" yaml:"rows"`
	Columns    int    `json:"columns" yaml:"columns"`
	BufferType string `json:"buffer_type" yaml:"buffer_type"`
	Bytes      int    `json:"bytes" yaml:"bytes"`
	Derived    bool   `json:"derived" yaml:"derived"`
}

// Summary returns a flat description of the frame.
func (f *Frame) Summary() FrameSummary {
	return FrameSummary{
		ID:         string(f.ID),
		Rows:       f.Geometry.Rows,
		Columns:    f.Geometry.Columns,
		BufferType: string(f.BufferType),
		Bytes:      len(f.Payload),
		Derived:    f.Derived,
	}
}
