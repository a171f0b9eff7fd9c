// Package frameparser decodes raw binary frames into field maps according to
// declarative schemas. The parser is pure: identical (bytes, schema) input
// yields identical output, and no I/O happens here.
package frameparser

import (
	"fmt"

	"github.com/iobridge/datagate/internal/gwerrors"
)

// FrameType selects the frame layout strategy.
type FrameType string

const (
	FrameFixed     FrameType = "fixed"
	FrameVariable  FrameType = "variable"
	FrameDelimited FrameType = "delimited"
)

// DataType is the wire type of a single field.
type DataType string

const (
	TypeInt8      DataType = "INT8"
	TypeInt16     DataType = "INT16"
	TypeInt32     DataType = "INT32"
	TypeInt64     DataType = "INT64"
	TypeUint8     DataType = "UINT8"
	TypeUint16    DataType = "UINT16"
	TypeUint32    DataType = "UINT32"
	TypeUint64    DataType = "UINT64"
	TypeFloat32   DataType = "FLOAT32"
	TypeFloat64   DataType = "FLOAT64"
	TypeString    DataType = "STRING"
	TypeBytes     DataType = "BYTES"
	TypeBoolean   DataType = "BOOLEAN"
	TypeTimestamp DataType = "TIMESTAMP"
)

// ByteOrder selects endianness for multi-byte numeric fields.
type ByteOrder string

const (
	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

// ChecksumType selects the frame checksum algorithm.
type ChecksumType string

const (
	ChecksumNone      ChecksumType = "NONE"
	ChecksumCRC16     ChecksumType = "CRC16"
	ChecksumCRC32     ChecksumType = "CRC32"
	ChecksumMD5       ChecksumType = "MD5"
	ChecksumSHA256    ChecksumType = "SHA256"
	ChecksumSimpleSum ChecksumType = "SIMPLE_SUM"
)

// FieldDef describes one field of a frame.
type FieldDef struct {
	Name        string    `json:"name" yaml:"name"`
	Offset      int       `json:"offset" yaml:"offset"`
	Length      int       `json:"length" yaml:"length"`
	DataType    DataType  `json:"data_type" yaml:"data_type"`
	ByteOrder   ByteOrder `json:"byte_order,omitempty" yaml:"byte_order"`
	Scale       float64   `json:"scale,omitempty" yaml:"scale"`
	OffsetValue float64   `json:"offset_value,omitempty" yaml:"offset_value"`

	// LengthField names an earlier unsigned integer field whose decoded
	// value supplies this field's length. Only valid in variable frames,
	// only for STRING/BYTES fields, and only as the final field.
	LengthField string `json:"length_field,omitempty" yaml:"length_field"`
}

// ChecksumSpec describes the checksum region of a frame. The checksum is
// computed over bytes [0, Offset) and compared to bytes [Offset, Offset+Length).
type ChecksumSpec struct {
	Type   ChecksumType `json:"type" yaml:"type"`
	Offset int          `json:"offset" yaml:"offset"`
	Length int          `json:"length" yaml:"length"`
}

// Schema is the immutable description of a binary frame layout.
type Schema struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Version     string        `json:"version,omitempty" yaml:"version"`
	FrameType   FrameType     `json:"frame_type" yaml:"frame_type"`
	TotalLength int           `json:"total_length,omitempty" yaml:"total_length"`
	Fields      []FieldDef    `json:"fields" yaml:"fields"`
	Checksum    *ChecksumSpec `json:"checksum,omitempty" yaml:"checksum"`

	// Delimiter is the token separator for delimited frames.
	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter"`
}

// typeWidth returns the fixed byte width of a data type, or 0 for
// variable-width types (STRING, BYTES).
func typeWidth(t DataType) int {
	switch t {
	case TypeInt8, TypeUint8, TypeBoolean:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64, TypeTimestamp:
		return 8
	}
	return 0
}

func isUnsigned(t DataType) bool {
	switch t {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return true
	}
	return false
}

// Validate checks schema invariants: field extents inside the frame,
// non-overlapping offsets, and a well-formed variable tail. Schemas that mix
// fixed-offset fields after a variable-length tail are rejected: once a field
// of unknown length appears, later offsets cannot be trusted.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", gwerrors.ErrSchemaInvalid)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: at least one field is required", gwerrors.ErrSchemaInvalid)
	}

	switch s.FrameType {
	case FrameFixed:
		if s.TotalLength <= 0 {
			return fmt.Errorf("%w: fixed frame requires total_length", gwerrors.ErrSchemaInvalid)
		}
		return s.validateExtents(s.TotalLength)
	case FrameVariable:
		return s.validateVariable()
	case FrameDelimited:
		if s.Delimiter == "" {
			return fmt.Errorf("%w: delimited frame requires delimiter", gwerrors.ErrSchemaInvalid)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown frame_type %q", gwerrors.ErrSchemaInvalid, s.FrameType)
	}
}

func (s *Schema) validateExtents(total int) error {
	type extent struct {
		name       string
		start, end int
	}
	extents := make([]extent, 0, len(s.Fields))
	for _, f := range s.Fields {
		length := f.Length
		if w := typeWidth(f.DataType); w > 0 {
			if length != 0 && length != w {
				return fmt.Errorf("%w: field %s length %d does not match %s width %d",
					gwerrors.ErrSchemaInvalid, f.Name, length, f.DataType, w)
			}
			length = w
		}
		if length <= 0 {
			return fmt.Errorf("%w: field %s has no length", gwerrors.ErrSchemaInvalid, f.Name)
		}
		if f.Offset < 0 || f.Offset+length > total {
			return fmt.Errorf("%w: field %s extent [%d,%d) outside frame of %d bytes",
				gwerrors.ErrSchemaInvalid, f.Name, f.Offset, f.Offset+length, total)
		}
		extents = append(extents, extent{f.Name, f.Offset, f.Offset + length})
	}
	for i, a := range extents {
		for _, b := range extents[i+1:] {
			if a.start < b.end && b.start < a.end {
				return fmt.Errorf("%w: fields %s and %s overlap", gwerrors.ErrSchemaInvalid, a.name, b.name)
			}
		}
	}
	if s.Checksum != nil && s.Checksum.Type != ChecksumNone {
		if s.Checksum.Offset <= 0 || s.Checksum.Offset+s.Checksum.Length > total {
			return fmt.Errorf("%w: checksum extent outside frame", gwerrors.ErrSchemaInvalid)
		}
	}
	return nil
}

func (s *Schema) validateVariable() error {
	widths := make(map[string]DataType, len(s.Fields))
	sawVariable := false
	for i, f := range s.Fields {
		if sawVariable {
			return fmt.Errorf("%w: field %s follows a variable-length field", gwerrors.ErrSchemaInvalid, f.Name)
		}
		if f.LengthField != "" {
			if f.DataType != TypeBytes && f.DataType != TypeString {
				return fmt.Errorf("%w: variable field %s must be BYTES or STRING", gwerrors.ErrSchemaInvalid, f.Name)
			}
			ref, ok := widths[f.LengthField]
			if !ok {
				return fmt.Errorf("%w: length_field %q of %s does not reference an earlier field",
					gwerrors.ErrSchemaInvalid, f.LengthField, f.Name)
			}
			if !isUnsigned(ref) {
				return fmt.Errorf("%w: length_field %q must be an unsigned integer", gwerrors.ErrSchemaInvalid, f.LengthField)
			}
			if i != len(s.Fields)-1 {
				return fmt.Errorf("%w: variable field %s must be last", gwerrors.ErrSchemaInvalid, f.Name)
			}
			sawVariable = true
			continue
		}
		if w := typeWidth(f.DataType); w > 0 {
			if f.Length != 0 && f.Length != w {
				return fmt.Errorf("%w: field %s length %d does not match %s width %d",
					gwerrors.ErrSchemaInvalid, f.Name, f.Length, f.DataType, w)
			}
		} else if f.Length == 0 {
			return fmt.Errorf("%w: field %s has no length", gwerrors.ErrSchemaInvalid, f.Name)
		}
		widths[f.Name] = f.DataType
	}
	if !sawVariable {
		return fmt.Errorf("%w: variable frame requires a length-prefixed field", gwerrors.ErrSchemaInvalid)
	}
	return nil
}
