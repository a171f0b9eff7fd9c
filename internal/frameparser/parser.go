package frameparser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/iobridge/datagate/internal/gwerrors"
)

// Parse decodes a raw frame using the schema and returns the field map.
// Numeric fields with a non-zero scale become float64 after
// value = raw*scale + offset_value. STRING fields are UTF-8 with trailing
// NULs trimmed. TIMESTAMP fields are seconds since the Unix epoch, scaled
// when a scale is set (for example scale 0.001 for milliseconds).
func Parse(data []byte, s *Schema) (map[string]any, error) {
	switch s.FrameType {
	case FrameFixed:
		return parseFixed(data, s)
	case FrameVariable:
		return parseVariable(data, s)
	case FrameDelimited:
		return parseDelimited(data, s)
	}
	return nil, &gwerrors.ParseError{Reason: gwerrors.ParseBadValue, Detail: fmt.Sprintf("unknown frame type %q", s.FrameType)}
}

func parseFixed(data []byte, s *Schema) (map[string]any, error) {
	if len(data) < s.TotalLength {
		return nil, &gwerrors.ParseError{
			Reason: gwerrors.ParseInsufficientLength,
			Detail: fmt.Sprintf("need %d bytes, have %d", s.TotalLength, len(data)),
		}
	}
	if err := verifyChecksum(data, s); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		length := f.Length
		if length == 0 {
			length = typeWidth(f.DataType)
		}
		if f.Offset+length > len(data) {
			return nil, &gwerrors.ParseError{Reason: gwerrors.ParseFieldOutOfRange, Field: f.Name}
		}
		v, err := decodeField(data[f.Offset:f.Offset+length], f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func parseVariable(data []byte, s *Schema) (map[string]any, error) {
	if err := verifyChecksum(data, s); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		length := f.Length
		if f.LengthField != "" {
			n, ok := uintValue(out[f.LengthField])
			if !ok {
				return nil, &gwerrors.ParseError{
					Reason: gwerrors.ParseBadValue,
					Field:  f.Name,
					Detail: fmt.Sprintf("length field %q did not decode to an unsigned integer", f.LengthField),
				}
			}
			// Cap before the int conversion: an adversarial prefix near
			// max uint64 would wrap negative and panic the slice below.
			if n > uint64(len(data)) {
				return nil, &gwerrors.ParseError{
					Reason: gwerrors.ParseInsufficientLength,
					Field:  f.Name,
					Detail: fmt.Sprintf("length prefix %d exceeds frame of %d bytes", n, len(data)),
				}
			}
			length = int(n)
		} else if length == 0 {
			length = typeWidth(f.DataType)
		}
		if f.Offset+length > len(data) {
			return nil, &gwerrors.ParseError{
				Reason: gwerrors.ParseInsufficientLength,
				Field:  f.Name,
				Detail: fmt.Sprintf("need %d bytes, have %d", f.Offset+length, len(data)),
			}
		}
		v, err := decodeField(data[f.Offset:f.Offset+length], f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func parseDelimited(data []byte, s *Schema) (map[string]any, error) {
	payload := data
	if s.Checksum != nil && s.Checksum.Type != ChecksumNone {
		if err := verifyChecksum(data, s); err != nil {
			return nil, err
		}
		payload = data[:s.Checksum.Offset]
	}
	tokens := bytes.Split(payload, []byte(s.Delimiter))
	if len(tokens) < len(s.Fields) {
		return nil, &gwerrors.ParseError{
			Reason: gwerrors.ParseInsufficientLength,
			Detail: fmt.Sprintf("need %d tokens, have %d", len(s.Fields), len(tokens)),
		}
	}
	out := make(map[string]any, len(s.Fields))
	for i, f := range s.Fields {
		v, err := decodeToken(tokens[i], f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func verifyChecksum(data []byte, s *Schema) error {
	if s.Checksum == nil || s.Checksum.Type == ChecksumNone {
		return nil
	}
	cs := s.Checksum
	if cs.Offset+cs.Length > len(data) {
		return &gwerrors.ParseError{Reason: gwerrors.ParseInsufficientLength, Detail: "checksum extent outside frame"}
	}
	want := data[cs.Offset : cs.Offset+cs.Length]
	got, err := computeChecksum(cs.Type, data[:cs.Offset], cs.Length)
	if err != nil {
		return &gwerrors.ParseError{Reason: gwerrors.ParseBadValue, Detail: err.Error()}
	}
	if !bytes.Equal(want, got) {
		return &gwerrors.ParseError{
			Reason: gwerrors.ParseChecksumMismatch,
			Detail: fmt.Sprintf("computed %x, frame carries %x", got, want),
		}
	}
	return nil
}

// decodeField decodes a binary field slice per its data type and byte order.
func decodeField(b []byte, f FieldDef) (any, error) {
	if w := typeWidth(f.DataType); w > 0 && len(b) < w {
		return nil, &gwerrors.ParseError{
			Reason: gwerrors.ParseFieldOutOfRange,
			Field:  f.Name,
			Detail: fmt.Sprintf("%s needs %d bytes, have %d", f.DataType, w, len(b)),
		}
	}
	order := byteOrder(f.ByteOrder)
	switch f.DataType {
	case TypeInt8:
		return scaleSigned(int64(int8(b[0])), f), nil
	case TypeInt16:
		return scaleSigned(int64(int16(order.Uint16(b))), f), nil
	case TypeInt32:
		return scaleSigned(int64(int32(order.Uint32(b))), f), nil
	case TypeInt64:
		return scaleSigned(int64(order.Uint64(b)), f), nil
	case TypeUint8:
		return scaleUnsigned(uint64(b[0]), f), nil
	case TypeUint16:
		return scaleUnsigned(uint64(order.Uint16(b)), f), nil
	case TypeUint32:
		return scaleUnsigned(uint64(order.Uint32(b)), f), nil
	case TypeUint64:
		return scaleUnsigned(order.Uint64(b), f), nil
	case TypeFloat32:
		return scaleFloat(float64(math.Float32frombits(order.Uint32(b))), f), nil
	case TypeFloat64:
		return scaleFloat(math.Float64frombits(order.Uint64(b)), f), nil
	case TypeBoolean:
		return b[0] != 0, nil
	case TypeString:
		return strings.TrimRight(string(b), "\x00"), nil
	case TypeBytes:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case TypeTimestamp:
		raw := float64(int64(order.Uint64(b)))
		if f.Scale != 0 {
			raw *= f.Scale
		}
		sec, frac := math.Modf(raw)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return nil, &gwerrors.ParseError{Reason: gwerrors.ParseBadValue, Field: f.Name, Detail: fmt.Sprintf("unsupported data type %q", f.DataType)}
}

// decodeToken decodes a delimited-frame token. Numeric tokens are decimal
// text; STRING and BYTES take the token verbatim.
func decodeToken(tok []byte, f FieldDef) (any, error) {
	text := string(tok)
	switch f.DataType {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return nil, tokenErr(f, err)
		}
		return scaleSigned(n, f), nil
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		n, err := strconv.ParseUint(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return nil, tokenErr(f, err)
		}
		return scaleUnsigned(n, f), nil
	case TypeFloat32, TypeFloat64:
		v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, tokenErr(f, err)
		}
		return scaleFloat(v, f), nil
	case TypeBoolean:
		v, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return nil, tokenErr(f, err)
		}
		return v, nil
	case TypeString:
		return strings.TrimRight(text, "\x00"), nil
	case TypeBytes:
		out := make([]byte, len(tok))
		copy(out, tok)
		return out, nil
	case TypeTimestamp:
		v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, tokenErr(f, err)
		}
		if f.Scale != 0 {
			v *= f.Scale
		}
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return nil, &gwerrors.ParseError{Reason: gwerrors.ParseBadValue, Field: f.Name, Detail: fmt.Sprintf("unsupported data type %q", f.DataType)}
}

func tokenErr(f FieldDef, err error) error {
	return &gwerrors.ParseError{Reason: gwerrors.ParseBadValue, Field: f.Name, Detail: err.Error()}
}

func byteOrder(o ByteOrder) binary.ByteOrder {
	if o == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func scaleSigned(raw int64, f FieldDef) any {
	if f.Scale == 0 && f.OffsetValue == 0 {
		return raw
	}
	scale := f.Scale
	if scale == 0 {
		scale = 1
	}
	return float64(raw)*scale + f.OffsetValue
}

func scaleUnsigned(raw uint64, f FieldDef) any {
	if f.Scale == 0 && f.OffsetValue == 0 {
		return raw
	}
	scale := f.Scale
	if scale == 0 {
		scale = 1
	}
	return float64(raw)*scale + f.OffsetValue
}

func scaleFloat(raw float64, f FieldDef) any {
	if f.Scale == 0 && f.OffsetValue == 0 {
		return raw
	}
	scale := f.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + f.OffsetValue
}

func uintValue(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}
