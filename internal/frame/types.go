package frame

import (
	stdjson "encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// FieldType describes the kind of values held by a field.
type FieldType string

const (
	FieldTypeTime    FieldType = "time"
	FieldTypeNumber  FieldType = "number"
	FieldTypeString  FieldType = "string"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeOther   FieldType = "other"
)

// Common errors returned by the frame package.
var (
	// ErrOutOfRange is returned when a row index is outside [0, Len).
	ErrOutOfRange = errors.New("row index out of range")

	// ErrLengthMismatch is returned when the fields of a frame have different lengths.
	ErrLengthMismatch = errors.New("fields have different lengths")

	// ErrUnsupportedType is returned when a value cannot be mapped to an Arrow type.
	ErrUnsupportedType = errors.New("unsupported field type")
)

// GuessFieldType returns the field type that best describes v.
// A nil value yields FieldTypeOther.
func GuessFieldType(v any) FieldType {
	switch v.(type) {
	case time.Time, *time.Time:
		return FieldTypeTime
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, stdjson.Number, jsoniter.Number:
		return FieldTypeNumber
	case string:
		return FieldTypeString
	case bool:
		return FieldTypeBoolean
	default:
		return FieldTypeOther
	}
}

// GuessFieldTypes fills in the type of every FieldTypeOther (or empty) field
// from its first non-nil value. Fields named "time" holding numbers are
// treated as epoch millisecond time fields.
func GuessFieldTypes(f *Frame) {
	if f == nil {
		return
	}
	for _, field := range f.Fields {
		if field.Type != "" && field.Type != FieldTypeOther {
			continue
		}
		field.Type = FieldTypeOther
		for _, v := range field.Values {
			if v == nil {
				continue
			}
			field.Type = GuessFieldType(v)
			break
		}
		if field.Type == FieldTypeNumber && (field.Name == "time" || field.Name == "Time") {
			field.Type = FieldTypeTime
		}
	}
}

// ToFloat64 converts numeric values to float64. Time values convert to epoch milliseconds.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case stdjson.Number:
		f, err := n.Float64()
		return f, err == nil
	case jsoniter.Number:
		f, err := n.Float64()
		return f, err == nil
	case time.Time:
		return float64(n.UnixMilli()), true
	case *float64:
		if n == nil {
			return 0, false
		}
		return *n, true
	default:
		return 0, false
	}
}

func formatValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
