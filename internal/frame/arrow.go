package frame

import (
	"bufio"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

// Schema metadata keys written alongside Arrow records.
const (
	metaFrameName = "name"
	metaRefID     = "refId"
	metaFieldType = "type"
	metaUnit      = "unit"
)

func arrowType(t FieldType) (arrow.DataType, error) {
	switch t {
	case FieldTypeTime:
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	case FieldTypeNumber:
		return arrow.PrimitiveTypes.Float64, nil
	case FieldTypeString, FieldTypeOther, "":
		return arrow.BinaryTypes.String, nil
	case FieldTypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedType, "field type %q", t)
}

// ToArrow converts the frame to an Arrow record. The caller must Release it.
func (f *Frame) ToArrow(mem memory.Allocator) (arrow.Record, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if mem == nil {
		mem = memory.NewGoAllocator()
	}

	fields := make([]arrow.Field, len(f.Fields))
	for i, field := range f.Fields {
		dt, err := arrowType(field.Type)
		if err != nil {
			return nil, err
		}
		md := arrow.NewMetadata(
			[]string{metaFieldType, metaUnit},
			[]string{string(field.Type), field.Config.Unit},
		)
		fields[i] = arrow.Field{Name: field.Name, Type: dt, Nullable: true, Metadata: md}
	}
	schemaMeta := arrow.NewMetadata([]string{metaFrameName, metaRefID}, []string{f.Name, f.RefID})
	schema := arrow.NewSchema(fields, &schemaMeta)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i, field := range f.Fields {
		if err := appendValues(b.Field(i), field); err != nil {
			return nil, err
		}
	}
	return b.NewRecord(), nil
}

func appendValues(b array.Builder, field *Field) error {
	switch builder := b.(type) {
	case *array.TimestampBuilder:
		for _, v := range field.Values {
			switch t := v.(type) {
			case time.Time:
				builder.Append(arrow.Timestamp(t.UnixMilli()))
			case nil:
				builder.AppendNull()
			default:
				ms, ok := ToFloat64(v)
				if !ok {
					return errors.Wrapf(ErrUnsupportedType, "field %q: %T is not a time", field.Name, v)
				}
				builder.Append(arrow.Timestamp(int64(ms)))
			}
		}
	case *array.Float64Builder:
		for _, v := range field.Values {
			if v == nil {
				builder.AppendNull()
				continue
			}
			n, ok := ToFloat64(v)
			if !ok {
				return errors.Wrapf(ErrUnsupportedType, "field %q: %T is not a number", field.Name, v)
			}
			builder.Append(n)
		}
	case *array.BooleanBuilder:
		for _, v := range field.Values {
			bv, ok := v.(bool)
			if !ok {
				builder.AppendNull()
				continue
			}
			builder.Append(bv)
		}
	case *array.StringBuilder:
		for _, v := range field.Values {
			switch s := v.(type) {
			case nil:
				builder.AppendNull()
			case string:
				builder.Append(s)
			default:
				builder.Append(formatValue(s))
			}
		}
	default:
		return errors.Wrapf(ErrUnsupportedType, "builder %T", b)
	}
	return nil
}

// FromArrow converts an Arrow record into a frame.
func FromArrow(rec arrow.Record) (*Frame, error) {
	schema := rec.Schema()
	f := NewFrame("")
	if md := schema.Metadata(); md.Len() > 0 {
		if i := md.FindKey(metaFrameName); i >= 0 {
			f.Name = md.Values()[i]
		}
		if i := md.FindKey(metaRefID); i >= 0 {
			f.RefID = md.Values()[i]
		}
	}

	for i, col := range rec.Columns() {
		af := schema.Field(i)
		field := NewField(af.Name, FieldTypeOther, make([]any, col.Len()))
		if j := af.Metadata.FindKey(metaUnit); j >= 0 {
			field.Config.Unit = af.Metadata.Values()[j]
		}

		switch arr := col.(type) {
		case *array.Timestamp:
			field.Type = FieldTypeTime
			unit := arr.DataType().(*arrow.TimestampType).Unit
			for r := 0; r < arr.Len(); r++ {
				if arr.IsValid(r) {
					field.Values[r] = arr.Value(r).ToTime(unit)
				}
			}
		case *array.Float64:
			field.Type = FieldTypeNumber
			for r := 0; r < arr.Len(); r++ {
				if arr.IsValid(r) {
					field.Values[r] = arr.Value(r)
				}
			}
		case *array.Int64:
			field.Type = FieldTypeNumber
			for r := 0; r < arr.Len(); r++ {
				if arr.IsValid(r) {
					field.Values[r] = arr.Value(r)
				}
			}
		case *array.Boolean:
			field.Type = FieldTypeBoolean
			for r := 0; r < arr.Len(); r++ {
				if arr.IsValid(r) {
					field.Values[r] = arr.Value(r)
				}
			}
		case *array.String:
			field.Type = FieldTypeString
			for r := 0; r < arr.Len(); r++ {
				if arr.IsValid(r) {
					field.Values[r] = arr.Value(r)
				}
			}
		default:
			return nil, errors.Wrapf(ErrUnsupportedType, "column %q of arrow type %s", af.Name, col.DataType())
		}

		if j := af.Metadata.FindKey(metaFieldType); j >= 0 {
			if declared := FieldType(af.Metadata.Values()[j]); declared != "" {
				field.Type = declared
			}
		}
		f.Fields = append(f.Fields, field)
	}
	return f, nil
}

// WriteArrowStream writes frames as consecutive Arrow IPC streams.
func WriteArrowStream(w io.Writer, frames []*Frame) error {
	mem := memory.NewGoAllocator()
	for _, f := range frames {
		rec, err := f.ToArrow(mem)
		if err != nil {
			return err
		}
		writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
		werr := writer.Write(rec)
		cerr := writer.Close()
		rec.Release()
		if werr != nil {
			return errors.Wrap(werr, "arrow: write record")
		}
		if cerr != nil {
			return errors.Wrap(cerr, "arrow: close writer")
		}
	}
	return nil
}

// ReadArrowStream reads consecutive Arrow IPC streams until EOF and returns
// a frame per record.
func ReadArrowStream(r io.Reader) ([]*Frame, error) {
	br := bufio.NewReader(r)
	var out []*Frame
	for {
		if _, err := br.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, errors.Wrap(err, "arrow: peek stream")
		}
		frames, err := readOneStream(br)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
}

func readOneStream(r io.Reader) ([]*Frame, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "arrow: open reader")
	}
	defer reader.Release()

	var out []*Frame
	for reader.Next() {
		f, err := FromArrow(reader.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "arrow: read record")
	}
	return out, nil
}
