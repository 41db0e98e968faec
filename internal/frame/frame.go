// Package frame implements the columnar data frame passed between
// datasources, transformations and panels, plus row-oriented views over it.
package frame

import (
	"github.com/pkg/errors"
)

// FieldConfig holds display configuration for a field. Defaults and
// overrides are merged into it by the fieldconfig package.
type FieldConfig struct {
	DisplayName string         `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Unit        string         `json:"unit,omitempty" yaml:"unit,omitempty"`
	Decimals    *int           `json:"decimals,omitempty" yaml:"decimals,omitempty"`
	Min         *float64       `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64       `json:"max,omitempty" yaml:"max,omitempty"`
	NoValue     string         `json:"noValue,omitempty" yaml:"noValue,omitempty"`
	Custom      map[string]any `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Clone returns a copy of c that shares no pointers or maps with it.
func (c FieldConfig) Clone() FieldConfig {
	out := c
	if c.Decimals != nil {
		d := *c.Decimals
		out.Decimals = &d
	}
	if c.Min != nil {
		m := *c.Min
		out.Min = &m
	}
	if c.Max != nil {
		m := *c.Max
		out.Max = &m
	}
	if c.Custom != nil {
		out.Custom = make(map[string]any, len(c.Custom))
		for k, v := range c.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// MinMax is a numeric range.
type MinMax struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// FieldState is derived at display time and never persisted.
type FieldState struct {
	DisplayName string  `json:"displayName,omitempty"`
	Range       *MinMax `json:"range,omitempty"`
	TimeZone    string  `json:"timeZone,omitempty"`
}

// Field is one named, typed column.
type Field struct {
	Name   string            `json:"name"`
	Type   FieldType         `json:"type"`
	Config FieldConfig       `json:"config"`
	Values []any             `json:"values"`
	Labels map[string]string `json:"labels,omitempty"`
	State  *FieldState       `json:"-"`
}

// NewField creates a field holding values.
func NewField(name string, typ FieldType, values []any) *Field {
	if values == nil {
		values = []any{}
	}
	return &Field{Name: name, Type: typ, Values: values}
}

// Len returns the number of values in the field.
func (f *Field) Len() int {
	return len(f.Values)
}

// At returns the value at row i, or nil when i is out of range.
func (f *Field) At(i int) any {
	if i < 0 || i >= len(f.Values) {
		return nil
	}
	return f.Values[i]
}

// ShallowCopy copies the field struct and its config; Values are shared.
func (f *Field) ShallowCopy() *Field {
	out := *f
	out.Config = f.Config.Clone()
	if f.State != nil {
		st := *f.State
		out.State = &st
	}
	return &out
}

// FrameMeta carries optional datasource metadata.
type FrameMeta struct {
	ExecutedQueryString string         `json:"executedQueryString,omitempty"`
	Custom              map[string]any `json:"custom,omitempty"`
}

// Frame is an ordered list of equal-length fields.
type Frame struct {
	Name   string     `json:"name,omitempty"`
	RefID  string     `json:"refId,omitempty"`
	Fields []*Field   `json:"fields"`
	Meta   *FrameMeta `json:"meta,omitempty"`
}

// NewFrame creates a frame from fields.
func NewFrame(name string, fields ...*Field) *Frame {
	if fields == nil {
		fields = []*Field{}
	}
	return &Frame{Name: name, Fields: fields}
}

// Len returns the row count: the length of the first field, 0 for a frame without fields.
func (f *Frame) Len() int {
	if f == nil || len(f.Fields) == 0 {
		return 0
	}
	return f.Fields[0].Len()
}

// Validate reports whether all fields have the same length.
func (f *Frame) Validate() error {
	n := f.Len()
	for _, field := range f.Fields {
		if field.Len() != n {
			return errors.Wrapf(ErrLengthMismatch, "field %q has %d values, want %d", field.Name, field.Len(), n)
		}
	}
	return nil
}

// FieldByName returns the first field named name and its index, or (nil, -1).
func (f *Frame) FieldByName(name string) (*Field, int) {
	for i, field := range f.Fields {
		if field.Name == name {
			return field, i
		}
	}
	return nil, -1
}

// ShallowCopy returns a frame with copied field headers and shared values.
func (f *Frame) ShallowCopy() *Frame {
	out := *f
	out.Fields = make([]*Field, len(f.Fields))
	for i, field := range f.Fields {
		out.Fields[i] = field.ShallowCopy()
	}
	return &out
}

// AppendRow appends one value per field. Missing trailing values are filled with nil.
func (f *Frame) AppendRow(vals ...any) {
	for i, field := range f.Fields {
		var v any
		if i < len(vals) {
			v = vals[i]
		}
		field.Values = append(field.Values, v)
	}
}
