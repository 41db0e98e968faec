package frame

import (
	"iter"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// View exposes a frame as a sequence of rows.
//
// A View owns a single Row cursor. Every call to Get rebinds that same Row to
// the requested index and returns it, so a *Row obtained earlier from the same
// View observes the values of the most recently requested row. Callers that
// need to keep a row across Get calls must take a Copy (or use ToJSON).
type View struct {
	frame *Frame
	index map[string]int
	names []string
	row   *Row
}

// NewView creates a view over f. The view reads f lazily; later changes to
// the field values are visible through it.
func NewView(f *Frame) *View {
	if f == nil {
		f = NewFrame("")
	}
	v := &View{
		frame: f,
		index: make(map[string]int, len(f.Fields)),
		names: make([]string, len(f.Fields)),
	}
	// names stays positional; by-name lookups resolve to the first field.
	for i, field := range f.Fields {
		v.names[i] = field.Name
		if _, dup := v.index[field.Name]; !dup {
			v.index[field.Name] = i
		}
	}
	v.row = &Row{view: v}
	return v
}

// Frame returns the frame backing the view.
func (v *View) Frame() *Frame {
	return v.frame
}

// Len returns the number of rows.
func (v *View) Len() int {
	return v.frame.Len()
}

// Get binds the view's row cursor to idx and returns it.
func (v *View) Get(idx int) (*Row, error) {
	if idx < 0 || idx >= v.Len() {
		return nil, errors.Wrapf(ErrOutOfRange, "index %d, length %d", idx, v.Len())
	}
	v.row.index = idx
	return v.row, nil
}

// ToJSON returns every row as an independent name to value mapping.
func (v *View) ToJSON() []map[string]any {
	out := make([]map[string]any, v.Len())
	for i := range out {
		out[i] = v.snapshot(i)
	}
	return out
}

// MarshalJSON encodes the view as an array of row objects.
func (v *View) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToJSON())
}

// Rows returns a lazy sequence over the rows of the view. Each pass starts a
// fresh cursor. The accessor slice is reused between rows, and accessors
// always read the row the sequence is currently positioned on.
func (v *View) Rows() iter.Seq2[int, []FieldAccessor] {
	return func(yield func(int, []FieldAccessor) bool) {
		cursor := new(int)
		accessors := make([]FieldAccessor, len(v.frame.Fields))
		for i, field := range v.frame.Fields {
			accessors[i] = FieldAccessor{field: field, cursor: cursor}
		}
		n := v.Len()
		for i := 0; i < n; i++ {
			*cursor = i
			if !yield(i, accessors) {
				return
			}
		}
	}
}

// MapRows eagerly applies fn to every row of v.
func MapRows[T any](v *View, fn func(fields []FieldAccessor, index int) T) []T {
	out := make([]T, 0, v.Len())
	for i, fields := range v.Rows() {
		out = append(out, fn(fields, i))
	}
	return out
}

func (v *View) snapshot(idx int) map[string]any {
	m := make(map[string]any, len(v.index))
	for name, i := range v.index {
		m[name] = v.frame.Fields[i].At(idx)
	}
	return m
}

// Row is a cursor bound to one row of a View.
type Row struct {
	view  *View
	index int
}

// Index returns the row index the cursor is currently bound to.
func (r *Row) Index() int {
	return r.index
}

// Keys returns the field names in declaration order, one per field, so
// Keys()[k] names the value returned by At(k).
func (r *Row) Keys() []string {
	out := make([]string, len(r.view.names))
	copy(out, r.view.names)
	return out
}

// Get returns the value of the named field. Names that are not fields of
// the frame report (nil, false).
func (r *Row) Get(name string) (any, bool) {
	i, ok := r.view.index[name]
	if !ok {
		return nil, false
	}
	return r.view.frame.Fields[i].At(r.index), true
}

// Value is Get without the presence flag.
func (r *Row) Value(name string) any {
	v, _ := r.Get(name)
	return v
}

// At returns the value of the i-th field. Positions outside the field list
// report (nil, false).
func (r *Row) At(i int) (any, bool) {
	fields := r.view.frame.Fields
	if i < 0 || i >= len(fields) {
		return nil, false
	}
	return fields[i].At(r.index), true
}

// Copy returns the current values as a new map that is safe to retain.
func (r *Row) Copy() map[string]any {
	return r.view.snapshot(r.index)
}

// MarshalJSON encodes the row the cursor is currently bound to.
func (r *Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Copy())
}

// FieldAccessor reads one field at the row a Rows sequence is positioned on.
type FieldAccessor struct {
	field  *Field
	cursor *int
}

// Name returns the field name.
func (a FieldAccessor) Name() string {
	return a.field.Name
}

// Type returns the field type.
func (a FieldAccessor) Type() FieldType {
	return a.field.Type
}

// Value returns the field value at the current row.
func (a FieldAccessor) Value() any {
	return a.field.At(*a.cursor)
}
