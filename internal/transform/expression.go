package transform

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/frame"
)

// rowEnv exposes the current row to expressions by field name. "row" holds
// the same values and is useful for names that are not identifiers.
func rowEnv(f *frame.Frame, i int) map[string]any {
	env := make(map[string]any, len(f.Fields)+1)
	row := make(map[string]any, len(f.Fields))
	for _, field := range f.Fields {
		v := field.At(i)
		if n, ok := frame.ToFloat64(v); ok && field.Type == frame.FieldTypeNumber {
			v = n
		}
		row[field.Name] = v
		if _, taken := env[field.Name]; !taken {
			env[field.Name] = v
		}
	}
	env["row"] = row
	return env
}

func compile(code string, opts ...expr.Option) (*vm.Program, error) {
	if code == "" {
		return nil, errors.New("missing expression")
	}
	opts = append(opts, expr.AllowUndefinedVariables())
	prog, err := expr.Compile(code, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "compile %q", code)
	}
	return prog, nil
}

// calculateField appends a field computed from every row.
// Options: {"expression": "value * 2", "alias": "double"}.
type calculateField struct{}

func (calculateField) ID() string { return "calculateField" }

func (calculateField) Transform(opts map[string]any, frames []*frame.Frame) ([]*frame.Frame, error) {
	code := optString(opts, "expression")
	prog, err := compile(code)
	if err != nil {
		return nil, err
	}
	alias := optString(opts, "alias")
	if alias == "" {
		alias = code
	}

	out := copyFrames(frames)
	for _, f := range out {
		n := f.Len()
		values := make([]any, n)
		for i := 0; i < n; i++ {
			v, err := expr.Run(prog, rowEnv(f, i))
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", i)
			}
			values[i] = v
		}
		field := frame.NewField(alias, frame.FieldTypeOther, values)
		if n > 0 {
			field.Type = frame.GuessFieldType(firstNonNil(values))
		}
		f.Fields = append(f.Fields, field)
	}
	return out, nil
}

func firstNonNil(values []any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// filterByValue keeps (or with "type": "exclude", drops) the rows for which
// the boolean expression holds. Options: {"expression": "value > 10"}.
type filterByValue struct{}

func (filterByValue) ID() string { return "filterByValue" }

func (filterByValue) Transform(opts map[string]any, frames []*frame.Frame) ([]*frame.Frame, error) {
	prog, err := compile(optString(opts, "expression"), expr.AsBool())
	if err != nil {
		return nil, err
	}
	exclude := optString(opts, "type") == "exclude"

	out := make([]*frame.Frame, 0, len(frames))
	for _, f := range frames {
		nf := f.ShallowCopy()
		for _, field := range nf.Fields {
			field.Values = make([]any, 0, f.Len())
		}
		for i := 0; i < f.Len(); i++ {
			res, err := expr.Run(prog, rowEnv(f, i))
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", i)
			}
			keep, _ := res.(bool)
			if keep == exclude {
				continue
			}
			for j, field := range f.Fields {
				nf.Fields[j].Values = append(nf.Fields[j].Values, field.At(i))
			}
		}
		out = append(out, nf)
	}
	return out, nil
}
