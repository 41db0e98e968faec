package transform

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/frame"
)

// Reducer ids understood by the reduce transformer.
const (
	ReduceLast  = "last"
	ReduceFirst = "first"
	ReduceMin   = "min"
	ReduceMax   = "max"
	ReduceMean  = "mean"
	ReduceSum   = "sum"
	ReduceCount = "count"
)

// Reduce computes reducer over the non-nil numeric values of vals.
// It reports false when there is nothing to reduce.
func Reduce(reducer string, vals []any) (float64, bool, error) {
	var nums []float64
	for _, v := range vals {
		if n, ok := frame.ToFloat64(v); ok && !math.IsNaN(n) {
			nums = append(nums, n)
		}
	}
	if reducer == ReduceCount {
		return float64(len(nums)), true, nil
	}
	if len(nums) == 0 {
		switch reducer {
		case ReduceLast, ReduceFirst, ReduceMin, ReduceMax, ReduceMean, ReduceSum:
			return 0, false, nil
		}
		return 0, false, errors.Errorf("unknown reducer %q", reducer)
	}

	switch reducer {
	case ReduceLast:
		return nums[len(nums)-1], true, nil
	case ReduceFirst:
		return nums[0], true, nil
	case ReduceMin:
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Min(m, n)
		}
		return m, true, nil
	case ReduceMax:
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Max(m, n)
		}
		return m, true, nil
	case ReduceSum, ReduceMean:
		var sum float64
		for _, n := range nums {
			sum += n
		}
		if reducer == ReduceMean {
			return sum / float64(len(nums)), true, nil
		}
		return sum, true, nil
	}
	return 0, false, errors.Errorf("unknown reducer %q", reducer)
}

// reduce turns every numeric field into one row of a single output frame:
// a "Field" column followed by one column per reducer.
// Options: {"reducers": ["last", "max"]}; default ["last"].
type reduce struct{}

func (reduce) ID() string { return "reduce" }

func (reduce) Transform(opts map[string]any, frames []*frame.Frame) ([]*frame.Frame, error) {
	reducers := optStrings(opts, "reducers")
	if len(reducers) == 0 {
		reducers = []string{ReduceLast}
	}

	names := frame.NewField("Field", frame.FieldTypeString, nil)
	calcs := make([]*frame.Field, len(reducers))
	for i, r := range reducers {
		calcs[i] = frame.NewField(r, frame.FieldTypeNumber, nil)
	}

	for _, f := range frames {
		for _, field := range f.Fields {
			if field.Type != frame.FieldTypeNumber {
				continue
			}
			name := field.Name
			if field.Config.DisplayName != "" {
				name = field.Config.DisplayName
			}
			if len(frames) > 1 && f.Name != "" {
				name = f.Name + " " + name
			}
			names.Values = append(names.Values, name)
			for i, r := range reducers {
				v, ok, err := Reduce(r, field.Values)
				if err != nil {
					return nil, err
				}
				if ok {
					calcs[i].Values = append(calcs[i].Values, v)
				} else {
					calcs[i].Values = append(calcs[i].Values, nil)
				}
			}
		}
	}

	out := frame.NewFrame("reduce", append([]*frame.Field{names}, calcs...)...)
	return []*frame.Frame{out}, nil
}
