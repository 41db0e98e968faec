// Package fieldconfig merges panel field defaults and overrides into the
// config of every field.
package fieldconfig

import (
	"math"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/frame"
)

// Matcher ids.
const (
	MatchByName       = "byName"
	MatchByRegexp     = "byRegexp"
	MatchByType       = "byType"
	MatchByFrameRefID = "byFrameRefID"
)

// Property ids. Custom properties use the "custom." prefix.
const (
	PropUnit        = "unit"
	PropDecimals    = "decimals"
	PropMin         = "min"
	PropMax         = "max"
	PropDisplayName = "displayName"
	PropNoValue     = "noValue"
	customPrefix    = "custom."
)

// Options is the field configuration of a panel.
type Options struct {
	Defaults  frame.FieldConfig `json:"defaults" yaml:"defaults"`
	Overrides []Override        `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// Override applies Properties to the fields selected by Matcher.
type Override struct {
	Matcher    Matcher    `json:"matcher" yaml:"matcher"`
	Properties []Property `json:"properties" yaml:"properties"`
}

// Matcher selects fields. Options is a field name, a regular expression, a
// field type or a frame refId depending on ID.
type Matcher struct {
	ID      string `json:"id" yaml:"id"`
	Options string `json:"options" yaml:"options"`
}

// Property sets one field config value.
type Property struct {
	ID    string `json:"id" yaml:"id"`
	Value any    `json:"value" yaml:"value"`
}

// ApplyOptions is the input of ApplyFieldOverrides.
type ApplyOptions struct {
	Data        []*frame.Frame
	FieldConfig Options
	TimeZone    string
	AutoMinMax  bool
}

type compiledOverride struct {
	match func(f *frame.Frame, field *frame.Field) bool
	props []Property
}

func compileMatcher(m Matcher) (func(*frame.Frame, *frame.Field) bool, error) {
	switch m.ID {
	case MatchByName:
		return func(_ *frame.Frame, field *frame.Field) bool {
			return field.Name == m.Options || displayName(field) == m.Options
		}, nil
	case MatchByRegexp:
		re, err := regexp.Compile(m.Options)
		if err != nil {
			return nil, errors.Wrapf(err, "matcher %s", m.ID)
		}
		return func(_ *frame.Frame, field *frame.Field) bool {
			return re.MatchString(field.Name)
		}, nil
	case MatchByType:
		return func(_ *frame.Frame, field *frame.Field) bool {
			return string(field.Type) == m.Options
		}, nil
	case MatchByFrameRefID:
		return func(f *frame.Frame, _ *frame.Field) bool {
			return f.RefID == m.Options
		}, nil
	}
	return nil, errors.Errorf("unknown matcher %q", m.ID)
}

// ApplyFieldOverrides returns new frames whose fields carry the merged
// config: field config first, then panel defaults for unset values, then
// overrides in order. Values are shared with the input; nothing in the input
// is modified. Overrides with invalid matchers are ignored.
func ApplyFieldOverrides(opts ApplyOptions) []*frame.Frame {
	var overrides []compiledOverride
	for _, o := range opts.FieldConfig.Overrides {
		match, err := compileMatcher(o.Matcher)
		if err != nil {
			continue
		}
		overrides = append(overrides, compiledOverride{match: match, props: o.Properties})
	}

	var global *frame.MinMax
	if opts.AutoMinMax {
		global = findNumericRange(opts.Data)
	}

	out := make([]*frame.Frame, len(opts.Data))
	for i, f := range opts.Data {
		nf := f.ShallowCopy()
		for _, field := range nf.Fields {
			cfg := mergeDefaults(field.Config, opts.FieldConfig.Defaults)
			for _, o := range overrides {
				if o.match(f, field) {
					for _, p := range o.props {
						setProperty(&cfg, p)
					}
				}
			}
			field.Config = cfg

			state := &frame.FieldState{DisplayName: displayName(field)}
			if field.Type == frame.FieldTypeNumber && global != nil {
				r := *global
				if cfg.Min != nil {
					r.Min = *cfg.Min
				}
				if cfg.Max != nil {
					r.Max = *cfg.Max
				}
				state.Range = &r
			}
			if field.Type == frame.FieldTypeTime {
				state.TimeZone = opts.TimeZone
			}
			field.State = state
		}
		out[i] = nf
	}
	return out
}

func mergeDefaults(cfg, defaults frame.FieldConfig) frame.FieldConfig {
	out := cfg.Clone()
	d := defaults.Clone()
	if out.DisplayName == "" {
		out.DisplayName = d.DisplayName
	}
	if out.Unit == "" {
		out.Unit = d.Unit
	}
	if out.Decimals == nil {
		out.Decimals = d.Decimals
	}
	if out.Min == nil {
		out.Min = d.Min
	}
	if out.Max == nil {
		out.Max = d.Max
	}
	if out.NoValue == "" {
		out.NoValue = d.NoValue
	}
	for k, v := range d.Custom {
		if out.Custom == nil {
			out.Custom = make(map[string]any)
		}
		if _, ok := out.Custom[k]; !ok {
			out.Custom[k] = v
		}
	}
	return out
}

func setProperty(cfg *frame.FieldConfig, p Property) {
	switch p.ID {
	case PropUnit:
		cfg.Unit, _ = p.Value.(string)
	case PropDisplayName:
		cfg.DisplayName, _ = p.Value.(string)
	case PropNoValue:
		cfg.NoValue, _ = p.Value.(string)
	case PropDecimals:
		if n, ok := frame.ToFloat64(p.Value); ok {
			d := int(n)
			cfg.Decimals = &d
		} else {
			cfg.Decimals = nil
		}
	case PropMin:
		cfg.Min = floatPtr(p.Value)
	case PropMax:
		cfg.Max = floatPtr(p.Value)
	default:
		if key, ok := strings.CutPrefix(p.ID, customPrefix); ok && key != "" {
			if cfg.Custom == nil {
				cfg.Custom = make(map[string]any)
			}
			cfg.Custom[key] = p.Value
		}
	}
}

func floatPtr(v any) *float64 {
	n, ok := frame.ToFloat64(v)
	if !ok {
		return nil
	}
	return &n
}

func displayName(field *frame.Field) string {
	if field.Config.DisplayName != "" {
		return field.Config.DisplayName
	}
	return field.Name
}

func findNumericRange(frames []*frame.Frame) *frame.MinMax {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, f := range frames {
		for _, field := range f.Fields {
			if field.Type != frame.FieldTypeNumber {
				continue
			}
			for _, v := range field.Values {
				n, ok := frame.ToFloat64(v)
				if !ok || math.IsNaN(n) {
					continue
				}
				lo = math.Min(lo, n)
				hi = math.Max(hi, n)
			}
		}
	}
	if math.IsInf(lo, 1) {
		return nil
	}
	return &frame.MinMax{Min: lo, Max: hi}
}
