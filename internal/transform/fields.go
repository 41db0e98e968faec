package transform

import (
	"regexp"
	"sort"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/frame"
)

// filterFieldsByName keeps fields matching "include" and drops fields
// matching "exclude". Both take {"names": [...], "pattern": "regexp"}.
type filterFieldsByName struct{}

func (filterFieldsByName) ID() string { return "filterFieldsByName" }

type nameMatcher struct {
	names   map[string]bool
	pattern *regexp.Regexp
}

func newNameMatcher(opts map[string]any) (*nameMatcher, error) {
	if opts == nil {
		return nil, nil
	}
	m := &nameMatcher{names: make(map[string]bool)}
	for _, n := range optStrings(opts, "names") {
		m.names[n] = true
	}
	if p := optString(opts, "pattern"); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "pattern %q", p)
		}
		m.pattern = re
	}
	return m, nil
}

func (m *nameMatcher) match(name string) bool {
	return m.names[name] || (m.pattern != nil && m.pattern.MatchString(name))
}

func (filterFieldsByName) Transform(opts map[string]any, frames []*frame.Frame) ([]*frame.Frame, error) {
	include, err := newNameMatcher(optMap(opts, "include"))
	if err != nil {
		return nil, err
	}
	exclude, err := newNameMatcher(optMap(opts, "exclude"))
	if err != nil {
		return nil, err
	}
	if include == nil && exclude == nil {
		return frames, nil
	}

	out := make([]*frame.Frame, 0, len(frames))
	for _, f := range frames {
		nf := *f
		nf.Fields = nil
		for _, field := range f.Fields {
			if include != nil && !include.match(field.Name) {
				continue
			}
			if exclude != nil && exclude.match(field.Name) {
				continue
			}
			nf.Fields = append(nf.Fields, field)
		}
		if len(nf.Fields) > 0 {
			out = append(out, &nf)
		}
	}
	return out, nil
}

// organize excludes, renames and reorders fields:
// {"excludeByName": {name: true}, "renameByName": {name: new}, "indexByName": {name: n}}.
type organize struct{}

func (organize) ID() string { return "organize" }

func (organize) Transform(opts map[string]any, frames []*frame.Frame) ([]*frame.Frame, error) {
	exclude := optMap(opts, "excludeByName")
	rename := optMap(opts, "renameByName")
	index := optMap(opts, "indexByName")

	out := copyFrames(frames)
	for _, f := range out {
		kept := f.Fields[:0:0]
		for _, field := range f.Fields {
			if ex, _ := exclude[field.Name].(bool); ex {
				continue
			}
			kept = append(kept, field)
		}

		pos := func(field *frame.Field) int {
			if n, ok := optInt(index[field.Name]); ok {
				return n
			}
			return len(kept)
		}
		sort.SliceStable(kept, func(i, j int) bool { return pos(kept[i]) < pos(kept[j]) })

		for _, field := range kept {
			if to, ok := rename[field.Name].(string); ok && to != "" {
				field.Config.DisplayName = to
				field.Name = to
			}
		}
		f.Fields = kept
	}
	return out, nil
}
