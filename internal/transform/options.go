package transform

import (
	"fmt"

	"github.com/tinytelemetry/panels/internal/frame"
)

// Options arrive from YAML or JSON, so lists and maps are untyped.

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optMap(opts map[string]any, key string) map[string]any {
	switch m := opts[key].(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return nil
}

func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func optInt(v any) (int, bool) {
	n, ok := frame.ToFloat64(v)
	return int(n), ok
}

// copyFrames returns frames whose field headers may be changed freely.
func copyFrames(frames []*frame.Frame) []*frame.Frame {
	out := make([]*frame.Frame, len(frames))
	for i, f := range frames {
		out[i] = f.ShallowCopy()
	}
	return out
}
