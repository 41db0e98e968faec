// Package templating substitutes dashboard template variables into query
// text.
package templating

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tinytelemetry/panels/internal/model"
)

// Matches $name, ${name}, ${name:format} and [[name]] / [[name:format]].
var variablePattern = regexp.MustCompile(`\$(\w+)|\$\{(\w+)(?::(\w+))?\}|\[\[(\w+)(?::(\w+))?\]\]`)

// Replace substitutes the variables of vars found in target. Variables that
// are not in vars are left as written.
func Replace(target string, vars model.ScopedVars) string {
	if target == "" || len(vars) == 0 || !strings.ContainsAny(target, "$[") {
		return target
	}
	return variablePattern.ReplaceAllStringFunc(target, func(match string) string {
		m := variablePattern.FindStringSubmatch(match)
		name, format := m[1], ""
		switch {
		case m[2] != "":
			name, format = m[2], m[3]
		case m[4] != "":
			name, format = m[4], m[5]
		}
		v, ok := vars[name]
		if !ok {
			return match
		}
		return formatValue(v, format)
	})
}

// Variables returns the distinct variable names referenced by target.
func Variables(target string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range variablePattern.FindAllStringSubmatch(target, -1) {
		name := m[1] + m[2] + m[4]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func formatValue(v model.ScopedVar, format string) string {
	switch val := v.Value.(type) {
	case nil:
		return v.Text
	case string:
		return val
	case []string:
		return formatMulti(val, format)
	case []any:
		parts := make([]string, len(val))
		for i, p := range val {
			parts[i] = fmt.Sprint(p)
		}
		return formatMulti(parts, format)
	default:
		return fmt.Sprint(val)
	}
}

func formatMulti(values []string, format string) string {
	switch format {
	case "csv", "raw":
		return strings.Join(values, ",")
	case "pipe":
		return strings.Join(values, "|")
	case "sqlstring":
		quoted := make([]string, len(values))
		for i, v := range values {
			quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		return strings.Join(quoted, ",")
	default:
		if len(values) == 1 {
			return values[0]
		}
		return "{" + strings.Join(values, ",") + "}"
	}
}
