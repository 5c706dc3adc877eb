// Package render substitutes {{name}} placeholders. Dotted names such as
// {{user.name}} walk nested maps. Unknown names are left untouched so the
// literal placeholder survives into the output.
package render

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var rePlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Render replaces every resolvable placeholder in tmpl with its value from
// vars. Nil values render as the empty string.
func Render(tmpl string, vars map[string]any) string {
	if tmpl == "" || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return rePlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := rePlaceholder.FindStringSubmatch(m)[1]
		v, ok := lookup(vars, name)
		if !ok {
			return m
		}
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// Placeholders lists distinct placeholder names in order of first use.
func Placeholders(tmpl string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range rePlaceholder.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Missing returns the sorted placeholder names across all templates that vars
// does not resolve.
func Missing(vars map[string]any, tmpls ...string) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range tmpls {
		for _, name := range Placeholders(t) {
			if _, ok := lookup(vars, name); ok || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// lookup resolves name in vars. An exact key wins; otherwise each dot
// descends one level into a nested map.
func lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	head, rest, ok := strings.Cut(name, ".")
	if !ok {
		return nil, false
	}
	switch next := vars[head].(type) {
	case map[string]any:
		return lookup(next, rest)
	case map[string]string:
		v, ok := next[rest]
		return v, ok
	default:
		return nil, false
	}
}
