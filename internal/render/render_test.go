package render

import (
	"reflect"
	"testing"
)

func TestRender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tmpl string
		vars map[string]any
		want string
	}{
		{name: "simple", tmpl: "Hi {{name}}", vars: map[string]any{"name": "A"}, want: "Hi A"},
		{name: "spaces", tmpl: "Hi {{ name }}!", vars: map[string]any{"name": "B"}, want: "Hi B!"},
		{name: "missing passes through", tmpl: "Hi {{missing}}", vars: map[string]any{"name": "A"}, want: "Hi {{missing}}"},
		{name: "nil vars", tmpl: "Hi {{name}}", vars: nil, want: "Hi {{name}}"},
		{name: "number", tmpl: "Order #{{n}}", vars: map[string]any{"n": 42}, want: "Order #42"},
		{name: "nil value", tmpl: "[{{x}}]", vars: map[string]any{"x": nil}, want: "[]"},
		{name: "repeated", tmpl: "{{a}}{{a}}", vars: map[string]any{"a": "z"}, want: "zz"},
		{name: "no placeholders", tmpl: "plain", vars: map[string]any{"a": 1}, want: "plain"},
		{name: "nested", tmpl: "Hi {{user.name}}", vars: map[string]any{"user": map[string]any{"name": "C"}}, want: "Hi C"},
		{name: "nested deep", tmpl: "{{a.b.c}}", vars: map[string]any{"a": map[string]any{"b": map[string]any{"c": 7}}}, want: "7"},
		{name: "nested string map", tmpl: "{{user.city}}", vars: map[string]any{"user": map[string]string{"city": "Oslo"}}, want: "Oslo"},
		{name: "flat dotted key wins", tmpl: "{{user.name}}", vars: map[string]any{"user.name": "flat", "user": map[string]any{"name": "nested"}}, want: "flat"},
		{name: "nested missing passes through", tmpl: "{{user.email}}", vars: map[string]any{"user": map[string]any{"name": "C"}}, want: "{{user.email}}"},
		{name: "dot into scalar", tmpl: "{{user.name}}", vars: map[string]any{"user": "C"}, want: "{{user.name}}"},
		{name: "not a placeholder", tmpl: "{{ 1bad }}", vars: map[string]any{"1bad": "x"}, want: "{{ 1bad }}"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tt.tmpl, tt.vars); got != tt.want {
				t.Fatalf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()
	got := Missing(map[string]any{"name": "A"}, "Hi {{name}} {{z}}", "Re: {{a}} {{z}}")
	want := []string{"a", "z"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Missing() = %v, want %v", got, want)
	}
	if got := Missing(map[string]any{"name": "A"}, "Hi {{name}}"); len(got) != 0 {
		t.Fatalf("Missing() = %v, want none", got)
	}
	nested := map[string]any{"user": map[string]any{"name": "A"}}
	if got := Missing(nested, "{{user.name}} {{user.plan}}"); !reflect.DeepEqual(got, []string{"user.plan"}) {
		t.Fatalf("Missing(nested) = %v, want [user.plan]", got)
	}
}

func TestPlaceholdersOrder(t *testing.T) {
	t.Parallel()
	got := Placeholders("{{b}} {{a}} {{b}}")
	if !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Fatalf("Placeholders() = %v", got)
	}
}
