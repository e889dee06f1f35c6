package expressions

import (
	"errors"
	"testing"
)

func TestParseTemplateParts(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		keys    []string
		literal bool
		back    string
	}{
		{name: "empty", input: "", literal: true, back: ""},
		{name: "literal only", input: "plain", literal: true, back: "plain"},
		{name: "single expr", input: "{{ db_url }}", keys: []string{"db_url"}, back: "{{ db_url }}"},
		{name: "mixed", input: "a-{{ env }}-b", keys: []string{"env"}, back: "a-{{ env }}-b"},
		{name: "adjacent exprs", input: "{{ first }}{{ second }}", keys: []string{"first", "second"}, back: "{{ first }}{{ second }}"},
		{name: "no padding", input: "{{env}}", keys: []string{"env"}, back: "{{ env }}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTemplate(tt.input)
			if err != nil {
				t.Fatalf("ParseTemplate(%q) failed: %v", tt.input, err)
			}
			if got := tmpl.IsLiteral(); got != tt.literal {
				t.Errorf("IsLiteral() = %v, want %v", got, tt.literal)
			}
			keys := tmpl.Keys()
			if len(keys) != len(tt.keys) {
				t.Fatalf("Keys() = %v, want %v", keys, tt.keys)
			}
			for i, k := range tt.keys {
				if keys[i] != k {
					t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], k)
				}
			}
			if got := tmpl.String(); got != tt.back {
				t.Errorf("String() = %q, want %q", got, tt.back)
			}
		})
	}
}

func TestParseTemplateUnmatched(t *testing.T) {
	_, err := ParseTemplate("{{ matched }} {{ unmatched")
	if err == nil {
		t.Fatal("expected error for unmatched braces")
	}
	if !errors.Is(err, &Error{Kind: ErrInvalidTemplate}) {
		t.Errorf("expected invalid-template, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"a", "db_url", "key2", "a_b_c"}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", key, err)
		}
	}

	invalid := []string{"", "Upper", "1num", "trailing_", "double__under", "has-dash", "has space"}
	for _, key := range invalid {
		if err := ValidateKey(key); err == nil {
			t.Errorf("ValidateKey(%q) = nil, want error", key)
		}
	}
}
