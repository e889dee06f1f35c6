package expressions

import (
	"fmt"
	"strings"
)

// Template is a simple string template that allows variable expressions in
// double curly braces, similar to Mustache or Liquid: "db-{{ env }}-main".
type Template struct {
	parts []part
}

type partKind int

const (
	partLiteral partKind = iota
	partExpr
)

type part struct {
	kind partKind
	text string
}

// ParseTemplate parses a template string into literal and expression parts.
// An unmatched "{{" is an error.
func ParseTemplate(s string) (Template, error) {
	var parts []part
	remainder := s
	for remainder != "" {
		if rest, ok := strings.CutPrefix(remainder, "{{"); ok {
			expr, rest, ok := strings.Cut(rest, "}}")
			if !ok {
				return Template{}, &Error{
					Kind:   ErrInvalidTemplate,
					Detail: "unmatched '{{' in template",
				}
			}
			expr = strings.TrimSpace(expr)
			if err := ValidateKey(expr); err != nil {
				return Template{}, err
			}
			parts = append(parts, part{kind: partExpr, text: expr})
			remainder = rest
			continue
		}
		if idx := strings.Index(remainder, "{{"); idx >= 0 {
			parts = append(parts, part{kind: partLiteral, text: remainder[:idx]})
			remainder = remainder[idx:]
		} else {
			parts = append(parts, part{kind: partLiteral, text: remainder})
			remainder = ""
		}
	}
	return Template{parts: parts}, nil
}

// IsLiteral reports whether the template contains no expressions.
func (t Template) IsLiteral() bool {
	for _, p := range t.parts {
		if p.kind == partExpr {
			return false
		}
	}
	return true
}

// Keys returns the variable names referenced by the template, in order.
func (t Template) Keys() []string {
	var keys []string
	for _, p := range t.parts {
		if p.kind == partExpr {
			keys = append(keys, p.text)
		}
	}
	return keys
}

// String reassembles the template source form.
func (t Template) String() string {
	var b strings.Builder
	for _, p := range t.parts {
		switch p.kind {
		case partLiteral:
			b.WriteString(p.text)
		case partExpr:
			fmt.Fprintf(&b, "{{ %s }}", p.text)
		}
	}
	return b.String()
}

// ValidateKey checks that a variable name is well-formed: lowercase letters,
// digits and single underscores, starting with a letter.
func ValidateKey(key string) error {
	bad := func(detail string) error {
		return &Error{Kind: ErrInvalidKey, Detail: fmt.Sprintf("invalid variable name %q: %s", key, detail)}
	}
	if key == "" {
		return bad("empty")
	}
	if key[0] < 'a' || key[0] > 'z' {
		return bad("must start with a lowercase letter")
	}
	if strings.HasSuffix(key, "_") {
		return bad("must not end with an underscore")
	}
	if strings.Contains(key, "__") {
		return bad("must not contain consecutive underscores")
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return bad("only lowercase letters, digits and underscores are allowed")
		}
	}
	return nil
}
