package profile

import (
	"fmt"
	"regexp"
	"strings"
)

// Standard placeholders. {{IMAGE}} carries the base64-encoded image;
// {{PRIOR_OUTPUT}} carries the output being corrected.
const (
	PlaceholderImage       = "IMAGE"
	PlaceholderPriorOutput = "PRIOR_OUTPUT"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Z][A-Z0-9_]*)\}\}`)

// Template is a prompt template with a closed set of {{NAME}} placeholders.
// Placeholder validation happens at profile load, never at render time.
type Template string

// Placeholders returns the distinct placeholder names the template consumes,
// in first-appearance order.
func (t Template) Placeholders() []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(string(t), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// CheckDeclared verifies every consumed placeholder is declared. Unknown
// placeholders are a load-time error.
func (t Template) CheckDeclared(declared []string) error {
	allowed := map[string]bool{}
	for _, d := range declared {
		allowed[d] = true
	}
	for _, name := range t.Placeholders() {
		if !allowed[name] {
			return fmt.Errorf("op=template.check: undeclared placeholder {{%s}}", name)
		}
	}
	return nil
}

// Contains reports whether the template consumes the named placeholder.
func (t Template) Contains(name string) bool {
	for _, p := range t.Placeholders() {
		if p == name {
			return true
		}
	}
	return false
}

// Render substitutes placeholder values. Values for placeholders the
// template does not consume are ignored; consumed placeholders missing from
// values render as empty.
func (t Template) Render(values map[string]string) string {
	out := string(t)
	for _, name := range t.Placeholders() {
		out = strings.ReplaceAll(out, "{{"+name+"}}", values[name])
	}
	return out
}
