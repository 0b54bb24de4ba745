// Package template renders notification subjects and bodies by substituting
// ${name} placeholders, and manages the email template registry.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxListItems caps enumerated list values before the "+K more" suffix.
const DefaultMaxListItems = 5

var tokenRe = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// Item is one entry of a list-typed variable (e.g. a resource).
type Item struct {
	Title string
	Kind  string
}

// Vars maps placeholder names to values. Scalar values are formatted with
// fmt.Sprint; []Item values render as an enumerated list.
type Vars map[string]any

// Rendered is the outcome of a render pass. Unresolved lists placeholder
// names that had no value and were left verbatim in the output; the default
// policy is allow-with-warning, so callers decide whether to block on it.
type Rendered struct {
	Subject    string
	Body       string
	Unresolved []string
}

type Renderer struct {
	maxListItems int
}

func NewRenderer(maxListItems int) *Renderer {
	if maxListItems <= 0 {
		maxListItems = DefaultMaxListItems
	}
	return &Renderer{maxListItems: maxListItems}
}

// Render substitutes every occurrence of a known placeholder in subject and
// body. Unknown tokens are kept verbatim, never dropped, and reported once
// each in Rendered.Unresolved (first-seen order).
func (r *Renderer) Render(subject, body string, vars Vars) Rendered {
	var unresolved []string
	seen := map[string]bool{}

	sub := func(text string) string {
		return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
			name := tok[2 : len(tok)-1]
			v, ok := vars[name]
			if !ok {
				if !seen[name] {
					seen[name] = true
					unresolved = append(unresolved, name)
				}
				return tok
			}
			return r.format(v)
		})
	}

	return Rendered{
		Subject:    sub(subject),
		Body:       sub(body),
		Unresolved: unresolved,
	}
}

func (r *Renderer) format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []Item:
		return r.formatList(x)
	default:
		return fmt.Sprint(x)
	}
}

// formatList renders an enumerated list truncated to maxListItems, with a
// "+K more" suffix when entries were cut.
func (r *Renderer) formatList(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	n := len(items)
	show := n
	if show > r.maxListItems {
		show = r.maxListItems
	}
	var b strings.Builder
	for i := 0; i < show; i++ {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, items[i].Title)
		if items[i].Kind != "" {
			fmt.Fprintf(&b, " (%s)", items[i].Kind)
		}
	}
	if n > show {
		fmt.Fprintf(&b, "\n+%d more", n-show)
	}
	return b.String()
}

// ExtractVars returns the distinct placeholder names referenced by a pattern,
// in first-seen order.
func ExtractVars(pattern string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range tokenRe.FindAllStringSubmatch(pattern, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
