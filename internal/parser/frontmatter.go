package parser

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Frontmatter decodes the document's YAML frontmatter. It returns nil when
// there is none, when it is never closed, or when it is not a YAML mapping.
func (t *Tree) Frontmatter() map[string]any {
	if len(t.Root.Children) == 0 {
		return nil
	}
	fm := t.Root.Children[0]
	if fm.Kind != KindFrontmatter || !fm.Attrs.Closed {
		return nil
	}
	var out map[string]any
	if err := yaml.Unmarshal([]byte(t.Slice(fm.Inner)), &out); err != nil {
		// Invalid YAML: treat the note as having no properties.
		return nil
	}
	return out
}

// StringList reads a frontmatter property that may be a YAML sequence or a
// single comma separated string. With spaces set, blanks separate too.
func StringList(fm map[string]any, key string, spaces bool) []string {
	raw, ok := fm[key]
	if !ok || raw == nil {
		return nil
	}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "#"))
		if s != "" {
			out = append(out, s)
		}
	}
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || (spaces && r == ' ') }) {
			add(s)
		}
	}
	return out
}

// Body returns the text after a closed frontmatter block, leading blank lines
// trimmed. Without frontmatter it returns the whole text.
func (t *Tree) Body() string {
	if len(t.Root.Children) > 0 {
		fm := t.Root.Children[0]
		if fm.Kind == KindFrontmatter && fm.Attrs.Closed {
			return strings.TrimLeft(t.Slice(Range{Start: fm.Range.End, End: len(t.text)}), "\r\n")
		}
	}
	return string(t.text)
}
