// Package parser turns markdown text into a tree of structural spans.
//
// Parsing never fails: malformed or ambiguous input degrades to the most
// specific recognizable span or to plain text. Offsets are rune offsets.
//
// Range always covers a construct including its delimiters; Inner covers the
// content between them. For `*italic*` Range is the whole eight runes and
// Inner is "italic".
package parser

import (
	"sort"
	"strings"
)

// Kind is the closed set of span kinds.
type Kind uint8

const (
	KindDocument Kind = iota
	KindParagraph
	KindHeading
	KindEmphasis
	KindStrong
	KindStrikeThrough
	KindHighlight
	KindInlineCode
	KindCodeBlock
	KindMath
	KindWikiLink
	KindEmbed
	KindMarkdownLink
	KindTag
	KindBlockquote
	KindCallout
	KindListItem
	KindTable
	KindFootnote
	KindComment
	KindFrontmatter
	KindHorizontalRule
	KindBlockID
)

var kindNames = [...]string{
	KindDocument:       "document",
	KindParagraph:      "paragraph",
	KindHeading:        "heading",
	KindEmphasis:       "emphasis",
	KindStrong:         "strong",
	KindStrikeThrough:  "strikethrough",
	KindHighlight:      "highlight",
	KindInlineCode:     "inline_code",
	KindCodeBlock:      "code_block",
	KindMath:           "math",
	KindWikiLink:       "wikilink",
	KindEmbed:          "embed",
	KindMarkdownLink:   "markdown_link",
	KindTag:            "tag",
	KindBlockquote:     "blockquote",
	KindCallout:        "callout",
	KindListItem:       "list_item",
	KindTable:          "table",
	KindFootnote:       "footnote",
	KindComment:        "comment",
	KindFrontmatter:    "frontmatter",
	KindHorizontalRule: "horizontal_rule",
	KindBlockID:        "block_id",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// MarshalText renders the kind name in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Fold is a callout's fold marker.
type Fold uint8

const (
	FoldNone Fold = iota
	FoldOpen
	FoldClosed
)

// Range is a half-open [Start, End) rune range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int { return r.End - r.Start }

// Contains reports whether off lies in [Start, End).
func (r Range) Contains(off int) bool { return off >= r.Start && off < r.End }

func (r Range) shift(d int) Range { return Range{Start: r.Start + d, End: r.End + d} }

// Attrs holds the kind-specific payload. Only the fields relevant to a span's
// Kind are set.
type Attrs struct {
	Level       int    `json:"level,omitempty"`        // Heading
	Lang        string `json:"lang,omitempty"`         // CodeBlock
	CalloutKind string `json:"callout_kind,omitempty"` // Callout
	Fold        Fold   `json:"fold,omitempty"`         // Callout
	Ordered     bool   `json:"ordered,omitempty"`      // ListItem
	Task        bool   `json:"task,omitempty"`         // ListItem
	Checked     bool   `json:"checked,omitempty"`      // ListItem
	Indent      int    `json:"indent,omitempty"`       // ListItem
	Def         bool   `json:"def,omitempty"`          // Footnote: definition rather than reference
	Image       bool   `json:"image,omitempty"`        // MarkdownLink
	Display     bool   `json:"display,omitempty"`      // Math: block rather than inline
	Fenced      bool   `json:"fenced,omitempty"`       // multi-line delimited block
	Closed      bool   `json:"closed,omitempty"`       // fenced block found its closing delimiter
}

// Span is one node of the structural tree.
type Span struct {
	Kind  Kind  `json:"kind"`
	Range Range `json:"range"`
	Inner Range `json:"inner"`
	// Target is the link destination for WikiLink, Embed and MarkdownLink
	// (subpath included, alias excluded) and the label for Footnote.
	Target   Range  `json:"target,omitempty"`
	Attrs    Attrs  `json:"attrs"`
	Children []Span `json:"children,omitempty"`
}

// shifted returns a deep copy of s moved by d runes.
func (s Span) shifted(d int) Span {
	s.Range = s.Range.shift(d)
	s.Inner = s.Inner.shift(d)
	if s.Target != (Range{}) {
		s.Target = s.Target.shift(d)
	}
	if len(s.Children) > 0 {
		kids := make([]Span, len(s.Children))
		for i, c := range s.Children {
			kids[i] = c.shifted(d)
		}
		s.Children = kids
	}
	return s
}

// Walk visits s and its descendants depth-first in document order. Returning
// false from fn skips the span's children.
func Walk(s Span, fn func(Span) bool) {
	if !fn(s) {
		return
	}
	for _, c := range s.Children {
		Walk(c, fn)
	}
}

// Equal reports whether two span trees are structurally identical.
func Equal(a, b Span) bool {
	if a.Kind != b.Kind || a.Range != b.Range || a.Inner != b.Inner || a.Target != b.Target || a.Attrs != b.Attrs {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// Tree is a parsed document: the root span plus the text it annotates.
type Tree struct {
	Root  Span
	text  []rune
	lines []int // start offset of every line
}

// Text returns the parsed text verbatim.
func (t *Tree) Text() string { return string(t.text) }

// Len returns the text length in runes.
func (t *Tree) Len() int { return len(t.text) }

// Slice returns the text covered by r.
func (t *Tree) Slice(r Range) string {
	if r.Start < 0 || r.End > len(t.text) || r.Start >= r.End {
		return ""
	}
	return string(t.text[r.Start:r.End])
}

// Line returns the zero-based line number containing off.
func (t *Tree) Line(off int) int {
	return sort.Search(len(t.lines), func(i int) bool { return t.lines[i] > off }) - 1
}

// Dump renders the tree one span per line, for debugging and golden tests.
func (t *Tree) Dump() string {
	var b strings.Builder
	var rec func(s Span, depth int)
	rec = func(s Span, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(s.Kind.String())
		b.WriteString(" ")
		b.WriteString(quote(t.Slice(s.Range)))
		b.WriteString("\n")
		for _, c := range s.Children {
			rec(c, depth+1)
		}
	}
	rec(t.Root, 0)
	return b.String()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, "\n", `\n`) + `"`
}

func lineStarts(text []rune) []int {
	starts := []int{0}
	for i, r := range text {
		if r == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}
