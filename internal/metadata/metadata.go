// Package metadata extracts the per-note record (headings, tags, links,
// block ids) from a parsed span tree.
package metadata

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/starford/bedrock/internal/parser"
)

// externalRe matches scheme-prefixed absolute URIs. Single-letter schemes are
// left out so Windows drive paths are not mistaken for URLs.
var externalRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]+:`)

// LinkKind tells which syntax produced an outlink.
type LinkKind string

const (
	LinkWiki     LinkKind = "wikilink"
	LinkEmbed    LinkKind = "embed"
	LinkMarkdown LinkKind = "markdown"
)

// Heading is one heading of a note. Line is one-based.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	Line  int    `json:"line"`
}

// Outlink is a link to another note as written in the source.
type Outlink struct {
	// Raw is the target exactly as written, subpath included, alias excluded.
	Raw string `json:"raw"`
	// Path is Raw without its subpath, URL-unescaped for markdown links.
	Path     string       `json:"path"`
	Subpath  string       `json:"subpath,omitempty"`
	Display  string       `json:"display,omitempty"`
	Kind     LinkKind     `json:"kind"`
	Line     int          `json:"line"`
	Span     parser.Range `json:"span"`
	Target   parser.Range `json:"target"`
	Resolved string       `json:"resolved,omitempty"`
}

// Note is the metadata record of one note. A record is replaced wholesale on
// every re-index and never patched.
type Note struct {
	ID          string         `json:"id"`
	Title       string         `json:"title,omitempty"`
	Headings    []Heading      `json:"headings"`
	Tags        []string       `json:"tags"`
	Aliases     []string       `json:"aliases,omitempty"`
	Outlinks    []Outlink      `json:"outlinks"`
	BlockIDs    []string       `json:"block_ids"`
	Footnotes   []string       `json:"footnotes,omitempty"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
	Version     uint64         `json:"version"`
}

// Clone returns a copy whose slices can be modified independently.
func (n *Note) Clone() *Note {
	c := *n
	c.Headings = append([]Heading(nil), n.Headings...)
	c.Tags = append([]string(nil), n.Tags...)
	c.Aliases = append([]string(nil), n.Aliases...)
	c.Outlinks = append([]Outlink(nil), n.Outlinks...)
	c.BlockIDs = append([]string(nil), n.BlockIDs...)
	c.Footnotes = append([]string(nil), n.Footnotes...)
	return &c
}

// IsExternal reports whether target is an absolute URI such as https://… or mailto:….
func IsExternal(target string) bool {
	return externalRe.MatchString(strings.TrimSpace(target))
}

// SplitTarget separates a link target into its note path and its subpath
// ("#Heading", "#^block").
func SplitTarget(raw string) (path, subpath string) {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return strings.TrimSpace(raw[:i]), raw[i:]
	}
	return strings.TrimSpace(raw), ""
}

// Index walks tree once and builds the metadata record for noteID at version.
func Index(noteID string, tree *parser.Tree, version uint64) *Note {
	n := &Note{ID: noteID, Version: version}
	tags := newSet()
	blocks := map[string]struct{}{}

	n.Frontmatter = tree.Frontmatter()
	for _, key := range []string{"tags", "tag"} {
		for _, t := range parser.StringList(n.Frontmatter, key, true) {
			tags.add(t)
		}
	}
	for _, key := range []string{"aliases", "alias"} {
		n.Aliases = append(n.Aliases, parser.StringList(n.Frontmatter, key, false)...)
	}

	parser.Walk(tree.Root, func(s parser.Span) bool {
		switch s.Kind {
		case parser.KindHeading:
			n.Headings = append(n.Headings, Heading{
				Level: s.Attrs.Level,
				Text:  tree.Slice(s.Inner),
				Line:  tree.Line(s.Range.Start) + 1,
			})
		case parser.KindTag:
			tags.add(tree.Slice(s.Inner))
		case parser.KindBlockID:
			blocks[tree.Slice(s.Inner)] = struct{}{}
		case parser.KindFootnote:
			if s.Attrs.Def {
				n.Footnotes = append(n.Footnotes, tree.Slice(s.Target))
			}
		case parser.KindWikiLink, parser.KindEmbed, parser.KindMarkdownLink:
			if l, ok := outlink(tree, s); ok {
				n.Outlinks = append(n.Outlinks, l)
			}
		}
		return true
	})

	n.Tags = tags.items
	n.BlockIDs = make([]string, 0, len(blocks))
	for id := range blocks {
		n.BlockIDs = append(n.BlockIDs, id)
	}
	sort.Strings(n.BlockIDs)
	if n.Headings == nil {
		n.Headings = []Heading{}
	}
	if n.Outlinks == nil {
		n.Outlinks = []Outlink{}
	}
	n.Title = deriveTitle(n)
	return n
}

func outlink(tree *parser.Tree, s parser.Span) (Outlink, bool) {
	raw := tree.Slice(s.Target)
	if strings.TrimSpace(raw) == "" || IsExternal(raw) {
		return Outlink{}, false
	}
	l := Outlink{
		Raw:    raw,
		Line:   tree.Line(s.Range.Start) + 1,
		Span:   s.Range,
		Target: s.Target,
	}
	switch s.Kind {
	case parser.KindWikiLink, parser.KindEmbed:
		l.Kind = LinkWiki
		if s.Kind == parser.KindEmbed {
			l.Kind = LinkEmbed
		}
		if s.Target.End < s.Inner.End {
			// skip the '|' and an escaping backslash inside tables
			rest := tree.Slice(parser.Range{Start: s.Target.End, End: s.Inner.End})
			l.Display = strings.TrimPrefix(strings.TrimPrefix(rest, `\`), "|")
		}
		l.Path, l.Subpath = SplitTarget(raw)
	case parser.KindMarkdownLink:
		l.Kind = LinkMarkdown
		if s.Attrs.Image {
			l.Kind = LinkEmbed
		}
		l.Display = tree.Slice(s.Inner)
		path, sub := SplitTarget(raw)
		if u, err := url.PathUnescape(path); err == nil {
			path = u
		}
		l.Path, l.Subpath = path, sub
	}
	if l.Path == "" {
		// same-note anchor such as [[#Heading]]
		return Outlink{}, false
	}
	return l, true
}

// deriveTitle returns the frontmatter title if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(n *Note) string {
	if t, ok := n.Frontmatter["title"].(string); ok && t != "" {
		return t
	}
	for _, h := range n.Headings {
		if h.Level == 1 {
			return h.Text
		}
	}
	return ""
}

// set keeps the first spelling of each case-insensitively distinct string in
// insertion order.
type set struct {
	seen  map[string]struct{}
	items []string
}

func newSet() *set { return &set{seen: map[string]struct{}{}, items: []string{}} }

func (s *set) add(v string) {
	v = strings.TrimSpace(strings.TrimPrefix(v, "#"))
	if v == "" {
		return
	}
	k := strings.ToLower(v)
	if _, ok := s.seen[k]; ok {
		return
	}
	s.seen[k] = struct{}{}
	s.items = append(s.items, v)
}
