package parser

import (
	"strings"
	"unicode"
)

type parser struct {
	t     []rune
	lines []int
}

// Parse builds the span tree for text. It accepts any input.
func Parse(text string) *Tree {
	rs := []rune(text)
	p := &parser{t: rs, lines: lineStarts(rs)}
	return &Tree{Root: p.document(), text: rs, lines: p.lines}
}

func (p *parser) document() Span {
	whole := Range{Start: 0, End: len(p.t)}
	return Span{Kind: KindDocument, Range: whole, Inner: whole, Children: p.blocks()}
}

func (p *parser) blocks() []Span {
	var out []Span
	i, n := 0, len(p.lines)
	if fm, next, ok := p.frontmatter(); ok {
		out = append(out, fm)
		i = next
	}
	for i < n {
		if p.blank(i) {
			i++
			continue
		}
		s, next := p.block(i)
		out = append(out, s)
		i = next
	}
	return out
}

// line returns the bounds of line i without its terminator.
func (p *parser) line(i int) (start, end int) {
	start = p.lines[i]
	if i+1 < len(p.lines) {
		end = p.lines[i+1] - 1
	} else {
		end = len(p.t)
	}
	if end > start && p.t[end-1] == '\r' {
		end--
	}
	return start, end
}

// next returns the offset where line i+1 starts.
func (p *parser) next(i int) int {
	if i+1 < len(p.lines) {
		return p.lines[i+1]
	}
	return len(p.t)
}

func (p *parser) text(i int) string {
	s, e := p.line(i)
	return string(p.t[s:e])
}

func (p *parser) blank(i int) bool {
	return strings.TrimSpace(p.text(i)) == ""
}

// indent returns the offset of the first non-blank rune of line i and the
// number of leading blanks.
func (p *parser) indent(i int) (int, int) {
	s, e := p.line(i)
	j := s
	for j < e && (p.t[j] == ' ' || p.t[j] == '\t') {
		j++
	}
	return j, j - s
}

func (p *parser) frontmatter() (Span, int, bool) {
	if len(p.t) == 0 || p.text(0) != "---" {
		return Span{}, 0, false
	}
	s, fm, next := p.fenced(0, KindFrontmatter, Attrs{}, isFrontmatterClose)
	return s, next, fm
}

func isFrontmatterClose(line string) bool { return line == "---" || line == "..." }

// fenced scans forward from the opener on line i to the first closing line.
// An unclosed block runs to the end of the document.
func (p *parser) fenced(i int, kind Kind, attrs Attrs, closes func(string) bool) (Span, bool, int) {
	start, _ := p.line(i)
	body := p.next(i)
	attrs.Fenced = true
	for j := i + 1; j < len(p.lines); j++ {
		if closes(p.text(j)) {
			js, je := p.line(j)
			attrs.Closed = true
			return Span{Kind: kind, Range: Range{start, je}, Inner: Range{body, js}, Attrs: attrs}, true, j + 1
		}
	}
	return Span{Kind: kind, Range: Range{start, len(p.t)}, Inner: Range{body, len(p.t)}, Attrs: attrs}, true, len(p.lines)
}

// opener recognizes the first line of a multi-line delimited block and
// returns the predicate for its closing line.
func (p *parser) opener(i int) (Kind, Attrs, func(string) bool, bool) {
	j, ind := p.indent(i)
	_, e := p.line(i)
	if ind > 3 || j >= e {
		return 0, Attrs{}, nil, false
	}
	trimmed := strings.TrimSpace(string(p.t[j:e]))

	switch c := p.t[j]; c {
	case '`', '~':
		n := runOf(p.t[j:e], c)
		if n < 3 {
			break
		}
		info := strings.TrimSpace(string(p.t[j+n : e]))
		if c == '`' && strings.ContainsRune(info, '`') {
			break
		}
		lang := info
		if f := strings.Fields(info); len(f) > 0 {
			lang = f[0]
		}
		return KindCodeBlock, Attrs{Lang: lang}, fenceCloser(c, n), true
	case '$':
		if !strings.HasPrefix(trimmed, "$$") || isSingleLineMath(trimmed) {
			break
		}
		return KindMath, Attrs{Display: true}, func(l string) bool {
			return strings.HasSuffix(strings.TrimSpace(l), "$$")
		}, true
	case '%':
		if !strings.HasPrefix(trimmed, "%%") || strings.Count(trimmed, "%%")%2 == 0 {
			break
		}
		return KindComment, Attrs{}, func(l string) bool {
			return strings.Count(l, "%%")%2 == 1
		}, true
	}
	return 0, Attrs{}, nil, false
}

func fenceCloser(c rune, n int) func(string) bool {
	return func(l string) bool {
		l = strings.TrimLeft(l, " ")
		if len(l) < n {
			return false
		}
		rs := []rune(l)
		m := runOf(rs, c)
		return m >= n && strings.TrimSpace(string(rs[m:])) == ""
	}
}

func isSingleLineMath(trimmed string) bool {
	return len(trimmed) >= 4 && strings.HasSuffix(trimmed, "$$")
}

func runOf(rs []rune, c rune) int {
	n := 0
	for n < len(rs) && rs[n] == c {
		n++
	}
	return n
}

// block parses the block starting on the non-blank line i.
func (p *parser) block(i int) (Span, int) {
	if kind, attrs, closes, ok := p.opener(i); ok {
		s, _, next := p.fenced(i, kind, attrs, closes)
		return s, next
	}
	if s, ok := p.singleLineMath(i); ok {
		return s, i + 1
	}
	if s, ok := p.heading(i); ok {
		return s, i + 1
	}
	if s, ok := p.rule(i); ok {
		return s, i + 1
	}
	if s, ok := p.footnoteDef(i); ok {
		return s, i + 1
	}
	if p.tableStart(i) {
		return p.table(i)
	}
	if p.quoteLine(i) {
		return p.quote(i)
	}
	if s, ok := p.listItem(i); ok {
		return s, i + 1
	}
	return p.paragraph(i)
}

// startsBlock reports whether line i would open a block other than a paragraph.
func (p *parser) startsBlock(i int) bool {
	if _, _, _, ok := p.opener(i); ok {
		return true
	}
	if _, ok := p.singleLineMath(i); ok {
		return true
	}
	if _, ok := p.heading(i); ok {
		return true
	}
	if _, ok := p.rule(i); ok {
		return true
	}
	if _, ok := p.footnoteDef(i); ok {
		return true
	}
	if p.tableStart(i) || p.quoteLine(i) {
		return true
	}
	_, ok := p.listItem(i)
	return ok
}

func (p *parser) singleLineMath(i int) (Span, bool) {
	j, ind := p.indent(i)
	s, e := p.line(i)
	if ind > 3 {
		return Span{}, false
	}
	trimmed := strings.TrimSpace(string(p.t[j:e]))
	if !strings.HasPrefix(trimmed, "$$") || !isSingleLineMath(trimmed) {
		return Span{}, false
	}
	end := e
	for p.t[end-1] == ' ' || p.t[end-1] == '\t' {
		end--
	}
	return Span{Kind: KindMath, Range: Range{s, e}, Inner: Range{j + 2, end - 2}, Attrs: Attrs{Display: true}}, true
}

func (p *parser) heading(i int) (Span, bool) {
	j, ind := p.indent(i)
	s, e := p.line(i)
	if ind > 3 {
		return Span{}, false
	}
	level := runOf(p.t[j:e], '#')
	if level == 0 || level > 6 {
		return Span{}, false
	}
	k := j + level
	if k < e && p.t[k] != ' ' && p.t[k] != '\t' {
		return Span{}, false
	}
	for k < e && (p.t[k] == ' ' || p.t[k] == '\t') {
		k++
	}
	end := e
	for end > k && (p.t[end-1] == ' ' || p.t[end-1] == '\t') {
		end--
	}
	// optional closing sequence: "## Title ##"
	c := end
	for c > k && p.t[c-1] == '#' {
		c--
	}
	if c < end && (c == k || p.t[c-1] == ' ' || p.t[c-1] == '\t') {
		end = c
		for end > k && (p.t[end-1] == ' ' || p.t[end-1] == '\t') {
			end--
		}
	}
	return Span{
		Kind:     KindHeading,
		Range:    Range{s, e},
		Inner:    Range{k, end},
		Attrs:    Attrs{Level: level},
		Children: p.inline(k, end),
	}, true
}

func (p *parser) rule(i int) (Span, bool) {
	j, ind := p.indent(i)
	s, e := p.line(i)
	if ind > 3 || j >= e {
		return Span{}, false
	}
	c := p.t[j]
	if c != '-' && c != '*' && c != '_' {
		return Span{}, false
	}
	n := 0
	for _, r := range p.t[j:e] {
		switch r {
		case c:
			n++
		case ' ', '\t':
		default:
			return Span{}, false
		}
	}
	if n < 3 {
		return Span{}, false
	}
	return Span{Kind: KindHorizontalRule, Range: Range{s, e}, Inner: Range{s, e}}, true
}

func (p *parser) footnoteDef(i int) (Span, bool) {
	j, ind := p.indent(i)
	s, e := p.line(i)
	if ind > 3 || e-j < 5 || p.t[j] != '[' || p.t[j+1] != '^' {
		return Span{}, false
	}
	k := j + 2
	for k < e && p.t[k] != ']' {
		if unicode.IsSpace(p.t[k]) {
			return Span{}, false
		}
		k++
	}
	if k == j+2 || k+1 >= e || p.t[k] != ']' || p.t[k+1] != ':' {
		return Span{}, false
	}
	c := k + 2
	for c < e && (p.t[c] == ' ' || p.t[c] == '\t') {
		c++
	}
	return Span{
		Kind:     KindFootnote,
		Range:    Range{s, e},
		Inner:    Range{c, e},
		Target:   Range{j + 2, k},
		Attrs:    Attrs{Def: true},
		Children: p.inline(c, e),
	}, true
}

func (p *parser) tableStart(i int) bool {
	if i+1 >= len(p.lines) || !strings.Contains(p.text(i), "|") {
		return false
	}
	return isDelimiterRow(p.text(i + 1))
}

func isDelimiterRow(l string) bool {
	l = strings.TrimSpace(l)
	if !strings.Contains(l, "|") || !strings.Contains(l, "-") {
		return false
	}
	for _, r := range l {
		switch r {
		case '|', '-', ':', ' ', '\t':
		default:
			return false
		}
	}
	return true
}

func (p *parser) table(i int) (Span, int) {
	s, _ := p.line(i)
	var children []Span
	j := i
	for ; j < len(p.lines); j++ {
		if p.blank(j) || (j > i+1 && !strings.Contains(p.text(j), "|")) {
			break
		}
		if j == i+1 {
			continue
		}
		ls, le := p.line(j)
		children = append(children, p.inline(ls, le)...)
	}
	_, e := p.line(j - 1)
	return Span{Kind: KindTable, Range: Range{s, e}, Inner: Range{s, e}, Children: children}, j
}

func (p *parser) quoteLine(i int) bool {
	j, ind := p.indent(i)
	_, e := p.line(i)
	return ind <= 3 && j < e && p.t[j] == '>'
}

// quoteContent returns where the content of quote line i starts.
func (p *parser) quoteContent(i int) int {
	j, _ := p.indent(i)
	_, e := p.line(i)
	j++
	if j < e && p.t[j] == ' ' {
		j++
	}
	return j
}

func (p *parser) quote(i int) (Span, int) {
	s, _ := p.line(i)
	kind := KindBlockquote
	var attrs Attrs
	var children []Span

	first := p.quoteContent(i)
	_, fe := p.line(i)
	titleStart := first
	if ck, fold, end, ok := p.calloutMarker(first, fe); ok {
		kind = KindCallout
		attrs = Attrs{CalloutKind: ck, Fold: fold}
		titleStart = end
		for titleStart < fe && p.t[titleStart] == ' ' {
			titleStart++
		}
	}
	children = append(children, p.inline(titleStart, fe)...)

	j := i + 1
	for ; j < len(p.lines) && p.quoteLine(j); j++ {
		_, le := p.line(j)
		children = append(children, p.inline(p.quoteContent(j), le)...)
	}
	_, e := p.line(j - 1)
	return Span{Kind: kind, Range: Range{s, e}, Inner: Range{first, e}, Attrs: attrs, Children: children}, j
}

// calloutMarker matches "[!kind]" with an optional fold sign at from.
func (p *parser) calloutMarker(from, to int) (string, Fold, int, bool) {
	if to-from < 4 || p.t[from] != '[' || p.t[from+1] != '!' {
		return "", FoldNone, 0, false
	}
	k := from + 2
	for k < to && (unicode.IsLetter(p.t[k]) || unicode.IsDigit(p.t[k]) || p.t[k] == '-' || p.t[k] == '_') {
		k++
	}
	if k == from+2 || k >= to || p.t[k] != ']' {
		return "", FoldNone, 0, false
	}
	name := strings.ToLower(string(p.t[from+2 : k]))
	k++
	fold := FoldNone
	if k < to {
		switch p.t[k] {
		case '+':
			fold = FoldOpen
			k++
		case '-':
			fold = FoldClosed
			k++
		}
	}
	return name, fold, k, true
}

func (p *parser) listItem(i int) (Span, bool) {
	j, ind := p.indent(i)
	s, e := p.line(i)
	if j >= e {
		return Span{}, false
	}
	var attrs Attrs
	k := j
	switch c := p.t[j]; {
	case c == '-' || c == '*' || c == '+':
		k++
	case c >= '0' && c <= '9':
		for k < e && k-j < 9 && p.t[k] >= '0' && p.t[k] <= '9' {
			k++
		}
		if k >= e || (p.t[k] != '.' && p.t[k] != ')') {
			return Span{}, false
		}
		k++
		attrs.Ordered = true
	default:
		return Span{}, false
	}
	if k < e && p.t[k] != ' ' && p.t[k] != '\t' {
		return Span{}, false
	}
	for k < e && (p.t[k] == ' ' || p.t[k] == '\t') {
		k++
	}
	if e-k >= 3 && p.t[k] == '[' && p.t[k+2] == ']' && (k+3 == e || p.t[k+3] == ' ') {
		switch p.t[k+1] {
		case ' ':
			attrs.Task = true
		case 'x', 'X':
			attrs.Task, attrs.Checked = true, true
		}
		if attrs.Task {
			k += 3
			for k < e && p.t[k] == ' ' {
				k++
			}
		}
	}
	attrs.Indent = ind
	return Span{Kind: KindListItem, Range: Range{s, e}, Inner: Range{k, e}, Attrs: attrs, Children: p.inline(k, e)}, true
}

func (p *parser) paragraph(i int) (Span, int) {
	s, _ := p.line(i)
	var children []Span
	j := i
	for ; j < len(p.lines); j++ {
		if p.blank(j) || (j > i && p.startsBlock(j)) {
			break
		}
		ls, le := p.line(j)
		children = append(children, p.inline(ls, le)...)
	}
	_, e := p.line(j - 1)
	return Span{Kind: KindParagraph, Range: Range{s, e}, Inner: Range{s, e}, Children: children}, j
}
