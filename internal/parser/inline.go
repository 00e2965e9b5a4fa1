package parser

import (
	"unicode"
)

// inline scans [from, to) of a single line left to right. A backslash before
// an ASCII punctuation rune makes both runes literal text.
func (p *parser) inline(from, to int) []Span {
	var out []Span
	pos := from
	for pos < to {
		c := p.t[pos]
		if c == '\\' && pos+1 < to && isEscapable(p.t[pos+1]) {
			pos += 2
			continue
		}
		s, next, ok := p.inlineAt(pos, from, to)
		if ok {
			out = append(out, s)
		}
		if next <= pos {
			next = pos + 1
		}
		pos = next
	}
	return out
}

// inlineAt tries every inline construct at pos in priority order. When
// nothing matches, next says how many runes to treat as literal.
func (p *parser) inlineAt(pos, from, to int) (Span, int, bool) {
	switch p.t[pos] {
	case '`':
		return p.codeSpan(pos, to)
	case '%':
		if p.has(pos, to, "%%") {
			return p.inlineComment(pos, to)
		}
	case '!':
		if p.has(pos, to, "![[") {
			return p.wikiLink(pos, to, KindEmbed, 3)
		}
		if p.has(pos, to, "![") {
			return p.mdLink(pos, from, to, true)
		}
	case '[':
		if p.has(pos, to, "[[") {
			return p.wikiLink(pos, to, KindWikiLink, 2)
		}
		if p.has(pos, to, "[^") {
			if s, next, ok := p.footnoteRef(pos, to); ok {
				return s, next, ok
			}
		}
		return p.mdLink(pos, from, to, false)
	case '^':
		if p.has(pos, to, "^[") {
			return p.inlineFootnote(pos, to)
		}
		return p.blockID(pos, from, to)
	case '*', '_', '~', '=':
		return p.emphasis(pos, from, to)
	case '$':
		return p.inlineMath(pos, to)
	case '#':
		return p.tag(pos, from, to)
	}
	return Span{}, pos + 1, false
}

func (p *parser) has(pos, to int, s string) bool {
	for _, r := range s {
		if pos >= to || p.t[pos] != r {
			return false
		}
		pos++
	}
	return true
}

// index returns the first offset in [from, to) where s occurs, or -1.
func (p *parser) index(from, to int, s string) int {
	for i := from; i < to; i++ {
		if p.has(i, to, s) {
			return i
		}
	}
	return -1
}

func (p *parser) run(i, to int, c rune) int {
	n := 0
	for i+n < to && p.t[i+n] == c {
		n++
	}
	return n
}

func (p *parser) codeSpan(pos, to int) (Span, int, bool) {
	n := p.run(pos, to, '`')
	for q := pos + n; q < to; {
		if p.t[q] != '`' {
			q++
			continue
		}
		m := p.run(q, to, '`')
		if m == n {
			return Span{Kind: KindInlineCode, Range: Range{pos, q + m}, Inner: Range{pos + n, q}}, q + m, true
		}
		q += m
	}
	return Span{}, pos + n, false
}

func (p *parser) inlineComment(pos, to int) (Span, int, bool) {
	q := p.index(pos+2, to, "%%")
	if q < 0 {
		return Span{}, pos + 2, false
	}
	return Span{Kind: KindComment, Range: Range{pos, q + 2}, Inner: Range{pos + 2, q}}, q + 2, true
}

func (p *parser) wikiLink(pos, to int, kind Kind, open int) (Span, int, bool) {
	start := pos + open
	q := p.index(start, to, "]]")
	if q < 0 {
		return Span{}, pos + open, false
	}
	if nested := p.index(start, q, "[["); nested >= 0 {
		return Span{}, nested, false
	}
	blank := true
	target := q
	for i := start; i < q; i++ {
		if !unicode.IsSpace(p.t[i]) {
			blank = false
		}
		if p.t[i] == '|' && target == q {
			target = i
			if i > start && p.t[i-1] == '\\' {
				target = i - 1
			}
		}
	}
	if blank {
		return Span{}, q + 2, false
	}
	return Span{Kind: kind, Range: Range{pos, q + 2}, Inner: Range{start, q}, Target: Range{start, target}}, q + 2, true
}

// matchBracket returns the ']' closing the '[' at open, honoring escapes and nesting.
func (p *parser) matchBracket(open, to int) int {
	depth := 0
	for i := open; i < to; i++ {
		switch p.t[i] {
		case '\\':
			i++
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func (p *parser) matchParen(open, to int) int {
	depth := 0
	for i := open; i < to; i++ {
		switch p.t[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// mdLink matches [text](dest "title") and, with image set, ![alt](dest).
func (p *parser) mdLink(pos, from, to int, image bool) (Span, int, bool) {
	open := pos
	if image {
		open++
	}
	cb := p.matchBracket(open, to)
	if cb < 0 || cb+1 >= to || p.t[cb+1] != '(' {
		return Span{}, open + 1, false
	}
	cp := p.matchParen(cb+1, to)
	if cp < 0 {
		return Span{}, open + 1, false
	}
	ds := cb + 2
	for ds < cp && p.t[ds] == ' ' {
		ds++
	}
	de := ds
	if ds < cp && p.t[ds] == '<' {
		ds++
		de = ds
		for de < cp && p.t[de] != '>' {
			de++
		}
	} else {
		for de < cp && p.t[de] != ' ' && p.t[de] != '\t' {
			de++
		}
	}
	s := Span{
		Kind:   KindMarkdownLink,
		Range:  Range{pos, cp + 1},
		Inner:  Range{open + 1, cb},
		Target: Range{ds, de},
		Attrs:  Attrs{Image: image},
	}
	if !image {
		s.Children = p.inline(open+1, cb)
	}
	return s, cp + 1, true
}

func (p *parser) footnoteRef(pos, to int) (Span, int, bool) {
	k := pos + 2
	for k < to && p.t[k] != ']' {
		if unicode.IsSpace(p.t[k]) {
			return Span{}, pos + 1, false
		}
		k++
	}
	if k >= to || k == pos+2 {
		return Span{}, pos + 1, false
	}
	label := Range{pos + 2, k}
	return Span{Kind: KindFootnote, Range: Range{pos, k + 1}, Inner: label, Target: label}, k + 1, true
}

func (p *parser) inlineFootnote(pos, to int) (Span, int, bool) {
	cb := p.matchBracket(pos+1, to)
	if cb < 0 || cb == pos+2 {
		return Span{}, pos + 1, false
	}
	return Span{
		Kind:     KindFootnote,
		Range:    Range{pos, cb + 1},
		Inner:    Range{pos + 2, cb},
		Children: p.inline(pos+2, cb),
	}, cb + 1, true
}

// blockID matches a trailing " ^id" that ends the line.
func (p *parser) blockID(pos, from, to int) (Span, int, bool) {
	if pos > from && !unicode.IsSpace(p.t[pos-1]) {
		return Span{}, pos + 1, false
	}
	q := pos + 1
	for q < to && isIDRune(p.t[q]) {
		q++
	}
	if q == pos+1 {
		return Span{}, pos + 1, false
	}
	for i := q; i < to; i++ {
		if !unicode.IsSpace(p.t[i]) {
			return Span{}, pos + 1, false
		}
	}
	return Span{Kind: KindBlockID, Range: Range{pos, q}, Inner: Range{pos + 1, q}}, to, true
}

func isIDRune(r rune) bool {
	return r == '-' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

func (p *parser) emphasis(pos, from, to int) (Span, int, bool) {
	d := p.t[pos]
	r := p.run(pos, to, d)
	k, kind := 1, KindEmphasis
	switch d {
	case '*', '_':
		if r >= 2 {
			k, kind = 2, KindStrong
		}
	case '~':
		if r != 2 {
			return Span{}, pos + r, false
		}
		k, kind = 2, KindStrikeThrough
	case '=':
		if r != 2 {
			return Span{}, pos + r, false
		}
		k, kind = 2, KindHighlight
	}
	if pos+k >= to || unicode.IsSpace(p.t[pos+k]) {
		return Span{}, pos + r, false
	}
	if d == '_' && pos > from && isAlnum(p.t[pos-1]) {
		return Span{}, pos + r, false
	}
	c := p.closer(d, k, pos+k+1, to)
	if c < 0 {
		return Span{}, pos + r, false
	}
	return Span{
		Kind:     kind,
		Range:    Range{pos, c + k},
		Inner:    Range{pos + k, c},
		Children: p.inline(pos+k, c),
	}, c + k, true
}

// closer finds where a run of k delimiters d closes, skipping escapes, code
// spans and nested pairs of the double delimiter.
func (p *parser) closer(d rune, k, q, to int) int {
	for q < to {
		c := p.t[q]
		if c == '\\' && q+1 < to && isEscapable(p.t[q+1]) {
			q += 2
			continue
		}
		if c == '`' {
			if _, next, ok := p.codeSpan(q, to); ok {
				q = next
				continue
			}
		}
		if c != d {
			q++
			continue
		}
		rr := p.run(q, to, d)
		after := ' '
		if q+rr < to {
			after = p.t[q+rr]
		}
		if !unicode.IsSpace(p.t[q-1]) && rr >= k && !(d == '_' && isAlnum(after)) {
			return q + rr - k
		}
		if k == 1 && rr >= 2 && !unicode.IsSpace(after) {
			if c2 := p.closer(d, 2, q+3, to); c2 >= 0 {
				q = c2 + 2
				continue
			}
		}
		q += rr
	}
	return -1
}

func (p *parser) inlineMath(pos, to int) (Span, int, bool) {
	if p.has(pos, to, "$$") {
		return Span{}, pos + 2, false
	}
	if pos+1 >= to || unicode.IsSpace(p.t[pos+1]) {
		return Span{}, pos + 1, false
	}
	for q := pos + 2; q < to; q++ {
		switch p.t[q] {
		case '\\':
			q++
		case '$':
			if unicode.IsSpace(p.t[q-1]) || (q+1 < to && unicode.IsDigit(p.t[q+1])) {
				continue
			}
			return Span{Kind: KindMath, Range: Range{pos, q + 1}, Inner: Range{pos + 1, q}}, q + 1, true
		}
	}
	return Span{}, pos + 1, false
}

// tag matches #name at line start or after whitespace. The name may not start
// with a digit or '/', and a trailing '/' is not part of it.
func (p *parser) tag(pos, from, to int) (Span, int, bool) {
	if pos > from && !unicode.IsSpace(p.t[pos-1]) {
		return Span{}, pos + 1, false
	}
	q := pos + 1
	for q < to && isTagRune(p.t[q]) {
		q++
	}
	end := q
	for end > pos+1 && p.t[end-1] == '/' {
		end--
	}
	if end == pos+1 || unicode.IsDigit(p.t[pos+1]) || p.t[pos+1] == '/' {
		return Span{}, q, false
	}
	return Span{Kind: KindTag, Range: Range{pos, end}, Inner: Range{pos + 1, end}}, end, true
}

func isTagRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '/'
}

func isAlnum(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

func isEscapable(r rune) bool {
	return r <= unicode.MaxASCII && (unicode.IsPunct(r) || unicode.IsSymbol(r))
}
