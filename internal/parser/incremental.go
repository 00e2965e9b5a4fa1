package parser

import (
	"sort"
	"unicode/utf8"

	"github.com/starford/bedrock/internal/transaction"
)

// Reparse returns the tree for text, the result of applying changes to the
// text prev was built from. When every change falls inside the body of one
// fenced block whose delimiters survive, only that block is re-derived and
// its siblings are reused. Otherwise the whole text is parsed again; both
// paths produce identical trees.
func Reparse(prev *Tree, changes []transaction.Change, text string) *Tree {
	if prev == nil || len(changes) == 0 {
		return Parse(text)
	}
	if t, ok := reparseFenced(prev, changes, text); ok {
		return t
	}
	return Parse(text)
}

func reparseFenced(prev *Tree, changes []transaction.Change, text string) (*Tree, bool) {
	lo, hi := changes[0].From, changes[len(changes)-1].To
	delta := 0
	for _, c := range changes {
		delta += utf8.RuneCountInString(c.Insert) - (c.To - c.From)
	}

	kids := prev.Root.Children
	idx := sort.Search(len(kids), func(i int) bool { return kids[i].Range.End >= lo })
	if idx == len(kids) {
		return nil, false
	}
	blk := kids[idx]
	if !blk.Attrs.Fenced || lo < blk.Inner.Start || hi > blk.Inner.End {
		return nil, false
	}
	// The opener line must end in a newline so body edits cannot touch it.
	if blk.Inner.Start == 0 || prev.text[blk.Inner.Start-1] != '\n' {
		return nil, false
	}
	if !blk.Attrs.Closed && idx != len(kids)-1 {
		return nil, false
	}

	rs := []rune(text)
	p := &parser{t: rs, lines: lineStarts(rs)}
	open := p.lineAt(blk.Range.Start)

	var closes func(string) bool
	if blk.Kind == KindFrontmatter {
		if open != 0 {
			return nil, false
		}
		closes = isFrontmatterClose
	} else {
		kind, attrs, c, ok := p.opener(open)
		if !ok || kind != blk.Kind || attrs.Lang != blk.Attrs.Lang {
			return nil, false
		}
		closes = c
	}

	innerEnd := blk.Inner.End + delta
	if blk.Attrs.Closed && (innerEnd == 0 || rs[innerEnd-1] != '\n') {
		return nil, false
	}
	for j := open + 1; j < len(p.lines) && p.lines[j] < innerEnd; j++ {
		if closes(p.text(j)) {
			return nil, false
		}
	}
	if !blk.Attrs.Closed && len(rs) > innerEnd {
		return nil, false
	}

	out := make([]Span, len(kids))
	copy(out, kids[:idx])
	blk.Range.End += delta
	blk.Inner.End += delta
	out[idx] = blk
	for i := idx + 1; i < len(kids); i++ {
		out[i] = kids[i].shifted(delta)
	}

	whole := Range{Start: 0, End: len(rs)}
	root := Span{Kind: KindDocument, Range: whole, Inner: whole, Children: out}
	return &Tree{Root: root, text: rs, lines: p.lines}, true
}

func (p *parser) lineAt(off int) int {
	return sort.Search(len(p.lines), func(i int) bool { return p.lines[i] > off }) - 1
}
