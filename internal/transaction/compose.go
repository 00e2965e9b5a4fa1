package transaction

import (
	"math"
)

type opKind uint8

const (
	opKeep opKind = iota
	opDelete
	opInsert
)

// op is one piece of a change set walked against its source: keep or delete
// n source runes, or insert text (n == len(text)).
type op struct {
	kind opKind
	n    int
	text []rune
}

func toOps(changes []Change) []op {
	var ops []op
	pos := 0
	for _, c := range changes {
		if c.From > pos {
			ops = append(ops, op{kind: opKeep, n: c.From - pos})
		}
		if c.To > c.From {
			ops = append(ops, op{kind: opDelete, n: c.To - c.From})
		}
		if c.Insert != "" {
			r := []rune(c.Insert)
			ops = append(ops, op{kind: opInsert, n: len(r), text: r})
		}
		pos = c.To
	}
	return ops
}

// fromOps folds every run of deletes and inserts between keeps into one Change.
func fromOps(ops []op) []Change {
	var (
		out []Change
		cur *Change
		pos int
	)
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, o := range ops {
		switch o.kind {
		case opKeep:
			flush()
			pos += o.n
		case opDelete:
			if cur == nil {
				cur = &Change{From: pos, To: pos}
			}
			cur.To += o.n
			pos += o.n
		case opInsert:
			if cur == nil {
				cur = &Change{From: pos, To: pos}
			}
			cur.Insert += string(o.text)
		}
	}
	flush()
	return out
}

// opReader walks an op list piecewise. Past the end it yields an unbounded keep.
type opReader struct {
	ops []op
	i   int
	off int
}

func (r *opReader) done() bool { return r.i >= len(r.ops) }

func (r *opReader) peek() op {
	if r.done() {
		return op{kind: opKeep, n: math.MaxInt}
	}
	o := r.ops[r.i]
	o.n -= r.off
	if o.kind == opInsert {
		o.text = o.text[r.off:]
	}
	return o
}

func (r *opReader) advance(n int) {
	if r.done() {
		return
	}
	r.off += n
	if r.off >= r.ops[r.i].n {
		r.i++
		r.off = 0
	}
}

func composeOps(first, second []op) []op {
	a, b := &opReader{ops: first}, &opReader{ops: second}
	var out []op
	for !a.done() || !b.done() {
		pa, pb := a.peek(), b.peek()
		if pa.kind == opDelete {
			out = append(out, pa)
			a.advance(pa.n)
			continue
		}
		if pb.kind == opInsert {
			out = append(out, pb)
			b.advance(pb.n)
			continue
		}
		m := min(pa.n, pb.n)
		switch {
		case pa.kind == opKeep && pb.kind == opKeep:
			out = append(out, op{kind: opKeep, n: m})
		case pa.kind == opKeep && pb.kind == opDelete:
			out = append(out, op{kind: opDelete, n: m})
		case pa.kind == opInsert && pb.kind == opKeep:
			out = append(out, op{kind: opInsert, n: m, text: pa.text[:m]})
		}
		// insert followed by delete cancels out
		a.advance(m)
		b.advance(m)
	}
	return out
}

// Normalize returns the canonical form of changes: no-op changes dropped and
// adjacent changes merged.
func Normalize(changes []Change) []Change {
	return fromOps(toOps(changes))
}

// Compose returns a transaction equivalent to applying first and then second.
// second must have been built against the version first produces.
func Compose(first, second Transaction) (Transaction, error) {
	if want := first.SourceVersion + first.Steps(); second.SourceVersion != want {
		return Transaction{}, &StaleVersionError{Current: want, Source: second.SourceVersion}
	}
	if err := Validate(first.Changes, -1); err != nil {
		return Transaction{}, err
	}
	if err := Validate(second.Changes, -1); err != nil {
		return Transaction{}, err
	}

	out := Transaction{
		SourceVersion:  first.SourceVersion,
		Changes:        fromOps(composeOps(toOps(first.Changes), toOps(second.Changes))),
		SelectionAfter: second.SelectionAfter,
		Origin:         second.Origin,
		Label:          second.Label,
		steps:          first.Steps() + second.Steps(),
		parts:          append(first.stepChanges(), second.stepChanges()...),
	}
	if out.SelectionAfter == nil && first.SelectionAfter != nil {
		sel := MapSelection(second, *first.SelectionAfter)
		out.SelectionAfter = &sel
	}
	if out.Label == "" {
		out.Label = first.Label
	}
	return out, nil
}

// stepChanges returns the change lists t folds, one per primitive step.
func (t Transaction) stepChanges() [][]Change {
	if len(t.parts) > 0 {
		return append([][]Change(nil), t.parts...)
	}
	return [][]Change{t.Changes}
}

// ComposeAll folds txs left to right.
func ComposeAll(txs ...Transaction) (Transaction, error) {
	if len(txs) == 0 {
		return Transaction{}, &InvalidChangeSetError{Index: -1, Reason: "nothing to compose"}
	}
	acc := txs[0]
	for _, tx := range txs[1:] {
		var err error
		if acc, err = Compose(acc, tx); err != nil {
			return Transaction{}, err
		}
	}
	return acc, nil
}
