// Package transaction applies versioned change sets to document states and
// maps positions across them.
//
// All offsets are rune offsets into the source state's text. A Transaction is
// tied to the version it was built against; Apply rejects it with
// ErrStaleVersion once that version has been superseded.
package transaction

import (
	"fmt"
	"unicode/utf8"

	"github.com/starford/bedrock/internal/apperr"
	"github.com/starford/bedrock/internal/document"
)

// Change replaces the source range [From, To) with Insert.
type Change struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Insert string `json:"insert"`
}

// Origin records what produced a transaction.
type Origin int

const (
	OriginSystem Origin = iota
	OriginInput
	OriginCommand
	OriginPlugin
)

func (o Origin) String() string {
	switch o {
	case OriginInput:
		return "input"
	case OriginCommand:
		return "command"
	case OriginPlugin:
		return "plugin"
	default:
		return "system"
	}
}

// Transaction is an ordered set of non-overlapping changes tied to a source version.
type Transaction struct {
	SourceVersion  uint64
	Changes        []Change
	SelectionAfter *Selection
	Origin         Origin
	Label          string

	// steps is the number of primitive transactions folded into this one by Compose.
	steps uint64
	// parts holds the change list of every folded transaction in application
	// order; MapPosition walks them so a composed map equals the chained maps.
	parts [][]Change
}

// New builds a transaction against sourceVersion.
func New(sourceVersion uint64, changes ...Change) Transaction {
	return Transaction{SourceVersion: sourceVersion, Changes: changes}
}

// Steps returns how many versions applying the transaction advances a state by.
func (t Transaction) Steps() uint64 {
	if t.steps == 0 {
		return 1
	}
	return t.steps
}

// StaleVersionError reports a transaction built against a superseded state.
type StaleVersionError struct {
	Current uint64
	Source  uint64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("transaction: stale version: built against v%d, document is at v%d", e.Source, e.Current)
}

func (e *StaleVersionError) Is(target error) bool { return target == apperr.ErrStaleVersion }

// InvalidChangeSetError reports a malformed change list.
type InvalidChangeSetError struct {
	Index  int
	Change Change
	Reason string
}

func (e *InvalidChangeSetError) Error() string {
	return fmt.Sprintf("transaction: invalid change %d [%d,%d): %s", e.Index, e.Change.From, e.Change.To, e.Reason)
}

func (e *InvalidChangeSetError) Is(target error) bool { return target == apperr.ErrInvalidChangeSet }

// Validate checks that changes are in ascending, non-overlapping order and,
// when docLen >= 0, that they lie inside a document of docLen runes.
func Validate(changes []Change, docLen int) error {
	prevTo := 0
	for i, c := range changes {
		switch {
		case c.From < 0 || c.To < c.From:
			return &InvalidChangeSetError{Index: i, Change: c, Reason: "inverted or negative range"}
		case docLen >= 0 && c.To > docLen:
			return &InvalidChangeSetError{Index: i, Change: c, Reason: fmt.Sprintf("range exceeds document length %d", docLen)}
		case c.From < prevTo:
			return &InvalidChangeSetError{Index: i, Change: c, Reason: "overlaps or precedes previous change"}
		}
		prevTo = c.To
	}
	return nil
}

// Apply produces the successor of state under tx. It is deterministic and has
// no side effects besides allocating the new state.
func Apply(state *document.State, tx Transaction) (*document.State, error) {
	if tx.SourceVersion != state.Version() {
		return nil, &StaleVersionError{Current: state.Version(), Source: tx.SourceVersion}
	}
	src := state.Rope()
	if err := Validate(tx.Changes, src.Len()); err != nil {
		return nil, err
	}

	var out document.Rope
	pos := 0
	for _, c := range tx.Changes {
		out = out.Concat(src.Slice(pos, c.From))
		if c.Insert != "" {
			out = out.Concat(document.NewRope(c.Insert))
		}
		pos = c.To
	}
	out = out.Concat(src.Slice(pos, src.Len()))

	return state.Successor(out, tx.Steps()), nil
}

// Bias decides which side an offset sticks to when it sits exactly at an
// insertion point or at the start of a replaced range.
type Bias int

const (
	BiasLeft Bias = iota
	BiasRight
)

// MappedOffset is the result of carrying a source offset across a transaction.
// Deleted is set when the offset was strictly inside a removed range; Pos is
// then the nearest surviving position on the bias side.
type MappedOffset struct {
	Pos     int  `json:"pos"`
	Deleted bool `json:"deleted"`
}

// MapPosition maps offset from tx's source version to its result version.
// Changes are expected to be valid (see Validate). For a composed transaction
// the offset is carried through each folded step; Deleted is set if any step
// removed it.
func MapPosition(tx Transaction, offset int, bias Bias) MappedOffset {
	if len(tx.parts) == 0 {
		return mapChanges(tx.Changes, offset, bias)
	}
	out := MappedOffset{Pos: offset}
	for _, changes := range tx.parts {
		m := mapChanges(changes, out.Pos, bias)
		out = MappedOffset{Pos: m.Pos, Deleted: out.Deleted || m.Deleted}
	}
	return out
}

func mapChanges(changes []Change, offset int, bias Bias) MappedOffset {
	delta := 0
	for _, c := range changes {
		if offset < c.From {
			break
		}
		ins := utf8.RuneCountInString(c.Insert)
		if offset == c.From {
			if c.From == c.To {
				if bias == BiasLeft {
					break
				}
				delta += ins
				continue
			}
			if bias == BiasLeft {
				return MappedOffset{Pos: c.From + delta}
			}
			return MappedOffset{Pos: c.From + delta + ins}
		}
		if offset < c.To {
			pos := c.From + delta
			if bias == BiasRight {
				pos += ins
			}
			return MappedOffset{Pos: pos, Deleted: true}
		}
		delta += ins - (c.To - c.From)
	}
	return MappedOffset{Pos: offset + delta}
}

// MapSelection carries a selection across tx. A cursor follows text inserted
// at its position; a range does not grow to include text inserted at its edges.
func MapSelection(tx Transaction, sel Selection) Selection {
	if sel.IsCursor() {
		p := MapPosition(tx, sel.Start, BiasRight).Pos
		return Cursor(p)
	}
	return NewSelection(MapPosition(tx, sel.Start, BiasRight).Pos, MapPosition(tx, sel.End, BiasLeft).Pos)
}
