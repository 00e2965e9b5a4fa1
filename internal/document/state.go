// Package document holds the immutable per-note text snapshot.
package document

// InitialVersion is the version of a freshly opened document.
const InitialVersion uint64 = 1

// State is an immutable snapshot of a note's text and its version counter.
// A State is never mutated: every edit produces a successor, and readers that
// still hold an older State keep a consistent view of it.
type State struct {
	text    Rope
	version uint64
}

// New returns a State at InitialVersion holding text.
func New(text string) *State {
	return &State{text: NewRope(text), version: InitialVersion}
}

// NewAt returns a State holding text at an explicit version.
func NewAt(text string, version uint64) *State {
	return &State{text: NewRope(text), version: version}
}

// Successor returns a new State holding text whose version is advanced by steps.
func (s *State) Successor(text Rope, steps uint64) *State {
	if steps == 0 {
		steps = 1
	}
	return &State{text: text, version: s.version + steps}
}

// Version returns the version counter.
func (s *State) Version() uint64 { return s.version }

// Rope returns the underlying text.
func (s *State) Rope() Rope { return s.text }

// Text returns the text as a string.
func (s *State) Text() string { return s.text.String() }

// Len returns the text length in runes.
func (s *State) Len() int { return s.text.Len() }

// Slice returns the text in [from, to) in rune offsets.
func (s *State) Slice(from, to int) string { return s.text.Substring(from, to) }
