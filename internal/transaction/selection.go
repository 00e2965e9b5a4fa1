package transaction

// Selection is a normalized [Start, End) range; Start == End is a cursor.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// NewSelection orders a and b.
func NewSelection(a, b int) Selection {
	if b < a {
		a, b = b, a
	}
	return Selection{Start: a, End: b}
}

// Cursor returns an empty selection at pos.
func Cursor(pos int) Selection { return Selection{Start: pos, End: pos} }

func (s Selection) IsCursor() bool { return s.Start == s.End }

// Clamp restricts the selection to a document of n runes.
func (s Selection) Clamp(n int) Selection {
	return NewSelection(clampInt(s.Start, 0, n), clampInt(s.End, 0, n))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
