package document

import (
	"strings"
	"testing"
)

func TestRope_RoundTrip(t *testing.T) {
	cases := []string{"", "abc", "héllo wörld", strings.Repeat("ab\n", 2000)}
	for _, s := range cases {
		r := NewRope(s)
		if r.String() != s {
			t.Errorf("round trip mismatch for %d-byte input", len(s))
		}
		if r.Len() != len([]rune(s)) {
			t.Errorf("Len = %d, want %d", r.Len(), len([]rune(s)))
		}
	}
}

func TestRope_SliceRuneOffsets(t *testing.T) {
	r := NewRope("añb€c")
	if got := r.Substring(1, 4); got != "ñb€" {
		t.Errorf("Substring(1,4) = %q", got)
	}
	if got := r.Substring(-3, 99); got != "añb€c" {
		t.Errorf("clamped slice = %q", got)
	}
	if got := r.Substring(3, 2); got != "" {
		t.Errorf("inverted slice = %q, want empty", got)
	}
}

func TestRope_LargeEditsShareStructure(t *testing.T) {
	base := strings.Repeat("0123456789", 1000)
	r := NewRope(base)
	want := base
	for i := 0; i < 200; i++ {
		at := (i * 37) % (len(want) + 1)
		r = r.Slice(0, at).Concat(NewRope("x")).Concat(r.Slice(at, r.Len()))
		want = want[:at] + "x" + want[at:]
	}
	if r.String() != want {
		t.Fatal("rope diverged from string model")
	}
	if r.root.depth > maxDepth+1 {
		t.Errorf("depth = %d, rebalance not applied", r.root.depth)
	}
}

func TestState_SuccessorKeepsOriginal(t *testing.T) {
	s := New("abc")
	next := s.Successor(NewRope("Xabc"), 1)
	if s.Text() != "abc" || s.Version() != InitialVersion {
		t.Errorf("original mutated: %q v%d", s.Text(), s.Version())
	}
	if next.Text() != "Xabc" || next.Version() != InitialVersion+1 {
		t.Errorf("successor = %q v%d", next.Text(), next.Version())
	}
}
