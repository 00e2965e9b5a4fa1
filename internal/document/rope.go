package document

import (
	"strings"
	"unicode/utf8"
)

const (
	maxLeafRunes = 1024
	maxDepth     = 48
)

// Rope is an immutable sequence of Unicode scalar values stored as a balanced
// binary tree of string leaves. Slicing and concatenation share unchanged
// subtrees, so editing a large document allocates O(log n) new nodes.
// The zero value is an empty rope.
type Rope struct {
	root *node
}

type node struct {
	left, right *node
	leaf        string
	runes       int
	depth       int
}

func (n *node) isLeaf() bool { return n.left == nil && n.right == nil }

// NewRope builds a balanced rope from s.
func NewRope(s string) Rope {
	if s == "" {
		return Rope{}
	}
	return Rope{root: build(chunk(s))}
}

// chunk splits s into leaves of at most maxLeafRunes runes.
func chunk(s string) []*node {
	var leaves []*node
	for len(s) > 0 {
		i, n := 0, 0
		for i < len(s) && n < maxLeafRunes {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
			n++
		}
		leaves = append(leaves, &node{leaf: s[:i], runes: n})
		s = s[i:]
	}
	return leaves
}

func build(leaves []*node) *node {
	switch len(leaves) {
	case 0:
		return nil
	case 1:
		return leaves[0]
	}
	mid := len(leaves) / 2
	return join(build(leaves[:mid]), build(leaves[mid:]))
}

func join(l, r *node) *node {
	if l == nil {
		return r
	}
	if r == nil {
		return l
	}
	if l.isLeaf() && r.isLeaf() && l.runes+r.runes <= maxLeafRunes {
		return &node{leaf: l.leaf + r.leaf, runes: l.runes + r.runes}
	}
	d := l.depth
	if r.depth > d {
		d = r.depth
	}
	return &node{left: l, right: r, runes: l.runes + r.runes, depth: d + 1}
}

// Len returns the number of runes in the rope.
func (r Rope) Len() int {
	if r.root == nil {
		return 0
	}
	return r.root.runes
}

// String materializes the rope.
func (r Rope) String() string {
	if r.root == nil {
		return ""
	}
	if r.root.isLeaf() {
		return r.root.leaf
	}
	var b strings.Builder
	walk(r.root, func(s string) { b.WriteString(s) })
	return b.String()
}

func walk(n *node, fn func(string)) {
	if n == nil {
		return
	}
	if n.isLeaf() {
		fn(n.leaf)
		return
	}
	walk(n.left, fn)
	walk(n.right, fn)
}

// Slice returns the runes in [from, to). Offsets are clamped to the rope.
func (r Rope) Slice(from, to int) Rope {
	n := r.Len()
	from, to = clamp(from, n), clamp(to, n)
	if from >= to {
		return Rope{}
	}
	if from == 0 && to == n {
		return r
	}
	return Rope{root: slice(r.root, from, to)}
}

func slice(n *node, from, to int) *node {
	if from <= 0 && to >= n.runes {
		return n
	}
	if n.isLeaf() {
		start := byteOffset(n.leaf, from)
		end := start + byteOffset(n.leaf[start:], to-from)
		return &node{leaf: n.leaf[start:end], runes: to - from}
	}
	lr := n.left.runes
	switch {
	case to <= lr:
		return slice(n.left, from, to)
	case from >= lr:
		return slice(n.right, from-lr, to-lr)
	}
	return join(slice(n.left, from, lr), slice(n.right, 0, to-lr))
}

// Concat returns r followed by other.
func (r Rope) Concat(other Rope) Rope {
	joined := join(r.root, other.root)
	if joined != nil && joined.depth > maxDepth {
		var leaves []*node
		collect(joined, &leaves)
		joined = build(leaves)
	}
	return Rope{root: joined}
}

func collect(n *node, out *[]*node) {
	if n.isLeaf() {
		*out = append(*out, n)
		return
	}
	collect(n.left, out)
	collect(n.right, out)
}

// Substring is shorthand for Slice(from, to).String().
func (r Rope) Substring(from, to int) string {
	return r.Slice(from, to).String()
}

func byteOffset(s string, runes int) int {
	i := 0
	for runes > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		runes--
	}
	return i
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n {
		return n
	}
	return v
}
