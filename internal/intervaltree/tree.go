// Package intervaltree provides a red-black interval tree that maps closed
// ranges to values and answers overlap queries in logarithmic time.
package intervaltree

import "cmp"

// Range is a closed interval [Min, Max].
type Range[K cmp.Ordered] struct {
	Min K
	Max K
}

// NewRange returns the range [min, max].
func NewRange[K cmp.Ordered](min, max K) Range[K] {
	return Range[K]{Min: min, Max: max}
}

// intersects reports whether the stored closed range overlaps the query,
// which is treated as closed-open [q.Min, q.Max).
func (r Range[K]) intersects(q Range[K]) bool {
	return r.Min < q.Max && r.Max >= q.Min
}

// Contains reports whether r fully covers other.
func (r Range[K]) Contains(other Range[K]) bool {
	return r.Min <= other.Min && r.Max >= other.Max
}

type node[K cmp.Ordered, V any] struct {
	rng    Range[K]
	value  V
	max    K
	red    bool
	left   *node[K, V]
	right  *node[K, V]
	parent *node[K, V]
}

func (n *node[K, V]) updateMax() {
	m := n.rng.Max
	if n.left != nil && n.left.max > m {
		m = n.left.max
	}
	if n.right != nil && n.right.max > m {
		m = n.right.max
	}
	n.max = m
}

func isRed[K cmp.Ordered, V any](n *node[K, V]) bool {
	return n != nil && n.red
}

// Tree is an augmented red-black tree keyed by range start. Each node tracks
// the largest range end in its subtree so overlap searches can prune.
// Duplicate ranges and duplicate (range, value) pairs are kept.
//
// Tree is not safe for concurrent use.
type Tree[K cmp.Ordered, V any] struct {
	root *node[K, V]
	size int
}

// New returns an empty tree.
func New[K cmp.Ordered, V any]() *Tree[K, V] {
	return &Tree[K, V]{}
}

// Len returns the number of stored entries.
func (t *Tree[K, V]) Len() int {
	return t.size
}

// IsEmpty reports whether the tree holds no entries.
func (t *Tree[K, V]) IsEmpty() bool {
	return t.root == nil
}

// Clear removes every entry.
func (t *Tree[K, V]) Clear() {
	t.root = nil
	t.size = 0
}

// Height returns the number of nodes on the longest root-to-leaf path.
func (t *Tree[K, V]) Height() int {
	return height(t.root)
}

func height[K cmp.Ordered, V any](n *node[K, V]) int {
	if n == nil {
		return 0
	}
	return 1 + max(height(n.left), height(n.right))
}

// Put inserts value under r.
func (t *Tree[K, V]) Put(r Range[K], value V) {
	n := &node[K, V]{rng: r, value: value, max: r.Max, red: true}

	var parent *node[K, V]
	cur := t.root
	for cur != nil {
		parent = cur
		if r.Min < cur.rng.Min {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	n.parent = parent
	switch {
	case parent == nil:
		t.root = n
	case r.Min < parent.rng.Min:
		parent.left = n
	default:
		parent.right = n
	}
	for p := parent; p != nil; p = p.parent {
		if p.max >= r.Max {
			break
		}
		p.max = r.Max
	}

	t.size++
	t.fixAfterInsert(n)
}

func (t *Tree[K, V]) fixAfterInsert(n *node[K, V]) {
	for n != t.root && isRed(n.parent) {
		parent := n.parent
		grand := parent.parent
		if parent == grand.left {
			uncle := grand.right
			if isRed(uncle) {
				parent.red = false
				uncle.red = false
				grand.red = true
				n = grand
				continue
			}
			if n == parent.right {
				n = parent
				t.rotateLeft(n)
				parent = n.parent
			}
			parent.red = false
			grand.red = true
			t.rotateRight(grand)
		} else {
			uncle := grand.left
			if isRed(uncle) {
				parent.red = false
				uncle.red = false
				grand.red = true
				n = grand
				continue
			}
			if n == parent.left {
				n = parent
				t.rotateRight(n)
				parent = n.parent
			}
			parent.red = false
			grand.red = true
			t.rotateLeft(grand)
		}
	}
	t.root.red = false
}

func (t *Tree[K, V]) replaceChild(parent, old, repl *node[K, V]) {
	repl.parent = parent
	switch {
	case parent == nil:
		t.root = repl
	case parent.left == old:
		parent.left = repl
	default:
		parent.right = repl
	}
}

func (t *Tree[K, V]) rotateLeft(x *node[K, V]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	t.replaceChild(x.parent, x, y)
	y.left = x
	x.parent = y
	x.updateMax()
	y.updateMax()
}

func (t *Tree[K, V]) rotateRight(x *node[K, V]) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	t.replaceChild(x.parent, x, y)
	y.right = x
	x.parent = y
	x.updateMax()
	y.updateMax()
}

// IntersectingValues returns every value whose range overlaps q. Stored
// ranges are closed while q is treated as closed-open, so an entry [a, b]
// matches when a < q.Max and b >= q.Min. Order is unspecified.
func (t *Tree[K, V]) IntersectingValues(q Range[K]) []V {
	var out []V
	collect(t.root, q, &out)
	return out
}

func collect[K cmp.Ordered, V any](n *node[K, V], q Range[K], out *[]V) {
	for n != nil && n.max >= q.Min {
		collect(n.left, q, out)
		if n.rng.Min >= q.Max {
			// Everything to the right starts at or after the query end.
			return
		}
		if n.rng.intersects(q) {
			*out = append(*out, n.value)
		}
		n = n.right
	}
}
