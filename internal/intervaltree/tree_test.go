package intervaltree

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	rng   Range[int64]
	value int
}

func TestEmptyTree(t *testing.T) {
	tree := New[int64, string]()

	assert.True(t, tree.IsEmpty())
	assert.Equal(t, 0, tree.Height())
	assert.Empty(t, tree.IntersectingValues(NewRange[int64](0, 100)))
}

func TestIntersectingValuesUsesClosedOpenQuery(t *testing.T) {
	tree := New[int64, string]()
	tree.Put(NewRange[int64](1, 2), "index_1")
	tree.Put(NewRange[int64](3, 4), "index_2")

	tests := []struct {
		name  string
		query Range[int64]
		want  []string
	}{
		{name: "touching start is excluded", query: NewRange[int64](0, 1), want: nil},
		{name: "first only", query: NewRange[int64](0, 2), want: []string{"index_1"}},
		{name: "both", query: NewRange[int64](0, 4), want: []string{"index_1", "index_2"}},
		{name: "second only", query: NewRange[int64](3, 4), want: []string{"index_2"}},
		{name: "after everything", query: NewRange[int64](5, 10), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tree.IntersectingValues(tt.query)
			sort.Strings(got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPutKeepsDuplicates(t *testing.T) {
	tree := New[int64, string]()
	tree.Put(NewRange[int64](10, 20), "a")
	tree.Put(NewRange[int64](10, 20), "a")
	tree.Put(NewRange[int64](10, 20), "b")

	got := tree.IntersectingValues(NewRange[int64](15, 16))
	sort.Strings(got)
	assert.Equal(t, []string{"a", "a", "b"}, got)
	assert.Equal(t, 3, tree.Len())
}

func TestClear(t *testing.T) {
	tree := New[int64, int]()
	for i := range 100 {
		tree.Put(NewRange(int64(i), int64(i+5)), i)
	}
	require.False(t, tree.IsEmpty())

	tree.Clear()

	assert.True(t, tree.IsEmpty())
	assert.Equal(t, 0, tree.Len())
	assert.Empty(t, tree.IntersectingValues(NewRange[int64](0, 1000)))
}

func TestIntersectingValuesMatchesLinearScan(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	tree := New[int64, int]()
	var entries []entry

	for i := range 5000 {
		lo := rnd.Int63n(100_000)
		r := NewRange(lo, lo+rnd.Int63n(2_000))
		tree.Put(r, i)
		entries = append(entries, entry{rng: r, value: i})
	}

	for range 500 {
		lo := rnd.Int63n(110_000) - 5_000
		q := NewRange(lo, lo+rnd.Int63n(5_000)+1)

		var want []int
		for _, e := range entries {
			if e.rng.Min < q.Max && e.rng.Max >= q.Min {
				want = append(want, e.value)
			}
		}
		got := tree.IntersectingValues(q)
		sort.Ints(want)
		sort.Ints(got)
		require.Equal(t, want, got, "query %+v", q)
	}
}

func TestHeightStaysWithinRedBlackBound(t *testing.T) {
	sizes := []int{1, 2, 10, 1_000, 30_000}

	for _, n := range sizes {
		ascending := New[int64, int]()
		random := New[int64, int]()
		rnd := rand.New(rand.NewSource(int64(n)))
		for i := range n {
			ascending.Put(NewRange(int64(i), int64(i)+10), i)
			lo := rnd.Int63n(1_000_000)
			random.Put(NewRange(lo, lo+rnd.Int63n(1_000)), i)
		}

		bound := 2 * math.Log2(float64(n+1))
		assert.LessOrEqual(t, float64(ascending.Height()), bound, "ascending n=%d", n)
		assert.LessOrEqual(t, float64(random.Height()), bound, "random n=%d", n)
	}
}

func TestRangeContains(t *testing.T) {
	outer := NewRange[int64](0, 100)

	assert.True(t, outer.Contains(NewRange[int64](0, 100)))
	assert.True(t, outer.Contains(NewRange[int64](10, 20)))
	assert.False(t, outer.Contains(NewRange[int64](50, 101)))
}
