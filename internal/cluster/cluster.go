// Package cluster partitions stories into events by agglomerative
// hierarchical clustering over a precomputed distance matrix.
//
// Clusters are merged cheapest-first while the cheapest inter-cluster
// distance is at most the threshold. Equal distances are resolved by the
// lowest (i, j) slot pair, so a given matrix always yields the same
// partition and the same labels.
//
// Ties are judged on the computed float64 distances. Single and complete
// linkage only copy matrix entries, so their ties are exact. Average
// linkage updates by the Lance–Williams weighted mean, whose rounding can
// differ from a direct mean of the member distances in the last bits; two
// pairs that tie in exact arithmetic may then be ordered by that rounding
// rather than by slot.
package cluster

import (
	"errors"
	"fmt"
	"math"

	"github.com/abelbrown/eventthread/internal/distance"
)

// ErrInvalidThreshold is returned for a negative or NaN threshold.
var ErrInvalidThreshold = errors.New("invalid merge threshold")

// Merge records one agglomeration step. Cluster ids follow the scipy
// convention: ids below N are stories, the cluster created by step s has
// id N+s.
type Merge struct {
	A        int     `json:"a"`
	B        int     `json:"b"`
	Distance float64 `json:"distance"`
	Size     int     `json:"size"`
}

// Result is the flat partition produced by Cluster.
type Result struct {
	// Labels[i] is the event of story i. Labels are numbered from 0 in
	// order of first appearance.
	Labels      []int
	Merges      []Merge
	NumClusters int
	Linkage     Linkage
	Threshold   float64
}

// Cluster runs agglomerative clustering on m. A nil matrix is treated as
// empty. The matrix is not modified.
func Cluster(m *distance.Matrix, threshold float64, linkage Linkage) (*Result, error) {
	if math.IsNaN(threshold) || threshold < 0 {
		return nil, fmt.Errorf("cluster: %w: %v", ErrInvalidThreshold, threshold)
	}
	linkage, err := ParseLinkage(string(linkage))
	if err != nil {
		return nil, err
	}
	res := &Result{Linkage: linkage, Threshold: threshold}
	if m == nil || m.Len() == 0 {
		res.Labels = []int{}
		return res, nil
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("cluster: %w: %w", distance.ErrDimensionMismatch, err)
	}

	w := newWorkspace(m, linkage)
	for w.remaining > 1 {
		i, j, d := w.closest()
		if i < 0 || d > threshold {
			break
		}
		res.Merges = append(res.Merges, w.merge(i, j, d))
	}
	res.Labels, res.NumClusters = w.labels()
	return res, nil
}

// workspace holds the mutable state of one clustering run. Slot i starts as
// story i; merging b into a keeps slot a and retires slot b.
type workspace struct {
	n       int
	linkage Linkage
	d       []float64 // condensed upper triangle, updated in place
	active  []bool
	size    []int
	id      []int   // scipy-style cluster id per slot
	members [][]int // story indices per slot
	nn      []int   // nearest active slot j > i, -1 if none
	nnDist  []float64

	remaining int
	steps     int
}

func newWorkspace(m *distance.Matrix, linkage Linkage) *workspace {
	n := m.Len()
	w := &workspace{
		n:         n,
		linkage:   linkage,
		d:         m.Condensed(),
		active:    make([]bool, n),
		size:      make([]int, n),
		id:        make([]int, n),
		members:   make([][]int, n),
		nn:        make([]int, n),
		nnDist:    make([]float64, n),
		remaining: n,
	}
	for i := 0; i < n; i++ {
		w.active[i] = true
		w.size[i] = 1
		w.id[i] = i
		w.members[i] = []int{i}
	}
	for i := 0; i < n; i++ {
		w.refresh(i)
	}
	return w
}

func (w *workspace) at(i, j int) float64 {
	if i > j {
		i, j = j, i
	}
	return w.d[i*(2*w.n-i-1)/2+j-i-1]
}

func (w *workspace) put(i, j int, v float64) {
	if i > j {
		i, j = j, i
	}
	w.d[i*(2*w.n-i-1)/2+j-i-1] = v
}

// refresh recomputes the nearest neighbour of slot i among active slots
// j > i. Strict comparison keeps the smallest j on ties.
func (w *workspace) refresh(i int) {
	best, bestD := -1, math.Inf(1)
	for j := i + 1; j < w.n; j++ {
		if !w.active[j] {
			continue
		}
		if d := w.at(i, j); d < bestD {
			best, bestD = j, d
		}
	}
	w.nn[i], w.nnDist[i] = best, bestD
}

// closest returns the cheapest active pair, lowest (i, j) on ties, or
// i = -1 when no pair is left.
func (w *workspace) closest() (int, int, float64) {
	bi, bd := -1, math.Inf(1)
	for i := 0; i < w.n; i++ {
		if !w.active[i] || w.nn[i] < 0 {
			continue
		}
		if w.nnDist[i] < bd {
			bi, bd = i, w.nnDist[i]
		}
	}
	if bi < 0 {
		return -1, -1, bd
	}
	return bi, w.nn[bi], bd
}

// merge folds slot b into slot a (a < b) and repairs the neighbour cache.
func (w *workspace) merge(a, b int, d float64) Merge {
	na, nb := w.size[a], w.size[b]
	rec := Merge{A: w.id[a], B: w.id[b], Distance: d, Size: na + nb}
	if rec.A > rec.B {
		rec.A, rec.B = rec.B, rec.A
	}

	for k := 0; k < w.n; k++ {
		if !w.active[k] || k == a || k == b {
			continue
		}
		w.put(k, a, w.linkage.update(w.at(k, a), w.at(k, b), na, nb))
	}

	w.active[b] = false
	w.size[a] = na + nb
	w.members[a] = append(w.members[a], w.members[b]...)
	w.members[b] = nil
	w.id[a] = w.n + w.steps
	w.steps++
	w.remaining--

	for k := 0; k < b; k++ {
		if !w.active[k] || k == a {
			continue
		}
		switch {
		case w.nn[k] == a || w.nn[k] == b:
			w.refresh(k)
		case k < a:
			// Only d(k, a) moved; it may now undercut the cached neighbour.
			if dka := w.at(k, a); dka < w.nnDist[k] || (dka == w.nnDist[k] && a < w.nn[k]) {
				w.nn[k], w.nnDist[k] = a, dka
			}
		}
	}
	w.refresh(a)
	return rec
}

// labels numbers the surviving slots by the first story they contain.
func (w *workspace) labels() ([]int, int) {
	slotOf := make([]int, w.n)
	for s := 0; s < w.n; s++ {
		if !w.active[s] {
			continue
		}
		for _, story := range w.members[s] {
			slotOf[story] = s
		}
	}

	labels := make([]int, w.n)
	next := 0
	seen := make(map[int]int, w.remaining)
	for story, s := range slotOf {
		l, ok := seen[s]
		if !ok {
			l = next
			seen[s] = l
			next++
		}
		labels[story] = l
	}
	return labels, next
}
