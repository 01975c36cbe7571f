package cluster

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/eventthread/internal/distance"
)

func dense(t *testing.T, rows [][]float64) *distance.Matrix {
	t.Helper()
	m, err := distance.FromDense(rows, 1e-9)
	require.NoError(t, err)
	return m
}

func randomMatrix(t *testing.T, n int, seed int64) *distance.Matrix {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	data := make([]float64, n*(n-1)/2)
	for i := range data {
		data[i] = r.Float64()
	}
	m, err := distance.FromCondensed(n, data)
	require.NoError(t, err)
	return m
}

// Two tight groups {0,1,2} and {3,4} far from each other.
var twoGroups = [][]float64{
	{0, 0.1, 0.2, 0.9, 0.95},
	{0.1, 0, 0.15, 0.85, 0.9},
	{0.2, 0.15, 0, 0.8, 0.9},
	{0.9, 0.85, 0.8, 0, 0.05},
	{0.95, 0.9, 0.9, 0.05, 0},
}

func TestParseLinkage(t *testing.T) {
	for in, want := range map[string]Linkage{
		"":         LinkageAverage,
		"average":  LinkageAverage,
		" Single ": LinkageSingle,
		"COMPLETE": LinkageComplete,
	} {
		got, err := ParseLinkage(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseLinkage("ward")
	assert.ErrorIs(t, err, ErrUnknownLinkage)
}

func TestClusterInvalidThreshold(t *testing.T) {
	m := dense(t, twoGroups)
	for _, th := range []float64{-0.01, math.NaN()} {
		_, err := Cluster(m, th, LinkageAverage)
		assert.ErrorIs(t, err, ErrInvalidThreshold)
	}
}

func TestClusterUnknownLinkage(t *testing.T) {
	_, err := Cluster(dense(t, twoGroups), 0.5, Linkage("centroid"))
	assert.ErrorIs(t, err, ErrUnknownLinkage)
}

func TestClusterEmpty(t *testing.T) {
	res, err := Cluster(distance.NewMatrix(0), 0.5, LinkageAverage)
	require.NoError(t, err)
	assert.Empty(t, res.Labels)
	assert.Zero(t, res.NumClusters)

	res, err = Cluster(nil, 0.5, LinkageAverage)
	require.NoError(t, err)
	assert.Empty(t, res.Labels)
}

func TestClusterSingleStory(t *testing.T) {
	res, err := Cluster(distance.NewMatrix(1), 0.5, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Labels)
	assert.Equal(t, 1, res.NumClusters)
	assert.Empty(t, res.Merges)
}

func TestClusterTwoGroups(t *testing.T) {
	for _, l := range []Linkage{LinkageAverage, LinkageSingle, LinkageComplete} {
		t.Run(string(l), func(t *testing.T) {
			res, err := Cluster(dense(t, twoGroups), 0.5, l)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 0, 0, 1, 1}, res.Labels)
			assert.Equal(t, 2, res.NumClusters)
			assert.Len(t, res.Merges, 3)
		})
	}
}

func TestClusterMergeLog(t *testing.T) {
	res, err := Cluster(dense(t, twoGroups), 0.5, LinkageAverage)
	require.NoError(t, err)

	// (3,4) at 0.05, then (0,1) at 0.1, then {0,1}+2 at mean(0.2, 0.15).
	assert.Equal(t, Merge{A: 3, B: 4, Distance: 0.05, Size: 2}, res.Merges[0])
	assert.Equal(t, Merge{A: 0, B: 1, Distance: 0.1, Size: 2}, res.Merges[1])
	assert.Equal(t, 2, res.Merges[2].A)
	assert.Equal(t, 6, res.Merges[2].B)
	assert.InDelta(t, 0.175, res.Merges[2].Distance, 1e-12)
	assert.Equal(t, 3, res.Merges[2].Size)
}

func TestClusterLinkagesDiffer(t *testing.T) {
	// A chain: single linkage joins it, complete linkage does not.
	chain := [][]float64{
		{0, 0.3, 0.6},
		{0.3, 0, 0.3},
		{0.6, 0.3, 0},
	}
	single, err := Cluster(dense(t, chain), 0.4, LinkageSingle)
	require.NoError(t, err)
	assert.Equal(t, 1, single.NumClusters)

	complete, err := Cluster(dense(t, chain), 0.4, LinkageComplete)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1}, complete.Labels)

	// Average: {0,1} to 2 is (0.6+0.3)/2 = 0.45.
	average, err := Cluster(dense(t, chain), 0.45, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, 1, average.NumClusters)
	average, err = Cluster(dense(t, chain), 0.44, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, 2, average.NumClusters)
}

func TestClusterThresholdIsInclusive(t *testing.T) {
	m := dense(t, [][]float64{{0, 0.5}, {0.5, 0}})
	res, err := Cluster(m, 0.5, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, res.Labels)
}

func TestClusterAllAboveThreshold(t *testing.T) {
	res, err := Cluster(dense(t, twoGroups), 0.01, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, res.Labels)
	assert.Empty(t, res.Merges)
}

func TestClusterThresholdZero(t *testing.T) {
	rows := [][]float64{
		{0, 0, 0.4, 0.7},
		{0, 0, 0.4, 0.7},
		{0.4, 0.4, 0, 0},
		{0.7, 0.7, 0, 0},
	}
	res, err := Cluster(dense(t, rows), 0, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1}, res.Labels)
}

func TestClusterThresholdAtMaxGivesOneCluster(t *testing.T) {
	for _, l := range []Linkage{LinkageAverage, LinkageSingle, LinkageComplete} {
		m := randomMatrix(t, 40, 3)
		threshold := m.Max()
		if l == LinkageAverage {
			// Weighted means can round a hair above the largest entry.
			threshold = 1
		}
		res, err := Cluster(m, threshold, l)
		require.NoError(t, err)
		assert.Equal(t, 1, res.NumClusters, l)
		assert.Len(t, res.Merges, 39)
	}
}

func TestClusterTieBreakLowestPair(t *testing.T) {
	// Every pair ties; (0,1) merges first, then {0,1} with 2.
	rows := [][]float64{
		{0, 0.2, 0.2},
		{0.2, 0, 0.2},
		{0.2, 0.2, 0},
	}
	res, err := Cluster(dense(t, rows), 0.5, LinkageSingle)
	require.NoError(t, err)
	require.Len(t, res.Merges, 2)
	assert.Equal(t, 0, res.Merges[0].A)
	assert.Equal(t, 1, res.Merges[0].B)
	assert.Equal(t, 2, res.Merges[1].A)
	assert.Equal(t, 3, res.Merges[1].B)
}

func TestClusterAverageTieAfterUpdate(t *testing.T) {
	// After (0,1) merges, d({0,1},2) = (0.25+0.75)/2 = 0.5 exactly and ties
	// with d(2,3). The lower slot pair ({0,1},2) merges first; the union is
	// then 2.5/3 from 3.
	rows := [][]float64{
		{0, 0.125, 0.25, 1},
		{0.125, 0, 0.75, 1},
		{0.25, 0.75, 0, 0.5},
		{1, 1, 0.5, 0},
	}
	res, err := Cluster(dense(t, rows), 0.5, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 1}, res.Labels)
	require.Len(t, res.Merges, 2)
	assert.Equal(t, Merge{A: 2, B: 4, Distance: 0.5, Size: 3}, res.Merges[1])
}

func TestClusterTieBreakOnlyPartialMerge(t *testing.T) {
	// 0-1 and 2-3 tie at 0.3, and 1-2 is also 0.3. Complete linkage with
	// threshold 0.3 merges (0,1), then (2,3); the groups are 0.9 apart.
	rows := [][]float64{
		{0, 0.3, 0.9, 0.9},
		{0.3, 0, 0.3, 0.9},
		{0.9, 0.3, 0, 0.3},
		{0.9, 0.9, 0.3, 0},
	}
	res, err := Cluster(dense(t, rows), 0.3, LinkageComplete)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1}, res.Labels)
}

func TestClusterDeterministic(t *testing.T) {
	m := randomMatrix(t, 120, 11)
	first, err := Cluster(m, 0.35, LinkageAverage)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := Cluster(m, 0.35, LinkageAverage)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestClusterLabelsByFirstAppearance(t *testing.T) {
	rows := [][]float64{
		{0, 0.9, 0.1},
		{0.9, 0, 0.9},
		{0.1, 0.9, 0},
	}
	res, err := Cluster(dense(t, rows), 0.5, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, res.Labels)
}

func TestClusterDoesNotMutateMatrix(t *testing.T) {
	m := randomMatrix(t, 30, 5)
	before := m.Condensed()
	_, err := Cluster(m, 0.6, LinkageSingle)
	require.NoError(t, err)
	assert.Equal(t, before, m.Condensed())
}

// naive recomputes inter-cluster distances from scratch every step and is
// used to cross-check the cached implementation.
func naive(m *distance.Matrix, threshold float64, l Linkage) []int {
	n := m.Len()
	groups := make([][]int, n)
	for i := range groups {
		groups[i] = []int{i}
	}
	linkDist := func(a, b []int) float64 {
		switch l {
		case LinkageSingle:
			best := math.Inf(1)
			for _, x := range a {
				for _, y := range b {
					best = math.Min(best, m.At(x, y))
				}
			}
			return best
		case LinkageComplete:
			worst := 0.0
			for _, x := range a {
				for _, y := range b {
					worst = math.Max(worst, m.At(x, y))
				}
			}
			return worst
		}
		sum := 0.0
		for _, x := range a {
			for _, y := range b {
				sum += m.At(x, y)
			}
		}
		return sum / float64(len(a)*len(b))
	}
	for {
		bi, bj, bd := -1, -1, math.Inf(1)
		for i := range groups {
			for j := i + 1; j < len(groups); j++ {
				if groups[i] == nil || groups[j] == nil {
					continue
				}
				if d := linkDist(groups[i], groups[j]); d < bd {
					bi, bj, bd = i, j, d
				}
			}
		}
		if bi < 0 || bd > threshold {
			break
		}
		groups[bi] = append(groups[bi], groups[bj]...)
		groups[bj] = nil
	}
	slot := make([]int, n)
	for s, g := range groups {
		for _, x := range g {
			slot[x] = s
		}
	}
	labels := make([]int, n)
	seen := map[int]int{}
	for i, s := range slot {
		if _, ok := seen[s]; !ok {
			seen[s] = len(seen)
		}
		labels[i] = seen[s]
	}
	return labels
}

func TestClusterMatchesNaive(t *testing.T) {
	// Quantised distances force plenty of ties.
	for seed := int64(1); seed <= 6; seed++ {
		r := rand.New(rand.NewSource(seed))
		n := 25
		data := make([]float64, n*(n-1)/2)
		for i := range data {
			data[i] = float64(r.Intn(8)) / 8
		}
		m, err := distance.FromCondensed(n, data)
		require.NoError(t, err)
		for _, l := range []Linkage{LinkageSingle, LinkageComplete} {
			res, err := Cluster(m, 0.5, l)
			require.NoError(t, err)
			assert.Equal(t, naive(m, 0.5, l), res.Labels, "seed %d linkage %s", seed, l)
		}
	}
}

func TestClusterAverageMatchesNaive(t *testing.T) {
	m := randomMatrix(t, 30, 9)
	res, err := Cluster(m, 0.45, LinkageAverage)
	require.NoError(t, err)
	assert.Equal(t, naive(m, 0.45, LinkageAverage), res.Labels)
}
