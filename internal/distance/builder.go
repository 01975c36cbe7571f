package distance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/eventthread/internal/embed"
	"github.com/abelbrown/eventthread/internal/model"
)

const (
	// DefaultDecayRate is the reference alpha, tuned on election coverage.
	DefaultDecayRate = 0.15

	// DefaultTimeUnit is the granularity of delta_t.
	DefaultTimeUnit = 24 * time.Hour

	// rowsPerTask is the number of matrix rows one worker task fills.
	rowsPerTask = 32

	// maxDecayTable bounds the precomputed exp(-alpha*dt) table.
	maxDecayTable = 1 << 16
)

// ErrInvalidOptions is returned by NewBuilder.
var ErrInvalidOptions = errors.New("invalid distance options")

// DegenerateError reports a vector that cannot take part in a cosine
// computation. It matches embed.ErrDegenerateEmbedding (and therefore
// embed.ErrEmbeddingFailure).
type DegenerateError struct {
	Index   int
	StoryID string
	Other   int // second index of the pair, -1 for a single-vector problem
	OtherID string
	Reason  string
}

func (e *DegenerateError) Error() string {
	if e.Other >= 0 {
		return fmt.Sprintf("distance: pair (%d %s, %d %s): %s", e.Index, e.StoryID, e.Other, e.OtherID, e.Reason)
	}
	return fmt.Sprintf("distance: story %s (index %d): %s", e.StoryID, e.Index, e.Reason)
}

func (e *DegenerateError) Unwrap() error { return embed.ErrDegenerateEmbedding }

// Options configures a Builder.
type Options struct {
	// DecayRate is alpha in exp(-alpha * delta_t).
	DecayRate float64
	// TimeUnit is the unit of delta_t. Offsets from the earliest story are
	// truncated to whole units.
	TimeUnit time.Duration
	// Dimension is the expected vector length; 0 takes the first vector's.
	Dimension int
	// Workers bounds concurrent row blocks; 0 means runtime.NumCPU().
	Workers int
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		DecayRate: DefaultDecayRate,
		TimeUnit:  DefaultTimeUnit,
	}
}

// Builder computes distance matrices. It holds no state between calls and
// is safe for concurrent use.
type Builder struct {
	opts Options
}

// NewBuilder validates opts.
func NewBuilder(opts Options) (*Builder, error) {
	if math.IsNaN(opts.DecayRate) || math.IsInf(opts.DecayRate, 0) || opts.DecayRate < 0 {
		return nil, fmt.Errorf("%w: decay rate %v", ErrInvalidOptions, opts.DecayRate)
	}
	if opts.TimeUnit <= 0 {
		return nil, fmt.Errorf("%w: time unit %s", ErrInvalidOptions, opts.TimeUnit)
	}
	if opts.Dimension < 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrInvalidOptions, opts.Dimension)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Builder{opts: opts}, nil
}

// Options returns the effective options.
func (b *Builder) Options() Options { return b.opts }

// CombinedSimilarity applies the time decay to a content similarity:
// simContent * exp(-alpha * deltaT). simContent is clamped to [0, 1].
func CombinedSimilarity(simContent, deltaT, alpha float64) float64 {
	return clamp01(simContent) * math.Exp(-alpha*deltaT)
}

// PairDistance is 1 - CombinedSimilarity, clamped to [0, 1].
func PairDistance(simContent, deltaT, alpha float64) float64 {
	return clamp01(1 - CombinedSimilarity(simContent, deltaT, alpha))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TimeOffsets returns, for each story, the whole number of units elapsed
// since the earliest story.
func TimeOffsets(stories []model.Story, unit time.Duration) []int64 {
	offsets := make([]int64, len(stories))
	earliest := model.Earliest(stories)
	for i, s := range stories {
		offsets[i] = int64(s.Published.Sub(earliest) / unit)
	}
	return offsets
}

// Build computes the distance between every pair of stories.
//
// For i != j: content similarity is the cosine of the two embeddings clamped
// to [0, 1] (negative cosines are treated as unrelated, a deliberate lossy
// step), multiplied by exp(-alpha * |offset_i - offset_j|). The distance is
// one minus that product.
func (b *Builder) Build(ctx context.Context, stories []model.Story, embeddings [][]float32) (*Matrix, error) {
	n := len(stories)
	if len(embeddings) != n {
		return nil, &MismatchError{What: "stories and embeddings differ in count", Index: -1, Want: n, Got: len(embeddings)}
	}
	m := NewMatrix(n)
	if n == 0 {
		return m, nil
	}

	dims := b.opts.Dimension
	if dims == 0 {
		dims = len(embeddings[0])
	}

	// Contiguous float64 slab, one row per story.
	slab := make([]float64, n*dims)
	norms := make([]float64, n) // squared norms
	for i, v := range embeddings {
		if len(v) != dims {
			return nil, &MismatchError{What: "embedding length", Index: i, StoryID: stories[i].ID, Want: dims, Got: len(v)}
		}
		row := slab[i*dims : (i+1)*dims]
		var sq float64
		for k, x := range v {
			f := float64(x)
			row[k] = f
			sq += f * f
		}
		if sq == 0 || math.IsNaN(sq) || math.IsInf(sq, 0) {
			return nil, &DegenerateError{Index: i, StoryID: stories[i].ID, Other: -1, Reason: fmt.Sprintf("squared norm %v", sq)}
		}
		norms[i] = sq
	}
	if n < 2 {
		return m, nil
	}

	offsets := TimeOffsets(stories, b.opts.TimeUnit)
	decay := b.decayTable(offsets)

	tasks := (n + rowsPerTask - 1) / rowsPerTask
	errs := make([]error, tasks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for t := 0; t < tasks; t++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lo := t * rowsPerTask
			hi := min(lo+rowsPerTask, n)
			errs[t] = b.fillRows(m, lo, hi, dims, slab, norms, offsets, decay, stories)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("distance: build cancelled: %w", err)
	}
	// Lowest failing block wins so the reported pair is stable across runs.
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// fillRows computes rows [lo, hi) of the upper triangle. Blocks write
// disjoint ranges of m.data.
func (b *Builder) fillRows(m *Matrix, lo, hi, dims int, slab, norms []float64, offsets []int64, decay []float64, stories []model.Story) error {
	n := m.n
	alpha := b.opts.DecayRate
	for i := lo; i < hi; i++ {
		vi := slab[i*dims : (i+1)*dims]
		for j := i + 1; j < n; j++ {
			vj := slab[j*dims : (j+1)*dims]
			var dot float64
			for k := range vi {
				dot += vi[k] * vj[k]
			}

			// sqrt(|vi|²·|vj|²) keeps identical vectors at exactly cos = 1.
			denom := math.Sqrt(norms[i] * norms[j])
			if math.IsInf(denom, 0) {
				denom = math.Sqrt(norms[i]) * math.Sqrt(norms[j])
			}
			cos := dot / denom
			if math.IsNaN(cos) || math.IsInf(cos, 0) {
				return &DegenerateError{
					Index: i, StoryID: stories[i].ID,
					Other: j, OtherID: stories[j].ID,
					Reason: fmt.Sprintf("cosine %v (dot %v, denominator %v)", cos, dot, denom),
				}
			}

			dt := offsets[i] - offsets[j]
			if dt < 0 {
				dt = -dt
			}
			var factor float64
			if decay != nil {
				factor = decay[dt]
			} else {
				factor = math.Exp(-alpha * float64(dt))
			}

			m.set(i, j, clamp01(1-clamp01(cos)*factor))
		}
	}
	return nil
}

// decayTable precomputes exp(-alpha*dt) for every possible dt when the
// offset range is small, which it is for day-resolution runs.
func (b *Builder) decayTable(offsets []int64) []float64 {
	var max int64
	for _, o := range offsets {
		if o > max {
			max = o
		}
	}
	if max >= maxDecayTable {
		return nil
	}
	table := make([]float64, max+1)
	for dt := range table {
		table[dt] = math.Exp(-b.opts.DecayRate * float64(dt))
	}
	return table
}
