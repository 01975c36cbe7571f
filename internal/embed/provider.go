package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/eventthread/internal/logging"
)

const (
	defaultBatchSize = 64
	defaultWorkers   = 4
)

// Options configures a Provider.
type Options struct {
	// Dimension is the expected vector length; 0 accepts any.
	Dimension int
	// MaxTokens rejects longer texts with ErrTooLong; 0 disables the check.
	MaxTokens int
	// BatchSize is the number of texts per EmbedBatch call.
	BatchSize int
	// Workers bounds concurrent model calls; 0 means min(4, NumCPU).
	Workers int
	// Cache is consulted before the model and filled after it. Optional.
	Cache Cache
}

// Provider enforces the embedding contract over an Embedder. It is safe for
// concurrent use.
type Provider struct {
	embedder Embedder
	opts     Options
	limit    *TokenLimit

	availOnce sync.Once
	availErr  error
}

// NewProvider wraps e.
func NewProvider(e Embedder, opts Options) (*Provider, error) {
	if e == nil {
		return nil, fmt.Errorf("embed: nil embedder")
	}
	if opts.Dimension < 0 {
		return nil, fmt.Errorf("embed: negative dimension %d", opts.Dimension)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = min(defaultWorkers, runtime.NumCPU())
	}
	p := &Provider{embedder: e, opts: opts}
	if opts.MaxTokens > 0 {
		limit, err := NewTokenLimit(opts.MaxTokens)
		if err != nil {
			return nil, err
		}
		p.limit = limit
	}
	return p, nil
}

// Model returns the wrapped model's name.
func (p *Provider) Model() string { return p.embedder.Model() }

// Embed returns the embedding of one text. Errors match ErrEmbeddingFailure
// unless ctx was cancelled.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedMany(ctx, []string{text})
	if err != nil {
		var set *FailureSet
		if errors.As(err, &set) {
			return nil, set.Failures[0].Err
		}
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds texts, preserving order: vecs[i] belongs to texts[i].
//
// Texts that fail are left nil in vecs and reported together in a
// *FailureSet; the remaining vectors are valid. Any other error (ctx
// cancelled, model unavailable) means no vectors were produced.
func (p *Provider) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	if len(texts) == 0 {
		return vecs, nil
	}
	if err := p.available(); err != nil {
		return nil, err
	}

	var failures []*Failure
	// Identical texts are embedded once.
	byText := make(map[string][]int)
	var pending []string
	for i, t := range texts {
		if err := p.check(t); err != nil {
			failures = append(failures, &Failure{Index: i, Err: err})
			continue
		}
		if _, ok := byText[t]; !ok {
			pending = append(pending, t)
		}
		byText[t] = append(byText[t], i)
	}

	results := p.lookup(ctx, pending)

	var miss []int
	for k, r := range results {
		if r.vec == nil {
			miss = append(miss, k)
		}
	}
	if len(miss) > 0 {
		err := p.compute(ctx, pending, miss, results)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("embed: %w", ctxErr)
		}
		if err != nil {
			return nil, err
		}
		p.store(ctx, pending, miss, results)
	}

	for k, t := range pending {
		r := results[k]
		for _, i := range byText[t] {
			if r.err != nil {
				failures = append(failures, &Failure{Index: i, Err: r.err})
				continue
			}
			vecs[i] = clone(r.vec)
		}
	}
	return vecs, newFailureSet(failures)
}

type result struct {
	vec []float32
	err error
}

func (p *Provider) available() error {
	p.availOnce.Do(func() {
		if !p.embedder.Available() {
			p.availErr = fmt.Errorf("%w: %s", ErrUnavailable, p.embedder.Model())
		}
	})
	return p.availErr
}

func (p *Provider) check(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if p.limit != nil {
		return p.limit.Check(text)
	}
	return nil
}

// lookup fills results from the cache. Cache errors count as misses.
func (p *Provider) lookup(ctx context.Context, texts []string) []result {
	results := make([]result, len(texts))
	if p.opts.Cache == nil {
		return results
	}
	model := p.Model()
	for k, t := range texts {
		vec, err := p.opts.Cache.GetEmbedding(ctx, model, t)
		if err != nil {
			logging.Warn("embedding cache read failed", "model", model, "error", err)
			continue
		}
		if vec != nil && p.validate(vec) == nil {
			results[k] = result{vec: vec}
		}
	}
	return results
}

// compute embeds texts[idx] for every idx in miss. Batches that fail as a
// whole are retried one text at a time so a single bad input cannot sink
// its neighbours. A model that turns unavailable stops the whole call and
// its error is returned.
func (p *Provider) compute(ctx context.Context, texts []string, miss []int, results []result) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	batcher, ok := p.embedder.(BatchEmbedder)
	if !ok || p.opts.BatchSize == 1 {
		for _, k := range miss {
			g.Go(func() error {
				results[k] = p.one(gctx, texts[k])
				return unavailable(results[k].err)
			})
		}
		return g.Wait()
	}

	for lo := 0; lo < len(miss); lo += p.opts.BatchSize {
		chunk := miss[lo:min(lo+p.opts.BatchSize, len(miss))]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			batch := make([]string, len(chunk))
			for n, k := range chunk {
				batch[n] = texts[k]
			}
			out, err := batcher.EmbedBatch(gctx, batch)
			if err == nil && len(out) != len(batch) {
				err = fmt.Errorf("embed: batch returned %d vectors for %d texts", len(out), len(batch))
			}
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if err := unavailable(err); err != nil {
					return err
				}
				logging.Debug("batch embed failed, retrying per text", "size", len(batch), "error", err)
				for _, k := range chunk {
					results[k] = p.one(gctx, texts[k])
					if err := unavailable(results[k].err); err != nil {
						return err
					}
				}
				return nil
			}
			for n, k := range chunk {
				results[k] = p.finish(out[n], nil)
			}
			return nil
		})
	}
	return g.Wait()
}

// unavailable returns err if it reports the model as gone, nil otherwise.
func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return nil
}

func (p *Provider) one(ctx context.Context, text string) result {
	if ctx.Err() != nil {
		return result{err: ctx.Err()}
	}
	return p.finish(p.embedder.Embed(ctx, text))
}

func (p *Provider) finish(vec []float32, err error) result {
	if err != nil {
		if !errors.Is(err, ErrEmbeddingFailure) {
			err = fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
		}
		return result{err: err}
	}
	if err := p.validate(vec); err != nil {
		return result{err: err}
	}
	return result{vec: clone(vec)}
}

// validate rejects empty, wrong-length, zero-norm and non-finite vectors.
func (p *Provider) validate(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDegenerateEmbedding)
	}
	if p.opts.Dimension > 0 && len(vec) != p.opts.Dimension {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbeddingFailure, len(vec), p.opts.Dimension)
	}
	var sq float64
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", ErrDegenerateEmbedding)
		}
		sq += f * f
	}
	if sq == 0 {
		return fmt.Errorf("%w: zero norm", ErrDegenerateEmbedding)
	}
	return nil
}

// store writes freshly computed vectors to the cache.
func (p *Provider) store(ctx context.Context, texts []string, miss []int, results []result) {
	if p.opts.Cache == nil {
		return
	}
	model := p.Model()
	for _, k := range miss {
		r := results[k]
		if r.err != nil {
			continue
		}
		if err := p.opts.Cache.SaveEmbedding(ctx, model, texts[k], r.vec); err != nil {
			logging.Warn("embedding cache write failed", "model", model, "error", err)
		}
	}
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
