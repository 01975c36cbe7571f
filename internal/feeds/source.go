// Package feeds acquires stories for a topic. Concrete sources live in
// subpackages: jsonl reads news-index exports, rss polls RSS/Atom feeds.
package feeds

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/eventthread/internal/logging"
	"github.com/abelbrown/eventthread/internal/model"
)

// Source is the interface all story sources implement.
type Source interface {
	// Name returns a human-readable source name.
	Name() string
	// Fetch retrieves the source's stories.
	Fetch(ctx context.Context) ([]model.Story, error)
}

// SourceError records a source that failed during Collect.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return fmt.Sprintf("feeds: %s: %v", e.Source, e.Err) }

func (e *SourceError) Unwrap() error { return e.Err }

// Collect fetches every source concurrently and concatenates the results in
// source order. A failing source is reported and skipped; the rest still
// contribute. Collect only returns an error when ctx is done.
func Collect(ctx context.Context, sources []Source, workers int) ([]model.Story, []*SourceError, error) {
	results := make([][]model.Story, len(sources))
	errs := make([]*SourceError, len(sources))

	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, src := range sources {
		g.Go(func() error {
			stories, err := src.Fetch(ctx)
			if err != nil {
				errs[i] = &SourceError{Source: src.Name(), Err: err}
				logging.Warn("source fetch failed", "source", src.Name(), "error", err)
				return nil
			}
			logging.Debug("source fetched", "source", src.Name(), "stories", len(stories))
			results[i] = stories
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var all []model.Story
	var failed []*SourceError
	for i := range sources {
		all = append(all, results[i]...)
		if errs[i] != nil {
			failed = append(failed, errs[i])
		}
	}
	return all, failed, nil
}

// Dedup keeps the first story for each id and returns how many were
// dropped. Stories with blank titles are kept: the embedding stage rejects
// and reports them.
func Dedup(stories []model.Story) ([]model.Story, int) {
	seen := make(map[string]struct{}, len(stories))
	out := make([]model.Story, 0, len(stories))
	for _, st := range stories {
		if _, dup := seen[st.ID]; dup {
			continue
		}
		seen[st.ID] = struct{}{}
		out = append(out, st)
	}
	return out, len(stories) - len(out)
}

// SortByPublished orders stories oldest first, ties by id, so a run's
// input order does not depend on source timing.
func SortByPublished(stories []model.Story) {
	sort.SliceStable(stories, func(i, j int) bool {
		a, b := stories[i], stories[j]
		if !a.Published.Equal(b.Published) {
			return a.Published.Before(b.Published)
		}
		return a.ID < b.ID
	})
}
