// Package thread runs the event threading pipeline for one topic: embed the
// headlines, build the time-decayed distance matrix, cluster it and index the
// result as an event store.
package thread

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/abelbrown/eventthread/internal/cluster"
	"github.com/abelbrown/eventthread/internal/config"
	"github.com/abelbrown/eventthread/internal/distance"
	"github.com/abelbrown/eventthread/internal/embed"
	"github.com/abelbrown/eventthread/internal/events"
	"github.com/abelbrown/eventthread/internal/logging"
	"github.com/abelbrown/eventthread/internal/model"
	"github.com/abelbrown/eventthread/internal/otel"
)

const comp = "engine"

// ErrNothingEmbedded is returned when a run has stories but none of them
// could be embedded.
var ErrNothingEmbedded = errors.New("no story could be embedded")

// Skipped is a story left out of a run because it could not be embedded.
type Skipped struct {
	StoryID string
	Index   int // position in the input batch
	Err     error
}

// Stats records the size and timing of a run.
type Stats struct {
	Input     int
	Embedded  int
	Skipped   int
	Clusters  int
	Merges    int
	Embed     time.Duration
	Distance  time.Duration
	Cluster   time.Duration
	Total     time.Duration
	Dimension int
}

// Result is the output of one run. Everything in it is read-only.
type Result struct {
	RunID      string
	Topic      string
	Model      string
	Threading  config.ThreadingConfig
	StartedAt  time.Time
	FinishedAt time.Time

	Events  *events.Store
	Matrix  *distance.Matrix
	Merges  []cluster.Merge
	Skipped []Skipped
	Stats   Stats
}

// Options configures an Engine.
type Options struct {
	Threading config.ThreadingConfig
	Provider  *embed.Provider
	// Workers bounds concurrent distance row blocks. 0 means NumCPU.
	Workers int
	// Events receives run events. Optional.
	Events *otel.Logger
}

// Engine runs the pipeline. One Engine may run several topics concurrently;
// each run clusters on its own goroutine.
type Engine struct {
	threading config.ThreadingConfig
	linkage   cluster.Linkage
	provider  *embed.Provider
	builder   *distance.Builder
	events    *otel.Logger
	log       *log.Logger

	now   func() time.Time
	newID func() string
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, errors.New("thread: nil embedding provider")
	}
	t := opts.Threading
	if t.MergeThreshold < 0 || math.IsNaN(t.MergeThreshold) {
		return nil, fmt.Errorf("thread: %w: %v", cluster.ErrInvalidThreshold, t.MergeThreshold)
	}
	linkage, err := cluster.ParseLinkage(t.Linkage)
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	unit, err := t.Unit()
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	builder, err := distance.NewBuilder(distance.Options{
		DecayRate: t.DecayRate,
		TimeUnit:  unit,
		Dimension: t.EmbeddingDimension,
		Workers:   opts.Workers,
	})
	if err != nil {
		return nil, fmt.Errorf("thread: %w", err)
	}
	t.Linkage = string(linkage)
	t.TimeUnit = unit.String()

	return &Engine{
		threading: t,
		linkage:   linkage,
		provider:  opts.Provider,
		builder:   builder,
		events:    opts.Events,
		log:       logging.WithPrefix(comp),
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Threading returns the effective engine parameters.
func (e *Engine) Threading() config.ThreadingConfig { return e.threading }

// Run threads one topic's stories into events.
//
// Stories whose headline cannot be embedded are dropped and listed in
// Result.Skipped; the run continues with the rest. A run where every story
// was dropped fails with ErrNothingEmbedded. Any other error (model
// unavailable, cancelled context, inconsistent vectors) aborts the run.
func (e *Engine) Run(ctx context.Context, topic string, stories []model.Story) (*Result, error) {
	res := &Result{
		RunID:     e.newID(),
		Topic:     topic,
		Model:     e.provider.Model(),
		Threading: e.threading,
		StartedAt: e.now(),
	}
	res.Stats.Input = len(stories)

	e.events.Emit(otel.Event{
		Level: otel.LevelInfo, Kind: otel.KindRunStart, Comp: comp,
		RunID: res.RunID, Topic: topic, Count: len(stories),
	})
	e.log.Info("run started", "topic", topic, "run", res.RunID, "stories", len(stories), "model", res.Model)

	fail := func(stage string, err error) (*Result, error) {
		err = fmt.Errorf("thread: %s %s: %w", topic, stage, err)
		e.events.Emit(otel.Event{
			Level: otel.LevelError, Kind: otel.KindRunError, Comp: comp,
			RunID: res.RunID, Topic: topic, Err: err.Error(),
		})
		e.log.Error("run failed", "topic", topic, "stage", stage, "err", err)
		return nil, err
	}

	kept, vecs, err := e.embed(ctx, res, stories)
	if err != nil {
		return fail("embed", err)
	}
	if len(stories) > 0 && len(kept) == 0 {
		return fail("embed", fmt.Errorf("%w: %d skipped, first: %w", ErrNothingEmbedded, len(res.Skipped), res.Skipped[0].Err))
	}

	start := time.Now()
	m, err := e.builder.Build(ctx, kept, vecs)
	if err != nil {
		return fail("distance", err)
	}
	res.Matrix = m
	res.Stats.Distance = time.Since(start)
	e.events.Emit(otel.Event{
		Level: otel.LevelInfo, Kind: otel.KindDistanceBuild, Comp: comp,
		RunID: res.RunID, Topic: topic, Count: m.Len(), Dur: res.Stats.Distance,
	})

	start = time.Now()
	cl, err := cluster.Cluster(m, e.threading.MergeThreshold, e.linkage)
	if err != nil {
		return fail("cluster", err)
	}
	res.Merges = cl.Merges
	res.Stats.Cluster = time.Since(start)

	store, err := events.New(kept, cl.Labels)
	if err != nil {
		return fail("index", err)
	}
	res.Events = store
	res.Stats.Clusters = store.NumClusters()
	res.Stats.Merges = len(cl.Merges)
	e.events.Emit(otel.Event{
		Level: otel.LevelInfo, Kind: otel.KindClusterDone, Comp: comp,
		RunID: res.RunID, Topic: topic, Count: res.Stats.Clusters, Dur: res.Stats.Cluster,
		Extra: map[string]any{"merges": len(cl.Merges), "linkage": string(e.linkage)},
	})

	res.FinishedAt = e.now()
	res.Stats.Total = res.FinishedAt.Sub(res.StartedAt)
	e.events.Emit(otel.Event{
		Level: otel.LevelInfo, Kind: otel.KindRunComplete, Comp: comp,
		RunID: res.RunID, Topic: topic, Count: res.Stats.Clusters, Dur: res.Stats.Total,
		Extra: map[string]any{"stories": res.Stats.Embedded, "skipped": res.Stats.Skipped},
	})
	e.log.Info("run complete",
		"topic", topic,
		"stories", res.Stats.Embedded,
		"skipped", res.Stats.Skipped,
		"events", res.Stats.Clusters,
		"embed", res.Stats.Embed.Round(time.Millisecond),
		"distance", res.Stats.Distance.Round(time.Millisecond),
		"cluster", res.Stats.Cluster.Round(time.Millisecond),
	)
	return res, nil
}

// embed returns the stories that embedded cleanly and their vectors,
// recording the rest in res.Skipped.
func (e *Engine) embed(ctx context.Context, res *Result, stories []model.Story) ([]model.Story, [][]float32, error) {
	e.events.Emit(otel.Event{
		Level: otel.LevelInfo, Kind: otel.KindEmbedStart, Comp: comp,
		RunID: res.RunID, Topic: res.Topic, Count: len(stories),
	})
	start := time.Now()
	vecs, err := e.provider.EmbedMany(ctx, model.Texts(stories))
	res.Stats.Embed = time.Since(start)

	failed := make(map[int]bool)
	if err != nil {
		var set *embed.FailureSet
		if !errors.As(err, &set) {
			return nil, nil, err
		}
		for _, f := range set.Failures {
			failed[f.Index] = true
			s := stories[f.Index]
			res.Skipped = append(res.Skipped, Skipped{StoryID: s.ID, Index: f.Index, Err: f.Err})
			e.events.Emit(otel.Event{
				Level: otel.LevelWarn, Kind: otel.KindEmbedSkip, Comp: comp,
				RunID: res.RunID, Topic: res.Topic, StoryID: s.ID, Err: f.Err.Error(),
			})
			e.log.Warn("story skipped", "topic", res.Topic, "story", s.ID, "err", f.Err)
		}
	}

	kept := make([]model.Story, 0, len(stories)-len(failed))
	keptVecs := make([][]float32, 0, len(stories)-len(failed))
	for i, s := range stories {
		if failed[i] {
			continue
		}
		kept = append(kept, s)
		keptVecs = append(keptVecs, vecs[i])
	}
	res.Stats.Embedded = len(kept)
	res.Stats.Skipped = len(res.Skipped)
	if len(keptVecs) > 0 {
		res.Stats.Dimension = len(keptVecs[0])
	}

	e.events.Emit(otel.Event{
		Level: otel.LevelInfo, Kind: otel.KindEmbedComplete, Comp: comp,
		RunID: res.RunID, Topic: res.Topic, Count: len(kept), Dims: res.Stats.Dimension,
		Dur: res.Stats.Embed,
	})
	return kept, keptVecs, nil
}
