package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/eventthread/internal/config"
	"github.com/abelbrown/eventthread/internal/embed"
	"github.com/abelbrown/eventthread/internal/feeds"
	"github.com/abelbrown/eventthread/internal/feeds/jsonl"
	"github.com/abelbrown/eventthread/internal/feeds/rss"
	"github.com/abelbrown/eventthread/internal/logging"
	"github.com/abelbrown/eventthread/internal/otel"
	"github.com/abelbrown/eventthread/internal/publish"
	"github.com/abelbrown/eventthread/internal/report"
	"github.com/abelbrown/eventthread/internal/store"
	"github.com/abelbrown/eventthread/internal/thread"
)

func runThreads() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(fs)
	topic := fs.String("topic", "", "Only run this topic (or name the --input topic)")
	input := fs.String("input", "", "Thread a single JSONL export instead of the configured topics")
	provider := fs.String("provider", "", "Embedder override: jina, ollama or hash")
	threshold := fs.Float64("threshold", -1, "Merge threshold override")
	linkage := fs.String("linkage", "", "Linkage override: average, single or complete")
	bucket := fs.String("bucket", "", "Coverage period override: day, week or month")
	outDir := fs.String("out", "", "Report directory (default: storage.output_dir)")
	noStore := fs.Bool("no-store", false, "Do not persist stories, embeddings or runs")
	noPublish := fs.Bool("no-publish", false, "Do not publish assignments to Kafka")
	verbose := fs.Bool("v", false, "Debug logging")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*cfgPath)
	if *provider != "" {
		cfg.Embedder.Provider = *provider
	}
	if *threshold >= 0 {
		cfg.Threading.MergeThreshold = *threshold
	}
	if *linkage != "" {
		cfg.Threading.Linkage = *linkage
	}
	if *bucket != "" {
		cfg.Analysis.Bucket = *bucket
	}
	if *outDir != "" {
		cfg.Storage.OutputDir = *outDir
	}
	if *input != "" {
		name := *topic
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(*input), filepath.Ext(*input))
		}
		cfg.Topics = []config.TopicConfig{{Name: name, Input: *input}}
	} else if *topic != "" {
		t, ok := cfg.Topic(*topic)
		if !ok {
			fatalf("topic %q is not configured", *topic)
		}
		cfg.Topics = []config.TopicConfig{t}
	}
	if err := cfg.Validate(); err != nil {
		fatalf("%v", err)
	}
	if len(cfg.Topics) == 0 {
		fatalf("no topics configured (add topics to %s or pass --input)", *cfgPath)
	}

	setupLogging(cfg, *verbose)
	events := openEventLog(cfg.Storage.EventLog)
	defer events.Close()
	events.Info(otel.KindStartup, "cli", "threads run")

	var db *store.Store
	if !*noStore {
		db = openDB(cfg)
		defer db.Close()
	}

	engine, err := newEngine(cfg, db, events)
	if err != nil {
		fatalf("%v", err)
	}

	var pub publish.Publisher
	if len(cfg.Publish.Brokers) > 0 && !*noPublish {
		pub = publish.NewKafka(cfg.Publish.Brokers, cfg.Publish.Topic)
		defer pub.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	p := &pipeline{cfg: cfg, engine: engine, db: db, pub: pub, events: events}
	results, errs := p.runAll(ctx, cfg.Topics)

	failed := 0
	for i, t := range cfg.Topics {
		if errs[i] != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", t.Name, errs[i])
			continue
		}
		p.printTopic(results[i])
	}
	events.Info(otel.KindShutdown, "cli", fmt.Sprintf("%d topics, %d failed", len(cfg.Topics), failed))
	if failed > 0 {
		events.Close()
		os.Exit(1)
	}
}

// newEngine wires the configured embedder, the optional embedding cache
// and the engine parameters.
func newEngine(cfg *config.Config, db *store.Store, events *otel.Logger) (*thread.Engine, error) {
	e, err := thread.NewEmbedder(cfg.Embedder, cfg.Threading.EmbeddingDimension)
	if err != nil {
		return nil, err
	}
	opts := embed.Options{
		Dimension: cfg.Threading.EmbeddingDimension,
		MaxTokens: cfg.Embedder.MaxTokens,
		BatchSize: cfg.Embedder.BatchSize,
		Workers:   cfg.WorkerCount(),
	}
	if db != nil {
		opts.Cache = db
	}
	provider, err := embed.NewProvider(e, opts)
	if err != nil {
		return nil, err
	}
	return thread.New(thread.Options{
		Threading: cfg.Threading,
		Provider:  provider,
		Workers:   cfg.WorkerCount(),
		Events:    events,
	})
}

// openEventLog appends to the JSONL event log, falling back to a discarding
// logger when the file cannot be opened.
func openEventLog(path string) *otel.Logger {
	if path == "" {
		return otel.NewNullLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logging.Warn("event log disabled", "err", err)
		return otel.NewNullLogger()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Warn("event log disabled", "err", err)
		return otel.NewNullLogger()
	}
	return otel.NewLogger(f)
}

// pipeline threads configured topics end to end: acquire, deduplicate,
// persist, cluster, report, store the run and publish it.
type pipeline struct {
	cfg    *config.Config
	engine *thread.Engine
	db     *store.Store      // nil disables persistence
	pub    publish.Publisher // nil disables publishing
	events *otel.Logger
}

type topicResult struct {
	run      *thread.Result
	files    report.Files
	fetched  int
	dropped  int
	failures []*feeds.SourceError
}

// runAll threads topics concurrently. One topic failing does not stop the
// others; errs is aligned with topics.
func (p *pipeline) runAll(ctx context.Context, topics []config.TopicConfig) ([]*topicResult, []error) {
	results := make([]*topicResult, len(topics))
	errs := make([]error, len(topics))

	var g errgroup.Group
	g.SetLimit(p.cfg.WorkerCount())
	for i, t := range topics {
		g.Go(func() error {
			results[i], errs[i] = p.thread(ctx, t)
			return nil
		})
	}
	g.Wait()
	return results, errs
}

func (p *pipeline) thread(ctx context.Context, t config.TopicConfig) (*topicResult, error) {
	sources := sourcesFor(t)
	if len(sources) == 0 {
		return nil, fmt.Errorf("topic %q has no input file or feeds", t.Name)
	}

	start := time.Now()
	stories, failures, err := feeds.Collect(ctx, sources, p.cfg.WorkerCount())
	if err != nil {
		return nil, err
	}
	for _, f := range failures {
		p.events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindFetchError, Comp: "feeds", Topic: t.Name, Err: f.Error()})
	}
	if len(failures) == len(sources) {
		return nil, fmt.Errorf("every source failed: %w", failures[0])
	}
	p.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindFetchComplete, Comp: "feeds", Topic: t.Name, Count: len(stories), Dur: time.Since(start)})

	res := &topicResult{fetched: len(stories), failures: failures}
	stories, res.dropped = feeds.Dedup(stories)
	if res.dropped > 0 {
		p.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindDedup, Comp: "feeds", Topic: t.Name, Count: res.dropped})
	}
	feeds.SortByPublished(stories)

	if p.db != nil {
		if _, err := p.db.SaveStories(ctx, t.Name, stories); err != nil {
			p.storeError(t.Name, err)
			return nil, fmt.Errorf("save stories: %w", err)
		}
	}

	run, err := p.engine.Run(ctx, t.Name, stories)
	if err != nil {
		return nil, err
	}
	res.run = run

	res.files, err = report.WriteFiles(p.cfg.Storage.OutputDir, p.reportOf(run))
	if err != nil {
		return nil, err
	}

	if p.db != nil {
		if err := p.db.SaveRun(ctx, runRecord(run), run.Events.Assignments()); err != nil {
			p.storeError(t.Name, err)
			return nil, fmt.Errorf("save run: %w", err)
		}
	}

	if p.pub != nil {
		start := time.Now()
		if err := p.pub.Publish(ctx, run.RunID, t.Name, run.Events); err != nil {
			return nil, err
		}
		p.events.Emit(otel.Event{
			Level: otel.LevelInfo, Kind: otel.KindPublish, Comp: "publish",
			RunID: run.RunID, Topic: t.Name, Count: run.Events.Len(), Dur: time.Since(start),
		})
	}
	return res, nil
}

func (p *pipeline) storeError(topic string, err error) {
	p.events.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "store", Topic: topic, Err: err.Error()})
}

// sourcesFor returns the JSONL export and RSS feeds of a topic.
func sourcesFor(t config.TopicConfig) []feeds.Source {
	var sources []feeds.Source
	if t.Input != "" {
		sources = append(sources, jsonl.New(t.Input, t.Name))
	}
	for _, url := range t.Feeds {
		sources = append(sources, rss.New("", url, t.Name))
	}
	return sources
}

func (p *pipeline) reportOf(run *thread.Result) report.Report {
	return report.Report{
		Topic:   run.Topic,
		RunID:   run.RunID,
		Events:  run.Events,
		Skipped: len(run.Skipped),
		Bucket:  p.cfg.Analysis.Bucket,
	}
}

// runRecord is the stored form of a run.
func runRecord(run *thread.Result) store.Run {
	return store.Run{
		ID:         run.RunID,
		Topic:      run.Topic,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Stories:    run.Events.Len(),
		Skipped:    len(run.Skipped),
		Clusters:   run.Events.NumClusters(),
		Config: store.RunConfig{
			Model:          run.Model,
			DecayRate:      run.Threading.DecayRate,
			MergeThreshold: run.Threading.MergeThreshold,
			Linkage:        run.Threading.Linkage,
			TimeUnit:       run.Threading.TimeUnit,
			Dimension:      run.Stats.Dimension,
		},
	}
}

func (p *pipeline) printTopic(res *topicResult) {
	run := res.run
	fmt.Println(p.reportOf(run).Summary(terminalWidth()))
	fmt.Printf("  run %s  fetched %d  duplicates %d  embed %s  distance %s  cluster %s\n",
		run.RunID, res.fetched, res.dropped,
		run.Stats.Embed.Round(time.Millisecond),
		run.Stats.Distance.Round(time.Millisecond),
		run.Stats.Cluster.Round(time.Millisecond))
	for _, s := range run.Skipped {
		reason := s.Err.Error()
		if errors.Is(s.Err, embed.ErrEmptyText) {
			reason = "empty headline"
		}
		fmt.Printf("  skipped %s: %s\n", s.StoryID, truncate(reason, 80))
	}
	for _, f := range res.failures {
		fmt.Printf("  source failed: %s\n", truncate(f.Error(), 100))
	}
	fmt.Printf("  wrote %s, %s, %s\n\n", res.files.Text, res.files.Clusters, res.files.Analysis)
}

// terminalWidth reads $COLUMNS, defaulting to 80.
func terminalWidth() int {
	w, err := strconv.Atoi(os.Getenv("COLUMNS"))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
