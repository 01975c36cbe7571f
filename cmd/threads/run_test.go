package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/eventthread/internal/config"
	"github.com/abelbrown/eventthread/internal/events"
	"github.com/abelbrown/eventthread/internal/otel"
	"github.com/abelbrown/eventthread/internal/report"
	"github.com/abelbrown/eventthread/internal/store"
)

const indiaExport = `{"id": 1, "title": "Cyclone makes landfall in Odisha", "url": "https://a.com/1", "publish_date": "2024-03-01 08:00:00", "media_name": "a.com"}
{"id": 2, "title": "Cyclone makes landfall in Odisha", "url": "https://b.com/2", "publish_date": "2024-03-01 11:30:00", "media_name": "b.com"}
{"id": 3, "title": "Budget session opens in parliament", "url": "https://a.com/3", "publish_date": "2024-03-01 09:00:00", "media_name": "a.com"}
{"id": 3, "title": "Budget session opens in parliament", "url": "https://a.com/3", "publish_date": "2024-03-01 09:00:00", "media_name": "a.com"}
{"id": 4, "title": "", "url": "https://c.com/4", "publish_date": "2024-03-02 10:00:00", "media_name": "c.com"}
{"id": 5, "title": "Cyclone makes landfall in Odisha", "url": "https://c.com/5", "publish_date": "2024-03-09 10:00:00", "media_name": "c.com"}
`

type fakePublisher struct {
	runs   []string
	counts []int
}

func (f *fakePublisher) Publish(_ context.Context, runID, _ string, es *events.Store) error {
	f.runs = append(f.runs, runID)
	f.counts = append(f.counts, es.Len())
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func testPipeline(t *testing.T) (*pipeline, *store.Store, *fakePublisher, string) {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "india.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(indiaExport), 0644))

	cfg := config.DefaultConfig()
	cfg.Embedder.Provider = "hash"
	cfg.Embedder.Dimension = 128
	cfg.Workers = 2
	cfg.Storage.OutputDir = filepath.Join(dir, "out")
	cfg.Topics = []config.TopicConfig{{Name: "india", Input: input}}
	require.NoError(t, cfg.Validate())

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := otel.NewNullLogger()
	t.Cleanup(logger.Close)
	engine, err := newEngine(cfg, db, logger)
	require.NoError(t, err)

	pub := &fakePublisher{}
	return &pipeline{cfg: cfg, engine: engine, db: db, pub: pub, events: logger}, db, pub, dir
}

func TestPipelineThreadsTopic(t *testing.T) {
	p, db, pub, _ := testPipeline(t)
	ctx := context.Background()

	results, errs := p.runAll(ctx, p.cfg.Topics)
	require.NoError(t, errs[0])
	res := results[0]

	assert.Equal(t, 6, res.fetched)
	assert.Equal(t, 1, res.dropped)
	require.Len(t, res.run.Skipped, 1)
	assert.Equal(t, "4", res.run.Skipped[0].StoryID)

	es := res.run.Events
	assert.Equal(t, 4, es.Len())
	c1, err := es.ClusterOf("1")
	require.NoError(t, err)
	c2, err := es.ClusterOf("2")
	require.NoError(t, err)
	c5, err := es.ClusterOf("5")
	require.NoError(t, err)
	assert.Equal(t, c1, c2, "same headline, same day")
	assert.NotEqual(t, c1, c5, "same headline, eight days later")

	for _, path := range []string{res.files.Text, res.files.Clusters, res.files.Analysis} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
	text, err := os.ReadFile(res.files.Text)
	require.NoError(t, err)
	assert.Contains(t, string(text), "Total Stories: 4")
	assert.Contains(t, string(text), "Skipped Stories: 1")

	run, err := db.LatestRun(ctx, "india")
	require.NoError(t, err)
	assert.Equal(t, res.run.RunID, run.ID)
	assert.Equal(t, "hash-128", run.Config.Model)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, es.NumClusters(), run.Clusters)

	loaded, err := db.LoadEventStore(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, es.Assignments(), loaded.Assignments())

	assert.Equal(t, []string{run.ID}, pub.runs)
	assert.Equal(t, []int{4}, pub.counts)

	n, err := db.EmbeddingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "distinct headlines are cached once")
}

func TestPipelineRerunUsesCache(t *testing.T) {
	p, db, _, _ := testPipeline(t)
	ctx := context.Background()

	first, errs := p.runAll(ctx, p.cfg.Topics)
	require.NoError(t, errs[0])
	second, errs := p.runAll(ctx, p.cfg.Topics)
	require.NoError(t, errs[0])

	assert.NotEqual(t, first[0].run.RunID, second[0].run.RunID)
	assert.Equal(t, first[0].run.Events.Assignments(), second[0].run.Events.Assignments())

	runs, err := db.ListRuns(ctx, "india", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestPipelineTopicErrors(t *testing.T) {
	p, _, _, dir := testPipeline(t)

	topics := []config.TopicConfig{
		{Name: "empty"},
		{Name: "missing", Input: filepath.Join(dir, "nope.jsonl")},
		p.cfg.Topics[0],
	}
	results, errs := p.runAll(context.Background(), topics)
	assert.ErrorContains(t, errs[0], "no input file or feeds")
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])
	assert.NotNil(t, results[2])
}

func TestPipelineAnalysisBucket(t *testing.T) {
	p, _, _, _ := testPipeline(t)
	p.cfg.Analysis.Bucket = "day"

	results, errs := p.runAll(context.Background(), p.cfg.Topics)
	require.NoError(t, errs[0])

	data, err := os.ReadFile(results[0].files.Analysis)
	require.NoError(t, err)
	var got report.Analysis
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "day", got.Bucket)
	// 2024-03-01 through 2024-03-09, one bucket per day.
	assert.Len(t, got.Coverage.Buckets, 9)
}

func TestRunRecord(t *testing.T) {
	p, _, _, _ := testPipeline(t)
	results, errs := p.runAll(context.Background(), p.cfg.Topics)
	require.NoError(t, errs[0])

	rec := runRecord(results[0].run)
	assert.Equal(t, "india", rec.Topic)
	assert.Equal(t, 4, rec.Stories)
	assert.Equal(t, 0.15, rec.Config.DecayRate)
	assert.Equal(t, 0.5, rec.Config.MergeThreshold)
	assert.Equal(t, "average", rec.Config.Linkage)
	assert.Equal(t, "24h0m0s", rec.Config.TimeUnit)
	assert.Equal(t, 128, rec.Config.Dimension)
}

func TestRunLine(t *testing.T) {
	run := store.Run{ID: "run-1", Config: store.RunConfig{Model: "hash-128", DecayRate: 0.15, MergeThreshold: 0.5, Linkage: "average"}}
	line, err := runLine(run)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "  run run-1  {"))
	assert.Contains(t, line, `"model":"hash-128"`)
	assert.Contains(t, line, `"decay_rate":0.15`)

	run.Config.DecayRate = math.NaN()
	_, err = runLine(run)
	assert.ErrorContains(t, err, "encode run config")
}

func TestSourcesFor(t *testing.T) {
	sources := sourcesFor(config.TopicConfig{
		Name:  "india",
		Input: "india.jsonl",
		Feeds: []string{"https://example.com/a.rss", "https://example.com/b.rss"},
	})
	require.Len(t, sources, 3)
	assert.Equal(t, "india.jsonl", sources[0].Name())
	assert.Equal(t, "https://example.com/b.rss", sources[2].Name())
}

func TestEventFilterAndTail(t *testing.T) {
	log := strings.Join([]string{
		`{"t":"2024-03-01T09:00:00Z","level":"info","kind":"run.start","comp":"engine","run_id":"abcdef123456","topic":"india"}`,
		`not json`,
		`{"t":"2024-03-01T09:00:01Z","level":"warn","kind":"embed.skip","comp":"engine","run_id":"abcdef123456","topic":"india","story_id":"4","err":"embedding failure: empty text"}`,
		`{"t":"2024-03-01T09:00:02Z","level":"info","kind":"run.complete","comp":"engine","run_id":"abcdef123456","topic":"india","count":3,"dur_ms":12.5}`,
		`{"t":"2024-03-01T09:00:03Z","level":"info","kind":"run.start","comp":"engine","run_id":"ffff","topic":"climate"}`,
	}, "\n")

	all := readTailLines(strings.NewReader(log), 10, eventFilter{}.match)
	assert.Len(t, all, 4)

	last := readTailLines(strings.NewReader(log), 2, eventFilter{}.match)
	require.Len(t, last, 2)
	assert.Equal(t, "run.complete", last[0].ev.Kind)

	india := readTailLines(strings.NewReader(log), 10, eventFilter{topic: "india", kind: "run"}.match)
	assert.Len(t, india, 2)

	warn := readTailLines(strings.NewReader(log), 10, eventFilter{level: "warn", run: "abc"}.match)
	require.Len(t, warn, 1)
	line := formatEvent(warn[0].ev)
	assert.Contains(t, line, "WARN")
	assert.Contains(t, line, "run=abcdef12")
	assert.Contains(t, line, "story=4")
	assert.Contains(t, line, "err=embedding failure: empty text")

	done := formatEvent(last[0].ev)
	assert.Contains(t, done, "(12.5ms)")
	assert.Contains(t, done, "n=3")
}
