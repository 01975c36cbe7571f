package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/abelbrown/eventthread/internal/events"
	"github.com/abelbrown/eventthread/internal/model"
)

// RunConfig is the parameter snapshot a run was produced with.
type RunConfig struct {
	Model          string  `json:"model"`
	DecayRate      float64 `json:"decay_rate"`
	MergeThreshold float64 `json:"merge_threshold"`
	Linkage        string  `json:"linkage"`
	TimeUnit       string  `json:"time_unit"`
	Dimension      int     `json:"embedding_dimension"`
}

// Run is one threading run of a topic.
type Run struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Stories    int       `json:"stories"`
	Skipped    int       `json:"skipped"`
	Clusters   int       `json:"clusters"`
	Config     RunConfig `json:"config"`
}

// SaveRun stores a run with its assignments in one transaction.
func (s *Store) SaveRun(ctx context.Context, run Run, assignments []events.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, topic, started_at, finished_at, stories, skipped, clusters, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Topic, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Stories, run.Skipped, run.Clusters, string(cfg)); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO assignments (run_id, position, story_id, event_id) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, a := range assignments {
		if _, err := stmt.ExecContext(ctx, run.ID, i, a.StoryID, int(a.EventID)); err != nil {
			return fmt.Errorf("insert assignment %s: %w", a.StoryID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, topic, started_at, finished_at, stories, skipped, clusters, config`

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// LatestRun returns the most recent run of a topic.
func (s *Store) LatestRun(ctx context.Context, topic string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE topic = ? ORDER BY started_at DESC, rowid DESC LIMIT 1", topic)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: no runs for topic %q", ErrRunNotFound, topic)
	}
	return run, err
}

// ListRuns returns runs newest first, optionally filtered by topic. A
// non-positive limit returns all.
func (s *Store) ListRuns(ctx context.Context, topic string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + runColumns + " FROM runs"
	var args []any
	if topic != "" {
		query += " WHERE topic = ?"
		args = append(args, topic)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LoadEventStore rebuilds the events.Store of a run from its assignments
// and the stored stories.
func (s *Store) LoadEventStore(ctx context.Context, runID string) (*events.Store, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.story_id, a.event_id, st.title, st.url, st.source, st.origin, st.published_at
		FROM assignments a
		JOIN stories st ON st.topic = ? AND st.id = a.story_id
		WHERE a.run_id = ?
		ORDER BY a.position
	`, run.Topic, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []model.Story
	var labels []int
	for rows.Next() {
		st := model.Story{Topic: run.Topic}
		var origin string
		var label int
		if err := rows.Scan(&st.ID, &label, &st.Title, &st.URL, &st.Source, &origin, &st.Published); err != nil {
			return nil, err
		}
		st.Origin = model.SourceType(origin)
		st.Published = st.Published.UTC()
		stories = append(stories, st)
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(stories) != run.Stories {
		return nil, fmt.Errorf("run %s: found %d of %d assigned stories", runID, len(stories), run.Stories)
	}
	return events.New(stories, labels)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfg string
	if err := row.Scan(&run.ID, &run.Topic, &run.StartedAt, &run.FinishedAt, &run.Stories, &run.Skipped, &run.Clusters, &cfg); err != nil {
		return Run{}, err
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()
	if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
		return Run{}, fmt.Errorf("run %s: decode config: %w", run.ID, err)
	}
	return run, nil
}
