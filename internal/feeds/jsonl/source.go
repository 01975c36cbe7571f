// Package jsonl reads stories from JSON Lines exports of a news index, one
// object per line with id, title, url, publish_date and media_name.
package jsonl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/abelbrown/eventthread/internal/logging"
	"github.com/abelbrown/eventthread/internal/model"
)

// maxLine bounds a single record.
const maxLine = 1 << 20

// record is one line of the export.
type record struct {
	ID          flexID `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishDate string `json:"publish_date"`
	MediaName   string `json:"media_name"`
}

// flexID accepts ids written as strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", b)
	}
	*f = flexID(n.String())
	return nil
}

// Source reads one JSONL file.
type Source struct {
	path  string
	topic string
}

// New returns a Source for the file at path.
func New(path, topic string) *Source {
	return &Source{path: path, topic: topic}
}

// Name returns the file path.
func (s *Source) Name() string { return s.path }

// Fetch reads the whole file.
func (s *Source) Fetch(ctx context.Context) ([]model.Story, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(ctx, f, s.topic)
}

// Read parses JSONL from r. Blank lines are ignored. Records without an id
// or with a missing or unparseable publish_date are skipped and logged;
// malformed JSON is an error.
func Read(ctx context.Context, r io.Reader, topic string) ([]model.Story, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var stories []model.Story
	line := 0
	skipped := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("jsonl: line %d: %w", line, err)
		}
		published, err := ParseDate(rec.PublishDate)
		if rec.ID == "" || err != nil {
			skipped++
			logging.Debug("skipping record", "line", line, "id", string(rec.ID), "publish_date", rec.PublishDate)
			continue
		}
		stories = append(stories, model.Story{
			ID:        string(rec.ID),
			Title:     rec.Title,
			URL:       rec.URL,
			Source:    rec.MediaName,
			Origin:    model.SourceIndex,
			Topic:     topic,
			Published: published,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jsonl: line %d: %w", line+1, err)
	}
	if skipped > 0 {
		logging.Warn("records skipped", "topic", topic, "count", skipped)
	}
	return stories, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02",
}

// ParseDate accepts the timestamp shapes news indexes emit. Values without
// a zone are UTC. Bare integers are Unix seconds.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// Write encodes stories in the same format Read accepts.
func Write(w io.Writer, stories []model.Story) error {
	enc := json.NewEncoder(w)
	for _, st := range stories {
		rec := record{
			ID:          flexID(st.ID),
			Title:       st.Title,
			URL:         st.URL,
			PublishDate: st.Published.UTC().Format(time.RFC3339),
			MediaName:   st.Source,
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}
