// Package model defines the records that flow through the event threading
// pipeline.
//
// Stories are immutable once constructed. They are deduplicated by ID before
// they reach the engine; nothing downstream re-checks uniqueness except the
// event store, which refuses to index the same ID twice.
package model

import (
	"strings"
	"time"
)

// SourceType identifies how a story was acquired.
type SourceType string

const (
	SourceIndex SourceType = "index" // news-index export (JSONL)
	SourceRSS   SourceType = "rss"
)

// Story is one headline.
type Story struct {
	ID        string
	Title     string
	URL       string
	Source    string // media outlet, e.g. "thehindu.com"
	Origin    SourceType
	Topic     string
	Published time.Time
}

// Text returns the text handed to the embedding model.
func (s Story) Text() string {
	return strings.TrimSpace(s.Title)
}

// IDs returns the story IDs in input order.
func IDs(stories []Story) []string {
	ids := make([]string, len(stories))
	for i, s := range stories {
		ids[i] = s.ID
	}
	return ids
}

// Texts returns the embedding text of each story in input order.
func Texts(stories []Story) []string {
	texts := make([]string, len(stories))
	for i, s := range stories {
		texts[i] = s.Text()
	}
	return texts
}

// Earliest returns the minimum publication time, or the zero time for an
// empty slice.
func Earliest(stories []Story) time.Time {
	var min time.Time
	for i, s := range stories {
		if i == 0 || s.Published.Before(min) {
			min = s.Published
		}
	}
	return min
}
