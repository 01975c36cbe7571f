// Package rss fetches stories from RSS and Atom feeds.
package rss

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/abelbrown/eventthread/internal/feeds"
	"github.com/abelbrown/eventthread/internal/model"
)

// Source fetches stories from an RSS/Atom feed.
type Source struct {
	name   string
	url    string
	topic  string
	parser *gofeed.Parser
	filter *feeds.Filter
	now    func() time.Time
}

// New creates a new RSS source. Promotional items are dropped with
// feeds.DefaultFilter.
func New(name, url, topic string) *Source {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: 30 * time.Second}
	return &Source{
		name:   name,
		url:    url,
		topic:  topic,
		parser: parser,
		filter: feeds.DefaultFilter(),
		now:    time.Now,
	}
}

// Name returns the feed name, or its URL when unnamed.
func (s *Source) Name() string {
	if s.name == "" {
		return s.url
	}
	return s.name
}

// Fetch downloads and parses the feed.
func (s *Source) Fetch(ctx context.Context) ([]model.Story, error) {
	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.url, err)
	}

	source := s.name
	if source == "" {
		source = strings.TrimSpace(feed.Title)
	}
	fetched := s.now().UTC()

	stories := make([]model.Story, 0, len(feed.Items))
	for _, entry := range feed.Items {
		link := strings.TrimSpace(entry.Link)
		key := link
		if key == "" {
			key = entry.GUID
		}
		if key == "" {
			continue
		}

		published := fetched
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			published = entry.UpdatedParsed.UTC()
		}

		stories = append(stories, model.Story{
			ID:        StoryID(key),
			Title:     strings.TrimSpace(entry.Title),
			URL:       link,
			Source:    source,
			Origin:    model.SourceRSS,
			Topic:     s.topic,
			Published: published,
		})
	}

	kept, _ := s.filter.Apply(stories)
	return kept, nil
}

// StoryID derives a stable id from a link.
func StoryID(link string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(link)))[:16]
}
