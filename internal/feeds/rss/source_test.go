package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/eventthread/internal/model"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Wire</title>
  <item>
    <title>Bridge closes after barge strike</title>
    <link>https://example.com/bridge</link>
    <pubDate>Tue, 26 Mar 2024 09:30:00 GMT</pubDate>
  </item>
  <item>
    <title>Sponsored: the best mattress of 2024</title>
    <link>https://example.com/mattress</link>
    <pubDate>Tue, 26 Mar 2024 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Port traffic rerouted</title>
    <link>https://example.com/port</link>
  </item>
</channel>
</rss>`

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(feedXML))
	}))
	defer server.Close()

	fetched := time.Date(2024, 3, 27, 0, 0, 0, 0, time.UTC)
	src := New("", server.URL, "baltimore")
	src.now = func() time.Time { return fetched }

	stories, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, stories, 2, "sponsored item is filtered")

	first := stories[0]
	assert.Equal(t, StoryID("https://example.com/bridge"), first.ID)
	assert.Len(t, first.ID, 16)
	assert.Equal(t, "Bridge closes after barge strike", first.Title)
	assert.Equal(t, "Example Wire", first.Source)
	assert.Equal(t, model.SourceRSS, first.Origin)
	assert.Equal(t, "baltimore", first.Topic)
	assert.True(t, first.Published.Equal(time.Date(2024, 3, 26, 9, 30, 0, 0, time.UTC)))

	// No date: falls back to fetch time.
	assert.True(t, stories[1].Published.Equal(fetched))
}

func TestFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	_, err := New("dead", server.URL, "t").Fetch(context.Background())
	assert.Error(t, err)
}

func TestStoryIDStable(t *testing.T) {
	assert.Equal(t, StoryID("https://a"), StoryID("https://a"))
	assert.NotEqual(t, StoryID("https://a"), StoryID("https://b"))
}
