// Package analysis derives read-only views from a clustering run:
// coverage volume of the biggest events over time and the network of
// sources that cover the same events.
package analysis

import (
	"sort"
	"time"

	"github.com/abelbrown/eventthread/internal/events"
	"github.com/abelbrown/eventthread/internal/model"
)

// Bucket maps a timestamp to the start of its period.
type Bucket func(time.Time) time.Time

// Day, Week and Month are UTC calendar buckets.
var (
	Day Bucket = func(t time.Time) time.Time {
		y, m, d := t.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	Week Bucket = func(t time.Time) time.Time {
		start := Day(t)
		// ISO weeks start on Monday.
		offset := (int(start.Weekday()) + 6) % 7
		return start.AddDate(0, 0, -offset)
	}
	Month Bucket = func(t time.Time) time.Time {
		y, m, _ := t.UTC().Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
)

// ParseBucket accepts "day", "week" or "month".
func ParseBucket(s string) (Bucket, bool) {
	switch s {
	case "day", "daily":
		return Day, true
	case "week", "weekly":
		return Week, true
	case "month", "monthly", "":
		return Month, true
	}
	return nil, false
}

const maxLabel = 60

// Series is the story count of one event per bucket.
type Series struct {
	Event  events.EventID `json:"event_id"`
	Label  string         `json:"label"`
	Counts []int          `json:"counts"` // aligned with Coverage.Buckets
}

// Coverage is the volume of the largest events over time.
type Coverage struct {
	Buckets []time.Time `json:"buckets"`
	Series  []Series    `json:"series"`
}

// CoverageVolume counts stories per bucket for the top events by size.
// Each series is labelled with the event's most frequent headline. Buckets
// run without gaps from the first to the last story of those events.
func CoverageVolume(store *events.Store, top int, bucket Bucket) Coverage {
	var cov Coverage
	sums := store.Summaries()
	if top > 0 && len(sums) > top {
		sums = sums[:top]
	}
	if len(sums) == 0 {
		return cov
	}

	first, last := sums[0].First, sums[0].Last
	for _, s := range sums[1:] {
		if s.First.Before(first) {
			first = s.First
		}
		if s.Last.After(last) {
			last = s.Last
		}
	}
	index := make(map[time.Time]int)
	for b := bucket(first); !b.After(bucket(last)); b = nextBucket(bucket, b) {
		index[b] = len(cov.Buckets)
		cov.Buckets = append(cov.Buckets, b)
	}

	for _, s := range sums {
		members, err := store.MembersOf(s.ID)
		if err != nil {
			continue
		}
		series := Series{Event: s.ID, Label: label(members), Counts: make([]int, len(cov.Buckets))}
		for _, st := range members {
			series.Counts[index[bucket(st.Published)]]++
		}
		cov.Series = append(cov.Series, series)
	}
	return cov
}

// nextBucket steps forward until the bucket changes. Day-sized steps keep
// it correct for any calendar bucket.
func nextBucket(bucket Bucket, b time.Time) time.Time {
	t := b
	for {
		t = t.Add(24 * time.Hour)
		if nb := bucket(t); nb.After(b) {
			return nb
		}
	}
}

func label(members []model.Story) string {
	counts := make(map[string]int)
	for _, m := range members {
		counts[m.Title]++
	}
	titles := make([]string, 0, len(counts))
	for t := range counts {
		titles = append(titles, t)
	}
	sort.Slice(titles, func(i, j int) bool {
		if counts[titles[i]] != counts[titles[j]] {
			return counts[titles[i]] > counts[titles[j]]
		}
		return titles[i] < titles[j]
	})
	if len(titles) == 0 {
		return "Unknown Event"
	}
	best := []rune(titles[0])
	if len(best) > maxLabel {
		return string(best[:maxLabel-3]) + "..."
	}
	return string(best)
}
