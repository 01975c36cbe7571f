// Package events holds the result of one clustering run: which event each
// story belongs to. A Store is immutable once built and safe for
// concurrent reads.
package events

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/abelbrown/eventthread/internal/model"
)

var (
	ErrUnknownStory   = errors.New("unknown story")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrDuplicateStory = errors.New("duplicate story id")
	ErrBadLabels      = errors.New("labels do not match stories")
)

// EventID identifies an event within one run. It has no meaning across
// runs.
type EventID int

// Assignment is one story→event row.
type Assignment struct {
	StoryID string  `json:"story_id"`
	EventID EventID `json:"event_id"`
}

// Summary describes one event for reports.
type Summary struct {
	ID      EventID     `json:"event_id"`
	Size    int         `json:"size"`
	First   time.Time   `json:"first"`
	Last    time.Time   `json:"last"`
	Sources int         `json:"sources"`
	Sample  model.Story `json:"sample"`
}

// Span is the time between the first and last story.
func (s Summary) Span() time.Duration { return s.Last.Sub(s.First) }

// Store maps stories to events.
type Store struct {
	stories []model.Story
	labels  []EventID
	byID    map[string]int
	members map[EventID][]int
	ids     []EventID // ascending
}

// New builds a Store. labels[i] is the event of stories[i] and must be
// non-negative.
func New(stories []model.Story, labels []int) (*Store, error) {
	if len(stories) != len(labels) {
		return nil, fmt.Errorf("events: %w: %d stories, %d labels", ErrBadLabels, len(stories), len(labels))
	}
	s := &Store{
		stories: make([]model.Story, len(stories)),
		labels:  make([]EventID, len(labels)),
		byID:    make(map[string]int, len(stories)),
		members: make(map[EventID][]int),
	}
	copy(s.stories, stories)
	for i, st := range stories {
		if _, dup := s.byID[st.ID]; dup {
			return nil, fmt.Errorf("events: %w: %q", ErrDuplicateStory, st.ID)
		}
		if labels[i] < 0 {
			return nil, fmt.Errorf("events: %w: negative label %d for story %q", ErrBadLabels, labels[i], st.ID)
		}
		id := EventID(labels[i])
		s.byID[st.ID] = i
		s.labels[i] = id
		if _, ok := s.members[id]; !ok {
			s.ids = append(s.ids, id)
		}
		s.members[id] = append(s.members[id], i)
	}
	sort.Slice(s.ids, func(a, b int) bool { return s.ids[a] < s.ids[b] })
	return s, nil
}

// Len returns the number of stories.
func (s *Store) Len() int { return len(s.stories) }

// NumClusters returns the number of events.
func (s *Store) NumClusters() int { return len(s.ids) }

// EventIDs returns every event id in ascending order.
func (s *Store) EventIDs() []EventID {
	out := make([]EventID, len(s.ids))
	copy(out, s.ids)
	return out
}

// ClusterOf returns the event of a story.
func (s *Store) ClusterOf(storyID string) (EventID, error) {
	i, ok := s.byID[storyID]
	if !ok {
		return 0, fmt.Errorf("events: %w: %q", ErrUnknownStory, storyID)
	}
	return s.labels[i], nil
}

// Story returns a story by id.
func (s *Store) Story(storyID string) (model.Story, error) {
	i, ok := s.byID[storyID]
	if !ok {
		return model.Story{}, fmt.Errorf("events: %w: %q", ErrUnknownStory, storyID)
	}
	return s.stories[i], nil
}

// Stories returns all stories in input order.
func (s *Store) Stories() []model.Story {
	out := make([]model.Story, len(s.stories))
	copy(out, s.stories)
	return out
}

// MembersOf returns the stories of an event in input order.
func (s *Store) MembersOf(id EventID) ([]model.Story, error) {
	idx, ok := s.members[id]
	if !ok {
		return nil, fmt.Errorf("events: %w: %d", ErrUnknownEvent, id)
	}
	out := make([]model.Story, len(idx))
	for k, i := range idx {
		out[k] = s.stories[i]
	}
	return out, nil
}

// AllClusters returns the story ids of every event.
func (s *Store) AllClusters() map[EventID][]string {
	out := make(map[EventID][]string, len(s.members))
	for id, idx := range s.members {
		ids := make([]string, len(idx))
		for k, i := range idx {
			ids[k] = s.stories[i].ID
		}
		out[id] = ids
	}
	return out
}

// Assignments lists every story with its event, in input order.
func (s *Store) Assignments() []Assignment {
	out := make([]Assignment, len(s.stories))
	for i, st := range s.stories {
		out[i] = Assignment{StoryID: st.ID, EventID: s.labels[i]}
	}
	return out
}

// Summaries describes every event, largest first; equal sizes keep
// ascending event id. The sample is the event's earliest story.
func (s *Store) Summaries() []Summary {
	out := make([]Summary, 0, len(s.ids))
	for _, id := range s.ids {
		idx := s.members[id]
		sum := Summary{ID: id, Size: len(idx)}
		sources := make(map[string]struct{})
		for k, i := range idx {
			st := s.stories[i]
			sources[st.Source] = struct{}{}
			if k == 0 || st.Published.Before(sum.First) {
				sum.First = st.Published
				sum.Sample = st
			}
			if k == 0 || st.Published.After(sum.Last) {
				sum.Last = st.Published
			}
		}
		sum.Sources = len(sources)
		out = append(out, sum)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Size > out[b].Size })
	return out
}
