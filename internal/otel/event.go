// Package otel provides structured run events for the threading pipeline.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously via a buffered channel and background drain goroutine,
// so emitting from the embedding and distance workers never blocks on disk.
package otel

import (
	"time"

	json "github.com/goccy/go-json"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Run lifecycle
	KindRunStart    EventKind = "run.start"
	KindRunComplete EventKind = "run.complete"
	KindRunError    EventKind = "run.error"

	// Acquisition
	KindFetchComplete EventKind = "fetch.complete"
	KindFetchError    EventKind = "fetch.error"
	KindDedup         EventKind = "fetch.dedup"

	// Embedding
	KindEmbedStart    EventKind = "embed.start"
	KindEmbedBatch    EventKind = "embed.batch"
	KindEmbedSkip     EventKind = "embed.skip"
	KindEmbedComplete EventKind = "embed.complete"

	// Engine
	KindDistanceBuild EventKind = "distance.build"
	KindClusterDone   EventKind = "cluster.done"

	// Output
	KindStoreError EventKind = "store.error"
	KindPublish    EventKind = "publish.complete"

	// System
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
)

// Event is the universal run record. Every field except Kind and Time is
// optional. Serialized as a single JSONL line.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // component: "engine", "embed", "cli"
	SessionID string         `json:"session_id,omitempty"` // random hex, same for the whole process
	RunID     string         `json:"run_id,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	Dur       time.Duration  `json:"-"`
	DurMs     float64        `json:"dur_ms,omitempty"` // computed from Dur at marshal time
	Count     int            `json:"count,omitempty"`
	StoryID   string         `json:"story_id,omitempty"`
	Dims      int            `json:"dims,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// MarshalJSON converts Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
