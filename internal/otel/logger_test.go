package otel

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

func TestEmitWritesValidJSONL(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Emit(Event{Kind: KindRunStart, Level: LevelInfo, Comp: "engine", Topic: "Elections"})
	l.Close()

	got := lines(&buf)
	require.Len(t, got, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[0]), &decoded))
	assert.Equal(t, "run.start", decoded["kind"])
	assert.Equal(t, "info", decoded["level"])
	assert.Equal(t, "engine", decoded["comp"])
	assert.Equal(t, "Elections", decoded["topic"])
}

func TestEmitSetsTimeAndSessionID(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	before := time.Now()
	l.Emit(Event{Kind: KindStartup})
	l.Close()
	after := time.Now()

	var ev Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &ev))
	assert.False(t, ev.Time.Before(before.Truncate(time.Second)))
	assert.False(t, ev.Time.After(after.Add(time.Second)))
	assert.Len(t, ev.SessionID, 16)
	assert.Equal(t, l.SessionID(), ev.SessionID)
}

func TestDurToMs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Emit(Event{Kind: KindDistanceBuild, Dur: 1500 * time.Millisecond})
	l.Close()

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, float64(1500), decoded["dur_ms"])
}

func TestOmitempty(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Emit(Event{Kind: KindStartup})
	l.Close()

	line := strings.TrimSpace(buf.String())
	for _, field := range []string{"dur_ms", "count", "story_id", "run_id", "dims", "err", "msg", "extra"} {
		assert.NotContains(t, line, `"`+field+`"`)
	}
}

func TestConcurrentEmit(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Emit(Event{Kind: KindEmbedBatch, Comp: "test"})
		}()
	}
	wg.Wait()
	l.Close()

	got := lines(&buf)
	require.Len(t, got, 100)
	for _, line := range got {
		var decoded map[string]any
		assert.NoError(t, json.Unmarshal([]byte(line), &decoded))
	}
}

func TestNilAndNullLogger(t *testing.T) {
	l := NewNullLogger()
	l.Emit(Event{Kind: KindStartup})
	l.Close()

	var nilLogger *Logger
	nilLogger.Emit(Event{Kind: KindStartup})
	nilLogger.Close()
	assert.Zero(t, nilLogger.Dropped())
}

func TestCloseIsIdempotentAndDropsLateEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Emit(Event{Kind: KindStartup, Msg: "start"})
	l.Emit(Event{Kind: KindShutdown, Msg: "stop"})
	l.Close()
	l.Close()

	require.Len(t, lines(&buf), 2)

	l.Emit(Event{Kind: KindStartup})
	assert.Equal(t, uint64(1), l.Dropped())
}

func TestDropCounter(t *testing.T) {
	bw := &blockingWriter{
		started: make(chan struct{}),
		block:   make(chan struct{}),
	}
	l := NewLogger(bw)

	// First emit gets picked up by drain, which blocks on write.
	l.Emit(Event{Kind: KindEmbedBatch})
	<-bw.started

	for i := 0; i < writerChanSize+10; i++ {
		l.Emit(Event{Kind: KindEmbedBatch})
	}
	assert.NotZero(t, l.Dropped())

	close(bw.block)
	l.Close()
}

type blockingWriter struct {
	started chan struct{}
	block   chan struct{}
	once    sync.Once
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		close(w.started)
		<-w.block
	})
	return len(p), nil
}

func TestConvenienceHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Info(KindStartup, "main", "starting")
	l.Warn(KindEmbedSkip, "embed", "empty headline")
	l.Error(KindRunError, "engine", errors.New("threshold"))
	l.Close()

	got := lines(&buf)
	require.Len(t, got, 3)

	tests := []struct {
		level string
		kind  string
		comp  string
	}{
		{"info", "sys.startup", "main"},
		{"warn", "embed.skip", "embed"},
		{"error", "run.error", "engine"},
	}
	for i, tt := range tests {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(got[i]), &decoded))
		assert.Equal(t, tt.level, decoded["level"])
		assert.Equal(t, tt.kind, decoded["kind"])
		assert.Equal(t, tt.comp, decoded["comp"])
	}
}
