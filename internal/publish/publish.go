// Package publish sends a run's story→event assignments to downstream
// consumers.
package publish

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/abelbrown/eventthread/internal/events"
)

// Publisher delivers the assignments of one run.
type Publisher interface {
	Publish(ctx context.Context, runID, topic string, store *events.Store) error
	Close() error
}

// Assignment is the message body, one per story.
type Assignment struct {
	RunID   string         `json:"run_id"`
	Topic   string         `json:"topic"`
	StoryID string         `json:"story_id"`
	EventID events.EventID `json:"event_id"`
}

const batchSize = 500

// writer is the subset of *kafka.Writer used here.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes assignments to a Kafka topic keyed by story id, so
// every update for one story lands on the same partition.
type KafkaPublisher struct {
	w   writer
	now func() time.Time
}

// NewKafka returns a publisher writing to topic on brokers.
func NewKafka(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            3,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}
}

// Messages encodes the assignments of store, in input story order.
func Messages(runID, topic string, store *events.Store, at time.Time) ([]kafka.Message, error) {
	assignments := store.Assignments()
	msgs := make([]kafka.Message, 0, len(assignments))
	for _, a := range assignments {
		body, err := json.Marshal(Assignment{RunID: runID, Topic: topic, StoryID: a.StoryID, EventID: a.EventID})
		if err != nil {
			return nil, fmt.Errorf("publish: encode %s: %w", a.StoryID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(a.StoryID),
			Value: body,
			Time:  at,
			Headers: []kafka.Header{
				{Key: "run_id", Value: []byte(runID)},
				{Key: "topic", Value: []byte(topic)},
			},
		})
	}
	return msgs, nil
}

// Publish writes one message per story in batches.
func (p *KafkaPublisher) Publish(ctx context.Context, runID, topic string, store *events.Store) error {
	msgs, err := Messages(runID, topic, store, p.now())
	if err != nil {
		return err
	}
	for start := 0; start < len(msgs); start += batchSize {
		end := min(start+batchSize, len(msgs))
		if err := p.w.WriteMessages(ctx, msgs[start:end]...); err != nil {
			return fmt.Errorf("publish: run %s: wrote %d of %d: %w", runID, start, len(msgs), err)
		}
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
