package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/helvault/internal/herrors"
)

// PubSub publishes each event line as a Pub/Sub message, one message per
// line, with source_id carried as a message attribute for downstream
// filtering. Publish results are checked asynchronously so a slow broker
// round-trip does not stall the poll tick; Flush waits for all in-flight
// publishes to settle.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic

	mu      sync.Mutex
	pending int
	done    chan struct{}
}

// NewPubSub connects to projectID and resolves topicID, creating it if it
// does not already exist.
func NewPubSub(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("pubsub.NewClient: %w", err)}
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("topic.Exists: %w", err)}
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("pubsub.CreateTopic: %w", err)}
		}
	}

	return &PubSub{client: client, topic: topic, done: make(chan struct{})}, nil
}

func (p *PubSub) WriteLine(sourceID string, line []byte) error {
	payload := make([]byte, len(line))
	copy(payload, line)

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"source_id":   sourceID,
			"produced_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	result := p.topic.Publish(context.Background(), msg)
	go func() {
		defer func() {
			p.mu.Lock()
			p.pending--
			p.mu.Unlock()
		}()
		if _, err := result.Get(context.Background()); err != nil {
			slog.Error("pubsub sink: publish failed", "source_id", sourceID, "error", err)
		}
	}()
	return nil
}

// Flush blocks until every outstanding publish has settled.
func (p *PubSub) Flush() error {
	for {
		p.mu.Lock()
		n := p.pending
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *PubSub) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return &herrors.SinkError{Cause: fmt.Errorf("pubsub client close: %w", err)}
	}
	return nil
}
