// Package feed publishes confirmed ledger events to NATS JetStream for
// external observers (authoring surface, session tooling). The feed is
// optional: a peer without a broker runs identically, and publish
// failures never stall the session.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"StampLedger/internal/event"
	"StampLedger/internal/observability"
)

// Subjects follow the pattern: stamp.ledger.events.{kind}
const subjectPrefix = "stamp.ledger.events"

// FeedEvent is the wire form of a confirmed envelope on the feed.
type FeedEvent struct {
	Sequence  int64          `json:"sequence"`
	Kind      string         `json:"kind"`
	Envelope  event.Envelope `json:"envelope"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher drains confirmed envelopes from a channel and publishes
// them to JetStream.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan event.Envelope
	metrics   *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan event.Envelope, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the publisher loop. Returns when the context is cancelled
// or the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				log.Printf("WARN: feed publish failed seq=%d: %v", env.Sequence, err)
				// Non-fatal: observers can resync from a snapshot.
				if p.metrics != nil {
					p.metrics.FeedPublishFails.Inc()
				}
				continue
			}
			if p.metrics != nil {
				p.metrics.FeedPublished.Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(FeedEvent{
		Sequence:  env.Sequence,
		Kind:      env.Kind.String(),
		Envelope:  env,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, env.Kind.String())
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the feed stream if missing.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "STAMP_LEDGER_EVENTS",
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create feed stream: %w", err)
	}
	log.Println("INFO: ensured feed stream STAMP_LEDGER_EVENTS")
	return nil
}
