// Package events moves order notifications and price ticks over Kafka.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/coachpo/tradecore/internal/domain/schema"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherConfig configures the order event publisher.
type PublisherConfig struct {
	Brokers  []string
	Topic    string
	Timeout  time.Duration
	Attempts uint
}

func (c PublisherConfig) normalise() PublisherConfig {
	if strings.TrimSpace(c.Topic) == "" {
		c.Topic = "order.events"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	return c
}

// Publisher writes order lifecycle events keyed by user id so each user's
// events land on one partition in commit order.
type Publisher struct {
	writer MessageWriter
	cfg    PublisherConfig
}

// NewPublisher builds a publisher on a synchronous kafka writer.
func NewPublisher(cfg PublisherConfig) *Publisher {
	cfg = cfg.normalise()
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}, cfg)
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter, cfg PublisherConfig) *Publisher {
	return &Publisher{writer: w, cfg: cfg.normalise()}
}

// PublishOrderEvent encodes evt and writes it, retrying transient failures.
func (p *Publisher) PublishOrderEvent(ctx context.Context, evt schema.OrderEvent) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("event publisher: nil writer")
	}
	msg, err := encodeOrderEvent(evt)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		wctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		if werr := p.writer.WriteMessages(wctx, msg); werr != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(werr)
			}
			return struct{}{}, werr
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(p.cfg.Attempts))
	if err != nil {
		return fmt.Errorf("event publisher: write %s for order %s: %w", evt.Type, evt.Order.OrderID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func encodeOrderEvent(evt schema.OrderEvent) (kafka.Message, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("event publisher: encode %s: %w", evt.Type, err)
	}
	return kafka.Message{
		Key:   []byte(evt.Order.UserID),
		Value: payload,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
			{Key: "trace_id", Value: []byte(evt.TraceID)},
			{Key: "order_id", Value: []byte(evt.Order.OrderID)},
		},
	}, nil
}
