package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/observability"
)

// MessageReader is the subset of *kafka.Reader the tick reader uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig configures the consumer-group tick reader.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// TickReader decodes price ticks from Kafka and hands them to the trigger engine.
type TickReader struct {
	reader MessageReader
}

// NewTickReader builds a consumer-group reader for the tick topic.
func NewTickReader(cfg ReaderConfig) *TickReader {
	return NewTickReaderWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	}))
}

// NewTickReaderWithReader wraps an existing reader.
func NewTickReaderWithReader(r MessageReader) *TickReader {
	return &TickReader{reader: r}
}

// Run fetches ticks into out until ctx is done. Malformed payloads are logged,
// committed and skipped. Run does not close out.
func (r *TickReader) Run(ctx context.Context, out chan<- schema.PriceTick) error {
	if r == nil || r.reader == nil {
		return fmt.Errorf("tick reader: nil reader")
	}
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("tick reader: fetch: %w", err)
		}

		tick, err := DecodeTick(msg.Value)
		if err != nil {
			observability.Log().Error("tick reader: dropping malformed tick",
				observability.Field{Key: "partition", Value: msg.Partition},
				observability.Field{Key: "offset", Value: msg.Offset},
				observability.Field{Key: "error", Value: err},
			)
		} else {
			if tick.Timestamp.IsZero() {
				tick.Timestamp = msg.Time
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return nil
			}
		}

		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tick reader: commit: %w", err)
		}
	}
}

// Close releases the underlying reader.
func (r *TickReader) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// DecodeTick parses a JSON tick payload and checks the quote is two-sided and not crossed.
func DecodeTick(payload []byte) (schema.PriceTick, error) {
	var tick schema.PriceTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return schema.PriceTick{}, fmt.Errorf("decode tick: %w", err)
	}
	tick.Symbol = schema.NormalizeSymbol(tick.Symbol)
	switch {
	case strings.TrimSpace(tick.Symbol) == "":
		return schema.PriceTick{}, fmt.Errorf("decode tick: symbol required")
	case !tick.Bid.IsPositive() || !tick.Ask.IsPositive():
		return schema.PriceTick{}, fmt.Errorf("decode tick %s: bid and ask must be positive", tick.Symbol)
	case tick.Ask.LessThan(tick.Bid):
		return schema.PriceTick{}, fmt.Errorf("decode tick %s: crossed quote %s/%s", tick.Symbol, tick.Bid, tick.Ask)
	}
	return tick, nil
}
