package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/internal/domain/schema"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func sampleEvent() schema.OrderEvent {
	return schema.OrderEvent{
		Type:       schema.EventOrderOpened,
		TraceID:    "trace-1",
		OccurredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Order: schema.Order{
			OrderID:    "1000000001",
			UserID:     "u1",
			Symbol:     "EURUSD",
			Side:       schema.SideBuy,
			Kind:       schema.KindMarket,
			Quantity:   decimal.NewFromInt(1),
			MarginUsed: decimal.RequireFromString("1100.20"),
			Status:     schema.StatusOpen,
		},
	}
}

func TestPublishOrderEventKeysByUser(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w, PublisherConfig{})

	require.NoError(t, p.PublishOrderEvent(context.Background(), sampleEvent()))
	require.Len(t, w.written, 1)

	msg := w.written[0]
	require.Equal(t, "u1", string(msg.Key))
	require.Equal(t, "order.opened", string(msg.Headers[0].Value))

	var decoded schema.OrderEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, "1000000001", decoded.Order.OrderID)
	require.True(t, decoded.Order.MarginUsed.Equal(decimal.RequireFromString("1100.2")))
}

func TestPublishOrderEventRetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := NewPublisherWithWriter(w, PublisherConfig{Attempts: 3})

	require.NoError(t, p.PublishOrderEvent(context.Background(), sampleEvent()))
	require.Equal(t, 3, w.calls)
	require.Len(t, w.written, 1)
}

func TestPublishOrderEventGivesUpAfterAttempts(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := NewPublisherWithWriter(w, PublisherConfig{Attempts: 2})

	err := p.PublishOrderEvent(context.Background(), sampleEvent())
	require.ErrorContains(t, err, "1000000001")
	require.Equal(t, 2, w.calls)
}

func TestPublishWithoutWriterFails(t *testing.T) {
	var p *Publisher
	require.Error(t, p.PublishOrderEvent(context.Background(), sampleEvent()))
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestTickReaderForwardsValidTicksAndSkipsBadOnes(t *testing.T) {
	msgTime := time.Date(2026, 3, 2, 10, 0, 1, 0, time.UTC)
	fr := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"symbol":"eurusd","bid":"1.1000","ask":"1.1002","sequence":7}`), Time: msgTime},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"symbol":"EURUSD","bid":"1.1005","ask":"1.1001"}`)},
		{Offset: 4, Value: []byte(`{"symbol":"USDJPY","bid":"150.00","ask":"150.02","timestamp":"2026-03-02T10:00:02Z"}`)},
	}}
	reader := NewTickReaderWithReader(fr)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan schema.PriceTick, 4)
	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx, out) }()

	first := <-out
	require.Equal(t, "EURUSD", first.Symbol)
	require.Equal(t, uint64(7), first.Sequence)
	require.True(t, first.Timestamp.Equal(msgTime))

	second := <-out
	require.Equal(t, "USDJPY", second.Symbol)
	require.True(t, second.Ask.Equal(decimal.RequireFromString("150.02")))

	require.Eventually(t, func() bool { return len(fr.commits()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Empty(t, out)
}

func TestDecodeTickValidation(t *testing.T) {
	cases := map[string]string{
		"missing symbol": `{"bid":"1","ask":"2"}`,
		"zero bid":       `{"symbol":"X","bid":"0","ask":"2"}`,
		"crossed":        `{"symbol":"X","bid":"3","ask":"2"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTick([]byte(payload))
			require.Error(t, err)
		})
	}
}
