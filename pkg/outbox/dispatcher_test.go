package outbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/mishalajmi/mashrook-payments/pkg/outbox"
)

type fakeProducer struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msgs...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func header(t *testing.T, msg kafka.Message, key string) string {
	t.Helper()
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	t.Fatalf("header %q not found", key)
	return ""
}

func TestDispatch(t *testing.T) {
	producer := &fakeProducer{}
	d := outbox.NewDispatcher(testLogger(), producer, "payment.events")

	err := d.Dispatch(context.Background(), outbox.Event{
		ID:          1,
		AggregateID: "pay-1",
		Type:        "payment.succeeded",
		Payload:     []byte(`{"payment_id":"pay-1"}`),
		Headers:     map[string]string{"source": "payment-service"},
		Traceparent: "00-abc-def-01",
	})
	require.NoError(t, err)
	require.Len(t, producer.messages, 1)

	msg := producer.messages[0]
	require.Equal(t, "payment.events", msg.Topic)
	require.Equal(t, "pay-1", string(msg.Key))
	require.JSONEq(t, `{"payment_id":"pay-1"}`, string(msg.Value))
	require.Equal(t, "payment.succeeded", header(t, msg, "event_type"))
	require.Equal(t, "payment-service", header(t, msg, "source"))
	require.Equal(t, "00-abc-def-01", header(t, msg, "traceparent"))
}

func TestDispatch_NoTraceparentHeaderWhenEmpty(t *testing.T) {
	producer := &fakeProducer{}
	d := outbox.NewDispatcher(testLogger(), producer, "payment.events")

	err := d.Dispatch(context.Background(), outbox.Event{ID: 1, AggregateID: "pay-1", Type: "payment.failed"})
	require.NoError(t, err)

	for _, h := range producer.messages[0].Headers {
		require.NotEqual(t, "traceparent", h.Key)
	}
}

func TestDispatch_ProducerError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker unavailable")}
	d := outbox.NewDispatcher(testLogger(), producer, "payment.events")

	err := d.Dispatch(context.Background(), outbox.Event{ID: 1, AggregateID: "pay-1"})
	require.Error(t, err)
}

type fakeStore struct {
	mu      sync.Mutex
	pending []outbox.Event
	sent    []int64
	failed  map[int64]string
}

func (s *fakeStore) LockBatch(_ context.Context, _ string, batchSize int, _ time.Duration) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(batchSize, len(s.pending))
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *fakeStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ids...)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = map[int64]string{}
	}
	s.failed[id] = errMsg
	return nil
}

func (s *fakeStore) ExtendLease(context.Context, string, []int64, time.Duration) error { return nil }

func TestRelayRunOnce(t *testing.T) {
	producer := &fakeProducer{}
	store := &fakeStore{pending: []outbox.Event{
		{ID: 1, AggregateID: "pay-1", Type: "payment.succeeded"},
		{ID: 2, AggregateID: "pay-2", Type: "payment.failed"},
	}}
	relay := outbox.NewRelay(testLogger(), store, outbox.NewDispatcher(testLogger(), producer, "payment.events"), "relay-1")

	relay.RunOnce(context.Background())

	require.Len(t, producer.messages, 2)
	require.ElementsMatch(t, []int64{1, 2}, store.sent)
	require.Empty(t, store.failed)
}

func TestRelayRunOnce_MarksFailedAndKeepsGoing(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker unavailable")}
	store := &fakeStore{pending: []outbox.Event{
		{ID: 1, AggregateID: "pay-1", Type: "payment.succeeded"},
	}}
	relay := outbox.NewRelay(testLogger(), store, outbox.NewDispatcher(testLogger(), producer, "payment.events"), "relay-1")

	relay.RunOnce(context.Background())

	require.Empty(t, store.sent)
	require.Contains(t, store.failed[1], "broker unavailable")
}
