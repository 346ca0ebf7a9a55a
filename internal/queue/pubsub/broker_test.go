package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
)

type fakeTopic struct {
	mu       sync.Mutex
	messages []*pubsub.Message
	err      error
	stopped  bool
}

func (t *fakeTopic) Publish(_ context.Context, msg *pubsub.Message) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return "", t.err
	}
	t.messages = append(t.messages, msg)
	return "msg-1", nil
}

func (t *fakeTopic) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// fakeSubscription feeds queued messages to the callback one at a time and records when
// each callback returned.
type fakeSubscription struct {
	in       chan *pubsub.Message
	returned chan string
	err      error
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{in: make(chan *pubsub.Message, 4), returned: make(chan string, 4)}
}

func (s *fakeSubscription) Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error {
	if s.err != nil {
		return s.err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.in:
			f(ctx, msg)
			s.returned <- msg.ID
		}
	}
}

func TestPublishEncodesJob(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	topic := &fakeTopic{}
	b := New(topic, newFakeSubscription(), nil)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	job := queue.Job{ID: "job-1", Priority: 7, Payload: queue.Payload{Kind: queue.KindScan, SiteID: "acme"}}
	require.NoError(t, b.Publish(ctx, job))

	require.Len(t, topic.messages, 1)
	msg := topic.messages[0]
	require.Equal(t, "job-1", msg.Attributes["job_id"])
	require.Equal(t, "7", msg.Attributes["priority"])
	require.Equal(t, "scan", msg.Attributes["kind"])
	require.Contains(t, msg.Attributes["traceparent"], sc.TraceID().String())

	var decoded queue.Job
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, job.Payload.SiteID, decoded.Payload.SiteID)

	require.NoError(t, b.Close())
	require.True(t, topic.stopped)
	require.ErrorIs(t, b.Publish(ctx, job), qa.ErrClosed)
}

func TestPublishError(t *testing.T) {
	t.Parallel()

	b := New(&fakeTopic{err: errors.New("unavailable")}, newFakeSubscription(), nil)
	err := b.Publish(context.Background(), queue.Job{ID: "j"})
	require.ErrorContains(t, err, "unavailable")
}

func TestReceiveBlocksUntilSettled(t *testing.T) {
	t.Parallel()

	sub := newFakeSubscription()
	b := New(&fakeTopic{}, sub, nil)
	defer b.Close()

	data, err := json.Marshal(queue.Job{ID: "job-9", Payload: queue.Payload{Kind: queue.KindForms, SiteID: "acme"}})
	require.NoError(t, err)
	sub.in <- &pubsub.Message{ID: "m1", Data: data, Attributes: map[string]string{"traceparent": "x"}}

	d, err := b.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-9", d.Job.ID)
	require.Equal(t, "x", d.Attributes["traceparent"])

	select {
	case <-sub.returned:
		t.Fatal("callback returned before the delivery was settled")
	case <-time.After(20 * time.Millisecond):
	}
	d.Ack()
	d.Nack()
	select {
	case id := <-sub.returned:
		require.Equal(t, "m1", id)
	case <-time.After(time.Second):
		t.Fatal("callback did not return after ack")
	}
}

func TestReceiveDropsMalformedMessages(t *testing.T) {
	t.Parallel()

	sub := newFakeSubscription()
	b := New(&fakeTopic{}, sub, nil)
	defer b.Close()

	sub.in <- &pubsub.Message{ID: "bad", Data: []byte("{not json")}
	good, err := json.Marshal(queue.Job{ID: "ok"})
	require.NoError(t, err)
	sub.in <- &pubsub.Message{ID: "good", Data: good}

	d, err := b.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", d.Job.ID)
	require.Equal(t, "bad", <-sub.returned)
	d.Ack()
}

func TestReceiveSurfacesSubscriptionFailure(t *testing.T) {
	t.Parallel()

	sub := newFakeSubscription()
	sub.err = errors.New("permission denied")
	b := New(&fakeTopic{}, sub, nil)
	defer b.Close()

	_, err := b.Receive(context.Background())
	require.ErrorContains(t, err, "permission denied")
}

func TestReceiveAfterClose(t *testing.T) {
	t.Parallel()

	b := New(&fakeTopic{}, newFakeSubscription(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Receive(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.Receive(context.Background())
	require.ErrorIs(t, err, qa.ErrClosed)
}
