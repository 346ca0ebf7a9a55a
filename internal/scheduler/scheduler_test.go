package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/qa-scanner/internal/queue"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []queue.Payload
	opts     []queue.SubmitOptions
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, p queue.Payload, o queue.SubmitOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, p)
	f.opts = append(f.opts, o)
	return "job-1", nil
}

func TestNewValidatesEntries(t *testing.T) {
	t.Parallel()

	_, err := New([]Entry{{Name: "bad", Spec: "not a spec", SiteID: "acme"}}, &fakeSubmitter{}, nil)
	require.ErrorContains(t, err, "bad")

	_, err = New([]Entry{{Spec: "@daily"}}, &fakeSubmitter{}, nil)
	require.ErrorContains(t, err, "schedule-1")
}

func TestFireSubmitsPayload(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s, err := New([]Entry{{
		Name: "nightly", Spec: "0 3 * * *", SiteID: "acme", MaxPages: 20, Priority: 2,
	}}, sub, nil)
	require.NoError(t, err)

	s.fire(s.entries[0])
	require.Len(t, sub.payloads, 1)
	p := sub.payloads[0]
	require.Equal(t, queue.KindScan, p.Kind)
	require.Equal(t, "acme", p.SiteID)
	require.Equal(t, 20, p.MaxPages)
	require.Equal(t, "nightly", p.Tags["schedule"])
	require.Equal(t, 2, sub.opts[0].Priority)

	next := s.Next()
	require.Contains(t, next, "nightly")
}

func TestFireLogsThrottledSubmission(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	sub := &fakeSubmitter{err: queue.ErrSubmissionThrottled}
	s, err := New([]Entry{{Name: "hourly", Spec: "@hourly", URLs: []string{"https://acme.example/"}}}, sub, zap.New(core))
	require.NoError(t, err)

	s.fire(s.entries[0])
	require.Equal(t, 1, logs.FilterMessage("scheduled job skipped, submissions throttled").Len())

	sub.err = errors.New("broker down")
	s.fire(s.entries[0])
	require.Equal(t, 1, logs.FilterMessage("scheduled job submit failed").Len())
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s, err := New([]Entry{{Name: "daily", Spec: "@daily", SiteID: "acme"}}, &fakeSubmitter{}, nil)
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
