package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/observability/alerting"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func mustEnvelope(t *testing.T, kind string, payload any) Envelope {
	t.Helper()
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := NewMemoryQueue(1024)
	defer queue.Close()
	var processed atomic.Int32
	handler := func(ctx context.Context, env Envelope) error {
		var n int
		if err := env.Decode(&n); err != nil {
			return err
		}
		processed.Add(1)
		return nil
	}
	processor := NewProcessor("sweep-execute", handler, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if err := queue.Publish(ctx, mustEnvelope(t, "n", i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("jobs not processed in time, done %d", processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	queue := NewMemoryQueue(16)
	defer queue.Close()
	var attempts []int
	handler := func(_ context.Context, env Envelope) error {
		attempts = append(attempts, env.Attempt)
		return xerrors.New(xerrors.CodeUpstreamFailure, "rpc unavailable")
	}
	alerts := &recordingDispatcher{}
	processor := NewProcessor("sweep-execute", handler, queue, queue,
		WithRetry(3, 0), WithAlertDispatcher(alerts))

	ctx := context.Background()
	env := mustEnvelope(t, "sweep.execute", map[string]string{"sweepId": "s-1"})
	for i := 0; i < 3; i++ {
		_ = processor.Handle(ctx, env)
		select {
		case env = <-queue.ch:
		case <-time.After(time.Second):
			if i < 2 {
				t.Fatalf("attempt %d was not requeued", i+1)
			}
		}
	}
	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Fatalf("unexpected attempts %v", attempts)
	}
	if len(queue.ch) != 0 {
		t.Fatal("final attempt must not be requeued")
	}
	if len(alerts.events) != 0 {
		t.Fatalf("upstream failures do not alert, got %d events", len(alerts.events))
	}
}

func TestProcessorDoesNotRetryFatalErrors(t *testing.T) {
	queue := NewMemoryQueue(4)
	defer queue.Close()
	alerts := &recordingDispatcher{}
	handler := func(context.Context, Envelope) error {
		return xerrors.New(xerrors.CodeConfiguration, "Unsupported chain: fantom")
	}
	processor := NewProcessor("sweep-execute", handler, queue, queue, WithRetry(5, 0), WithAlertDispatcher(alerts))

	env := mustEnvelope(t, "sweep.execute", struct{}{})
	if err := processor.Handle(context.Background(), env); err == nil {
		t.Fatal("expected error")
	}
	if len(queue.ch) != 0 {
		t.Fatal("configuration errors must not be retried")
	}
	if len(alerts.events) != 1 || alerts.events[0].JobID != env.ID || alerts.events[0].Queue != "sweep-execute" {
		t.Fatalf("unexpected alerts %+v", alerts.events)
	}
}

func TestProcessorRateLimit(t *testing.T) {
	processor := NewProcessor("sweep-execute", func(context.Context, Envelope) error { return nil }, nil, nil, WithRateLimit(10))
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 15; i++ {
		if err := processor.Handle(ctx, Envelope{Attempt: 1}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("rate limit not applied, 15 jobs took %s", elapsed)
	}
}

func TestProcessorRequiresConsumer(t *testing.T) {
	err := NewProcessor("x", nil, nil, nil).Start(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("unexpected error %v", err)
	}
}
