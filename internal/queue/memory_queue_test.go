package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueDelayedDelivery(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()
	ctx := context.Background()

	env := Envelope{ID: "job-1", Kind: "sweep.track", Attempt: 1}
	if err := q.PublishDelayed(ctx, env, 50*time.Millisecond); err != nil {
		t.Fatalf("publish delayed: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth.Delayed != 1 || depth.Waiting != 0 {
		t.Fatalf("unexpected depth %+v", depth)
	}
	select {
	case <-q.ch:
		t.Fatal("delayed job delivered early")
	case <-time.After(10 * time.Millisecond):
	}
	select {
	case got := <-q.ch:
		if got.ID != "job-1" {
			t.Fatalf("unexpected job %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("delayed job never delivered")
	}
	if depth, _ := q.Depth(ctx); depth.Delayed != 0 {
		t.Fatalf("unexpected depth %+v", depth)
	}
}

func TestMemoryQueueCloseCancelsTimers(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	_ = q.PublishDelayed(ctx, Envelope{ID: "later"}, time.Hour)
	_ = q.Close()
	if depth, _ := q.Depth(ctx); depth.Delayed != 0 {
		t.Fatalf("timers not cancelled: %+v", depth)
	}
	if err := q.Publish(ctx, Envelope{ID: "x"}); err == nil {
		t.Fatal("publish after close should fail")
	}
	if err := q.PublishDelayed(ctx, Envelope{ID: "x"}, time.Second); err == nil {
		t.Fatal("delayed publish after close should fail")
	}
}

func TestEnvelopeNextAndDecode(t *testing.T) {
	env, err := NewEnvelope("sweep.track", map[string]any{"chain": "base"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	next := env.Next()
	if next.ID != env.ID || next.Attempt != 2 {
		t.Fatalf("unexpected next %+v", next)
	}
	raw, _ := encode(next)
	back, err := decode(raw)
	if err != nil || back.Attempt != 2 || back.Kind != "sweep.track" {
		t.Fatalf("unexpected decode %+v %v", back, err)
	}
	var payload struct{ Chain string }
	if err := back.Decode(&payload); err != nil || payload.Chain != "base" {
		t.Fatalf("payload %+v %v", payload, err)
	}
	if err := (Envelope{Payload: []byte("{")}).Decode(&payload); err == nil {
		t.Fatal("expected decode error")
	}
}
