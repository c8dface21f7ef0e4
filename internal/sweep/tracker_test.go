package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/queue"
	"DustSweep/internal/storage/redis"
	"DustSweep/internal/web3"
)

const testTxHash = "0x00000000000000000000000000000000000000000000000000000000000000ab"

type trackerFixture struct {
	store   *MemoryStore
	chains  *fakeChains
	cache   *redis.MemoryCache
	requeue *recordingPublisher
	alerts  *recordingAlerts
	tracker *Tracker
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	f := &trackerFixture{
		store:   NewMemoryStore(fixedClock),
		chains:  newFakeChains(),
		cache:   redis.NewMemoryCache(fixedClock),
		requeue: &recordingPublisher{},
		alerts:  &recordingAlerts{},
	}
	f.tracker = NewTracker(f.store, f.chains, f.cache, f.requeue,
		WithTrackerClock(fixedClock), WithTrackerAlerts(f.alerts))
	seedSweep(t, f.store, "s-1", StatusSubmitted)
	return f
}

func (f *trackerFixture) liveStatus(t *testing.T) (LiveStatus, bool) {
	t.Helper()
	raw, ok, err := f.cache.Get(context.Background(), StatusKey("s-1"))
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if !ok {
		return LiveStatus{}, false
	}
	var live LiveStatus
	if err := json.Unmarshal(raw, &live); err != nil {
		t.Fatalf("decode live status: %v", err)
	}
	return live, true
}

func trackJob(attempt int) TrackJob {
	return TrackJob{SweepID: "s-1", TxHash: testTxHash, Chain: "base", Attempt: attempt}
}

func TestTrackReschedulesUntilMined(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{receipt: nil, head: 100}

	out, err := f.tracker.Track(context.Background(), trackJob(1))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusPending {
		t.Fatalf("expected pending, got %s", out.Status)
	}
	if len(f.requeue.delayed) != 1 {
		t.Fatalf("expected one rescheduled job, got %d", len(f.requeue.delayed))
	}
	next := f.requeue.delayed[0]
	if next.delay != DefaultTrackDelay {
		t.Fatalf("expected %s delay, got %s", DefaultTrackDelay, next.delay)
	}
	var job TrackJob
	if err := next.env.Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Attempt != 2 || job.TxHash != testTxHash || job.Chain != "base" {
		t.Fatalf("unexpected rescheduled job %+v", job)
	}

	live, ok := f.liveStatus(t)
	if !ok || live.Status != StatusPending {
		t.Fatalf("expected pending live status, got %+v", live)
	}
	if ttl := f.cache.TTL(StatusKey("s-1")); ttl != PendingStatusTTL {
		t.Fatalf("unexpected pending ttl %s", ttl)
	}
	sw, _ := f.store.GetSweep(context.Background(), "s-1")
	if sw.Status != StatusSubmitted {
		t.Fatalf("store must not change while pending, got %s", sw.Status)
	}
}

func TestTrackShallowReceiptStaysPending(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusSuccessful, 100), head: 105}

	out, err := f.tracker.Track(context.Background(), trackJob(3))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusPending || out.Confirmations != 5 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.requeue.delayed) != 1 {
		t.Fatalf("expected reschedule")
	}
}

func TestTrackConfirmsAtDepth(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusSuccessful, 100), head: 106}

	out, err := f.tracker.Track(context.Background(), trackJob(4))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusConfirmed || out.Confirmations != 6 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.requeue.delayed) != 0 {
		t.Fatalf("confirmed job must not be rescheduled")
	}
	sw, _ := f.store.GetSweep(context.Background(), "s-1")
	if sw.Status != StatusConfirmed || sw.CompletedAt == nil || !sw.CompletedAt.Equal(testNow) {
		t.Fatalf("unexpected sweep %+v", sw)
	}
	live, ok := f.liveStatus(t)
	if !ok || live.Status != StatusConfirmed || live.CompletedAt != testNow.UnixMilli() || live.Confirmations != 6 {
		t.Fatalf("unexpected live status %+v", live)
	}
	if ttl := f.cache.TTL(StatusKey("s-1")); ttl != ConfirmedStatusTTL {
		t.Fatalf("unexpected confirmed ttl %s", ttl)
	}
}

func TestTrackRevertFailsImmediately(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusFailed, 100), head: 200}

	out, err := f.tracker.Track(context.Background(), trackJob(1))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusFailed || out.Error != MsgReverted || out.Confirmations != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.requeue.delayed) != 0 {
		t.Fatalf("reverted job must not be rescheduled")
	}
	sw, _ := f.store.GetSweep(context.Background(), "s-1")
	if sw.Status != StatusFailed || sw.ErrorMessage != MsgReverted {
		t.Fatalf("unexpected sweep %+v", sw)
	}
	live, ok := f.liveStatus(t)
	if !ok || live.Status != StatusFailed || live.Error != MsgReverted || live.Confirmations != 0 {
		t.Fatalf("unexpected live status %+v", live)
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0].Code != CodeReverted {
		t.Fatalf("expected revert alert, got %+v", f.alerts.events)
	}
}

func TestTrackTimesOutAfterMaxAttempts(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{receiptErr: errors.New("not found"), head: 100}

	out, err := f.tracker.Track(context.Background(), trackJob(DefaultMaxTrackAttempts))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusFailed || out.Error != MsgConfirmationTimeout {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.requeue.delayed) != 0 {
		t.Fatalf("timed out job must not be rescheduled")
	}
	sw, _ := f.store.GetSweep(context.Background(), "s-1")
	if sw.Status != StatusFailed || sw.ErrorMessage != MsgConfirmationTimeout {
		t.Fatalf("unexpected sweep %+v", sw)
	}
}

func TestTrackSentinelHashFailsWithoutChainCall(t *testing.T) {
	f := newTrackerFixture(t)

	job := trackJob(1)
	job.TxHash = web3.SentinelHash.Hex()
	out, err := f.tracker.Track(context.Background(), job)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusFailed || out.Error != "Sweep execution failed on chain base" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	sw, _ := f.store.GetSweep(context.Background(), "s-1")
	if sw.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", sw.Status)
	}
}

func TestTrackUnknownChainFails(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.errs["fantom"] = xerrors.New(xerrors.CodeConfiguration, "Unsupported chain: fantom")

	job := trackJob(1)
	job.Chain = "fantom"
	out, err := f.tracker.Track(context.Background(), job)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusFailed || out.Error != "Unsupported chain: fantom" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestTrackKeepsFirstTerminalOutcome(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusSuccessful, 10), head: 20}
	f.chains.readers["arbitrum"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusFailed, 10), head: 20}

	if _, err := f.tracker.Track(context.Background(), trackJob(1)); err != nil {
		t.Fatalf("track base: %v", err)
	}
	job := trackJob(1)
	job.Chain = "arbitrum"
	out, err := f.tracker.Track(context.Background(), job)
	if err != nil {
		t.Fatalf("track arbitrum: %v", err)
	}
	if out.Status != StatusFailed {
		t.Fatalf("outcome should still report the revert, got %s", out.Status)
	}

	sw, _ := f.store.GetSweep(context.Background(), "s-1")
	if sw.Status != StatusConfirmed || sw.ErrorMessage != "" {
		t.Fatalf("terminal status overwritten: %+v", sw)
	}
	live, _ := f.liveStatus(t)
	if live.Status != StatusConfirmed || live.Chain != "base" {
		t.Fatalf("live status overwritten: %+v", live)
	}
}

func TestTrackPendingPollDoesNotMaskTerminalSweep(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusSuccessful, 10), head: 20}
	f.chains.readers["arbitrum"] = &fakeReader{head: 20}

	if _, err := f.tracker.Track(context.Background(), trackJob(1)); err != nil {
		t.Fatalf("track base: %v", err)
	}
	job := trackJob(1)
	job.Chain = "arbitrum"
	out, err := f.tracker.Track(context.Background(), job)
	if err != nil {
		t.Fatalf("track arbitrum: %v", err)
	}
	if out.Status != StatusPending || len(f.requeue.delayed) != 1 {
		t.Fatalf("arbitrum should keep polling: %+v, %d delayed", out, len(f.requeue.delayed))
	}

	view, err := NewService(f.store, nil, f.cache, nil, nil).Status(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != StatusConfirmed {
		t.Fatalf("confirmed sweep reported as %s via %s", view.Status, view.Source)
	}
	live, _ := f.liveStatus(t)
	if live.Chain != "base" || live.Confirmations != 10 {
		t.Fatalf("first terminal entry replaced: %+v", live)
	}
}

func TestTrackSecondFailureKeepsFirstMessage(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["arbitrum"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusFailed, 10), head: 20}

	sentinel := trackJob(1)
	sentinel.TxHash = web3.SentinelHash.Hex()
	if _, err := f.tracker.Track(context.Background(), sentinel); err != nil {
		t.Fatalf("track sentinel: %v", err)
	}
	first, _ := f.store.GetSweep(context.Background(), "s-1")

	job := trackJob(1)
	job.Chain = "arbitrum"
	out, err := f.tracker.Track(context.Background(), job)
	if err != nil {
		t.Fatalf("track arbitrum: %v", err)
	}
	if out.Status != StatusFailed || out.Error != MsgReverted {
		t.Fatalf("per-chain outcome should report the revert: %+v", out)
	}

	sw, _ := f.store.GetSweep(context.Background(), "s-1")
	if sw.Status != StatusFailed || sw.ErrorMessage != first.ErrorMessage || sw.ErrorMessage == MsgReverted {
		t.Fatalf("first failure overwritten: %+v", sw)
	}
	live, _ := f.liveStatus(t)
	if live.Status != StatusFailed || live.Chain != "base" || live.Error != first.ErrorMessage {
		t.Fatalf("live status overwritten: %+v", live)
	}
}

func TestTrackRepairsStaleLiveStatus(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["arbitrum"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusFailed, 10), head: 20}
	ctx := context.Background()

	stale, _ := json.Marshal(LiveStatus{Status: StatusPending, Chain: "arbitrum"})
	if err := f.cache.Set(ctx, StatusKey("s-1"), stale, PendingStatusTTL); err != nil {
		t.Fatalf("cache set: %v", err)
	}
	if err := f.store.UpdateSweep(ctx, "s-1", FailedUpdate("Sweep execution failed on chain base")); err != nil {
		t.Fatalf("fail sweep: %v", err)
	}

	job := trackJob(1)
	job.Chain = "arbitrum"
	if _, err := f.tracker.Track(ctx, job); err != nil {
		t.Fatalf("track: %v", err)
	}
	live, _ := f.liveStatus(t)
	if live.Status != StatusFailed || live.Error != "Sweep execution failed on chain base" {
		t.Fatalf("stale pending entry kept: %+v", live)
	}
	if ttl := f.cache.TTL(StatusKey("s-1")); ttl != PendingStatusTTL {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}

func TestTrackRequeueFailureIsRetryable(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{}
	f.requeue.err = errors.New("redis down")

	_, err := f.tracker.Track(context.Background(), trackJob(1))
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable queue failure, got %v", err)
	}
}

func TestTrackCustomPolicy(t *testing.T) {
	f := newTrackerFixture(t)
	f.tracker = NewTracker(f.store, f.chains, f.cache, f.requeue,
		WithTrackerClock(fixedClock), WithTrackerPolicy(2, 3, time.Second))
	f.chains.readers["base"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusSuccessful, 10), head: 11}

	out, err := f.tracker.Track(context.Background(), trackJob(1))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusPending || f.requeue.delayed[0].delay != time.Second {
		t.Fatalf("unexpected outcome %+v", out)
	}

	out, err = f.tracker.Track(context.Background(), trackJob(3))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if out.Status != StatusFailed || out.Error != MsgConfirmationTimeout {
		t.Fatalf("expected timeout on the third attempt, got %+v", out)
	}
}

func TestTrackHandleDecodesEnvelope(t *testing.T) {
	f := newTrackerFixture(t)
	f.chains.readers["base"] = &fakeReader{receipt: minedReceipt(types.ReceiptStatusSuccessful, 1), head: 7}

	env, err := queue.NewEnvelope(KindTrack, trackJob(1))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := f.tracker.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	sw, _ := f.store.GetSweep(context.Background(), "s-1")
	if sw.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", sw.Status)
	}
}
