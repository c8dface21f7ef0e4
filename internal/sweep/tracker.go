package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/observability/alerting"
	"DustSweep/internal/observability/metrics"
	"DustSweep/internal/queue"
	"DustSweep/internal/storage/redis"
	"DustSweep/internal/web3"
	"DustSweep/pkg/logger"
)

// Tracking defaults.
const (
	DefaultConfirmations    = 6
	DefaultMaxTrackAttempts = 60
	DefaultTrackDelay       = 5 * time.Second
	ConfirmedStatusTTL      = time.Hour
	PendingStatusTTL        = 5 * time.Minute
)

// ReceiptResolver returns the read client for a chain name.
type ReceiptResolver interface {
	ReceiptReader(ctx context.Context, chain string) (web3.ReceiptReader, error)
}

// DelayedPublisher reschedules jobs.
type DelayedPublisher interface {
	PublishDelayed(ctx context.Context, env queue.Envelope, delay time.Duration) error
}

// TrackOutcome is the result of one poll.
type TrackOutcome struct {
	SweepID       string
	Chain         string
	TxHash        string
	Status        Status
	Confirmations uint64
	Error         string
}

// Tracker polls transactions until they confirm, revert or run out of
// attempts.
type Tracker struct {
	store         Store
	chains        ReceiptResolver
	cache         redis.Cache
	requeue       DelayedPublisher
	alerter       alerting.Dispatcher
	confirmations uint64
	maxAttempts   int
	delay         time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock injects the clock.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithTrackerPolicy overrides the confirmation depth, attempt budget and delay.
func WithTrackerPolicy(confirmations uint64, maxAttempts int, delay time.Duration) TrackerOption {
	return func(t *Tracker) {
		if confirmations > 0 {
			t.confirmations = confirmations
		}
		if maxAttempts > 0 {
			t.maxAttempts = maxAttempts
		}
		if delay > 0 {
			t.delay = delay
		}
	}
}

// WithTrackerAlerts reports reverted and timed-out transactions.
func WithTrackerAlerts(d alerting.Dispatcher) TrackerOption {
	return func(t *Tracker) { t.alerter = d }
}

// NewTracker wires the confirmation tracker.
func NewTracker(store Store, chains ReceiptResolver, cache redis.Cache, requeue DelayedPublisher, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:         store,
		chains:        chains,
		cache:         cache,
		requeue:       requeue,
		confirmations: DefaultConfirmations,
		maxAttempts:   DefaultMaxTrackAttempts,
		delay:         DefaultTrackDelay,
		now:           time.Now,
		log:           logger.Named("sweep.tracker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Handle is the queue handler for KindTrack envelopes.
func (t *Tracker) Handle(ctx context.Context, env queue.Envelope) error {
	var job TrackJob
	if err := env.Decode(&job); err != nil {
		return err
	}
	_, err := t.Track(ctx, job)
	return err
}

// Track performs one poll. Errors are returned only for store, cache or queue
// failures; chain-side problems are part of the outcome.
func (t *Tracker) Track(ctx context.Context, job TrackJob) (TrackOutcome, error) {
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	out := TrackOutcome{SweepID: job.SweepID, Chain: job.Chain, TxHash: job.TxHash, Status: StatusPending}
	log := t.log.With(
		slog.String("sweep_id", job.SweepID),
		slog.String("chain", job.Chain),
		slog.String("tx_hash", job.TxHash),
		slog.Int("attempt", job.Attempt))

	if web3.IsSentinelHash(job.TxHash) {
		return t.failed(ctx, job, out, CodeChainExecution, fmt.Sprintf("Sweep execution failed on chain %s", job.Chain))
	}

	reader, err := t.chains.ReceiptReader(ctx, job.Chain)
	if err != nil {
		if code := xerrors.CodeOf(err); code == xerrors.CodeConfiguration {
			return t.failed(ctx, job, out, CodeConfiguration, xerrors.MessageOf(err))
		}
		log.Debug("chain client unavailable", slog.Any("error", err))
		return t.pending(ctx, job, out)
	}

	receipt, err := reader.TransactionReceipt(ctx, common.HexToHash(job.TxHash))
	if err != nil || receipt == nil {
		log.Debug("receipt not available", slog.Any("error", err))
		return t.pending(ctx, job, out)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return t.failed(ctx, job, out, CodeReverted, MsgReverted)
	}

	head, err := reader.BlockNumber(ctx)
	if err != nil {
		log.Debug("block number unavailable", slog.Any("error", err))
		return t.pending(ctx, job, out)
	}
	if receipt.BlockNumber != nil {
		if mined := receipt.BlockNumber.Uint64(); head > mined {
			out.Confirmations = head - mined
		}
	}
	if out.Confirmations >= t.confirmations {
		return t.confirmed(ctx, job, out)
	}
	return t.pending(ctx, job, out)
}

func (t *Tracker) pending(ctx context.Context, job TrackJob, out TrackOutcome) (TrackOutcome, error) {
	if job.Attempt >= t.maxAttempts {
		return t.failed(ctx, job, out, CodeConfirmationTimeout, MsgConfirmationTimeout)
	}

	next := job
	next.Attempt++
	env, err := queue.NewEnvelope(KindTrack, next)
	if err != nil {
		return out, err
	}
	if err := t.requeue.PublishDelayed(ctx, env, t.delay); err != nil {
		return out, xerrors.Wrap(xerrors.CodeQueueFailure, err, "reschedule track job")
	}
	// The pending entry is written before the store is re-read, so a terminal
	// update racing with this poll always ends up in the cache last.
	if !t.syncTerminal(ctx, job.SweepID) {
		t.writeStatus(ctx, job.SweepID, LiveStatus{
			Status:        StatusPending,
			Chain:         job.Chain,
			TxHash:        job.TxHash,
			Confirmations: out.Confirmations,
		}, PendingStatusTTL)
		t.syncTerminal(ctx, job.SweepID)
	}
	metrics.ObserveTrackOutcome(job.Chain, string(StatusPending))
	return out, nil
}

func (t *Tracker) confirmed(ctx context.Context, job TrackJob, out TrackOutcome) (TrackOutcome, error) {
	out.Status = StatusConfirmed
	now := t.now().UTC()
	status := StatusConfirmed
	applied, err := t.finish(ctx, job, Update{Status: &status, CompletedAt: &now})
	if err != nil {
		return out, err
	}
	metrics.ObserveTrackOutcome(job.Chain, string(StatusConfirmed))
	logger.Audit().Info("sweep confirmed",
		slog.String("sweep_id", job.SweepID),
		slog.String("chain", job.Chain),
		slog.String("tx_hash", job.TxHash),
		slog.Uint64("confirmations", out.Confirmations))
	if applied {
		t.writeStatus(ctx, job.SweepID, LiveStatus{
			Status:        StatusConfirmed,
			Chain:         job.Chain,
			TxHash:        job.TxHash,
			Confirmations: out.Confirmations,
			CompletedAt:   now.UnixMilli(),
		}, ConfirmedStatusTTL)
	} else {
		t.syncTerminal(ctx, job.SweepID)
	}
	return out, nil
}

func (t *Tracker) failed(ctx context.Context, job TrackJob, out TrackOutcome, code xerrors.Code, msg string) (TrackOutcome, error) {
	out.Status = StatusFailed
	out.Error = msg
	if code == CodeReverted {
		out.Confirmations = 0
	}
	applied, err := t.finish(ctx, job, FailedUpdate(msg))
	if err != nil {
		return out, err
	}
	metrics.ObserveTrackOutcome(job.Chain, string(StatusFailed))
	logger.Audit().Warn("sweep tracking failed",
		slog.String("sweep_id", job.SweepID),
		slog.String("chain", job.Chain),
		slog.String("tx_hash", job.TxHash),
		slog.String("error_code", string(code)),
		slog.String("error", msg))
	t.alert(ctx, job, xerrors.New(code, msg))
	if applied {
		t.writeStatus(ctx, job.SweepID, LiveStatus{
			Status:        StatusFailed,
			Chain:         job.Chain,
			TxHash:        job.TxHash,
			Confirmations: out.Confirmations,
			Error:         msg,
		}, PendingStatusTTL)
	} else {
		t.syncTerminal(ctx, job.SweepID)
	}
	return out, nil
}

// finish applies a terminal update. A sweep already terminal through another
// chain keeps its first outcome and applied is false.
func (t *Tracker) finish(ctx context.Context, job TrackJob, u Update) (bool, error) {
	err := t.store.UpdateSweep(ctx, job.SweepID, u)
	if err == nil {
		return true, nil
	}
	if xerrors.CodeOf(err) == CodeInvalidTransition {
		t.log.Info("sweep already terminal, keeping first outcome",
			slog.String("sweep_id", job.SweepID),
			slog.String("chain", job.Chain),
			slog.Any("error", err))
		return false, nil
	}
	return false, err
}

// syncTerminal makes sure a terminal sweep is never cached as anything else.
// It reports whether the stored sweep is terminal. An entry that already shows
// the stored status is kept since it carries the chain details.
func (t *Tracker) syncTerminal(ctx context.Context, sweepID string) bool {
	sw, err := t.store.GetSweep(ctx, sweepID)
	if err != nil {
		t.log.Warn("sweep lookup failed", slog.String("sweep_id", sweepID), slog.Any("error", err))
		return false
	}
	if !sw.Status.Terminal() {
		return false
	}
	if t.cache == nil {
		return true
	}
	if raw, ok, err := t.cache.Get(ctx, StatusKey(sweepID)); err == nil && ok {
		var live LiveStatus
		if json.Unmarshal(raw, &live) == nil && live.Status == sw.Status {
			return true
		}
	}
	live := LiveStatus{Status: sw.Status, Error: sw.ErrorMessage}
	ttl := PendingStatusTTL
	if sw.Status == StatusConfirmed {
		ttl = ConfirmedStatusTTL
	}
	if sw.CompletedAt != nil {
		live.CompletedAt = sw.CompletedAt.UnixMilli()
	}
	t.writeStatus(ctx, sweepID, live, ttl)
	return true
}

// writeStatus refreshes the live-status cache. The cache is not authoritative,
// so failures are logged and otherwise ignored.
func (t *Tracker) writeStatus(ctx context.Context, sweepID string, s LiveStatus, ttl time.Duration) {
	if t.cache == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err == nil {
		err = t.cache.Set(ctx, StatusKey(sweepID), raw, ttl)
	}
	if err != nil {
		t.log.Warn("live status not cached", slog.String("sweep_id", sweepID), slog.Any("error", err))
	}
}

func (t *Tracker) alert(ctx context.Context, job TrackJob, cause error) {
	if t.alerter == nil {
		return
	}
	event := alerting.NewEvent(cause, t.now())
	event.SweepID = job.SweepID
	event.Chain = job.Chain
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["tx_hash"] = job.TxHash
	if err := t.alerter.Notify(ctx, event); err != nil {
		t.log.Error("alert dispatch failed", slog.Any("error", err))
	}
}
