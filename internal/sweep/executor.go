package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/observability/alerting"
	"DustSweep/internal/observability/metrics"
	"DustSweep/internal/queue"
	"DustSweep/internal/quote"
	"DustSweep/internal/web3"
	"DustSweep/pkg/logger"
)

// QuoteReader loads cached quotes.
type QuoteReader interface {
	Get(ctx context.Context, id string) (quote.Quote, bool, error)
}

// DisposerResolver returns the adapter for a chain name.
type DisposerResolver interface {
	Disposer(ctx context.Context, chain string) (web3.Disposer, error)
}

// JobPublisher enqueues jobs.
type JobPublisher interface {
	Publish(ctx context.Context, env queue.Envelope) error
}

// ExecuteResult summarises an executed sweep.
type ExecuteResult struct {
	SweepID      string
	TxHashes     map[string]string
	UserOpHashes map[string]string
	FailedChains []string
}

// Executor runs sweep execution jobs.
type Executor struct {
	store   Store
	quotes  QuoteReader
	chains  DisposerResolver
	tracks  JobPublisher
	alerter alerting.Dispatcher
	now     func() time.Time
	log     *slog.Logger
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock injects the clock used for quote expiry.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithExecutorAlerts reports per-chain failures.
func WithExecutorAlerts(d alerting.Dispatcher) ExecutorOption {
	return func(e *Executor) { e.alerter = d }
}

// NewExecutor wires the execution worker. tracks receives one track job per
// chain.
func NewExecutor(store Store, quotes QuoteReader, chains DisposerResolver, tracks JobPublisher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:  store,
		quotes: quotes,
		chains: chains,
		tracks: tracks,
		now:    time.Now,
		log:    logger.Named("sweep.executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Handle is the queue handler for KindExecute envelopes.
func (e *Executor) Handle(ctx context.Context, env queue.Envelope) error {
	var job ExecuteJob
	if err := env.Decode(&job); err != nil {
		return err
	}
	_, err := e.Execute(ctx, job)
	return err
}

type chainGroup struct {
	chain    string
	tokens   []TokenRef
	disposer web3.Disposer
	err      error
}

// Execute runs one sweep. Chains are processed one after another and tokens
// within a chain strictly in order. A failing chain is recorded with the
// sentinel hash and still tracked; every other error fails the sweep and is
// returned to the queue.
func (e *Executor) Execute(ctx context.Context, job ExecuteJob) (*ExecuteResult, error) {
	log := e.log.With(slog.String("sweep_id", job.SweepID))
	if strings.TrimSpace(job.SweepID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sweepId is required", xerrors.WithRetryable(false))
	}

	if err := e.store.UpdateSweep(ctx, job.SweepID, StatusUpdate(StatusSigning)); err != nil {
		if xerrors.CodeOf(err) == CodeInvalidTransition || xerrors.CodeOf(err) == CodeNotFound {
			// Already past signing: a duplicate delivery must not touch the record.
			log.Warn("skipping sweep execution", slog.Any("error", err))
			return nil, xerrors.Wrap(xerrors.CodeOf(err), err, "sweep not executable", xerrors.WithRetryable(false))
		}
		return nil, e.fail(ctx, job.SweepID, err)
	}
	logger.Audit().Info("sweep signing", slog.String("sweep_id", job.SweepID), slog.String("wallet", job.WalletAddress))

	result, err := e.run(ctx, job, log)
	if err != nil {
		return nil, e.fail(ctx, job.SweepID, err)
	}
	return result, nil
}

func (e *Executor) run(ctx context.Context, job ExecuteJob, log *slog.Logger) (*ExecuteResult, error) {
	if !common.IsHexAddress(job.WalletAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid wallet address %q", job.WalletAddress))
	}
	recipient := common.HexToAddress(job.WalletAddress)

	q, ok, err := e.quotes.Get(ctx, job.QuoteID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.New(CodeQuoteMissing, MsgQuoteMissing, xerrors.WithMetadata("quote_id", job.QuoteID))
	}
	if q.Expired(e.now()) {
		return nil, xerrors.New(CodeQuoteExpired, MsgQuoteExpired, xerrors.WithMetadata("quote_id", job.QuoteID))
	}

	groups, err := e.resolve(ctx, job.Tokens)
	if err != nil {
		return nil, err
	}

	if err := e.store.UpdateSweep(ctx, job.SweepID, StatusUpdate(StatusSubmitted)); err != nil {
		return nil, err
	}
	logger.Audit().Info("sweep submitted", slog.String("sweep_id", job.SweepID), slog.Int("chains", len(groups)))

	result := &ExecuteResult{
		SweepID:      job.SweepID,
		TxHashes:     make(map[string]string, len(groups)),
		UserOpHashes: make(map[string]string),
	}
	for _, g := range groups {
		txHash, userOp, chainErr := e.executeChain(ctx, g, recipient)
		metrics.ObserveChainExecution(g.chain, chainErr == nil)
		if chainErr != nil {
			log.Error("chain execution failed", slog.String("chain", g.chain), slog.Any("error", chainErr))
			e.alertChain(ctx, job.SweepID, g.chain, chainErr)
			txHash, userOp = web3.SentinelHash.Hex(), ""
			result.FailedChains = append(result.FailedChains, g.chain)
		}
		result.TxHashes[g.chain] = txHash
		if userOp != "" {
			result.UserOpHashes[g.chain] = userOp
		}

		env, err := queue.NewEnvelope(KindTrack, TrackJob{
			SweepID:    job.SweepID,
			TxHash:     txHash,
			Chain:      g.chain,
			UserOpHash: userOp,
			Attempt:    1,
		})
		if err != nil {
			return nil, err
		}
		if err := e.tracks.Publish(ctx, env); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("enqueue track job for %s", g.chain))
		}
	}

	if err := e.store.UpdateSweep(ctx, job.SweepID, Update{TxHashes: result.TxHashes, UserOpHashes: result.UserOpHashes}); err != nil {
		return nil, err
	}

	wallet := job.WalletAddress
	for _, t := range job.Tokens {
		key := TokenKey{WalletAddress: wallet, Chain: t.Chain, TokenAddress: t.Address}
		if err := e.store.MarkTokenSwept(ctx, key, job.SweepID); err != nil {
			if xerrors.CodeOf(err) == CodeTokenConflict {
				log.Warn("token already swept", slog.String("chain", t.Chain), slog.String("token", t.Address), slog.Any("error", err))
				continue
			}
			return nil, err
		}
	}

	log.Info("sweep executed",
		slog.Int("chains", len(groups)),
		slog.Int("failed_chains", len(result.FailedChains)))
	return result, nil
}

// resolve groups tokens by chain in first-seen order and looks up each chain's
// adapter. Configuration errors abort the sweep before any chain call; other
// lookup failures are confined to their chain.
func (e *Executor) resolve(ctx context.Context, tokens []TokenRef) ([]*chainGroup, error) {
	if len(tokens) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sweep has no tokens")
	}
	index := make(map[string]*chainGroup)
	var groups []*chainGroup
	for _, t := range tokens {
		g, ok := index[t.Chain]
		if !ok {
			g = &chainGroup{chain: t.Chain}
			index[t.Chain] = g
			groups = append(groups, g)
		}
		g.tokens = append(g.tokens, t)
	}
	for _, g := range groups {
		g.disposer, g.err = e.chains.Disposer(ctx, g.chain)
		if g.err == nil {
			continue
		}
		if code := xerrors.CodeOf(g.err); code == xerrors.CodeConfiguration || code == CodeConfiguration {
			return nil, xerrors.Wrap(CodeConfiguration, g.err, xerrors.MessageOf(g.err),
				xerrors.WithMetadata("chain", g.chain))
		}
	}
	return groups, nil
}

func (e *Executor) executeChain(ctx context.Context, g *chainGroup, recipient common.Address) (string, string, error) {
	if g.err != nil {
		return "", "", g.err
	}
	var txHash, userOp string
	for _, t := range g.tokens {
		if !common.IsHexAddress(t.Address) {
			return "", "", fmt.Errorf("invalid token address %q", t.Address)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(t.Amount), 10)
		if !ok || amount.Sign() <= 0 {
			return "", "", fmt.Errorf("invalid amount %q for token %s", t.Amount, t.Address)
		}
		res, err := g.disposer.Dispose(ctx, web3.DisposeRequest{
			Token:     common.HexToAddress(t.Address),
			Amount:    amount,
			Recipient: recipient,
		})
		if err != nil {
			return "", "", err
		}
		e.log.Debug("token disposed",
			slog.String("chain", g.chain),
			slog.String("token", t.Address),
			slog.String("method", string(res.Method)),
			slog.String("tx_hash", res.TxHash.Hex()))
		txHash = res.TxHash.Hex()
		if res.UserOpHash != "" {
			userOp = res.UserOpHash
		}
	}
	return txHash, userOp, nil
}

// fail implements the catch-all: the sweep is marked failed with the error's
// message and the error is handed back to the queue.
func (e *Executor) fail(ctx context.Context, sweepID string, cause error) error {
	msg := xerrors.MessageOf(cause)
	if err := e.store.UpdateSweep(ctx, sweepID, FailedUpdate(msg)); err != nil {
		e.log.Error("mark sweep failed", slog.String("sweep_id", sweepID), slog.Any("error", err))
	}
	logger.Audit().Warn("sweep failed",
		slog.String("sweep_id", sweepID),
		slog.String("error_code", string(xerrors.CodeOf(cause))),
		slog.String("error", msg))
	return cause
}

func (e *Executor) alertChain(ctx context.Context, sweepID, chain string, cause error) {
	if e.alerter == nil {
		return
	}
	event := alerting.NewEvent(xerrors.Wrap(CodeChainExecution, cause, xerrors.MessageOf(cause)), e.now())
	event.SweepID = sweepID
	event.Chain = chain
	if err := e.alerter.Notify(ctx, event); err != nil {
		e.log.Error("alert dispatch failed", slog.Any("error", err))
	}
}
