package sweep

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"DustSweep/internal/observability/alerting"
	"DustSweep/internal/queue"
	"DustSweep/internal/quote"
	"DustSweep/internal/storage/redis"
	"DustSweep/internal/web3"
)

var testNow = time.UnixMilli(1_700_000_000_000).UTC()

func fixedClock() time.Time { return testNow }

const (
	testWallet = "0x00000000000000000000000000000000000000aa"
	tokenA     = "0x00000000000000000000000000000000000000a1"
	tokenB     = "0x00000000000000000000000000000000000000b2"
	tokenC     = "0x00000000000000000000000000000000000000c3"
)

type delayedEnvelope struct {
	env   queue.Envelope
	delay time.Duration
}

type recordingPublisher struct {
	mu      sync.Mutex
	envs    []queue.Envelope
	delayed []delayedEnvelope
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, env queue.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) PublishDelayed(_ context.Context, env queue.Envelope, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.delayed = append(p.delayed, delayedEnvelope{env: env, delay: delay})
	return nil
}

func (p *recordingPublisher) trackJobs(t *testing.T) []TrackJob {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var jobs []TrackJob
	for _, env := range p.envs {
		if env.Kind != KindTrack {
			t.Fatalf("unexpected job kind %s", env.Kind)
		}
		var job TrackJob
		if err := env.Decode(&job); err != nil {
			t.Fatalf("decode track job: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

type fakeDisposer struct {
	mu     sync.Mutex
	seed   byte
	calls  []web3.DisposeRequest
	failAt int
	err    error
}

func (d *fakeDisposer) Dispose(_ context.Context, req web3.DisposeRequest) (web3.DisposeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	if d.err != nil && len(d.calls) >= d.failAt {
		return web3.DisposeResult{}, d.err
	}
	hash := common.BytesToHash([]byte{d.seed, byte(len(d.calls))})
	return web3.DisposeResult{TxHash: hash, Method: web3.MethodSwap}, nil
}

func (d *fakeDisposer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeReader struct {
	receipt    *types.Receipt
	receiptErr error
	head       uint64
	headErr    error
}

func (r *fakeReader) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return r.receipt, r.receiptErr
}

func (r *fakeReader) BlockNumber(context.Context) (uint64, error) {
	return r.head, r.headErr
}

type fakeChains struct {
	disposers map[string]web3.Disposer
	readers   map[string]web3.ReceiptReader
	errs      map[string]error
}

func newFakeChains() *fakeChains {
	return &fakeChains{
		disposers: map[string]web3.Disposer{},
		readers:   map[string]web3.ReceiptReader{},
		errs:      map[string]error{},
	}
}

func (c *fakeChains) Disposer(_ context.Context, chain string) (web3.Disposer, error) {
	if err := c.errs[chain]; err != nil {
		return nil, err
	}
	d, ok := c.disposers[chain]
	if !ok {
		return nil, errors.New("no disposer for " + chain)
	}
	return d, nil
}

func (c *fakeChains) ReceiptReader(_ context.Context, chain string) (web3.ReceiptReader, error) {
	if err := c.errs[chain]; err != nil {
		return nil, err
	}
	r, ok := c.readers[chain]
	if !ok {
		return nil, errors.New("no reader for " + chain)
	}
	return r, nil
}

func (c *fakeChains) Supports(chain string) bool {
	_, d := c.disposers[chain]
	_, r := c.readers[chain]
	return d || r
}

func minedReceipt(status uint64, block int64) *types.Receipt {
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(block)}
}

// seedSweep creates a sweep in status with the given dust tokens.
func seedSweep(t *testing.T, store Store, id string, status Status, tokens ...TokenRef) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateSweep(ctx, &Sweep{ID: id, WalletAddress: testWallet}); err != nil {
		t.Fatalf("create sweep: %v", err)
	}
	path := map[Status][]Status{
		StatusSigning:   {StatusSigning},
		StatusSubmitted: {StatusSigning, StatusSubmitted},
		StatusConfirmed: {StatusSigning, StatusSubmitted, StatusConfirmed},
		StatusFailed:    {StatusSigning, StatusSubmitted, StatusFailed},
	}
	for _, s := range path[status] {
		if err := store.UpdateSweep(ctx, id, StatusUpdate(s)); err != nil {
			t.Fatalf("advance sweep to %s: %v", s, err)
		}
	}
	for _, tok := range tokens {
		if err := store.UpsertDustToken(ctx, DustToken{
			WalletAddress: testWallet,
			Chain:         tok.Chain,
			TokenAddress:  tok.Address,
			Amount:        tok.Amount,
		}); err != nil {
			t.Fatalf("upsert token: %v", err)
		}
	}
}

func newQuoteStore(t *testing.T, expiresAt time.Time) *quote.Store {
	t.Helper()
	quotes := quote.NewStore(redis.NewMemoryCache(fixedClock))
	err := quotes.Set(context.Background(), quote.Quote{
		ID:               "q-1",
		SourceToken:      tokenA,
		DestinationToken: tokenB,
		Amount:           "1000",
		ExpiresAt:        expiresAt.UnixMilli(),
	}, time.Hour)
	if err != nil {
		t.Fatalf("seed quote: %v", err)
	}
	return quotes
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}
