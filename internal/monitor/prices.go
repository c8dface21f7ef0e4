package monitor

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/observability/metrics"
	"DustSweep/internal/oracle"
	"DustSweep/internal/sweep"
	"DustSweep/pkg/logger"
)

const defaultRefreshConcurrency = 2

// TokenLister is the slice of sweep.Store the refresher reads.
type TokenLister interface {
	ListDustTokens(ctx context.Context, wallet string, includeSwept bool) ([]sweep.DustToken, error)
}

// PriceSource grades a token price.
type PriceSource interface {
	Price(ctx context.Context, chain string, token common.Address) (oracle.Result, error)
}

// RefreshResult counts one refresh run. Tokens held by several wallets are
// priced once.
type RefreshResult struct {
	Tokens    int
	Updated   int
	Untrusted int
	Failed    int
}

// PriceRefresher re-prices every unswept dust token.
type PriceRefresher struct {
	tokens      TokenLister
	prices      PriceSource
	concurrency int
	log         *slog.Logger
}

// NewPriceRefresher wires the refresher.
func NewPriceRefresher(tokens TokenLister, prices PriceSource) *PriceRefresher {
	return &PriceRefresher{
		tokens:      tokens,
		prices:      prices,
		concurrency: defaultRefreshConcurrency,
		log:         logger.Named("monitor.prices"),
	}
}

type priceKey struct {
	chain string
	token string
}

// Refresh prices the tokens and publishes them as token_price_usd. Only a
// listing failure is returned; per-token failures are counted.
func (r *PriceRefresher) Refresh(ctx context.Context) (RefreshResult, error) {
	listed, err := r.tokens.ListDustTokens(ctx, "", false)
	if err != nil {
		return RefreshResult{}, err
	}
	seen := make(map[priceKey]struct{}, len(listed))
	keys := make([]priceKey, 0, len(listed))
	for _, t := range listed {
		if !common.IsHexAddress(t.TokenAddress) {
			continue
		}
		k := priceKey{chain: strings.ToLower(t.Chain), token: strings.ToLower(t.TokenAddress)}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	var (
		g   errgroup.Group
		mu  sync.Mutex
		res = RefreshResult{Tokens: len(keys)}
	)
	g.SetLimit(r.concurrency)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			outcome := r.refreshOne(ctx, k)
			metrics.ObservePriceRefresh(outcome)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "updated":
				res.Updated++
			case "untrusted":
				res.Untrusted++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	r.log.Info("price refresh finished",
		slog.Int("tokens", res.Tokens),
		slog.Int("updated", res.Updated),
		slog.Int("untrusted", res.Untrusted),
		slog.Int("failed", res.Failed))
	return res, nil
}

// Run adapts Refresh to the scheduler.
func (r *PriceRefresher) Run(ctx context.Context) error {
	_, err := r.Refresh(ctx)
	return err
}

func (r *PriceRefresher) refreshOne(ctx context.Context, k priceKey) string {
	result, err := r.prices.Price(ctx, k.chain, common.HexToAddress(k.token))
	if err != nil {
		r.log.Warn("price refresh failed", slog.String("chain", k.chain), slog.String("token", k.token),
			slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
		return "failed"
	}
	if !result.Trusted() {
		r.log.Debug("price untrusted", slog.String("chain", k.chain), slog.String("token", k.token),
			slog.String("confidence", string(result.Confidence)))
		return "untrusted"
	}
	usd, _ := result.Price.Float64()
	metrics.SetTokenPrice(k.chain, k.token, usd)
	return "updated"
}
