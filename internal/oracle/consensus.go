package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	xerrors "DustSweep/internal/errors"
	"DustSweep/pkg/logger"
)

// Confidence grades how far the feeds agree.
type Confidence string

const (
	ConfidenceHigh      Confidence = "HIGH"
	ConfidenceMedium    Confidence = "MEDIUM"
	ConfidenceLow       Confidence = "LOW"
	ConfidenceUntrusted Confidence = "UNTRUSTED"
)

// CodeUntrustedPrice rejects a token whose price feeds disagree or are absent.
const CodeUntrustedPrice xerrors.Code = "SWEEP_UNTRUSTED_PRICE"

func init() {
	xerrors.Register(CodeUntrustedPrice, xerrors.Attributes{
		Message:  "Untrusted price",
		Severity: xerrors.SeverityInfo,
	})
}

var (
	tightBand = decimal.RequireFromString("0.02")
	wideBand  = decimal.RequireFromString("0.05")
	two       = decimal.NewFromInt(2)
)

// Result is a graded consensus price.
type Result struct {
	Price      decimal.Decimal
	Confidence Confidence
	Prices     map[string]decimal.Decimal
}

// Trusted reports whether the price may gate a sweep.
func (r Result) Trusted() bool {
	return r.Confidence != ConfidenceUntrusted && r.Price.IsPositive()
}

// Consensus queries every source concurrently and grades their agreement.
type Consensus struct {
	sources []Source
	log     *slog.Logger
}

// NewConsensus builds a validator over sources.
func NewConsensus(sources ...Source) *Consensus {
	return &Consensus{sources: sources, log: logger.Named("oracle")}
}

// Price returns the median of the positive quotes and its confidence. Feeds that
// fail are skipped; an answer with no feeds is UNTRUSTED, not an error.
func (c *Consensus) Price(ctx context.Context, chain string, token common.Address) (Result, error) {
	if c == nil || len(c.sources) == 0 {
		return Result{}, xerrors.New(xerrors.CodeInitializationFailure, "no price sources configured")
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		prices = make(map[string]decimal.Decimal, len(c.sources))
	)
	for _, src := range c.sources {
		src := src
		g.Go(func() error {
			price, err := src.Price(ctx, chain, token)
			if err != nil {
				if !errors.Is(err, ErrUnsupported) {
					c.log.Debug("price feed failed",
						slog.String("source", src.Name()),
						slog.String("chain", chain),
						slog.String("token", token.Hex()),
						slog.Any("error", err))
				}
				return nil
			}
			if !price.IsPositive() {
				return nil
			}
			mu.Lock()
			prices[src.Name()] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return grade(prices), nil
}

// Validate is Price plus the gate: an UNTRUSTED result becomes an error.
func (c *Consensus) Validate(ctx context.Context, chain string, token common.Address) (Result, error) {
	res, err := c.Price(ctx, chain, token)
	if err != nil {
		return res, err
	}
	if !res.Trusted() {
		return res, xerrors.New(CodeUntrustedPrice,
			fmt.Sprintf("Untrusted price for %s on %s", token.Hex(), chain),
			xerrors.WithMetadata("chain", chain),
			xerrors.WithMetadata("token", token.Hex()))
	}
	return res, nil
}

func grade(prices map[string]decimal.Decimal) Result {
	res := Result{Confidence: ConfidenceUntrusted, Prices: prices}
	if len(prices) == 0 {
		return res
	}
	values := make([]decimal.Decimal, 0, len(prices))
	for _, p := range prices {
		values = append(values, p)
	}
	res.Price = median(values)
	if len(values) == 1 {
		res.Confidence = ConfidenceLow
		return res
	}

	tight, wide := 0, 0
	for _, v := range values {
		dev := v.Sub(res.Price).Abs().Div(res.Price)
		if dev.LessThanOrEqual(tightBand) {
			tight++
		}
		if dev.LessThanOrEqual(wideBand) {
			wide++
		}
	}
	switch {
	case tight >= 3:
		res.Confidence = ConfidenceHigh
	case wide >= 2:
		res.Confidence = ConfidenceMedium
	}
	return res
}

func median(values []decimal.Decimal) decimal.Decimal {
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return values[mid-1].Add(values[mid]).Div(two)
}
