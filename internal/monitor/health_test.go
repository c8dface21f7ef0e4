package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"DustSweep/internal/aggregator/oneinch"
	"DustSweep/internal/oracle"
	"DustSweep/internal/web3"
)

type headReader struct {
	head uint64
	err  error
}

func (r headReader) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not used")
}

func (r headReader) BlockNumber(context.Context) (uint64, error) { return r.head, r.err }

type chainSet map[string]web3.ReceiptReader

func (c chainSet) ReceiptReader(_ context.Context, chain string) (web3.ReceiptReader, error) {
	r, ok := c[chain]
	if !ok {
		return nil, errors.New("unsupported chain " + chain)
	}
	return r, nil
}

func TestHealthCheckerReportsEachProtocol(t *testing.T) {
	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1/healthcheck" {
			t.Errorf("unexpected aggregator path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer aggregator.Close()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, strings.ToLower(ReferenceToken.Hex())) {
			t.Errorf("unexpected feed path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"coins":{"ethereum:` + strings.ToLower(ReferenceToken.Hex()) + `":{"price":3100.5}}}`))
	}))
	defer feed.Close()

	chains := chainSet{
		"base":     headReader{head: 120},
		"arbitrum": headReader{err: errors.New("dial tcp: connection refused")},
	}
	checker := NewHealthChecker([]Target{
		ChainTarget(chains, "base"),
		ChainTarget(chains, "arbitrum"),
		ChainTarget(chains, "polygon"),
		AggregatorTarget("1inch", oneinch.NewClient(oneinch.Config{BaseURL: aggregator.URL}), 1),
		FeedTarget(oracle.NewDefiLlama(oracle.FeedConfig{BaseURL: feed.URL})),
	})

	if report := checker.Report(); !report.Healthy || len(report.Protocols) != 0 {
		t.Fatalf("expected empty healthy report before the first run, got %+v", report)
	}
	if err := checker.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	report := checker.Report()
	if report.Healthy {
		t.Fatalf("expected unhealthy report with a failing chain")
	}
	want := map[string]bool{
		"1inch":          true,
		"chain:arbitrum": false,
		"chain:base":     true,
		"chain:polygon":  false,
		"defillama":      true,
	}
	if len(report.Protocols) != len(want) {
		t.Fatalf("unexpected protocols %+v", report.Protocols)
	}
	for i, s := range report.Protocols {
		if i > 0 && report.Protocols[i-1].Name > s.Name {
			t.Fatalf("protocols not ordered: %+v", report.Protocols)
		}
		if want[s.Name] != s.Healthy {
			t.Fatalf("protocol %s healthy=%v, want %v (%s)", s.Name, s.Healthy, want[s.Name], s.Error)
		}
		if !s.Healthy && s.Error == "" {
			t.Fatalf("protocol %s missing error", s.Name)
		}
		if s.CheckedAt.IsZero() {
			t.Fatalf("protocol %s missing check time", s.Name)
		}
	}
}

func TestHealthCheckerBoundsSlowTarget(t *testing.T) {
	slow := NewTarget("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	checker := NewHealthChecker([]Target{slow}, WithCheckTimeout(50*time.Millisecond))

	done := make(chan struct{})
	go func() {
		_ = checker.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("target timeout not applied")
	}
	report := checker.Report()
	if report.Healthy || len(report.Protocols) != 1 || !strings.Contains(report.Protocols[0].Error, "deadline") {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHealthCheckerKeepsLatestResult(t *testing.T) {
	fail := true
	flaky := NewTarget("coingecko", func(context.Context) error {
		if fail {
			return errors.New("status 429")
		}
		return nil
	})
	checker := NewHealthChecker([]Target{flaky})
	_ = checker.Run(context.Background())
	if checker.Report().Healthy {
		t.Fatalf("expected first run to be unhealthy")
	}
	fail = false
	_ = checker.Run(context.Background())
	report := checker.Report()
	if !report.Healthy || report.Protocols[0].Error != "" {
		t.Fatalf("expected recovery, got %+v", report)
	}
}

func TestFeedTargetRejectsUnsupportedFeed(t *testing.T) {
	target := FeedTarget(oracle.NewDexScreener(oracle.FeedConfig{Platforms: map[string]oracle.Platform{}}))
	if err := target.Check(context.Background()); !errors.Is(err, oracle.ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}
