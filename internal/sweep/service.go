package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/oracle"
	"DustSweep/internal/queue"
	"DustSweep/internal/storage/redis"
	"DustSweep/pkg/logger"
)

// PriceValidator gates tokens on a trusted consensus price.
type PriceValidator interface {
	Validate(ctx context.Context, chain string, token common.Address) (oracle.Result, error)
}

// ChainChecker reports whether a chain is configured.
type ChainChecker interface {
	Supports(chain string) bool
}

// SubmitRequest asks for a new sweep.
type SubmitRequest struct {
	WalletAddress string     `json:"walletAddress"`
	QuoteID       string     `json:"quoteId"`
	Tokens        []TokenRef `json:"tokens"`
}

// RejectedToken is a token left out of a sweep.
type RejectedToken struct {
	TokenRef
	Reason string `json:"reason"`
}

// SubmitResult is the created sweep plus the tokens that did not pass the
// price gate.
type SubmitResult struct {
	Sweep    *Sweep          `json:"sweep"`
	Rejected []RejectedToken `json:"rejected,omitempty"`
}

// StatusView answers a status query from the cache or the store.
type StatusView struct {
	SweepID string      `json:"sweepId"`
	Status  Status      `json:"status"`
	Source  string      `json:"source"`
	Live    *LiveStatus `json:"live,omitempty"`
	Sweep   *Sweep      `json:"sweep,omitempty"`
}

// Service is the producer side of the pipeline.
type Service struct {
	store  Store
	jobs   JobPublisher
	cache  redis.Cache
	prices PriceValidator
	chains ChainChecker
	log    *slog.Logger
}

// NewService wires the submission service. prices and chains may be nil.
func NewService(store Store, jobs JobPublisher, cache redis.Cache, prices PriceValidator, chains ChainChecker) *Service {
	return &Service{
		store:  store,
		jobs:   jobs,
		cache:  cache,
		prices: prices,
		chains: chains,
		log:    logger.Named("sweep.service"),
	}
}

// Submit validates the request, drops tokens whose price is untrusted, creates
// a pending sweep and enqueues its execution job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !common.IsHexAddress(req.WalletAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid wallet address %q", req.WalletAddress))
	}
	if strings.TrimSpace(req.QuoteID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "quoteId is required")
	}
	if len(req.Tokens) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one token is required")
	}

	result := &SubmitResult{}
	var accepted []TokenRef
	for _, t := range req.Tokens {
		if err := s.checkToken(t); err != nil {
			return nil, err
		}
		if s.prices != nil {
			if _, err := s.prices.Validate(ctx, t.Chain, common.HexToAddress(t.Address)); err != nil {
				if xerrors.CodeOf(err) != CodeUntrustedPrice {
					return nil, err
				}
				result.Rejected = append(result.Rejected, RejectedToken{TokenRef: t, Reason: xerrors.MessageOf(err)})
				continue
			}
		}
		accepted = append(accepted, t)
	}
	if len(accepted) == 0 {
		return result, xerrors.New(CodeUntrustedPrice, "Untrusted price for every requested token")
	}

	sw := &Sweep{
		ID:            uuid.NewString(),
		WalletAddress: req.WalletAddress,
		Status:        StatusPending,
		TxHashes:      map[string]string{},
		UserOpHashes:  map[string]string{},
	}
	if err := s.store.CreateSweep(ctx, sw); err != nil {
		return nil, err
	}
	for _, t := range accepted {
		if err := s.store.UpsertDustToken(ctx, DustToken{
			WalletAddress: req.WalletAddress,
			Chain:         t.Chain,
			TokenAddress:  t.Address,
			Amount:        t.Amount,
		}); err != nil {
			return nil, err
		}
	}

	env, err := queue.NewEnvelope(KindExecute, ExecuteJob{
		SweepID:       sw.ID,
		QuoteID:       req.QuoteID,
		WalletAddress: req.WalletAddress,
		Tokens:        accepted,
	})
	if err == nil {
		err = s.jobs.Publish(ctx, env)
	}
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "enqueue sweep execution")
		if updErr := s.store.UpdateSweep(ctx, sw.ID, FailedUpdate(xerrors.MessageOf(wrapped))); updErr != nil {
			s.log.Error("mark sweep failed", slog.String("sweep_id", sw.ID), slog.Any("error", updErr))
		}
		return nil, wrapped
	}

	s.log.Info("sweep submitted",
		slog.String("sweep_id", sw.ID),
		slog.String("wallet", req.WalletAddress),
		slog.Int("tokens", len(accepted)),
		slog.Int("rejected", len(result.Rejected)))
	result.Sweep = sw
	return result, nil
}

func (s *Service) checkToken(t TokenRef) error {
	if strings.TrimSpace(t.Chain) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "token chain is required")
	}
	if s.chains != nil && !s.chains.Supports(t.Chain) {
		return xerrors.New(CodeConfiguration, fmt.Sprintf("Unsupported chain: %s", t.Chain))
	}
	if !common.IsHexAddress(t.Address) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid token address %q", t.Address))
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(t.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid amount %q for %s", t.Amount, t.Address))
	}
	return nil
}

// Status returns the live cached status when present, otherwise the stored
// sweep.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, StatusKey(id))
		if err != nil {
			s.log.Warn("live status lookup failed", slog.String("sweep_id", id), slog.Any("error", err))
		} else if ok {
			var live LiveStatus
			if err := json.Unmarshal(raw, &live); err == nil {
				return &StatusView{SweepID: id, Status: live.Status, Source: "cache", Live: &live}, nil
			}
			s.log.Warn("discarding malformed live status", slog.String("sweep_id", id))
		}
	}
	sw, err := s.store.GetSweep(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{SweepID: id, Status: sw.Status, Source: "store", Sweep: sw}, nil
}

// Get returns the stored sweep.
func (s *Service) Get(ctx context.Context, id string) (*Sweep, error) {
	return s.store.GetSweep(ctx, id)
}

// Stats aggregates sweeps by status, optionally for one wallet.
func (s *Service) Stats(ctx context.Context, wallet string) (Stats, error) {
	if wallet != "" && !common.IsHexAddress(wallet) {
		return Stats{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid wallet address %q", wallet))
	}
	return s.store.Stats(ctx, wallet)
}
