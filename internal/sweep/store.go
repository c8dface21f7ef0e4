package sweep

import (
	"context"
	"fmt"
	"strings"

	xerrors "DustSweep/internal/errors"
)

// Store persists sweeps and dust tokens. All sweep mutations are field-scoped
// and keyed by id; a status change that would move a sweep backwards or out of
// a terminal state fails with CodeInvalidTransition and leaves the record as is.
type Store interface {
	CreateSweep(ctx context.Context, s *Sweep) error
	GetSweep(ctx context.Context, id string) (*Sweep, error)
	UpdateSweep(ctx context.Context, id string, u Update) error
	UpsertDustToken(ctx context.Context, t DustToken) error
	GetDustToken(ctx context.Context, key TokenKey) (*DustToken, error)
	// ListDustTokens lists a wallet's tokens; an empty wallet covers every wallet.
	ListDustTokens(ctx context.Context, wallet string, includeSwept bool) ([]DustToken, error)
	// MarkTokenSwept sets swept=true and the back-reference. Marking again with
	// the same sweep id is a no-op; a token that is not tracked is ignored.
	MarkTokenSwept(ctx context.Context, key TokenKey, sweepID string) error
	// Stats aggregates sweeps by status; an empty wallet covers every wallet.
	Stats(ctx context.Context, wallet string) (Stats, error)
	Close() error
}

func errNotFound(id string) error {
	return xerrors.New(CodeNotFound, fmt.Sprintf("sweep %s not found", id))
}

func errTransition(id string, from, to Status) error {
	return xerrors.New(CodeInvalidTransition, fmt.Sprintf("sweep %s cannot move from %s to %s", id, from, to),
		xerrors.WithMetadata("sweep_id", id))
}

func errTokenConflict(key TokenKey, existing string) error {
	return xerrors.New(CodeTokenConflict, fmt.Sprintf("token %s on %s already swept by %s", key.TokenAddress, key.Chain, existing))
}

func normaliseKey(key TokenKey) TokenKey {
	return TokenKey{
		WalletAddress: strings.ToLower(strings.TrimSpace(key.WalletAddress)),
		Chain:         strings.ToLower(strings.TrimSpace(key.Chain)),
		TokenAddress:  strings.ToLower(strings.TrimSpace(key.TokenAddress)),
	}
}

func cloneHashes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
