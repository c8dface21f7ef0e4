package sweep

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "DustSweep/internal/errors"
)

// MemoryStore keeps sweeps and dust tokens in process, for tests and single
// node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	sweeps map[string]*Sweep
	tokens map[TokenKey]*DustToken
	now    func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		sweeps: make(map[string]*Sweep),
		tokens: make(map[TokenKey]*DustToken),
		now:    now,
	}
}

func cloneSweep(s *Sweep) *Sweep {
	c := *s
	c.TxHashes = cloneHashes(s.TxHashes)
	c.UserOpHashes = cloneHashes(s.UserOpHashes)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateSweep inserts a new sweep.
func (m *MemoryStore) CreateSweep(_ context.Context, s *Sweep) error {
	if s == nil || s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "sweep id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sweeps[s.ID]; exists {
		return xerrors.New(xerrors.CodeInvalidArgument, "sweep "+s.ID+" already exists")
	}
	now := m.now().UTC()
	if s.Status == "" {
		s.Status = StatusPending
	}
	s.CreatedAt, s.UpdatedAt = now, now
	m.sweeps[s.ID] = cloneSweep(s)
	return nil
}

// GetSweep returns a copy of the sweep.
func (m *MemoryStore) GetSweep(_ context.Context, id string) (*Sweep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sweeps[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return cloneSweep(s), nil
}

// UpdateSweep applies u atomically.
func (m *MemoryStore) UpdateSweep(_ context.Context, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sweeps[id]
	if !ok {
		return errNotFound(id)
	}
	if u.Status != nil && !CanTransition(s.Status, *u.Status) {
		return errTransition(id, s.Status, *u.Status)
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.TxHashes != nil {
		s.TxHashes = cloneHashes(u.TxHashes)
	}
	if u.UserOpHashes != nil {
		s.UserOpHashes = cloneHashes(u.UserOpHashes)
	}
	if u.ErrorMessage != nil {
		s.ErrorMessage = *u.ErrorMessage
	}
	if u.CompletedAt != nil {
		t := u.CompletedAt.UTC()
		s.CompletedAt = &t
	}
	s.UpdatedAt = m.now().UTC()
	return nil
}

// UpsertDustToken records a balance. An already swept token keeps its marker.
func (m *MemoryStore) UpsertDustToken(_ context.Context, t DustToken) error {
	key := normaliseKey(t.Key())
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tokens[key]; ok {
		existing.Amount = t.Amount
		return nil
	}
	t.WalletAddress, t.Chain, t.TokenAddress = key.WalletAddress, key.Chain, key.TokenAddress
	t.Swept, t.SweepID = false, ""
	m.tokens[key] = &t
	return nil
}

// GetDustToken returns one token.
func (m *MemoryStore) GetDustToken(_ context.Context, key TokenKey) (*DustToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[normaliseKey(key)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "dust token not found")
	}
	c := *t
	return &c, nil
}

// ListDustTokens returns the wallet's tokens ordered by chain and address. An
// empty wallet lists every wallet.
func (m *MemoryStore) ListDustTokens(_ context.Context, wallet string, includeSwept bool) ([]DustToken, error) {
	wallet = normaliseKey(TokenKey{WalletAddress: wallet}).WalletAddress
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DustToken
	for key, t := range m.tokens {
		if (wallet != "" && key.WalletAddress != wallet) || (t.Swept && !includeSwept) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		if out[i].TokenAddress != out[j].TokenAddress {
			return out[i].TokenAddress < out[j].TokenAddress
		}
		return out[i].WalletAddress < out[j].WalletAddress
	})
	return out, nil
}

// MarkTokenSwept flags the token as swept by sweepID.
func (m *MemoryStore) MarkTokenSwept(_ context.Context, key TokenKey, sweepID string) error {
	key = normaliseKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[key]
	if !ok {
		return nil
	}
	if t.Swept {
		if t.SweepID == sweepID {
			return nil
		}
		return errTokenConflict(key, t.SweepID)
	}
	t.Swept, t.SweepID = true, sweepID
	return nil
}

// Stats counts sweeps by status.
func (m *MemoryStore) Stats(_ context.Context, wallet string) (Stats, error) {
	wallet = strings.TrimSpace(wallet)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, s := range m.sweeps {
		if wallet != "" && !strings.EqualFold(s.WalletAddress, wallet) {
			continue
		}
		stats.add(s.Status, s.UpdatedAt.UnixMilli())
	}
	return stats, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
