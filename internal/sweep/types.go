package sweep

import "time"

// Status is the lifecycle state of a sweep.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSigning   Status = "signing"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSigning:   1,
	StatusSubmitted: 2,
	StatusConfirmed: 3,
	StatusFailed:    3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is confirmed or failed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether a record in from may move to to. Status moves
// strictly forward: repeating the current status is rejected so a status update
// acts as a compare-and-set, and terminal records never change.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// predecessors lists the statuses a record may be in before moving to to.
func predecessors(to Status) []Status {
	var out []Status
	for _, s := range []Status{StatusPending, StatusSigning, StatusSubmitted, StatusConfirmed, StatusFailed} {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Sweep is one consolidation attempt for one wallet.
type Sweep struct {
	ID            string            `json:"id"`
	WalletAddress string            `json:"walletAddress"`
	Status        Status            `json:"status"`
	TxHashes      map[string]string `json:"txHashes"`
	UserOpHashes  map[string]string `json:"userOpHashes"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// Update is a field-scoped change to a sweep. Nil fields are left untouched.
type Update struct {
	Status       *Status
	TxHashes     map[string]string
	UserOpHashes map[string]string
	ErrorMessage *string
	CompletedAt  *time.Time
}

// StatusUpdate is shorthand for an update that only moves the status.
func StatusUpdate(s Status) Update {
	return Update{Status: &s}
}

// FailedUpdate moves the sweep to failed with message.
func FailedUpdate(message string) Update {
	s := StatusFailed
	return Update{Status: &s, ErrorMessage: &message}
}

// DustToken is a balance eligible for sweeping.
type DustToken struct {
	WalletAddress string `json:"walletAddress"`
	Chain         string `json:"chain"`
	TokenAddress  string `json:"tokenAddress"`
	Amount        string `json:"amount"`
	Swept         bool   `json:"swept"`
	SweepID       string `json:"sweepId,omitempty"`
}

// TokenKey identifies a dust token.
type TokenKey struct {
	WalletAddress string
	Chain         string
	TokenAddress  string
}

// Key returns the identity of t.
func (t DustToken) Key() TokenKey {
	return TokenKey{WalletAddress: t.WalletAddress, Chain: t.Chain, TokenAddress: t.TokenAddress}
}

// TokenRef is one token listed in an execution job.
type TokenRef struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// Job kinds carried in queue envelopes.
const (
	KindExecute = "sweep.execute"
	KindTrack   = "sweep.track"
)

// ExecuteJob asks the execution worker to run a sweep.
type ExecuteJob struct {
	SweepID       string     `json:"sweepId"`
	QuoteID       string     `json:"quoteId"`
	WalletAddress string     `json:"walletAddress"`
	Tokens        []TokenRef `json:"tokens"`
}

// TrackJob asks the confirmation tracker to poll one transaction. Attempt
// starts at 1 and is bounded by MaxTrackAttempts.
type TrackJob struct {
	SweepID    string `json:"sweepId"`
	TxHash     string `json:"txHash"`
	Chain      string `json:"chain"`
	UserOpHash string `json:"userOpHash,omitempty"`
	Attempt    int    `json:"attempt"`
}

// LiveStatus is the non-authoritative status snapshot cached for pollers.
type LiveStatus struct {
	Status        Status `json:"status"`
	Chain         string `json:"chain,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	Confirmations uint64 `json:"confirmations"`
	CompletedAt   int64  `json:"completedAt,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StatusKey is the live-status cache key of a sweep.
func StatusKey(sweepID string) string {
	return "sweep:status:" + sweepID
}

// Stats counts sweeps by status, for dashboards and health checks.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Signing         int   `json:"signing"`
	Submitted       int   `json:"submitted"`
	Confirmed       int   `json:"confirmed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldestUpdatedAt,omitempty"`
	NewestUpdatedAt int64 `json:"newestUpdatedAt,omitempty"`
}

func (s *Stats) add(status Status, updatedAt int64) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusSigning:
		s.Signing++
	case StatusSubmitted:
		s.Submitted++
	case StatusConfirmed:
		s.Confirmed++
	case StatusFailed:
		s.Failed++
	}
	if s.OldestUpdatedAt == 0 || updatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updatedAt
	}
	if updatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updatedAt
	}
}
