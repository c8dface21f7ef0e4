// Package quote stores time-boxed swap quotes in the shared cache under a
// fixed, versioned schema.
package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/storage/redis"
	"DustSweep/internal/web3"
)

// SchemaVersion is written into every stored quote.
const SchemaVersion = 1

// CodeSchema marks a cache entry that does not decode as a quote.
const CodeSchema xerrors.Code = "QUOTE_SCHEMA"

func init() {
	xerrors.Register(CodeSchema, xerrors.Attributes{
		Message:  "quote payload does not match schema",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Tx is the raw transaction the quote was priced against.
type Tx struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
	Gas   uint64 `json:"gas"`
}

// Quote is a priced swap proposal. ExpiresAt is unix milliseconds.
type Quote struct {
	Version          int    `json:"version"`
	ID               string `json:"id"`
	SourceToken      string `json:"sourceToken"`
	DestinationToken string `json:"destinationToken"`
	Amount           string `json:"amount"`
	ExpiresAt        int64  `json:"expiresAt"`
	Tx               Tx     `json:"tx"`
}

// Key returns the cache key for a quote id.
func Key(id string) string {
	return "quote:" + id
}

// Expired reports whether the quote can no longer be used at now.
func (q Quote) Expired(now time.Time) bool {
	return now.UnixMilli() >= q.ExpiresAt
}

// Validate checks the fields the execution worker relies on.
func (q Quote) Validate() error {
	switch {
	case q.Version != SchemaVersion:
		return fmt.Errorf("unsupported quote version %d", q.Version)
	case strings.TrimSpace(q.ID) == "":
		return fmt.Errorf("quote id is empty")
	case q.ExpiresAt <= 0:
		return fmt.Errorf("quote %s has no expiry", q.ID)
	}
	if _, ok := new(big.Int).SetString(q.Amount, 10); !ok {
		return fmt.Errorf("quote %s amount %q is not an integer", q.ID, q.Amount)
	}
	if q.Tx.To != "" && !common.IsHexAddress(q.Tx.To) {
		return fmt.Errorf("quote %s tx.to %q is not an address", q.ID, q.Tx.To)
	}
	_, err := q.txRequest()
	return err
}

// txRequest decodes the embedded transaction into a chain request.
func (q Quote) txRequest() (web3.TxRequest, error) {
	req := web3.TxRequest{To: common.HexToAddress(q.Tx.To), Gas: q.Tx.Gas, Value: new(big.Int)}
	if q.Tx.Data != "" {
		data, err := hexutil.Decode(q.Tx.Data)
		if err != nil {
			return web3.TxRequest{}, fmt.Errorf("quote %s tx.data: %w", q.ID, err)
		}
		req.Data = data
	}
	if q.Tx.Value != "" {
		if _, ok := req.Value.SetString(q.Tx.Value, 0); !ok {
			return web3.TxRequest{}, fmt.Errorf("quote %s tx.value %q invalid", q.ID, q.Tx.Value)
		}
	}
	return req, nil
}

// Store reads and writes quotes through a Cache.
type Store struct {
	cache redis.Cache
}

// NewStore wraps cache.
func NewStore(cache redis.Cache) *Store {
	return &Store{cache: cache}
}

// Get returns the quote for id. A missing entry reports ok=false; an entry that
// does not match the schema is a CodeSchema error.
func (s *Store) Get(ctx context.Context, id string) (Quote, bool, error) {
	raw, ok, err := s.cache.Get(ctx, Key(id))
	if err != nil || !ok {
		return Quote{}, false, err
	}
	var q Quote
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		return Quote{}, false, xerrors.Wrap(CodeSchema, err, fmt.Sprintf("decode quote %s", id))
	}
	if err := q.Validate(); err != nil {
		return Quote{}, false, xerrors.Wrap(CodeSchema, err, fmt.Sprintf("decode quote %s", id))
	}
	return q, true, nil
}

// Set stores q for ttl. The version is stamped if unset.
func (s *Store) Set(ctx context.Context, q Quote, ttl time.Duration) error {
	if q.Version == 0 {
		q.Version = SchemaVersion
	}
	if err := q.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid quote")
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return xerrors.Wrap(CodeSchema, err, "encode quote")
	}
	return s.cache.Set(ctx, Key(q.ID), raw, ttl)
}
