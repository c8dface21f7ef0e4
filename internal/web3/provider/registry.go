package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/web3"
	"DustSweep/internal/web3/ethereum"
)

// Dialer constructs the RPC client for one chain.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition, signer *web3.Signer) (web3.RPC, error)

// Option customises a Registry.
type Option func(*Registry)

// WithDialer replaces the go-ethereum dialer, e.g. with the simulated backend.
func WithDialer(d Dialer) Option {
	return func(r *Registry) {
		if d != nil {
			r.dial = d
		}
	}
}

// WithAdapterOptions forwards options to every adapter the registry builds.
func WithAdapterOptions(opts ...web3.AdapterOption) Option {
	return func(r *Registry) {
		r.adapterOpts = append(r.adapterOpts, opts...)
	}
}

// Registry is the per-chain lookup table. Clients are dialed on first use and
// shared by every job afterwards.
type Registry struct {
	defs        map[string]web3.ChainDefinition
	signer      *web3.Signer
	swapper     web3.Swapper
	dial        Dialer
	adapterOpts []web3.AdapterOption

	mu    sync.Mutex
	slots map[string]*chainSlot
}

// chainSlot serialises dialing per chain so a slow endpoint only blocks
// callers of that chain.
type chainSlot struct {
	mu      sync.Mutex
	adapter *web3.Adapter
}

// NewRegistry binds chain definitions to the executor signer and aggregator.
// A nil signer yields a read-only registry: receipts can be tracked but
// Disposer reports a configuration error.
func NewRegistry(defs web3.ChainDefinitions, signer *web3.Signer, swapper web3.Swapper, opts ...Option) *Registry {
	r := &Registry{
		defs:    make(map[string]web3.ChainDefinition, len(defs.Chains)),
		signer:  signer,
		swapper: swapper,
		dial:    dialEthereum,
		slots:   make(map[string]*chainSlot),
	}
	for name, def := range defs.Chains {
		r.defs[normalise(name)] = def
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func dialEthereum(ctx context.Context, name string, def web3.ChainDefinition, signer *web3.Signer) (web3.RPC, error) {
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType != "" && chainType != "evm" {
		return nil, fmt.Errorf("chain %s uses unsupported type %s", name, def.Type)
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:           name,
		RPCURL:         def.Endpoint(),
		ChainID:        def.ChainID,
		ReceiptTimeout: time.Duration(def.ReceiptTimeoutSeconds) * time.Second,
	}, signer)
}

// Supports reports whether chain has a definition.
func (r *Registry) Supports(chain string) bool {
	if r == nil {
		return false
	}
	_, ok := r.defs[normalise(chain)]
	return ok
}

// Disposer returns the adapter used to sweep balances on chain.
func (r *Registry) Disposer(ctx context.Context, chain string) (web3.Disposer, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain registry not initialised")
	}
	if !r.Supports(chain) {
		return nil, unsupported(chain)
	}
	if r.signer == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "SWEEP_EXECUTOR_KEY not configured",
			xerrors.WithMetadata("chain", chain))
	}
	return r.adapter(ctx, chain)
}

// ReceiptReader returns the client used to poll confirmations on chain.
func (r *Registry) ReceiptReader(ctx context.Context, chain string) (web3.ReceiptReader, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain registry not initialised")
	}
	if !r.Supports(chain) {
		return nil, unsupported(chain)
	}
	adapter, err := r.adapter(ctx, chain)
	if err != nil {
		return nil, err
	}
	return adapter.RPC(), nil
}

func (r *Registry) adapter(ctx context.Context, chain string) (*web3.Adapter, error) {
	key := normalise(chain)
	r.mu.Lock()
	slot, ok := r.slots[key]
	if !ok {
		slot = &chainSlot{}
		r.slots[key] = slot
	}
	r.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.adapter != nil {
		return slot.adapter, nil
	}
	def := r.defs[key]
	rpc, err := r.dial(ctx, key, def, r.signer)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, fmt.Sprintf("connect to chain %s", key),
			xerrors.WithMetadata("chain", key))
	}
	slot.adapter = web3.NewAdapter(key, def, rpc, r.swapper, r.adapterOpts...)
	return slot.adapter, nil
}

// Chains returns the configured chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every dialed client.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, slot := range r.slots {
		slot.mu.Lock()
		if slot.adapter != nil {
			if c, ok := slot.adapter.RPC().(interface{ Close() }); ok {
				c.Close()
			}
		}
		slot.mu.Unlock()
		delete(r.slots, name)
	}
}

func unsupported(chain string) error {
	return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("Unsupported chain: %s", chain),
		xerrors.WithMetadata("chain", chain))
}

func normalise(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}
