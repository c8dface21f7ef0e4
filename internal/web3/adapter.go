package web3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"DustSweep/internal/observability/metrics"
	"DustSweep/pkg/logger"
)

// DefaultSlippagePercent is the tolerance requested from the aggregator.
const DefaultSlippagePercent = 1.0

// Adapter disposes of dust balances on one chain.
type Adapter struct {
	name     string
	def      ChainDefinition
	rpc      RPC
	swapper  Swapper
	slippage float64
	log      *slog.Logger
}

// AdapterOption customises an Adapter.
type AdapterOption func(*Adapter)

// WithSlippage overrides the aggregator slippage tolerance in percent.
func WithSlippage(percent float64) AdapterOption {
	return func(a *Adapter) {
		if percent > 0 {
			a.slippage = percent
		}
	}
}

// NewAdapter binds a chain definition to its RPC client and the aggregator.
// A nil swapper disables routing and every token goes straight to fallback.
func NewAdapter(name string, def ChainDefinition, rpc RPC, swapper Swapper, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		name:     name,
		def:      def,
		rpc:      rpc,
		swapper:  swapper,
		slippage: DefaultSlippagePercent,
		log:      logger.Named("web3").With(slog.String("chain", name)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Name returns the configured chain name.
func (a *Adapter) Name() string { return a.name }

// RPC exposes the underlying chain client.
func (a *Adapter) RPC() RPC { return a.rpc }

// IsNative reports whether token is the chain's native asset sentinel.
func (a *Adapter) IsNative(token common.Address) bool {
	return token == a.def.NativeSentinel() || token == NativeTokenSentinel
}

// Dispose moves one balance out of the signer. Native balances are sent as a
// plain value transfer to the recipient. Tokens are approved for the router when
// the allowance is short, then swapped through the aggregator; any aggregator
// failure falls back to transferring the raw token to the recipient.
func (a *Adapter) Dispose(ctx context.Context, req DisposeRequest) (DisposeResult, error) {
	if a == nil || a.rpc == nil {
		return DisposeResult{}, errors.New("chain adapter not initialised")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return DisposeResult{}, fmt.Errorf("invalid amount for token %s", req.Token.Hex())
	}

	if a.IsNative(req.Token) {
		hash, err := a.rpc.SendTransaction(ctx, TxRequest{To: req.Recipient, Value: req.Amount})
		if err != nil {
			return DisposeResult{}, fmt.Errorf("native transfer on %s: %w", a.name, err)
		}
		return DisposeResult{TxHash: hash, Method: MethodNativeTransfer}, nil
	}

	result := DisposeResult{}
	approval, err := a.ensureAllowance(ctx, req.Token, req.Amount)
	if err != nil {
		return DisposeResult{}, err
	}
	result.Approval = approval

	hash, swapErr := a.swap(ctx, req)
	if swapErr == nil {
		result.TxHash = hash
		result.Method = MethodSwap
		return result, nil
	}
	a.log.Warn("aggregator swap failed, using direct transfer",
		slog.String("token", req.Token.Hex()),
		slog.Any("error", swapErr),
	)
	metrics.ObserveAggregatorFallback(a.name)

	hash, err = a.rpc.WriteContract(ctx, ContractCall{
		Address: req.Token,
		ABI:     ERC20,
		Method:  "transfer",
		Args:    []any{req.Recipient, req.Amount},
	})
	if err != nil {
		return DisposeResult{}, fmt.Errorf("token transfer on %s: %w", a.name, err)
	}
	result.TxHash = hash
	result.Method = MethodTokenTransfer
	return result, nil
}

// ensureAllowance submits an approval only when the router's allowance is below
// amount, then waits for one confirmation before the swap is attempted.
func (a *Adapter) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) (*common.Hash, error) {
	router := a.def.RouterAddress()
	out, err := a.rpc.ReadContract(ctx, ContractCall{
		Address: token,
		ABI:     ERC20,
		Method:  "allowance",
		Args:    []any{a.rpc.From(), router},
	})
	if err != nil {
		return nil, fmt.Errorf("read allowance on %s: %w", a.name, err)
	}
	current, ok := firstBigInt(out)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance result for %s", token.Hex())
	}
	if current.Cmp(amount) >= 0 {
		return nil, nil
	}

	hash, err := a.rpc.WriteContract(ctx, ContractCall{
		Address: token,
		ABI:     ERC20,
		Method:  "approve",
		Args:    []any{router, amount},
	})
	if err != nil {
		return nil, fmt.Errorf("approve router on %s: %w", a.name, err)
	}
	receipt, err := a.rpc.WaitForReceipt(ctx, hash, 1)
	if err != nil {
		return nil, fmt.Errorf("wait approval %s: %w", hash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("approval %s reverted", hash.Hex())
	}
	return &hash, nil
}

func (a *Adapter) swap(ctx context.Context, req DisposeRequest) (common.Hash, error) {
	if a.swapper == nil {
		return common.Hash{}, errors.New("aggregator disabled")
	}
	tx, err := a.swapper.Swap(ctx, SwapRequest{
		ChainID:         a.def.ChainID,
		Source:          req.Token,
		Destination:     common.HexToAddress(a.def.Stablecoin),
		Amount:          req.Amount,
		From:            a.rpc.From(),
		SlippagePercent: a.slippage,
	})
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := a.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay aggregator tx: %w", err)
	}
	return hash, nil
}

func firstBigInt(values []any) (*big.Int, bool) {
	if len(values) == 0 {
		return nil, false
	}
	v, ok := values[0].(*big.Int)
	return v, ok && v != nil
}
