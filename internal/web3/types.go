package web3

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// NativeTokenSentinel is the conventional placeholder address for a chain's
	// native asset used by aggregators.
	NativeTokenSentinel = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
	// DefaultAggregatorRouter is the aggregation router deployed at the same
	// address across the supported EVM chains.
	DefaultAggregatorRouter = common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")
	// SentinelHash marks a chain whose execution failed without producing a
	// transaction.
	SentinelHash = common.Hash{}
)

// ContractCall identifies a contract method invocation.
type ContractCall struct {
	Address common.Address
	ABI     *abi.ABI
	Method  string
	Args    []any
}

// TxRequest is a raw transaction descriptor, e.g. one returned by the aggregator.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// RPC is the chain contract consumed by the sweep pipeline. Writes are signed by
// the signer the client was constructed with.
type RPC interface {
	ChainID() *big.Int
	From() common.Address
	ReadContract(ctx context.Context, call ContractCall) ([]any, error)
	WriteContract(ctx context.Context, call ContractCall) (common.Hash, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error)
	ReceiptReader
}

// ReceiptReader is the read-only subset used for confirmation tracking.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// SwapRequest is sent to the aggregator to obtain a routed swap transaction.
type SwapRequest struct {
	ChainID         uint64
	Source          common.Address
	Destination     common.Address
	Amount          *big.Int
	From            common.Address
	SlippagePercent float64
}

// Swapper obtains a ready-to-send swap transaction from an aggregator.
type Swapper interface {
	Swap(ctx context.Context, req SwapRequest) (TxRequest, error)
}

// DisposeRequest asks an adapter to get rid of one dust balance.
type DisposeRequest struct {
	Token     common.Address
	Amount    *big.Int
	Recipient common.Address
}

// DisposeMethod records how a balance left the signer.
type DisposeMethod string

const (
	MethodSwap           DisposeMethod = "swap"
	MethodTokenTransfer  DisposeMethod = "token_transfer"
	MethodNativeTransfer DisposeMethod = "native_transfer"
)

// DisposeResult reports the transaction that disposed of a balance.
type DisposeResult struct {
	TxHash     common.Hash
	UserOpHash string
	Method     DisposeMethod
	Approval   *common.Hash
}

// Disposer is implemented by per-chain adapters.
type Disposer interface {
	Dispose(ctx context.Context, req DisposeRequest) (DisposeResult, error)
}

// IsSentinelHash reports whether a textual hash is the all-zero marker.
func IsSentinelHash(hash string) bool {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hash)), "0x")
	if trimmed == "" {
		return true
	}
	return strings.Trim(trimmed, "0") == ""
}
