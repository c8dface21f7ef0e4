package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"DustSweep/internal/web3"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultReceiptTimeout = 3 * time.Minute
	defaultTransferGas    = 21_000
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	ChainID      uint64
	PollInterval time.Duration
	// ReceiptTimeout bounds WaitForReceipt regardless of the caller's context.
	ReceiptTimeout time.Duration
}

// backend is the go-ethereum surface the client needs. Both *ethclient.Client
// and the simulated backend client satisfy it.
type backend interface {
	gethcore.ContractCaller
	gethcore.GasEstimator
	gethcore.TransactionSender
	gethcore.TransactionReader
	gethcore.BlockNumberReader
	gethcore.ChainIDReader
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// Client implements web3.RPC for EVM compatible chains.
type Client struct {
	name         string
	chainID      *big.Int
	signer       *web3.Signer
	backend      backend
	rpcClient    *gethrpc.Client
	pollInterval time.Duration
	waitTimeout  time.Duration

	// sendMu serialises nonce selection and broadcast for the shared signer.
	sendMu sync.Mutex
	closed bool
}

// NewClient dials the configured RPC endpoint. The chain id reported by the node
// must match the configured one so a misrouted endpoint cannot receive funds.
func NewClient(ctx context.Context, cfg Config, signer *web3.Signer) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("chain %s: rpc endpoint not configured", cfg.Name)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Name, err)
	}
	eth := ethclient.NewClient(rpcClient)

	c := newClient(cfg, eth, signer)
	c.rpcClient = rpcClient
	if c.chainID == nil {
		id, err := eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("query chain id for %s: %w", cfg.Name, err)
		}
		c.chainID = id
	}
	return c, nil
}

// NewBackendClient wraps an already constructed backend, e.g. the go-ethereum
// simulated backend in tests.
func NewBackendClient(cfg Config, b backend, signer *web3.Signer) *Client {
	return newClient(cfg, b, signer)
}

func newClient(cfg Config, b backend, signer *web3.Signer) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	wait := cfg.ReceiptTimeout
	if wait <= 0 {
		wait = defaultReceiptTimeout
	}
	c := &Client{
		name:         cfg.Name,
		signer:       signer,
		backend:      b,
		pollInterval: poll,
		waitTimeout:  wait,
	}
	if cfg.ChainID > 0 {
		c.chainID = new(big.Int).SetUint64(cfg.ChainID)
	}
	return c
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Name returns the chain name.
func (c *Client) Name() string { return c.name }

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	if c.chainID == nil {
		return nil
	}
	return new(big.Int).Set(c.chainID)
}

// From returns the signer address, or the zero address for read-only clients.
func (c *Client) From() common.Address {
	return c.signer.Address()
}

// ReadContract performs an eth_call and unpacks the outputs.
func (c *Client) ReadContract(ctx context.Context, call web3.ContractCall) ([]any, error) {
	if call.ABI == nil {
		return nil, errors.New("contract ABI is required")
	}
	data, err := call.ABI.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", call.Method, err)
	}
	to := call.Address
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{From: c.From(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", call.Method, to.Hex(), err)
	}
	out, err := call.ABI.Unpack(call.Method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", call.Method, err)
	}
	return out, nil
}

// WriteContract signs and broadcasts a state-changing contract call.
func (c *Client) WriteContract(ctx context.Context, call web3.ContractCall) (common.Hash, error) {
	if call.ABI == nil {
		return common.Hash{}, errors.New("contract ABI is required")
	}
	data, err := call.ABI.Pack(call.Method, call.Args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", call.Method, err)
	}
	return c.SendTransaction(ctx, web3.TxRequest{To: call.Address, Data: data})
}

// SendTransaction signs req as an EIP-1559 transaction and broadcasts it. A zero
// gas hint is replaced by an estimate.
func (c *Client) SendTransaction(ctx context.Context, req web3.TxRequest) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, errors.New("signer not configured")
	}
	if c.chainID == nil {
		return common.Hash{}, errors.New("chain id unknown")
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return common.Hash{}, errors.New("client closed")
	}

	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}

	gas := req.Gas
	if gas == 0 {
		to := req.To
		gas, err = c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: req.Data})
		if err != nil {
			if len(req.Data) != 0 {
				return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
			}
			gas = defaultTransferGas
		}
	}

	to := req.To
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := c.signer.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast tx: %w", err)
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls until hash is mined with at least the requested number of
// confirmations, where the inclusion block counts as the first. RPC errors are
// treated as transient and polled through until the receipt timeout expires.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*coretypes.Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	ctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err != nil && !errors.Is(err, gethcore.NotFound):
			lastErr = fmt.Errorf("receipt: %w", err)
		case receipt != nil && receipt.BlockNumber != nil:
			head, err := c.backend.BlockNumber(ctx)
			if err != nil {
				lastErr = fmt.Errorf("block number: %w", err)
				break
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("wait for %s: %w (last error: %v)", hash.Hex(), ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, hash)
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

var _ web3.RPC = (*Client)(nil)
