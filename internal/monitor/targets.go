package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"DustSweep/internal/oracle"
	"DustSweep/internal/web3"
)

// ReferenceToken is the asset the price feed checks quote. Every feed covers
// WETH on ethereum.
var ReferenceToken = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

// Target checks one upstream dependency.
type Target interface {
	Name() string
	Check(ctx context.Context) error
}

type funcTarget struct {
	name  string
	check func(ctx context.Context) error
}

func (p funcTarget) Name() string                    { return p.name }
func (p funcTarget) Check(ctx context.Context) error { return p.check(ctx) }

// NewTarget adapts a function into a Target.
func NewTarget(name string, check func(ctx context.Context) error) Target {
	return funcTarget{name: name, check: check}
}

// ReceiptResolver is the slice of provider.Registry the chain checks need.
type ReceiptResolver interface {
	ReceiptReader(ctx context.Context, chain string) (web3.ReceiptReader, error)
}

// ChainTarget reads the head block of chain.
func ChainTarget(chains ReceiptResolver, chain string) Target {
	return NewTarget("chain:"+chain, func(ctx context.Context) error {
		reader, err := chains.ReceiptReader(ctx, chain)
		if err != nil {
			return err
		}
		head, err := reader.BlockNumber(ctx)
		if err != nil {
			return err
		}
		if head == 0 {
			return errors.New("chain reports block 0")
		}
		return nil
	})
}

// Pinger is implemented by the swap aggregator client.
type Pinger interface {
	Ping(ctx context.Context, chainID uint64) error
}

// AggregatorTarget calls the aggregator health endpoint for chainID.
func AggregatorTarget(name string, p Pinger, chainID uint64) Target {
	return NewTarget(name, func(ctx context.Context) error {
		return p.Ping(ctx, chainID)
	})
}

// FeedTarget asks a price feed for the reference token.
func FeedTarget(src oracle.Source) Target {
	return NewTarget(src.Name(), func(ctx context.Context) error {
		price, err := src.Price(ctx, "ethereum", ReferenceToken)
		if err != nil {
			return err
		}
		if !price.IsPositive() {
			return fmt.Errorf("%s returned non-positive price %s", src.Name(), price)
		}
		return nil
	})
}
