// Package web3 houses blockchain connectivity for the sweep pipeline: chain
// definitions loaded from YAML, the explicit signer context, the RPC contract
// every chain client implements, and the Adapter that turns a dust balance into
// on-chain calls (allowance gate, aggregator swap, direct transfer fallback).
package web3
