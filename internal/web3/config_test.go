package web3

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleChains = `
chains:
  base:
    chain_id: 8453
    rpc_url: https://mainnet.base.org
    rpc_env: TEST_BASE_RPC
    stablecoin: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
  polygon:
    chain_id: 137
    rpc_url: https://polygon-rpc.com
    native_token: "0x0000000000000000000000000000000000001010"
    router: "0x1111111254EEB25477B68fb85Ed929f73A960582"
    stablecoin: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
    receipt_timeout_seconds: 300
`

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(sampleChains), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(defs.Chains))
	}
	base := defs.Chains["base"]
	if base.NativeSentinel() != NativeTokenSentinel {
		t.Fatalf("default sentinel expected, got %s", base.NativeSentinel().Hex())
	}
	if base.RouterAddress() != DefaultAggregatorRouter {
		t.Fatalf("default router expected, got %s", base.RouterAddress().Hex())
	}
	polygon := defs.Chains["polygon"]
	if polygon.NativeSentinel().Hex() != "0x0000000000000000000000000000000000001010" {
		t.Fatalf("unexpected polygon sentinel %s", polygon.NativeSentinel().Hex())
	}
	if polygon.ReceiptTimeoutSeconds != 300 || base.ReceiptTimeoutSeconds != 0 {
		t.Fatalf("unexpected receipt timeouts %d/%d", polygon.ReceiptTimeoutSeconds, base.ReceiptTimeoutSeconds)
	}
}

func TestEndpointPrefersEnvironment(t *testing.T) {
	t.Setenv("TEST_BASE_RPC", "https://base.example.org")
	defs, err := ParseChainDefinitions([]byte(sampleChains))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := defs.Chains["base"].Endpoint(); got != "https://base.example.org" {
		t.Fatalf("unexpected endpoint %s", got)
	}
	if got := defs.Chains["polygon"].Endpoint(); got != "https://polygon-rpc.com" {
		t.Fatalf("unexpected endpoint %s", got)
	}
}

func TestParseChainDefinitionsRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"missing chain id": "chains:\n  base:\n    rpc_url: http://x\n    stablecoin: \"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913\"\n",
		"missing endpoint": "chains:\n  base:\n    chain_id: 8453\n    stablecoin: \"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913\"\n",
		"bad stablecoin":   "chains:\n  base:\n    chain_id: 8453\n    rpc_url: http://x\n    stablecoin: usdc\n",
		"bad router":       "chains:\n  base:\n    chain_id: 8453\n    rpc_url: http://x\n    router: nope\n    stablecoin: \"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseChainDefinitions([]byte(doc)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 0 {
		t.Fatalf("expected no chains")
	}
}
