package web3

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single supported chain. One entry per chain is the
// only place chain-specific behaviour is configured.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	ChainID     uint64 `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	RPCEnv      string `yaml:"rpc_env"`
	NativeToken string `yaml:"native_token"`
	Router      string `yaml:"router"`
	Stablecoin  string `yaml:"stablecoin"`
	Description string `yaml:"description"`
	// ReceiptTimeoutSeconds bounds the wait for approval receipts.
	ReceiptTimeoutSeconds int `yaml:"receipt_timeout_seconds"`
}

// Endpoint returns the RPC endpoint, preferring the environment variable named
// by rpc_env over the static rpc_url.
func (d ChainDefinition) Endpoint() string {
	if env := strings.TrimSpace(d.RPCEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(d.RPCURL)
}

// NativeSentinel returns the reserved address standing for the chain's native
// asset.
func (d ChainDefinition) NativeSentinel() common.Address {
	if strings.TrimSpace(d.NativeToken) == "" {
		return NativeTokenSentinel
	}
	return common.HexToAddress(d.NativeToken)
}

// RouterAddress returns the aggregator router that receives token approvals.
func (d ChainDefinition) RouterAddress() common.Address {
	if strings.TrimSpace(d.Router) == "" {
		return DefaultAggregatorRouter
	}
	return common.HexToAddress(d.Router)
}

// Validate reports definition errors that would otherwise surface mid-sweep.
func (d ChainDefinition) Validate(name string) error {
	if d.ChainID == 0 {
		return fmt.Errorf("chain %s: chain_id is required", name)
	}
	if d.Endpoint() == "" {
		return fmt.Errorf("chain %s: rpc_url or rpc_env is required", name)
	}
	if !common.IsHexAddress(d.Stablecoin) {
		return fmt.Errorf("chain %s: stablecoin %q is not a valid address", name, d.Stablecoin)
	}
	if d.ReceiptTimeoutSeconds < 0 {
		return fmt.Errorf("chain %s: receipt_timeout_seconds must not be negative", name)
	}
	for field, value := range map[string]string{"native_token": d.NativeToken, "router": d.Router} {
		if strings.TrimSpace(value) != "" && !common.IsHexAddress(value) {
			return fmt.Errorf("chain %s: %s %q is not a valid address", name, field, value)
		}
	}
	return nil
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("read chain definitions: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes YAML chain metadata and validates every entry.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if err := def.Validate(name); err != nil {
			return ChainDefinitions{}, err
		}
	}
	return defs, nil
}
