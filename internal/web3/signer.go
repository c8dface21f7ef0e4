package web3

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the executor credential. It is constructed once at process start and
// handed to every chain client instead of being cached globally.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps an existing private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseSigner decodes a hex encoded private key with or without 0x prefix.
func ParseSigner(hexKey string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signing key is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the account that signs sweep transactions.
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// SignTx signs tx for the given chain signer.
func (s *Signer) SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, fmt.Errorf("signer not configured")
	}
	return types.SignTx(tx, signer, s.key)
}
