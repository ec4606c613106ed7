package main

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polysig/verinode/pkg/sig"
)

type Signature = sig.Signature

// Signer produces the node's own ECDSA signatures. Every outgoing RPC
// message is signed so clients can authenticate the node.
type Signer struct {
	inner *sig.EcdsaSigner
}

// NewSigner creates a new signer from a hex-encoded private key
func NewSigner(privateKeyHex string) (*Signer, error) {
	inner, err := sig.NewEcdsaSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}

	return &Signer{inner: inner}, nil
}

// Sign hashes the data with Keccak256 and creates a recoverable ECDSA signature
func (s *Signer) Sign(data []byte) (Signature, error) {
	return s.inner.Sign(data)
}

// GetPublicKey returns the public key associated with the signer
func (s *Signer) GetPublicKey() *ecdsa.PublicKey {
	return s.inner.PublicKey()
}

// GetPrivateKey returns the private key used by the signer
func (s *Signer) GetPrivateKey() *ecdsa.PrivateKey {
	return s.inner.PrivateKey()
}

// GetAddress returns the address derived from the signer's public key
func (s *Signer) GetAddress() common.Address {
	return crypto.PubkeyToAddress(*s.GetPublicKey())
}

// RecoverAddress takes the original message and its signature, and returns the signer address
func RecoverAddress(message []byte, signature Signature) (string, error) {
	if len(signature) != sig.RecoverableSigLength {
		return "", fmt.Errorf("invalid signature length: got %d, want %d", len(signature), sig.RecoverableSigLength)
	}

	sigCopy := make(Signature, len(signature))
	copy(sigCopy, signature)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	msgHash := crypto.Keccak256Hash(message)

	pubkey, err := crypto.SigToPub(msgHash.Bytes(), sigCopy)
	if err != nil {
		return "", fmt.Errorf("signature recovery failed: %w", err)
	}

	addr := crypto.PubkeyToAddress(*pubkey)
	return addr.Hex(), nil
}
