package sig

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// verifyECDSA recovers the signer address from a recoverable secp256k1
// signature and compares it with the claimed identity. Recovery means no
// key lookup is needed; the address itself is the commitment.
func verifyECDSA(digest []byte, dec Decoded, id Identity) error {
	if id.Kind() != IdentityAddress {
		return fmt.Errorf("%w: ecdsa needs an address identity, got %s", ErrIdentityKind, id.Kind())
	}
	if len(dec.Raw) != RecoverableSigLength {
		return fmt.Errorf("invalid ecdsa signature length: got %d, want %d", len(dec.Raw), RecoverableSigLength)
	}

	// Ethereum uses 27/28 for the recovery id, go-ethereum expects 0/1.
	sigCopy := make([]byte, RecoverableSigLength)
	copy(sigCopy, dec.Raw)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pubkey, err := crypto.SigToPub(digest, sigCopy)
	if err != nil {
		return fmt.Errorf("signature recovery failed: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pubkey)
	got := strings.ToLower(recovered.Hex())
	if got != id.String() {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrSignatureInvalid, got, id)
	}
	return nil
}

// EcdsaSigner produces recoverable secp256k1 signatures over a Keccak256
// digest of the message, with the recovery id shifted to 27/28.
type EcdsaSigner struct {
	privateKey *ecdsa.PrivateKey
}

// NewEcdsaSigner creates a signer from a hex-encoded private key. The
// 0x prefix is optional.
func NewEcdsaSigner(privateKeyHex string) (*EcdsaSigner, error) {
	if len(privateKeyHex) >= 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, err
	}

	return &EcdsaSigner{privateKey: privateKey}, nil
}

// Sign hashes the message with Keccak256 and signs the digest.
func (s *EcdsaSigner) Sign(message []byte) (Signature, error) {
	return s.SignDigest(crypto.Keccak256(message))
}

// SignDigest signs a precomputed 32-byte digest.
func (s *EcdsaSigner) SignDigest(digest []byte) (Signature, error) {
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

// Scheme reports the signature family this signer produces.
func (s *EcdsaSigner) Scheme() Scheme {
	return SchemeECDSA
}

// PublicKey returns the signer's public key.
func (s *EcdsaSigner) PublicKey() *ecdsa.PublicKey {
	return s.privateKey.Public().(*ecdsa.PublicKey)
}

// PrivateKey returns the underlying private key, for callers that need it
// for other ECDSA uses such as JWT signing.
func (s *EcdsaSigner) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// Identity returns the signer's address identity, the form verifyECDSA
// compares against.
func (s *EcdsaSigner) Identity() Identity {
	addr := crypto.PubkeyToAddress(*s.PublicKey())
	id, _ := ParseIdentity(addr.Hex())
	return id
}
