package sig

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// verifyEdDSA checks a 64-byte Ed25519 signature against a 32-byte public
// key identity. Ed25519 signs the message directly, so the digest the
// dispatcher hands over is used as the signed payload as-is.
func verifyEdDSA(digest []byte, dec Decoded, id Identity, resolver KeyResolver) error {
	if len(dec.Raw) != CompactSigLength {
		return fmt.Errorf("invalid ed25519 signature length: got %d, want %d", len(dec.Raw), CompactSigLength)
	}

	keyBytes, err := schemeKeyBytes(id, SchemeEdDSA, resolver)
	if err != nil {
		return err
	}
	// ed25519.Verify panics on a key of the wrong size.
	if len(keyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key length: got %d, want %d", len(keyBytes), ed25519.PublicKeySize)
	}

	if !ed25519.Verify(ed25519.PublicKey(keyBytes), digest, dec.Raw) {
		return fmt.Errorf("%w: ed25519 equation does not hold", ErrSignatureInvalid)
	}
	return nil
}

// EddsaSigner produces Ed25519 signatures.
type EddsaSigner struct {
	privateKey ed25519.PrivateKey
}

// NewEddsaSigner creates a signer from a fresh random Ed25519 key.
func NewEddsaSigner() (*EddsaSigner, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &EddsaSigner{privateKey: privateKey}, nil
}

// NewEddsaSignerFromSeed creates a signer from a 32-byte seed.
func NewEddsaSignerFromSeed(seed []byte) (*EddsaSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	return &EddsaSigner{privateKey: ed25519.NewKeyFromSeed(seed)}, nil
}

// SignDigest signs the payload. Ed25519 hashes internally, so unlike the
// other signers no prior digest step is required, but callers that hash
// first stay compatible with the dispatcher's digest-based contract.
func (s *EddsaSigner) SignDigest(digest []byte) (Signature, error) {
	return ed25519.Sign(s.privateKey, digest), nil
}

// Scheme reports the signature family this signer produces.
func (s *EddsaSigner) Scheme() Scheme {
	return SchemeEdDSA
}

// Identity returns the 32-byte public key identity.
func (s *EddsaSigner) Identity() Identity {
	pub := s.privateKey.Public().(ed25519.PublicKey)
	id, _ := ParseIdentity(hexutil.Encode(pub))
	return id
}
