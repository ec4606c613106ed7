package sig

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// verifySchnorr checks a 64-byte BIP-340 signature over secp256k1. The
// identity must carry the public key directly, either as the 32-byte
// x-only form or as a 33-byte compressed point; address identities are
// resolved through the key directory when one is configured.
func verifySchnorr(digest []byte, dec Decoded, id Identity, resolver KeyResolver) error {
	if len(dec.Raw) != CompactSigLength {
		return fmt.Errorf("invalid schnorr signature length: got %d, want %d", len(dec.Raw), CompactSigLength)
	}

	keyBytes, err := schemeKeyBytes(id, SchemeSchnorr, resolver)
	if err != nil {
		return err
	}

	pubKey, err := parseSchnorrPubKey(keyBytes)
	if err != nil {
		return err
	}

	signature, err := schnorr.ParseSignature(dec.Raw)
	if err != nil {
		return fmt.Errorf("malformed schnorr signature: %w", err)
	}

	if !signature.Verify(digest, pubKey) {
		return fmt.Errorf("%w: schnorr equation does not hold", ErrSignatureInvalid)
	}
	return nil
}

// parseSchnorrPubKey accepts the 32-byte x-only encoding BIP-340 uses as
// well as the 33-byte compressed point.
func parseSchnorrPubKey(keyBytes []byte) (*btcec.PublicKey, error) {
	switch len(keyBytes) {
	case 32:
		pubKey, err := schnorr.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid x-only public key: %w", err)
		}
		return pubKey, nil
	case 33:
		pubKey, err := btcec.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid compressed public key: %w", err)
		}
		return pubKey, nil
	default:
		return nil, fmt.Errorf("invalid schnorr public key length: got %d, want 32 or 33", len(keyBytes))
	}
}

// schemeKeyBytes turns an identity into public key bytes for the schemes
// that verify against a key instead of recovering one. Address identities
// need a resolver; without one the lookup fails closed.
func schemeKeyBytes(id Identity, scheme Scheme, resolver KeyResolver) ([]byte, error) {
	if id.Kind() == IdentityPublicKey {
		return id.Bytes(), nil
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: no key resolver for %s identity", ErrIdentityKind, id.Kind())
	}
	keyBytes, err := resolver.ResolvePublicKey(id, scheme)
	if err != nil {
		return nil, fmt.Errorf("key resolution failed for %s: %w", id, err)
	}
	return keyBytes, nil
}

// SchnorrSigner produces BIP-340 signatures over a caller-supplied
// 32-byte digest.
type SchnorrSigner struct {
	privateKey *btcec.PrivateKey
}

// NewSchnorrSigner creates a signer from a fresh random secp256k1 key.
func NewSchnorrSigner() (*SchnorrSigner, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schnorr key: %w", err)
	}
	return &SchnorrSigner{privateKey: privateKey}, nil
}

// NewSchnorrSignerFromBytes creates a signer from 32 raw key bytes.
func NewSchnorrSignerFromBytes(keyBytes []byte) (*SchnorrSigner, error) {
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("invalid private key length: got %d, want 32", len(keyBytes))
	}
	privateKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	return &SchnorrSigner{privateKey: privateKey}, nil
}

// SignDigest signs a precomputed 32-byte digest.
func (s *SchnorrSigner) SignDigest(digest []byte) (Signature, error) {
	signature, err := schnorr.Sign(s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return signature.Serialize(), nil
}

// Scheme reports the signature family this signer produces.
func (s *SchnorrSigner) Scheme() Scheme {
	return SchemeSchnorr
}

// Identity returns the 32-byte x-only public key identity verifySchnorr
// accepts directly.
func (s *SchnorrSigner) Identity() Identity {
	keyBytes := schnorr.SerializePubKey(s.privateKey.PubKey())
	id, _ := ParseIdentity(hexutil.Encode(keyBytes))
	return id
}
