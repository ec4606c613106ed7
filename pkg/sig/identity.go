package sig

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// IdentityKind distinguishes the two signer representations: a derived
// address (ECDSA recovery compares against it) and a raw public key
// (Schnorr and Ed25519 verify directly against it).
type IdentityKind uint8

const (
	IdentityAddress IdentityKind = iota
	IdentityPublicKey
)

// String returns a human-readable name for the kind.
func (k IdentityKind) String() string {
	switch k {
	case IdentityAddress:
		return "address"
	case IdentityPublicKey:
		return "public-key"
	default:
		return "invalid"
	}
}

// Identity is the claimed signer of a signature. The representation a
// scheme needs differs: ECDSA wants an address, Schnorr and Ed25519 want
// key bytes. Scheme verifiers reject a kind they cannot use instead of
// coercing it.
type Identity struct {
	kind IdentityKind
	raw  []byte
	hex  string // normalized: lowercase, 0x-prefixed
}

// ParseIdentity parses a 0x-prefixed hex string into an Identity,
// classifying it by byte length:
//
//	20 bytes          -> Address
//	32 bytes          -> PublicKey (Ed25519 or x-only secp256k1)
//	33 or 65 bytes    -> PublicKey (compressed / uncompressed secp256k1)
//
// Identities are compared case-insensitively at this layer, so the hex
// form is normalized to lowercase on parse.
func ParseIdentity(s string) (Identity, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return Identity{}, fmt.Errorf("identity %q: %w", s, ErrMissingHexPrefix)
	}

	normalized := "0x" + strings.ToLower(s[2:])
	raw, err := hexutil.Decode(normalized)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid identity hex: %w", err)
	}

	var kind IdentityKind
	switch len(raw) {
	case 20:
		kind = IdentityAddress
	case 32, 33, 65:
		kind = IdentityPublicKey
	default:
		return Identity{}, fmt.Errorf("identity length %d maps to no known representation", len(raw))
	}

	return Identity{kind: kind, raw: raw, hex: normalized}, nil
}

// Kind returns the identity's representation tag.
func (id Identity) Kind() IdentityKind {
	return id.kind
}

// Bytes returns the raw identity bytes.
func (id Identity) Bytes() []byte {
	return id.raw
}

// String returns the normalized lowercase hex form.
func (id Identity) String() string {
	return id.hex
}

// Equals compares identities case-insensitively via their normalized form.
func (id Identity) Equals(other Identity) bool {
	return id.hex == other.hex
}
