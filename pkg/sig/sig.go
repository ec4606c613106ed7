package sig

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Signature is a generic byte slice representing a cryptographic signature.
type Signature []byte

// Scheme identifies the signature algorithm family.
type Scheme uint8

const (
	SchemeECDSA Scheme = iota
	SchemeSchnorr
	SchemeEdDSA
	SchemeRSA
	SchemeUnknown Scheme = 255
)

// String returns the canonical lowercase name of the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeECDSA:
		return "ecdsa"
	case SchemeSchnorr:
		return "schnorr"
	case SchemeEdDSA:
		return "eddsa"
	case SchemeRSA:
		return "rsa"
	default:
		return "unknown"
	}
}

// ParseScheme maps a scheme name to its tag, case-insensitively.
// Unrecognized names map to SchemeUnknown.
func ParseScheme(name string) Scheme {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ecdsa":
		return SchemeECDSA
	case "schnorr":
		return SchemeSchnorr
	case "eddsa", "ed25519":
		return SchemeEdDSA
	case "rsa":
		return SchemeRSA
	default:
		return SchemeUnknown
	}
}

const (
	// RecoverableSigLength is r(32) || s(32) || v(1).
	RecoverableSigLength = 65
	// CompactSigLength is r(32) || s(32), shared by Schnorr and Ed25519.
	CompactSigLength = 64
)

// Decoded is the tagged result of signature-format detection. Exactly one
// scheme tag is assigned per decode; the tag is advisory and the Verifier
// may override it with an explicit scheme.
type Decoded struct {
	// Scheme is the inferred signature family.
	Scheme Scheme
	// Confident is false when the tag is a statistical guess, which is
	// the case for the 64-byte Schnorr/Ed25519 ambiguity.
	Confident bool

	// R and S are the 32-byte components for the fixed-size formats.
	R []byte
	S []byte
	// V is the ECDSA recovery discriminant.
	V byte

	// Raw holds the complete original bytes. For the RSA fallback it is
	// the only populated component, since RSA signature length varies
	// with key size.
	Raw []byte
}

// Decode classifies raw signature bytes by length and splits them into
// scheme-specific components. It never fails: shapes that match no known
// fixed-size format keep their bytes verbatim under the RSA tag.
//
// The 64-byte case cannot be decided structurally. Ed25519 signatures
// start with the encoding of a curve point whose top bit is set roughly
// half the time, while BIP-340 Schnorr starts with an x coordinate with
// the same property, so the first byte's high bit is only a tiebreaker.
// Callers that know the origin should pass an explicit scheme to the
// Verifier instead of relying on this guess.
func Decode(signature Signature) Decoded {
	switch len(signature) {
	case RecoverableSigLength:
		return Decoded{
			Scheme:    SchemeECDSA,
			Confident: true,
			R:         signature[:32],
			S:         signature[32:64],
			V:         signature[64],
			Raw:       signature,
		}
	case CompactSigLength:
		scheme := SchemeSchnorr
		if signature[0] > 0x7f {
			scheme = SchemeEdDSA
		}
		return Decoded{
			Scheme: scheme,
			R:      signature[:32],
			S:      signature[32:],
			Raw:    signature,
		}
	default:
		return Decoded{
			Scheme:    SchemeRSA,
			Confident: true,
			Raw:       signature,
		}
	}
}

// MarshalJSON implements the json.Marshaler interface, encoding the signature as a hex string.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	decoded, err := hexutil.Decode(hexStr)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// String implements the fmt.Stringer interface.
func (s Signature) String() string {
	return hexutil.Encode(s)
}

// SignaturesToStrings converts signatures to their hex representations.
func SignaturesToStrings(signatures []Signature) []string {
	strs := make([]string, len(signatures))
	for i, sig := range signatures {
		strs[i] = sig.String()
	}
	return strs
}

// SignaturesFromStrings parses hex strings into signatures.
func SignaturesFromStrings(strs []string) ([]Signature, error) {
	signatures := make([]Signature, len(strs))
	for i, str := range strs {
		sig, err := hexutil.Decode(str)
		if err != nil {
			return nil, err
		}
		signatures[i] = sig
	}
	return signatures, nil
}
