package sig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/polysig/verinode/pkg/log"
)

// Typed failure reasons. They never cross the public Verify boundary;
// the dispatcher collapses them to false at the very edge and keeps the
// reason for the diagnostic log line only.
var (
	// ErrMissingHexPrefix rejects inputs without the 0x prefix.
	ErrMissingHexPrefix = errors.New("input must be 0x-prefixed hex")
	// ErrSchemeUnsupported marks the reserved RSA branch and unrecognized overrides.
	ErrSchemeUnsupported = errors.New("unsupported signature scheme")
	// ErrIdentityKind rejects a scheme/identity-shape mismatch.
	ErrIdentityKind = errors.New("identity representation does not fit scheme")
	// ErrSignatureInvalid is the generic "equation does not hold" outcome.
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// KeyResolver looks up the public key registered for a signer identity.
// It backs Schnorr and Ed25519 verification when the caller supplies an
// address-style identity instead of raw key bytes.
type KeyResolver interface {
	// ResolvePublicKey returns the key bytes registered for the identity
	// under the given scheme, or an error when none is known.
	ResolvePublicKey(identity Identity, scheme Scheme) ([]byte, error)
}

// Result carries the full outcome of one verification pass. The service
// layer records it; external callers only ever see Result.Valid.
type Result struct {
	Valid     bool
	Scheme    Scheme
	Confident bool
}

// Verifier dispatches decoded signatures to scheme-specific verification
// routines. It is stateless per call and safe for concurrent use.
type Verifier struct {
	lg       log.Logger
	resolver KeyResolver

	// Scheme routines are held as fields so tests can instrument them,
	// e.g. to prove the fast-reject path never reaches a primitive.
	verifyECDSA   func(digest []byte, dec Decoded, id Identity) error
	verifySchnorr func(digest []byte, dec Decoded, id Identity, resolver KeyResolver) error
	verifyEdDSA   func(digest []byte, dec Decoded, id Identity, resolver KeyResolver) error
	verifyRSA     func(digest []byte, dec Decoded, id Identity) error
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger used for diagnostic entries on failure.
func WithLogger(lg log.Logger) Option {
	return func(v *Verifier) {
		v.lg = lg
	}
}

// WithKeyResolver sets the identity-to-key lookup used by Schnorr and
// Ed25519 when the identity is not raw key bytes.
func WithKeyResolver(r KeyResolver) Option {
	return func(v *Verifier) {
		v.resolver = r
	}
}

// NewVerifier creates a Verifier with the real scheme routines wired in.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		lg:            log.NewNoopLogger(),
		verifyECDSA:   verifyECDSA,
		verifySchnorr: verifySchnorr,
		verifyEdDSA:   verifyEdDSA,
		verifyRSA:     verifyRSA,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.lg = v.lg.WithName("sig-verifier")
	return v
}

// Verify checks a signature against a claimed signer identity and a
// message digest, all supplied as 0x-prefixed hex strings. The scheme is
// inferred from the signature bytes unless an explicit override is
// supplied, in which case the override wins.
//
// The caller is responsible for having hashed the original message; the
// digest is treated as opaque bytes and is never hashed again here.
//
// Verify fails closed: every internal failure, expected or not, yields
// false. No error and no panic ever crosses this boundary.
func (v *Verifier) Verify(signerIdentity, signatureHex, digestHex string, override ...Scheme) bool {
	return v.Evaluate(signerIdentity, signatureHex, digestHex, override...).Valid
}

// Evaluate runs the same verification as Verify but additionally reports
// which scheme was dispatched and whether the format detection was
// confident. The node uses it to record verification history.
func (v *Verifier) Evaluate(signerIdentity, signatureHex, digestHex string, override ...Scheme) (res Result) {
	hasOverride := len(override) > 0
	effectiveOverride := SchemeUnknown
	if hasOverride {
		effectiveOverride = override[0]
	}

	// Failure boundary: nothing below may escape as a panic. The pipeline
	// writes the dispatched scheme into res before entering a routine, so
	// the panic path still reports which scheme was running.
	defer func() {
		if r := recover(); r != nil {
			v.lg.Error("verification panicked", "panic", r)
			res.Valid = false
		}
	}()

	res = Result{Scheme: SchemeUnknown}
	err := v.evaluate(signerIdentity, signatureHex, digestHex, effectiveOverride, hasOverride, &res)
	if err != nil {
		v.lg.Debug("signature rejected",
			"identity", signerIdentity,
			"scheme", res.Scheme,
			"reason", err,
		)
		res.Valid = false
		return res
	}

	res.Valid = true
	return res
}

// evaluate is the internal typed-result pipeline. A nil error means the
// scheme equation held and the identity matched. Scheme and Confident are
// written to res as soon as they are determined so the caller's recover
// boundary sees them even when a routine panics.
func (v *Verifier) evaluate(signerIdentity, signatureHex, digestHex string, override Scheme, hasOverride bool, res *Result) error {
	// Fast-reject: all three inputs must be present and 0x-prefixed.
	// Checked before decoding so malformed calls cost nothing and touch
	// no cryptographic primitive.
	for _, in := range []string{signerIdentity, signatureHex, digestHex} {
		if !strings.HasPrefix(in, "0x") && !strings.HasPrefix(in, "0X") {
			return ErrMissingHexPrefix
		}
	}

	// An explicit override outside the four dispatchable schemes is a
	// caller error, never a fall-through to heuristic detection.
	if hasOverride && override > SchemeRSA {
		return fmt.Errorf("%w: override %d", ErrSchemeUnsupported, override)
	}

	sigBytes, err := hexutil.Decode(signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sigBytes) == 0 {
		return fmt.Errorf("empty signature")
	}

	digest, err := hexutil.Decode(digestHex)
	if err != nil {
		return fmt.Errorf("invalid digest hex: %w", err)
	}

	dec := Decode(sigBytes)
	res.Scheme, res.Confident = dec.Scheme, dec.Confident
	if hasOverride {
		res.Scheme, res.Confident = override, true
	}

	identity, err := ParseIdentity(signerIdentity)
	if err != nil {
		return err
	}

	switch res.Scheme {
	case SchemeECDSA:
		return v.verifyECDSA(digest, dec, identity)
	case SchemeSchnorr:
		return v.verifySchnorr(digest, dec, identity, v.resolver)
	case SchemeEdDSA:
		return v.verifyEdDSA(digest, dec, identity, v.resolver)
	case SchemeRSA:
		return v.verifyRSA(digest, dec, identity)
	default:
		return fmt.Errorf("%w: %d", ErrSchemeUnsupported, res.Scheme)
	}
}
