// Package sig provides signature-format detection and multi-scheme
// signature verification.
//
// Given raw signature bytes, the package infers the most likely scheme
// (recoverable ECDSA over secp256k1, BIP-340 Schnorr, Ed25519, or an RSA
// fallback), splits the bytes into scheme-specific components, and routes
// verification to the matching routine. The public result is a single
// boolean: callers must treat any non-true outcome as "do not trust this
// signature", whatever the internal cause.
//
// The primary types are:
//
//   - Signature: raw signature bytes with 0x hex JSON encoding
//   - Scheme: classification tag for the four supported families
//   - Decoded: the tagged result of length-based format detection
//   - Identity: the claimed signer, an address or a raw public key
//   - Verifier: the dispatcher that selects and runs one scheme routine
//   - Signer: scheme-specific signing for nodes and tests
//
// # Detection heuristics
//
// Classification is by byte length: 65 bytes is recoverable ECDSA
// (r||s||v), 64 bytes is Schnorr or Ed25519, anything else falls back to
// the RSA tag. The 64-byte case is inherently ambiguous; the first byte's
// high bit picks Ed25519 over Schnorr as a statistical guess, and
// Decoded.Confident is false for it. Callers that know the signature's
// origin should always pass an explicit scheme to the Verifier.
//
// # Fail-closed contract
//
// Verifier.Verify never returns an error and never panics across its
// boundary. Malformed input, curve-point failures and unsupported
// schemes all collapse to false; the only trace is a diagnostic log
// entry. Detection itself never fails either: unrecognized shapes keep
// their bytes under the RSA tag.
//
// Usage:
//
//	verifier := sig.NewVerifier(sig.WithLogger(logger))
//
//	signer, _ := sig.NewEcdsaSigner(privateKeyHex)
//	signature, _ := signer.Sign(digest)
//
//	ok := verifier.Verify(
//		signer.Identity().String(),
//		signature.String(),
//		hexutil.Encode(digest),
//	)
package sig
