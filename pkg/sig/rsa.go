package sig

import "fmt"

// verifyRSA is the fallback branch for signatures whose length matches no
// fixed-size format. RSA verification is reserved and always rejects;
// the tag exists so such inputs are classified and logged rather than
// treated as decode failures.
func verifyRSA(digest []byte, dec Decoded, id Identity) error {
	return fmt.Errorf("%w: rsa verification is reserved", ErrSchemeUnsupported)
}
