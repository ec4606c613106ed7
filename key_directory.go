package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/gorm"

	"github.com/polysig/verinode/pkg/sig"
)

var (
	ErrKeyExistsAndExpired   = RPCErrorf("signer key already registered but is expired")
	ErrKeyRegisteredToOther  = RPCErrorf("public key is already registered to another identity")
	ErrKeySchemeNotDirectory = RPCErrorf("scheme does not use the key directory")
)

// SignerKey is a public key registered for a signer identity. Schnorr and
// Ed25519 verification resolve address-style identities through these
// records; ECDSA never needs one since the address is recovered from the
// signature itself.
type SignerKey struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Identity string `gorm:"column:identity;index;not null"`

	Scheme    string    `gorm:"column:scheme;not null"`
	PublicKey string    `gorm:"column:public_key;uniqueIndex;not null"`
	Label     string    `gorm:"column:label"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SignerKey) TableName() string {
	return "signer_keys"
}

// signerKeyCacheEntry stores cached key data with expiration
type signerKeyCacheEntry struct {
	identity  string
	keyBytes  []byte
	expiresAt time.Time
}

// signerKeyCache maps identity/scheme pairs to cache entries
var signerKeyCache sync.Map

func signerKeyCacheKey(identity, scheme string) string {
	return identity + "/" + scheme
}

// loadSignerKeyCache populates the cache with non-expired signer keys
func loadSignerKeyCache(db *gorm.DB) error {
	var keys []SignerKey
	if err := db.Where("expires_at > ?", time.Now().UTC()).Find(&keys).Error; err != nil {
		return err
	}
	for _, k := range keys {
		keyBytes, err := hexutil.Decode(k.PublicKey)
		if err != nil {
			continue
		}
		signerKeyCache.Store(signerKeyCacheKey(k.Identity, k.Scheme), signerKeyCacheEntry{
			identity:  k.Identity,
			keyBytes:  keyBytes,
			expiresAt: k.ExpiresAt,
		})
	}
	return nil
}

// validateSignerKeyShape checks the key bytes fit the scheme before the
// record is accepted into the directory.
func validateSignerKeyShape(scheme sig.Scheme, keyBytes []byte) error {
	switch scheme {
	case sig.SchemeSchnorr:
		if len(keyBytes) != 32 && len(keyBytes) != 33 {
			return RPCErrorf("invalid schnorr public key length: got %d, want 32 or 33", len(keyBytes))
		}
	case sig.SchemeEdDSA:
		if len(keyBytes) != 32 {
			return RPCErrorf("invalid ed25519 public key length: got %d, want 32", len(keyBytes))
		}
	default:
		return ErrKeySchemeNotDirectory
	}
	return nil
}

// RegisterSignerKey stores a new public key for an identity and scheme.
// Only one key per identity+scheme pair is allowed - registering a new
// one invalidates the existing record.
func RegisterSignerKey(db *gorm.DB, identity string, scheme sig.Scheme, publicKeyHex, label string, expiresAt time.Time) error {
	expiresAt = expiresAt.UTC()
	if isExpired(expiresAt) {
		return RPCErrorf("expiration time must be set and in the future")
	}

	keyBytes, err := hexutil.Decode(publicKeyHex)
	if err != nil {
		return RPCErrorf("invalid public key hex")
	}
	if err := validateSignerKeyShape(scheme, keyBytes); err != nil {
		return err
	}

	var deletedKeys []string // cache keys to drop after commit
	err = db.Transaction(func(tx *gorm.DB) error {
		// Reject a key already registered to a different identity
		var conflicting SignerKey
		if err := tx.Where("public_key = ? AND identity <> ?", publicKeyHex, identity).
			First(&conflicting).Error; err == nil {
			return ErrKeyRegisteredToOther
		} else if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to check conflicting keys: %w", err)
		}

		// Remove the existing key for this identity+scheme (invalidate it)
		var existingKeys []SignerKey
		if err := tx.Where("identity = ? AND scheme = ?", identity, scheme.String()).
			Find(&existingKeys).Error; err != nil {
			return fmt.Errorf("failed to check existing signer keys: %w", err)
		}
		for _, existing := range existingKeys {
			if err := tx.Delete(&existing).Error; err != nil {
				return fmt.Errorf("failed to remove existing signer key: %w", err)
			}
			deletedKeys = append(deletedKeys, signerKeyCacheKey(existing.Identity, existing.Scheme))
		}

		record := &SignerKey{
			Identity:  identity,
			Scheme:    scheme.String(),
			PublicKey: publicKeyHex,
			Label:     label,
			ExpiresAt: expiresAt,
		}
		return tx.Create(record).Error
	})

	// Update cache only after transaction commits successfully
	if err == nil {
		for _, cacheKey := range deletedKeys {
			signerKeyCache.Delete(cacheKey)
		}
		signerKeyCache.Store(signerKeyCacheKey(identity, scheme.String()), signerKeyCacheEntry{
			identity:  identity,
			keyBytes:  keyBytes,
			expiresAt: expiresAt,
		})
	}

	return err
}

// GetSignerKeysByIdentity retrieves all signer keys for a given identity
func GetSignerKeysByIdentity(db *gorm.DB, identity string, listOpts *ListOptions) ([]SignerKey, error) {
	var keys []SignerKey

	query := db.Where("identity = ?", identity).Order("created_at DESC")
	if listOpts != nil {
		if listOpts.Limit > 0 {
			query = query.Limit(int(listOpts.Limit))
		}
		if listOpts.Offset > 0 {
			query = query.Offset(int(listOpts.Offset))
		}
	}

	if err := query.Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve signer keys for %s: %w", identity, err)
	}

	return keys, nil
}

// RevokeSignerKey revokes a registered key by setting its expiration to the current time
func RevokeSignerKey(db *gorm.DB, identity string, scheme sig.Scheme) error {
	now := time.Now().UTC()
	if err := db.Model(&SignerKey{}).
		Where("identity = ? AND scheme = ?", identity, scheme.String()).
		Update("expires_at", now).Error; err != nil {
		return fmt.Errorf("failed to revoke signer key: %w", err)
	}

	signerKeyCache.Delete(signerKeyCacheKey(identity, scheme.String()))
	return nil
}

// isExpired checks if the given expiration time has passed
func isExpired(expiresAt time.Time) bool {
	return time.Now().UTC().After(expiresAt)
}

// KeyDirectory resolves signer identities to their registered public keys.
// It serves cached entries first and falls back to the database, so a key
// registered before a restart is still resolvable.
type KeyDirectory struct {
	db *gorm.DB
}

// NewKeyDirectory creates a new KeyDirectory instance
func NewKeyDirectory(db *gorm.DB) *KeyDirectory {
	return &KeyDirectory{db: db}
}

// ResolvePublicKey returns the key bytes registered for the identity under
// the given scheme. An expired or missing record is an error, which the
// verification dispatcher collapses to a rejection.
func (d *KeyDirectory) ResolvePublicKey(identity sig.Identity, scheme sig.Scheme) ([]byte, error) {
	cacheKey := signerKeyCacheKey(identity.String(), scheme.String())
	if v, ok := signerKeyCache.Load(cacheKey); ok {
		entry := v.(signerKeyCacheEntry)
		if isExpired(entry.expiresAt) {
			signerKeyCache.Delete(cacheKey) // lazy purge
			return nil, ErrKeyExistsAndExpired
		}
		return entry.keyBytes, nil
	}

	var record SignerKey
	err := d.db.Where("identity = ? AND scheme = ?", identity.String(), scheme.String()).
		First(&record).Error
	if err != nil {
		return nil, fmt.Errorf("no key registered for %s under %s", identity, scheme)
	}
	if isExpired(record.ExpiresAt) {
		return nil, ErrKeyExistsAndExpired
	}

	keyBytes, err := hexutil.Decode(record.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("stored public key is not valid hex: %w", err)
	}

	signerKeyCache.Store(cacheKey, signerKeyCacheEntry{
		identity:  identity.String(),
		keyBytes:  keyBytes,
		expiresAt: record.ExpiresAt,
	})
	return keyBytes, nil
}
