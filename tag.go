package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"gorm.io/gorm"
)

const tagLength = 6

// IdentityTag maps a signer identity to its short human-readable tag.
// Tags are unique across the node so a tag alone resolves the identity.
type IdentityTag struct {
	Identity string `gorm:"column:identity;primaryKey"`
	Tag      string `gorm:"column:tag;uniqueIndex;not null"`
}

func (IdentityTag) TableName() string {
	return "identity_tags"
}

// GenerateOrRetrieveIdentityTag returns the tag already assigned to the
// identity, or mints a fresh one. Tag collisions are resolved by drawing
// again, bounded so a broken random source cannot loop forever.
func GenerateOrRetrieveIdentityTag(db *gorm.DB, identity string) (*IdentityTag, error) {
	tx := db.Begin()
	defer tx.Rollback()

	var existing IdentityTag
	err := tx.Where("identity = ?", identity).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up identity tag: %w", err)
	}

	for attempt := 0; attempt < 10; attempt++ {
		assigned := &IdentityTag{
			Identity: identity,
			Tag:      randomTag(),
		}
		if err := tx.Create(assigned).Error; err != nil {
			// Unique-index collision on the tag; draw another.
			continue
		}
		if err := tx.Commit().Error; err != nil {
			return nil, fmt.Errorf("failed to commit identity tag: %w", err)
		}
		return assigned, nil
	}

	return nil, fmt.Errorf("failed to mint a unique tag after repeated draws")
}

// GetTagByIdentity returns the tag assigned to an identity.
// gorm.ErrRecordNotFound passes through so callers can treat a missing
// tag differently from a query failure.
func GetTagByIdentity(db *gorm.DB, identity string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("identity cannot be empty")
	}

	var record IdentityTag
	if err := db.Where("identity = ?", identity).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", err
		}
		return "", fmt.Errorf("failed to retrieve identity tag: %w", err)
	}
	return record.Tag, nil
}

// GetIdentityByTag resolves a tag back to the identity that owns it.
// Lookup is case-insensitive since tags are displayed uppercase.
func GetIdentityByTag(db *gorm.DB, tag string) (IdentityTag, error) {
	if tag == "" {
		return IdentityTag{}, fmt.Errorf("tag cannot be empty")
	}

	var record IdentityTag
	err := db.Where("tag = ?", strings.ToUpper(tag)).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return IdentityTag{}, fmt.Errorf("no identity associated with tag: %s", tag)
	}
	if err != nil {
		return IdentityTag{}, fmt.Errorf("failed to retrieve identity tag: %w", err)
	}
	return record, nil
}

// randomTag draws a 6-character uppercase alphanumeric tag from
// crypto/rand. A failing secure random source is unrecoverable here.
func randomTag() string {
	const charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	limit := big.NewInt(int64(len(charset)))

	out := make([]byte, tagLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(fmt.Sprintf("secure random source failed: %v", err))
		}
		out[i] = charset[n.Int64()]
	}
	return string(out)
}
