package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIdentityTagAssignment(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	identity := "0x1234567890abcdef1234567890abcdef12345678"

	t.Run("missing tag surfaces record-not-found", func(t *testing.T) {
		tag, err := GetTagByIdentity(db, identity)
		require.ErrorIs(t, err, gorm.ErrRecordNotFound)
		assert.Empty(t, tag)
	})

	t.Run("unassigned tag resolves to no identity", func(t *testing.T) {
		record, err := GetIdentityByTag(db, "B4DT4G")
		require.ErrorContains(t, err, "no identity associated with tag")
		assert.Empty(t, record.Identity)
	})

	t.Run("empty inputs are rejected", func(t *testing.T) {
		_, err := GetTagByIdentity(db, "")
		require.ErrorContains(t, err, "identity cannot be empty")

		_, err = GetIdentityByTag(db, "")
		require.ErrorContains(t, err, "tag cannot be empty")
	})

	t.Run("assignment is stable across calls", func(t *testing.T) {
		first, err := GenerateOrRetrieveIdentityTag(db, identity)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Len(t, first.Tag, tagLength)

		second, err := GenerateOrRetrieveIdentityTag(db, identity)
		require.NoError(t, err)
		assert.Equal(t, first.Tag, second.Tag)
	})

	t.Run("round-trips identity and tag", func(t *testing.T) {
		assigned, err := GenerateOrRetrieveIdentityTag(db, identity)
		require.NoError(t, err)

		tag, err := GetTagByIdentity(db, identity)
		require.NoError(t, err)
		assert.Equal(t, assigned.Tag, tag)

		record, err := GetIdentityByTag(db, strings.ToLower(assigned.Tag))
		require.NoError(t, err)
		assert.Equal(t, identity, record.Identity)
	})
}

func TestRandomTag(t *testing.T) {
	first := randomTag()
	require.Len(t, first, tagLength)

	second := randomTag()
	require.Len(t, second, tagLength)
	assert.NotEqual(t, first, second)
}
