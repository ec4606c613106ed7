package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polysig/verinode/pkg/sig"
)

func TestVerificationStoreStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	store := NewVerificationStore(db)

	result := sig.Result{Valid: true, Scheme: sig.SchemeECDSA, Confident: true}
	err := store.Store(context.Background(),
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
		"0xdeadbeef", 65, result)
	require.NoError(t, err)

	var record VerificationRecord
	require.NoError(t, db.First(&record).Error)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", record.Requester)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", record.Identity)
	assert.Equal(t, "ecdsa", record.Scheme)
	assert.True(t, record.Valid)
	assert.True(t, record.Confident)
	assert.Equal(t, "0xdeadbeef", record.Digest)
	assert.Equal(t, 65, record.SigLength)
	assert.False(t, record.CreatedAt.IsZero())
}

func TestVerificationStoreListAndCount(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	store := NewVerificationStore(db)
	ctx := context.Background()

	requesterA := "0xaaaa111111111111111111111111111111111111"
	requesterB := "0xbbbb111111111111111111111111111111111111"
	identityX := "0xcccc111111111111111111111111111111111111"
	identityY := "0xdddd111111111111111111111111111111111111"

	seed := []struct {
		requester string
		identity  string
		result    sig.Result
	}{
		{requesterA, identityX, sig.Result{Valid: true, Scheme: sig.SchemeECDSA, Confident: true}},
		{requesterA, identityX, sig.Result{Valid: false, Scheme: sig.SchemeSchnorr, Confident: false}},
		{requesterA, identityY, sig.Result{Valid: true, Scheme: sig.SchemeEdDSA, Confident: false}},
		{requesterB, identityX, sig.Result{Valid: false, Scheme: sig.SchemeRSA, Confident: true}},
	}
	for _, s := range seed {
		require.NoError(t, store.Store(ctx, s.requester, s.identity, "0x00", 64, s.result))
	}

	t.Run("List by requester", func(t *testing.T) {
		records, err := store.List(ctx, &requesterA, nil, nil)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})

	t.Run("List by requester and identity", func(t *testing.T) {
		records, err := store.List(ctx, &requesterA, &identityY, nil)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "eddsa", records[0].Scheme)
	})

	t.Run("List with pagination", func(t *testing.T) {
		records, err := store.List(ctx, &requesterA, nil, &ListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, records, 2)

		records, err = store.List(ctx, &requesterA, nil, &ListOptions{Offset: 2})
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("Count", func(t *testing.T) {
		count, err := store.Count(ctx, &requesterA, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		count, err = store.Count(ctx, nil, &identityX)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		count, err = store.Count(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(4), count)
	})
}
