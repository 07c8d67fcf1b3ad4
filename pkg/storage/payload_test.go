package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/message"
)

func TestPayloadStore_OffloadAndResolve(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobClient()
	store := NewPayloadStore(blobs, 16, nil)

	small := []byte("tiny")
	big := bytes.Repeat([]byte("x"), 17)
	assert.False(t, store.NeedsOffload(small))
	assert.True(t, store.NeedsOffload(big))

	ref, err := store.Offload(ctx, TaskPayloadPath("acc", "pe", "corr"), big, map[string]string{"account_id": "acc"})
	require.NoError(t, err)
	assert.Equal(t, "memory://tasks/acc/pe/corr.bin", ref.URL)
	assert.Equal(t, 17, ref.SizeBytes)

	got, err := store.Resolve(ctx, nil, ref)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	got, err = store.Resolve(ctx, small, nil)
	require.NoError(t, err)
	assert.Equal(t, small, got)

	require.NoError(t, store.Discard(ctx, ref))
	assert.Equal(t, 0, blobs.Len())
	_, err = store.Load(ctx, ref)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestPayloadStore_SizeMismatch(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobClient()
	store := NewPayloadStore(blobs, 0, nil)
	assert.Equal(t, DefaultMaxInlineBytes, store.MaxInlineBytes())

	url, err := blobs.Upload(ctx, ResultPayloadPath("pe", "corr"), []byte("abc"), nil)
	require.NoError(t, err)

	_, err = store.Load(ctx, &message.BlobReference{URL: url, SizeBytes: 4})
	assert.ErrorIs(t, err, ErrPayloadSizeMismatch)
}

func TestPayloadStore_WithoutClient(t *testing.T) {
	store := NewPayloadStore(nil, 1, nil)
	_, err := store.Offload(context.Background(), "p", []byte("ab"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob storage not configured")
	assert.NoError(t, store.Discard(context.Background(), &message.BlobReference{URL: "memory://p"}))
}
