package storage

import (
	"context"
	"testing"

	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVArchive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBackend()
	archive := NewKVArchive(store, testLogger())
	require.True(t, archive.Available(ctx))

	id, err := archive.Publish(ctx, []byte(`{"version":"2.0"}`))
	require.NoError(t, err)
	assert.Len(t, id, 64)

	again, err := archive.Publish(ctx, []byte(`{"version":"2.0"}`))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	data, err := archive.Retrieve(ctx, "0x"+id)
	require.NoError(t, err)
	assert.Equal(t, `{"version":"2.0"}`, string(data))

	_, err = archive.Retrieve(ctx, "00ff")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, store.Put(ctx, archiveKey(id), []byte("tampered")))
	_, err = archive.Retrieve(ctx, id)
	assert.Error(t, err)
}
