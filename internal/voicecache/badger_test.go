package voicecache_test

import (
	"context"
	"testing"
	"time"

	"github.com/story-narrator/narration-service/internal/core"
	"github.com/story-narrator/narration-service/internal/voicecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *voicecache.BadgerStore {
	t.Helper()

	store, err := voicecache.OpenBadgerStore(voicecache.BadgerStoreOptions{
		Dir:      "",
		InMemory: true,
	}, newTestLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		closeErr := store.Close()
		require.NoError(t, closeErr)
	})

	return store
}

func TestBadgerStore_PutGetDelete(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)

	embedding := &core.VoiceEmbedding{
		Key:        "voice-a",
		Payload:    []byte{1, 2, 3, 4},
		SampleRate: 24000,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		LastUsedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	err := store.Put(embedding)
	require.NoError(t, err)

	loaded, found, err := store.Get("voice-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, embedding.Key, loaded.Key)
	assert.Equal(t, embedding.Payload, loaded.Payload)
	assert.Equal(t, embedding.SampleRate, loaded.SampleRate)

	err = store.Delete("voice-a")
	require.NoError(t, err)

	_, found, err = store.Get("voice-a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerStore_MissIsClean(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)

	_, found, err := store.Get("never-stored")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent key is not an error.
	require.NoError(t, store.Delete("never-stored"))
}

func TestBadgerStore_RequiresDir(t *testing.T) {
	t.Parallel()

	_, err := voicecache.OpenBadgerStore(voicecache.BadgerStoreOptions{
		Dir:      "",
		InMemory: false,
	}, newTestLogger(t))
	require.ErrorIs(t, err, voicecache.ErrStoreDirEmpty)
}

func TestCache_PersistentWarmStart(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	log := newTestLogger(t)

	// First cache computes and persists.
	first := voicecache.New(voicecache.Options{
		Capacity: 0,
		MaxBytes: 0,
		TTL:      0,
		Store:    store,
	}, log)

	computed, err := first.GetOrCompute(context.Background(), "voice-a",
		fixedCompute([]byte("payload")))
	require.NoError(t, err)

	// A second cache over the same store serves the key without computing.
	second := voicecache.New(voicecache.Options{
		Capacity: 0,
		MaxBytes: 0,
		TTL:      0,
		Store:    store,
	}, log)

	loaded, err := second.GetOrCompute(context.Background(), "voice-a",
		func(_ context.Context) (*core.VoiceEmbedding, error) {
			t.Fatal("compute must not run on a persisted key")

			return nil, nil
		})
	require.NoError(t, err)
	assert.Equal(t, computed.Payload, loaded.Payload)
}
