// Package voicecache_test tests the voice embedding cache.
package voicecache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/story-narrator/narration-service/internal/core"
	"github.com/story-narrator/narration-service/internal/voicecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockCompute = errors.New("mock compute error")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "voicecache-test.log")
	require.NoError(t, err)

	return log
}

func fixedCompute(payload []byte) voicecache.ComputeFunc {
	return func(_ context.Context) (*core.VoiceEmbedding, error) {
		return &core.VoiceEmbedding{
			Key:        "",
			Payload:    payload,
			SampleRate: 24000,
			CreatedAt:  time.Time{},
			LastUsedAt: time.Time{},
		}, nil
	}
}

func TestGetOrCompute_MissThenHit(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 4,
		MaxBytes: 0,
		TTL:      0,
		Store:    nil,
	}, newTestLogger(t))

	var calls atomic.Int64

	compute := func(_ context.Context) (*core.VoiceEmbedding, error) {
		calls.Add(1)

		return &core.VoiceEmbedding{
			Key:        "",
			Payload:    []byte("embedding-bytes"),
			SampleRate: 24000,
			CreatedAt:  time.Time{},
			LastUsedAt: time.Time{},
		}, nil
	}

	ctx := context.Background()

	first, err := cache.GetOrCompute(ctx, "voice-a", compute)
	require.NoError(t, err)
	assert.Equal(t, "voice-a", first.Key)

	second, err := cache.GetOrCompute(ctx, "voice-a", compute)
	require.NoError(t, err)
	assert.Same(t, first, second)

	assert.Equal(t, int64(1), calls.Load(), "hit must not recompute")
}

func TestGetOrCompute_CoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 0,
		MaxBytes: 0,
		TTL:      0,
		Store:    nil,
	}, newTestLogger(t))

	var calls atomic.Int64

	release := make(chan struct{})

	compute := func(_ context.Context) (*core.VoiceEmbedding, error) {
		calls.Add(1)
		<-release

		return &core.VoiceEmbedding{
			Key:        "",
			Payload:    []byte("shared"),
			SampleRate: 24000,
			CreatedAt:  time.Time{},
			LastUsedAt: time.Time{},
		}, nil
	}

	const waiters = 16

	var (
		waitGroup sync.WaitGroup
		results   [waiters]*core.VoiceEmbedding
		errs      [waiters]error
	)

	for i := range waiters {
		waitGroup.Add(1)

		go func(slot int) {
			defer waitGroup.Done()

			results[slot], errs[slot] = cache.GetOrCompute(
				context.Background(), "voice-shared", compute,
			)
		}(i)
	}

	// Give every goroutine a chance to reach the cache before the single
	// computation is allowed to finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	waitGroup.Wait()

	for i := range waiters {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, []byte("shared"), results[i].Payload)
	}

	assert.Equal(t, int64(1), calls.Load(), "concurrent misses must collapse into one compute")
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 0,
		MaxBytes: 0,
		TTL:      0,
		Store:    nil,
	}, newTestLogger(t))

	var calls atomic.Int64

	failing := func(_ context.Context) (*core.VoiceEmbedding, error) {
		calls.Add(1)

		return nil, errMockCompute
	}

	ctx := context.Background()

	_, err := cache.GetOrCompute(ctx, "voice-bad", failing)
	require.ErrorIs(t, err, errMockCompute)
	assert.Equal(t, 0, cache.Len())

	// A later call re-attempts the computation.
	_, err = cache.GetOrCompute(ctx, "voice-bad", failing)
	require.ErrorIs(t, err, errMockCompute)
	assert.Equal(t, int64(2), calls.Load())
}

func TestGetOrCompute_ValidatesInput(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 0,
		MaxBytes: 0,
		TTL:      0,
		Store:    nil,
	}, newTestLogger(t))

	_, err := cache.GetOrCompute(context.Background(), "", fixedCompute(nil))
	require.ErrorIs(t, err, voicecache.ErrKeyEmpty)

	_, err = cache.GetOrCompute(context.Background(), "voice-a", nil)
	require.ErrorIs(t, err, voicecache.ErrNilCompute)
}

func TestEviction_LeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 2,
		MaxBytes: 0,
		TTL:      0,
		Store:    nil,
	}, newTestLogger(t))

	ctx := context.Background()

	var computes atomic.Int64

	counted := func(payload string) voicecache.ComputeFunc {
		return func(_ context.Context) (*core.VoiceEmbedding, error) {
			computes.Add(1)

			return &core.VoiceEmbedding{
				Key:        "",
				Payload:    []byte(payload),
				SampleRate: 24000,
				CreatedAt:  time.Time{},
				LastUsedAt: time.Time{},
			}, nil
		}
	}

	_, err := cache.GetOrCompute(ctx, "voice-1", counted("one"))
	require.NoError(t, err)

	_, err = cache.GetOrCompute(ctx, "voice-2", counted("two"))
	require.NoError(t, err)

	// Touch voice-1 so voice-2 becomes the LRU victim.
	_, err = cache.GetOrCompute(ctx, "voice-1", counted("one"))
	require.NoError(t, err)

	_, err = cache.GetOrCompute(ctx, "voice-3", counted("three"))
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Len())

	// voice-1 survived; only voice-2 needs recomputing.
	before := computes.Load()

	_, err = cache.GetOrCompute(ctx, "voice-1", counted("one"))
	require.NoError(t, err)
	assert.Equal(t, before, computes.Load())

	_, err = cache.GetOrCompute(ctx, "voice-2", counted("two"))
	require.NoError(t, err)
	assert.Equal(t, before+1, computes.Load())
}

func TestEviction_ByteBudget(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 0,
		MaxBytes: 40,
		TTL:      0,
		Store:    nil,
	}, newTestLogger(t))

	ctx := context.Background()

	_, err := cache.GetOrCompute(ctx, "a", fixedCompute(make([]byte, 20)))
	require.NoError(t, err)

	_, err = cache.GetOrCompute(ctx, "b", fixedCompute(make([]byte, 30)))
	require.NoError(t, err)

	assert.Equal(t, 1, cache.Len(), "byte budget evicts the older entry")
}

func TestSetDefault_PinnedAgainstEviction(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 2,
		MaxBytes: 0,
		TTL:      time.Minute,
		Store:    nil,
	}, newTestLogger(t))

	ctx := context.Background()

	_, err := cache.GetOrCompute(ctx, "voice-default", fixedCompute([]byte("d")))
	require.NoError(t, err)

	cache.SetDefault("voice-default")

	_, err = cache.GetOrCompute(ctx, "voice-a", fixedCompute([]byte("a")))
	require.NoError(t, err)

	_, err = cache.GetOrCompute(ctx, "voice-b", fixedCompute([]byte("b")))
	require.NoError(t, err)

	// The default is the oldest entry but must not be the LRU victim.
	var recomputed atomic.Int64

	_, err = cache.GetOrCompute(ctx, "voice-default",
		func(_ context.Context) (*core.VoiceEmbedding, error) {
			recomputed.Add(1)

			return &core.VoiceEmbedding{
				Key:        "",
				Payload:    []byte("d"),
				SampleRate: 24000,
				CreatedAt:  time.Time{},
				LastUsedAt: time.Time{},
			}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(0), recomputed.Load())

	// TTL sweeps far in the future spare the pinned entry as well.
	evicted := cache.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, cache.Len())
	assert.Positive(t, evicted)
}

func TestSweep_EvictsExpiredEntries(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 0,
		MaxBytes: 0,
		TTL:      time.Minute,
		Store:    nil,
	}, newTestLogger(t))

	ctx := context.Background()

	_, err := cache.GetOrCompute(ctx, "voice-old", fixedCompute([]byte("x")))
	require.NoError(t, err)

	assert.Equal(t, 0, cache.Sweep(time.Now()), "fresh entries survive")
	assert.Equal(t, 1, cache.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, cache.Len())
}

func TestInvalidate_RemovesEntry(t *testing.T) {
	t.Parallel()

	cache := voicecache.New(voicecache.Options{
		Capacity: 0,
		MaxBytes: 0,
		TTL:      0,
		Store:    nil,
	}, newTestLogger(t))

	ctx := context.Background()

	var calls atomic.Int64

	compute := func(_ context.Context) (*core.VoiceEmbedding, error) {
		calls.Add(1)

		return &core.VoiceEmbedding{
			Key:        "",
			Payload:    []byte("x"),
			SampleRate: 24000,
			CreatedAt:  time.Time{},
			LastUsedAt: time.Time{},
		}, nil
	}

	_, err := cache.GetOrCompute(ctx, "voice-a", compute)
	require.NoError(t, err)

	cache.Invalidate("voice-a")
	assert.Equal(t, 0, cache.Len())

	_, err = cache.GetOrCompute(ctx, "voice-a", compute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestKey_ContentAddressed(t *testing.T) {
	t.Parallel()

	sample := []byte("voice sample bytes")
	settings := core.SynthesisSettings{
		Exaggeration: 0.3,
		Temperature:  0.6,
		CFGWeight:    0.3,
		Language:     "en",
	}

	keyA := voicecache.Key(sample, settings)
	keyB := voicecache.Key(sample, settings)
	assert.Equal(t, keyA, keyB)

	// Temperature does not affect the embedding, exaggeration does.
	settings.Temperature = 0.9
	assert.Equal(t, keyA, voicecache.Key(sample, settings))

	settings.Exaggeration = 0.8
	assert.NotEqual(t, keyA, voicecache.Key(sample, settings))
}
