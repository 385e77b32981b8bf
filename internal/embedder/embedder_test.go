package embedder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

func TestComputeHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ComputeHash(""))
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", ComputeHash("hello world"))
	assert.Equal(t, ComputeHash("test"), ComputeHash("test"))
}

func TestValidateBatchRequest(t *testing.T) {
	tooMany := make([]string, MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = "x"
	}

	tests := []struct {
		name    string
		texts   []string
		wantErr bool
	}{
		{"valid", []string{"a", "b"}, false},
		{"empty batch", nil, true},
		{"empty text", []string{"a", ""}, true},
		{"too large", tooMany, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchRequest(BatchEmbeddingRequest{Texts: tt.texts})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, kberr.HasCode(err, kberr.CodeEmbedderRequestInvalid))
			assert.True(t, kberr.IsInvalidInput(err))
		})
	}

	assert.True(t, kberr.HasCode(ValidateRequest(EmbeddingRequest{}), kberr.CodeEmbedderRequestInvalid))
}

func TestCache(t *testing.T) {
	cache := NewCache(2)
	emb := &Embedding{Vector: []float32{1, 2}, Dimension: 2, Hash: "a"}
	cache.Set("a", emb)

	got, ok := cache.Get("a")
	require.True(t, ok)
	got.Vector[0] = 99
	again, _ := cache.Get("a")
	assert.Equal(t, float32(1), again.Vector[0], "Get returns a copy")

	cache.Set("b", &Embedding{})
	cache.Set("c", &Embedding{})
	assert.Equal(t, 2, cache.Size())
	_, ok = cache.Get("a")
	assert.False(t, ok, "least recently used entry evicted")

	cache.Clear()
	assert.Zero(t, cache.Size())
}

func TestCachedBatch(t *testing.T) {
	cache := NewCache(10)
	cache.Set(ComputeHash("hit"), &Embedding{Vector: []float32{7}, Hash: ComputeHash("hit")})

	var fetched []string
	out, err := cachedBatch(cache, []string{"miss-1", "hit", "miss-2"}, func(texts []string) ([]*Embedding, error) {
		fetched = texts
		res := make([]*Embedding, len(texts))
		for i := range texts {
			res[i] = &Embedding{Vector: []float32{float32(i)}}
		}
		return res, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"miss-1", "miss-2"}, fetched)
	require.Len(t, out, 3)
	assert.Equal(t, []float32{0}, out[0].Vector)
	assert.Equal(t, []float32{7}, out[1].Vector)
	assert.Equal(t, []float32{1}, out[2].Vector)
	assert.Equal(t, ComputeHash("miss-2"), out[2].Hash)
	assert.Equal(t, 3, cache.Size())

	_, err = cachedBatch(nil, []string{"a", "b"}, func(texts []string) ([]*Embedding, error) {
		return []*Embedding{{}}, nil
	})
	assert.True(t, kberr.HasCode(err, kberr.CodeEmbedderUpstreamFailure))

	boom := errors.New("boom")
	_, err = cachedBatch(nil, []string{"a"}, func([]string) ([]*Embedding, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestRetryWithBackoff(t *testing.T) {
	fast := RetryConfig{MaxRetries: 3, BaseDelay: 0, MaxDelay: 0, Multiplier: 2}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		got, err := retryWithBackoff(context.Background(), fast, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		_, err := retryWithBackoff(context.Background(), fast, func() (int, error) {
			calls++
			return 0, errors.New("down")
		})
		assert.EqualError(t, err, "down")
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		calls := 0
		_, err := retryWithBackoff(context.Background(), fast, func() (int, error) {
			calls++
			return 0, permanent(errors.New("bad request"))
		})
		assert.EqualError(t, err, "bad request")
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := retryWithBackoff(ctx, fast, func() (int, error) {
			return 0, errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("zero attempts still calls once", func(t *testing.T) {
		calls := 0
		_, _ = retryWithBackoff(context.Background(), RetryConfig{}, func() (int, error) {
			calls++
			return 0, errors.New("x")
		})
		assert.Equal(t, 1, calls)
	})
}
