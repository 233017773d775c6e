package answercache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docverify/internal/model"
)

func TestNormalizeQuestion(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"What is the total?", "what is the total"},
		{"  WHAT   is\tthe total ?! ", "what is the total"},
		{"Ｔｏｔａｌ amount", "total amount"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeQuestion(tt.in), tt.in)
	}
}

func TestFingerprint(t *testing.T) {
	filters := []model.Predicate{
		{Field: "vendor", Op: model.OpEq, Value: "Acme"},
		{Field: "amount", Op: model.OpGt, Value: 10.0},
	}
	a := Fingerprint(Key{Question: "Total amount?", DocumentIDs: []string{"d2", "d1", "d1"}, Filters: filters})
	b := Fingerprint(Key{Question: "total   AMOUNT", DocumentIDs: []string{"d1", "d2"}, Filters: []model.Predicate{filters[1], filters[0]}})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Fingerprint(Key{Question: "total amount", DocumentIDs: []string{"d1"}, Filters: filters}))
	assert.NotEqual(t, a, Fingerprint(Key{Question: "total amount", DocumentIDs: []string{"d1", "d2"}}))
	assert.NotEqual(t, a, Fingerprint(Key{Question: "average amount", DocumentIDs: []string{"d1", "d2"}, Filters: filters}))
}

type backend struct {
	name string
	new  func(t *testing.T, max int) Cache
}

func backends() []backend {
	return []backend{
		{"memory", func(_ *testing.T, max int) Cache { return NewMemory(max, time.Hour) }},
		{"redis", func(t *testing.T, max int) Cache {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() }) //nolint:errcheck
			return NewRedis(rdb, "test", max, time.Hour)
		}},
	}
}

func entry(queryID string, docs ...string) *Entry {
	return &Entry{Answer: "42", Kind: model.QueryAnalytical, QueryID: queryID, DocumentIDs: docs}
}

func TestRoundTripAndInvalidation(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := b.new(t, 100)
			ctx := context.Background()
			fp := Fingerprint(Key{Question: "total", DocumentIDs: []string{"d1", "d2"}})

			_, ok, err := c.Get(ctx, fp)
			require.NoError(t, err)
			assert.False(t, ok)

			tok, err := c.Snapshot(ctx, []string{"d1", "d2"})
			require.NoError(t, err)
			stored, err := c.Set(ctx, fp, entry("q1", "d1", "d2"), tok)
			require.NoError(t, err)
			assert.True(t, stored)

			got, ok, err := c.Get(ctx, fp)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "q1", got.QueryID)
			assert.Equal(t, "42", got.Answer)
			assert.Equal(t, int64(1), got.Hits)

			n, err := c.InvalidateDocument(ctx, "d2")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, err = c.Get(ctx, fp)
			require.NoError(t, err)
			assert.False(t, ok, "invalidated entry must miss")

			n, err = c.InvalidateDocument(ctx, "d1")
			require.NoError(t, err)
			assert.Equal(t, 0, n, "index cleared for every contributing document")

			st, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, st.Entries)
			assert.Equal(t, int64(1), st.Hits)
			assert.Equal(t, int64(2), st.Misses)
			assert.Equal(t, int64(1), st.Invalidations)
		})
	}
}

func TestInvalidateLeavesUnrelatedEntries(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := b.new(t, 100)
			ctx := context.Background()

			tok, err := c.Snapshot(ctx, []string{"d1", "d2"})
			require.NoError(t, err)
			_, err = c.Set(ctx, "fp-a", entry("qa", "d1"), tok)
			require.NoError(t, err)
			_, err = c.Set(ctx, "fp-b", entry("qb", "d2"), tok)
			require.NoError(t, err)

			_, err = c.InvalidateDocument(ctx, "d1")
			require.NoError(t, err)

			_, ok, _ := c.Get(ctx, "fp-a")
			assert.False(t, ok)
			got, ok, _ := c.Get(ctx, "fp-b")
			require.True(t, ok)
			assert.Equal(t, "qb", got.QueryID)
		})
	}
}

func TestStaleSetRefused(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := b.new(t, 100)
			ctx := context.Background()

			tok, err := c.Snapshot(ctx, []string{"d1", "d2"})
			require.NoError(t, err)

			// A verification lands while the answer is being computed.
			_, err = c.InvalidateDocument(ctx, "d2")
			require.NoError(t, err)

			stored, err := c.Set(ctx, "fp", entry("q1", "d1", "d2"), tok)
			require.NoError(t, err)
			assert.False(t, stored)
			_, ok, _ := c.Get(ctx, "fp")
			assert.False(t, ok)

			st, _ := c.Stats(ctx)
			assert.Equal(t, int64(1), st.StaleSets)

			fresh, err := c.Snapshot(ctx, []string{"d1", "d2"})
			require.NoError(t, err)
			assert.Equal(t, int64(1), fresh.Generations["d2"])
			stored, err = c.Set(ctx, "fp", entry("q2", "d1", "d2"), fresh)
			require.NoError(t, err)
			assert.True(t, stored)
		})
	}
}

func TestLRUTrim(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := b.new(t, 2)
			ctx := context.Background()
			tok, _ := c.Snapshot(ctx, nil)

			_, err := c.Set(ctx, "fp-1", entry("q1", "d1"), tok)
			require.NoError(t, err)
			_, err = c.Set(ctx, "fp-2", entry("q2", "d2"), tok)
			require.NoError(t, err)
			_, _, _ = c.Get(ctx, "fp-1")
			_, err = c.Set(ctx, "fp-3", entry("q3", "d3"), tok)
			require.NoError(t, err)

			_, ok, _ := c.Get(ctx, "fp-2")
			assert.False(t, ok, "least recently used entry evicted")
			_, ok, _ = c.Get(ctx, "fp-1")
			assert.True(t, ok)
			_, ok, _ = c.Get(ctx, "fp-3")
			assert.True(t, ok)

			n, err := c.InvalidateDocument(ctx, "d2")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestMemoryReplaceReindexes(t *testing.T) {
	c := NewMemory(10, time.Hour)
	ctx := context.Background()
	tok, _ := c.Snapshot(ctx, nil)

	_, err := c.Set(ctx, "fp", entry("q1", "d1"), tok)
	require.NoError(t, err)
	_, err = c.Set(ctx, "fp", entry("q2", "d2"), tok)
	require.NoError(t, err)

	n, err := c.InvalidateDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "old document no longer indexes the key")

	got, ok, _ := c.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "q2", got.QueryID)
}

func TestMemoryConcurrentGetCountsEveryHit(t *testing.T) {
	c := NewMemory(10, time.Hour)
	ctx := context.Background()
	tok, _ := c.Snapshot(ctx, []string{"d1"})
	_, err := c.Set(ctx, "fp", entry("q1", "d1"), tok)
	require.NoError(t, err)

	const workers, perWorker = 8, 50
	seen := make([][]int64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				got, ok, err := c.Get(ctx, "fp")
				if assert.NoError(t, err) && assert.True(t, ok) {
					seen[w] = append(seen[w], got.Hits)
					got.DocumentIDs[0] = "mutated"
				}
			}
		}(w)
	}
	wg.Wait()

	unique := make(map[int64]struct{})
	for _, hs := range seen {
		for _, h := range hs {
			unique[h] = struct{}{}
		}
	}
	assert.Len(t, unique, workers*perWorker, "every Get observes its own hit count")

	got, ok, _ := c.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, int64(workers*perWorker+1), got.Hits)
	assert.Equal(t, []string{"d1"}, got.DocumentIDs, "callers cannot mutate the cached entry")
}

func TestRedisTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close() //nolint:errcheck
	c := NewRedis(rdb, "ttl", 10, time.Minute)
	ctx := context.Background()
	tok, _ := c.Snapshot(ctx, []string{"d1"})

	_, err := c.Set(ctx, "fp", entry("q1", "d1"), tok)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Entries, "expired entry dropped from the LRU index on miss")
}
