package answercache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sells-group/docverify/internal/metrics"
)

// Memory is an in-process Cache backed by an expirable LRU.
type Memory struct {
	lru *expirable.LRU[string, *Entry]

	// writeMu serializes Set against InvalidateDocument so a stale write
	// can never land between a generation bump and the index sweep.
	writeMu sync.Mutex

	// idxMu guards byDoc, gens and dropping. The LRU eviction callback runs
	// with the LRU's own lock held, so idxMu must never be held while
	// calling into the LRU.
	idxMu    sync.Mutex
	byDoc    map[string]map[string]struct{}
	gens     map[string]int64
	dropping map[string]struct{}

	hits, misses, invalidations, staleSets atomic.Int64
}

// NewMemory creates a Memory cache. Non-positive arguments use the defaults.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		byDoc:    make(map[string]map[string]struct{}),
		gens:     make(map[string]int64),
		dropping: make(map[string]struct{}),
	}
	m.lru = expirable.NewLRU[string, *Entry](maxEntries, m.onEvict, ttl)
	return m
}

// onEvict unindexes an entry removed by TTL, LRU pressure or invalidation.
func (m *Memory) onEvict(fp string, e *Entry) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()

	if _, ok := m.dropping[fp]; ok {
		delete(m.dropping, fp)
	} else {
		metrics.Get().CacheEvictions.Inc()
	}
	for _, id := range e.DocumentIDs {
		set := m.byDoc[id]
		delete(set, fp)
		if len(set) == 0 {
			delete(m.byDoc, id)
		}
	}
}

// Snapshot implements Cache.
func (m *Memory) Snapshot(_ context.Context, docIDs []string) (Token, error) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	tok := Token{Generations: make(map[string]int64, len(docIDs))}
	for _, id := range docIDs {
		tok.Generations[id] = m.gens[id]
	}
	return tok, nil
}

// Get implements Cache. The returned entry is a copy.
func (m *Memory) Get(_ context.Context, fp string) (*Entry, bool, error) {
	e, ok := m.lru.Get(fp)
	if !ok {
		m.misses.Add(1)
		metrics.Get().CacheMisses.Inc()
		return nil, false, nil
	}
	m.hits.Add(1)
	metrics.Get().CacheHits.Inc()
	hits := atomic.AddInt64(&e.Hits, 1)
	return &Entry{
		Answer:      e.Answer,
		Value:       e.Value,
		Kind:        e.Kind,
		QueryID:     e.QueryID,
		DocumentIDs: append([]string(nil), e.DocumentIDs...),
		CreatedAt:   e.CreatedAt,
		Hits:        hits,
	}, true, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, fp string, e *Entry, tok Token) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.idxMu.Lock()
	for id, gen := range tok.Generations {
		if m.gens[id] != gen {
			m.idxMu.Unlock()
			m.staleSets.Add(1)
			metrics.Get().CacheStaleSets.Inc()
			return false, nil
		}
	}
	m.idxMu.Unlock()

	stored := *e
	stored.DocumentIDs = sortedIDs(e.DocumentIDs)
	stored.Hits = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	// Replacing an existing key fires onEvict for the old value, which
	// unindexes it before the new value is indexed below.
	if m.lru.Contains(fp) {
		m.idxMu.Lock()
		m.dropping[fp] = struct{}{}
		m.idxMu.Unlock()
		m.lru.Remove(fp)
	}
	m.lru.Add(fp, &stored)

	m.idxMu.Lock()
	for _, id := range stored.DocumentIDs {
		set := m.byDoc[id]
		if set == nil {
			set = make(map[string]struct{})
			m.byDoc[id] = set
		}
		set[fp] = struct{}{}
	}
	m.idxMu.Unlock()
	return true, nil
}

// InvalidateDocument implements Cache.
func (m *Memory) InvalidateDocument(_ context.Context, docID string) (int, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.idxMu.Lock()
	m.gens[docID]++
	fps := make([]string, 0, len(m.byDoc[docID]))
	for fp := range m.byDoc[docID] {
		fps = append(fps, fp)
		m.dropping[fp] = struct{}{}
	}
	m.idxMu.Unlock()

	n := 0
	for _, fp := range fps {
		if m.lru.Remove(fp) {
			n++
		} else {
			m.idxMu.Lock()
			delete(m.dropping, fp)
			m.idxMu.Unlock()
		}
	}
	m.invalidations.Add(int64(n))
	metrics.Get().CacheInvalidations.Add(float64(n))
	return n, nil
}

// Stats implements Cache.
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	return Stats{
		Entries:       m.lru.Len(),
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Invalidations: m.invalidations.Load(),
		StaleSets:     m.staleSets.Load(),
	}, nil
}
