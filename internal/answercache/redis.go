package answercache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/metrics"
)

// Redis is a Cache shared between processes.
//
// Layout under prefix:
//
//	entry:<fp>  JSON Entry with TTL
//	doc:<id>    set of fingerprints the document contributed to
//	gen:<id>    invalidation generation of the document
//	lru         sorted set of fingerprints by last access, trimmed to max
//	hits        hash of fingerprint to hit count
type Redis struct {
	rdb        *redis.Client
	prefix     string
	maxEntries int
	ttl        time.Duration

	hits, misses, invalidations, staleSets atomic.Int64
}

// Dial connects to url and pings it.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "answercache: parse redis url")
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "answercache: redis ping")
	}
	return rdb, nil
}

// NewRedis creates a Redis cache. Non-positive limits use the defaults.
func NewRedis(rdb *redis.Client, prefix string, maxEntries int, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "docverify:answers"
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, prefix: prefix, maxEntries: maxEntries, ttl: ttl}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) entryKey(fp string) string { return r.prefix + ":entry:" + fp }
func (r *Redis) docKey(id string) string   { return r.prefix + ":doc:" + id }
func (r *Redis) genKey(id string) string   { return r.prefix + ":gen:" + id }
func (r *Redis) lruKey() string            { return r.prefix + ":lru" }
func (r *Redis) hitsKey() string           { return r.prefix + ":hits" }

// Snapshot implements Cache.
func (r *Redis) Snapshot(ctx context.Context, docIDs []string) (Token, error) {
	tok := Token{Generations: make(map[string]int64, len(docIDs))}
	if len(docIDs) == 0 {
		return tok, nil
	}
	keys := make([]string, len(docIDs))
	for i, id := range docIDs {
		keys[i] = r.genKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Token{}, eris.Wrap(err, "answercache: snapshot")
	}
	for i, id := range docIDs {
		gen, err := parseGen(vals[i])
		if err != nil {
			return Token{}, eris.Wrapf(err, "answercache: snapshot %s", id)
		}
		tok.Generations[id] = gen
	}
	return tok, nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, fp string) (*Entry, bool, error) {
	raw, err := r.rdb.Get(ctx, r.entryKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		metrics.Get().CacheMisses.Inc()
		// The entry may have expired; drop it from the LRU index too.
		r.rdb.ZRem(ctx, r.lruKey(), fp)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "answercache: get")
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, eris.Wrap(err, "answercache: decode entry")
	}

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, r.lruKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: fp})
	hits := pipe.HIncrBy(ctx, r.hitsKey(), fp, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Warn("answercache: touch failed", zap.String("fingerprint", fp), zap.Error(err))
	} else {
		e.Hits = hits.Val()
	}

	r.hits.Add(1)
	metrics.Get().CacheHits.Inc()
	return &e, true, nil
}

// Set implements Cache. The generation keys are watched, so an
// invalidation that lands between the check and the write aborts it.
func (r *Redis) Set(ctx context.Context, fp string, e *Entry, tok Token) (bool, error) {
	stored := *e
	stored.DocumentIDs = sortedIDs(e.DocumentIDs)
	stored.Hits = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(&stored)
	if err != nil {
		return false, eris.Wrap(err, "answercache: encode entry")
	}

	ids := make([]string, 0, len(tok.Generations))
	genKeys := make([]string, 0, len(tok.Generations))
	for id := range tok.Generations {
		ids = append(ids, id)
		genKeys = append(genKeys, r.genKey(id))
	}

	stale := false
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if len(genKeys) > 0 {
			vals, err := tx.MGet(ctx, genKeys...).Result()
			if err != nil {
				return err
			}
			for i, id := range ids {
				gen, err := parseGen(vals[i])
				if err != nil {
					return err
				}
				if gen != tok.Generations[id] {
					stale = true
					return nil
				}
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.entryKey(fp), raw, r.ttl)
			for _, id := range stored.DocumentIDs {
				pipe.SAdd(ctx, r.docKey(id), fp)
				pipe.Expire(ctx, r.docKey(id), r.ttl)
			}
			pipe.ZAdd(ctx, r.lruKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: fp})
			pipe.HDel(ctx, r.hitsKey(), fp)
			return nil
		})
		return err
	}, genKeys...)
	if errors.Is(err, redis.TxFailedErr) {
		stale = true
		err = nil
	}
	if err != nil {
		return false, eris.Wrap(err, "answercache: set")
	}
	if stale {
		r.staleSets.Add(1)
		metrics.Get().CacheStaleSets.Inc()
		return false, nil
	}

	if err := r.trim(ctx); err != nil {
		zap.L().Warn("answercache: trim failed", zap.Error(err))
	}
	return true, nil
}

// trim evicts the least recently used entries above maxEntries.
func (r *Redis) trim(ctx context.Context) error {
	n, err := r.rdb.ZCard(ctx, r.lruKey()).Result()
	if err != nil {
		return err
	}
	over := n - int64(r.maxEntries)
	if over <= 0 {
		return nil
	}
	popped, err := r.rdb.ZPopMin(ctx, r.lruKey(), over).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(popped))
	fps := make([]string, 0, len(popped))
	for _, z := range popped {
		fp, _ := z.Member.(string)
		keys = append(keys, r.entryKey(fp))
		fps = append(fps, fp)
	}
	pipe := r.rdb.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.HDel(ctx, r.hitsKey(), fps...)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	metrics.Get().CacheEvictions.Add(float64(del.Val()))
	return nil
}

// InvalidateDocument implements Cache. The generation is bumped in the
// same transaction that reads the document's index, so any Set that has
// not yet committed will fail its watch.
func (r *Redis) InvalidateDocument(ctx context.Context, docID string) (int, error) {
	var members *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, r.genKey(docID))
		members = pipe.SMembers(ctx, r.docKey(docID))
		pipe.Del(ctx, r.docKey(docID))
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "answercache: invalidate %s", docID)
	}
	fps := members.Val()
	if len(fps) == 0 {
		return 0, nil
	}

	keys := make([]string, len(fps))
	zmembers := make([]any, len(fps))
	for i, fp := range fps {
		keys[i] = r.entryKey(fp)
		zmembers[i] = fp
	}
	pipe := r.rdb.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, r.lruKey(), zmembers...)
	pipe.HDel(ctx, r.hitsKey(), fps...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrapf(err, "answercache: drop entries for %s", docID)
	}

	n := int(del.Val())
	r.invalidations.Add(int64(n))
	metrics.Get().CacheInvalidations.Add(float64(n))
	return n, nil
}

// Stats implements Cache.
func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	n, err := r.rdb.ZCard(ctx, r.lruKey()).Result()
	if err != nil {
		return Stats{}, eris.Wrap(err, "answercache: stats")
	}
	return Stats{
		Entries:       int(n),
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		Invalidations: r.invalidations.Load(),
		StaleSets:     r.staleSets.Load(),
	}, nil
}

func parseGen(v any) (int64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, eris.Errorf("answercache: unexpected generation %T", v)
}
