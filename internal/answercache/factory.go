package answercache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docverify/internal/config"
)

// Open builds the configured backend.
func Open(ctx context.Context, cfg config.CacheConfig) (Cache, error) {
	ttl := time.Duration(cfg.TTLSecs) * time.Second
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.MaxEntries, ttl), nil
	case "redis":
		rdb, err := Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedis(rdb, cfg.KeyPrefix, cfg.MaxEntries, ttl), nil
	}
	return nil, eris.Errorf("answercache: unknown backend %q", cfg.Backend)
}
