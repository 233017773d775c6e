package main

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/aggregate"
	"github.com/sells-group/docverify/internal/answer"
	"github.com/sells-group/docverify/internal/answercache"
	"github.com/sells-group/docverify/internal/audit"
	"github.com/sells-group/docverify/internal/cluster"
	"github.com/sells-group/docverify/internal/generator"
	"github.com/sells-group/docverify/internal/ingest"
	"github.com/sells-group/docverify/internal/lineage"
	"github.com/sells-group/docverify/internal/store"
	"github.com/sells-group/docverify/internal/threshold"
	"github.com/sells-group/docverify/internal/verify"
	anthropicpkg "github.com/sells-group/docverify/pkg/anthropic"
)

// appEnv holds the services a command needs. Answers and Orchestrator are
// nil unless the command asked for the generator.
type appEnv struct {
	Store        store.Store
	Cache        answercache.Cache
	Resolver     *threshold.Resolver
	Audit        *audit.Manager
	Aggregator   *aggregate.Engine
	Lineage      *lineage.Service
	Verifier     *verify.Engine
	Ingester     *ingest.Ingester
	Answers      *answer.Service
	Orchestrator *answer.Orchestrator
}

// Close releases the store and cache connections.
func (e *appEnv) Close() {
	if c, ok := e.Cache.(io.Closer); ok {
		_ = c.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the store config, connects and migrates.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("cli"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initApp wires every service. withGenerator adds the ask and regeneration
// paths, which need an Anthropic key.
func initApp(ctx context.Context, mode string, withGenerator bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cache, err := answercache.Open(ctx, cfg.Cache)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "open answer cache")
	}

	env := &appEnv{
		Store:      st,
		Cache:      cache,
		Resolver:   threshold.NewResolver(st, cfg.Thresholds),
		Aggregator: aggregate.New(st),
		Lineage:    lineage.New(st, time.Duration(cfg.Answer.LineageTTLHours)*time.Hour),
		Verifier:   verify.New(st, cache),
	}
	env.Audit = audit.New(st, env.Resolver)
	env.Ingester = ingest.New(st, cluster.New(cfg.Cluster), env.Resolver, cache)

	if withGenerator {
		client := anthropicpkg.NewClient(cfg.Generator.AnthropicKey)
		gen := generator.NewGuarded(
			generator.NewAnthropic(client, cfg.Generator.Model, cfg.Generator.MaxTokens),
			cfg.Generator,
		)
		env.Answers = answer.New(st, env.Aggregator, cache, gen, env.Lineage, cfg.Answer)
		env.Orchestrator = answer.NewOrchestrator(env.Verifier, env.Answers)
	}

	zap.L().Debug("app initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Backend),
		zap.Bool("generator", withGenerator),
	)
	return env, nil
}
