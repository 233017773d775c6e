package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Thresholds ThresholdsConfig `yaml:"thresholds" mapstructure:"thresholds"`
	Cluster    ClusterConfig    `yaml:"cluster" mapstructure:"cluster"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Generator  GeneratorConfig  `yaml:"generator" mapstructure:"generator"`
	Answer     AnswerConfig     `yaml:"answer" mapstructure:"answer"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// ThresholdsConfig is the system scope of the confidence threshold cascade.
// Zero values fall through to the hardcoded defaults.
type ThresholdsConfig struct {
	High              float64 `yaml:"high" mapstructure:"high"`
	Medium            float64 `yaml:"medium" mapstructure:"medium"`
	Audit             float64 `yaml:"audit" mapstructure:"audit"`
	LayerCacheTTLSecs int     `yaml:"layer_cache_ttl_secs" mapstructure:"layer_cache_ttl_secs"`
}

// ClusterConfig configures document grouping and template matching.
type ClusterConfig struct {
	MergeThreshold float64 `yaml:"merge_threshold" mapstructure:"merge_threshold"`
	MatchThreshold float64 `yaml:"match_threshold" mapstructure:"match_threshold"`
}

// CacheConfig configures the answer cache.
type CacheConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
	TTLSecs    int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	RedisURL   string `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix  string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// GeneratorConfig configures the external answer generator.
type GeneratorConfig struct {
	AnthropicKey     string  `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	Model            string  `yaml:"model" mapstructure:"model"`
	MaxTokens        int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// AnswerConfig configures the ask and regeneration paths.
type AnswerConfig struct {
	MaxContextDocuments int `yaml:"max_context_documents" mapstructure:"max_context_documents"`
	MaxRegenerations    int `yaml:"max_regenerations" mapstructure:"max_regenerations"`
	RegenConcurrency    int `yaml:"regen_concurrency" mapstructure:"regen_concurrency"`
	LineageTTLHours     int `yaml:"lineage_ttl_hours" mapstructure:"lineage_ttl_hours"`
}

// RegistryConfig locates the template catalog.
type RegistryConfig struct {
	NotionToken string `yaml:"notion_token" mapstructure:"notion_token"`
	TemplateDB  string `yaml:"template_db" mapstructure:"template_db"`
	FixturePath string `yaml:"fixture_path" mapstructure:"fixture_path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DOCVERIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "docverify.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 60)
	v.SetDefault("thresholds.high", 0.90)
	v.SetDefault("thresholds.medium", 0.75)
	v.SetDefault("thresholds.audit", 0.70)
	v.SetDefault("thresholds.layer_cache_ttl_secs", 30)
	v.SetDefault("cluster.merge_threshold", 0.8)
	v.SetDefault("cluster.match_threshold", 0.70)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.ttl_secs", 3600)
	v.SetDefault("cache.key_prefix", "docverify:answers")
	v.SetDefault("generator.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("generator.max_tokens", 2048)
	v.SetDefault("generator.timeout_secs", 30)
	v.SetDefault("generator.max_attempts", 2)
	v.SetDefault("generator.rate_limit_rps", 5)
	v.SetDefault("generator.breaker_threshold", 5)
	v.SetDefault("generator.breaker_reset_secs", 30)
	v.SetDefault("answer.max_context_documents", 50)
	v.SetDefault("answer.max_regenerations", 20)
	v.SetDefault("answer.regen_concurrency", 4)
	v.SetDefault("answer.lineage_ttl_hours", 24*90)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "cli" (store-only commands), "ask" (needs the generator), "sync" (needs a
// template source).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "ask":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateCache()...)
		if c.Generator.AnthropicKey == "" {
			errs = append(errs, "generator.anthropic_key is required")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "cli":
		errs = append(errs, c.validateStore()...)
	case "sync":
		errs = append(errs, c.validateStore()...)
		if c.Registry.FixturePath == "" && (c.Registry.NotionToken == "" || c.Registry.TemplateDB == "") {
			errs = append(errs, "registry.fixture_path or registry.notion_token + registry.template_db is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	errs = append(errs, c.validateThresholds()...)
	if c.Cluster.MergeThreshold <= 0 || c.Cluster.MergeThreshold > 1 {
		errs = append(errs, "cluster.merge_threshold must be in (0, 1]")
	}
	if c.Cluster.MatchThreshold <= 0 || c.Cluster.MatchThreshold > 1 {
		errs = append(errs, "cluster.match_threshold must be in (0, 1]")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateCache() []string {
	var errs []string
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, "cache.redis_url is required for the redis backend")
		}
	default:
		errs = append(errs, "cache.backend must be memory or redis")
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, "cache.max_entries must be > 0")
	}
	return errs
}

func (c *Config) validateThresholds() []string {
	var errs []string
	for name, v := range map[string]float64{
		"thresholds.high":   c.Thresholds.High,
		"thresholds.medium": c.Thresholds.Medium,
		"thresholds.audit":  c.Thresholds.Audit,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, name+" must be between 0 and 1")
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
