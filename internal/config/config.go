// Package config defines all configuration for the copy-trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CT_* environment variables. A handful of
// operational knobs additionally honor their legacy bare env names
// (WORKER_POOL_SIZE, DRAWDOWN_TICK_MS, ...) used by existing deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Server    ServerConfig    `mapstructure:"server"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// ServerConfig holds the webhook ingress HTTP server settings.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequireHMAC    bool          `mapstructure:"require_hmac"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// BrokerConfig holds Tradovate API endpoints and OAuth settings.
//
//   - LiveBaseURL / DemoBaseURL: REST endpoints for the two environments.
//   - WSBaseURL: duplex endpoint used by the per-subaccount session pool.
//   - OAuthRedirectURI: fully-qualified HTTPS URL registered with Tradovate.
//   - Timeout: per-call deadline; a timed-out order is treated as rejected.
type BrokerConfig struct {
	LiveBaseURL      string        `mapstructure:"live_base_url"`
	DemoBaseURL      string        `mapstructure:"demo_base_url"`
	WSBaseURL        string        `mapstructure:"ws_base_url"`
	OAuthRedirectURI string        `mapstructure:"oauth_redirect_uri"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// EngineConfig tunes the signal pipeline and execution path.
//
//   - WorkerPoolSize: number of concurrent broker execution workers.
//   - QueueCapacity: bound on pending ExecutionTasks; enqueue past this drops
//     with an error event rather than blocking the webhook handler.
//   - DedupWindow: byte-identical webhook bodies within this window collapse
//     to a single processing event.
//   - TokenRefreshSkew: access tokens are considered expired this long
//     before their true expiry.
//   - DrawdownTick: period of the price poll / bracket watcher loop.
//   - DrainTimeout: cap on queue draining during shutdown.
type EngineConfig struct {
	WorkerPoolSize   int           `mapstructure:"worker_pool_size"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	TokenRefreshSkew time.Duration `mapstructure:"token_refresh_skew"`
	DrawdownTick     time.Duration `mapstructure:"drawdown_tick"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
}

// DatabaseConfig selects the persistence backend. When URL is empty the
// engine runs on the in-memory store (tests, local development).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the client-facing push/status API server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive and operational fields use env vars: CT_DATABASE_URL,
// WORKER_POOL_SIZE, TOKEN_REFRESH_SKEW_SECONDS, DRAWDOWN_TICK_MS,
// DEDUP_WINDOW_SECONDS, DEFAULT_BROKER_TIMEOUT_MS, OAUTH_REDIRECT_URI.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("broker.timeout", 10*time.Second)
	v.SetDefault("engine.worker_pool_size", 4)
	v.SetDefault("engine.queue_capacity", 1024)
	v.SetDefault("engine.dedup_window", 60*time.Second)
	v.SetDefault("engine.token_refresh_skew", 120*time.Second)
	v.SetDefault("engine.drawdown_tick", time.Second)
	v.SetDefault("engine.drain_timeout", 30*time.Second)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("dashboard.port", 8081)
}

// applyEnvOverrides honors the bare operational env names.
func applyEnvOverrides(cfg *Config) {
	if n, ok := envInt("WORKER_POOL_SIZE"); ok {
		cfg.Engine.WorkerPoolSize = n
	}
	if n, ok := envInt("TOKEN_REFRESH_SKEW_SECONDS"); ok {
		cfg.Engine.TokenRefreshSkew = time.Duration(n) * time.Second
	}
	if n, ok := envInt("DRAWDOWN_TICK_MS"); ok {
		cfg.Engine.DrawdownTick = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("DEDUP_WINDOW_SECONDS"); ok {
		cfg.Engine.DedupWindow = time.Duration(n) * time.Second
	}
	if n, ok := envInt("DEFAULT_BROKER_TIMEOUT_MS"); ok {
		cfg.Broker.Timeout = time.Duration(n) * time.Millisecond
	}
	if uri := os.Getenv("OAUTH_REDIRECT_URI"); uri != "" {
		cfg.Broker.OAuthRedirectURI = uri
	}
	if url := os.Getenv("CT_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if os.Getenv("CT_DRY_RUN") == "true" || os.Getenv("CT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
}

func envInt(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Broker.LiveBaseURL == "" && c.Broker.DemoBaseURL == "" {
		return fmt.Errorf("at least one of broker.live_base_url / broker.demo_base_url is required")
	}
	if c.Broker.OAuthRedirectURI != "" && !strings.HasPrefix(c.Broker.OAuthRedirectURI, "https://") {
		return fmt.Errorf("broker.oauth_redirect_uri must be a fully-qualified https URL")
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be > 0")
	}
	if c.Engine.WorkerPoolSize <= 0 {
		return fmt.Errorf("engine.worker_pool_size must be > 0")
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("engine.queue_capacity must be > 0")
	}
	if c.Engine.DedupWindow <= 0 {
		return fmt.Errorf("engine.dedup_window must be > 0")
	}
	if c.Engine.DrawdownTick <= 0 {
		return fmt.Errorf("engine.drawdown_tick must be > 0")
	}
	return nil
}
