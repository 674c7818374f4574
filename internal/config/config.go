package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the gateway service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Log           LogConfig           `mapstructure:"log"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Vault         VaultConfig         `mapstructure:"vault"`
	KeyPool       KeyPoolConfig       `mapstructure:"key_pool"`
	Tokens        TokensConfig        `mapstructure:"tokens"`
	Chat          ChatConfig          `mapstructure:"chat"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Health        HealthConfig        `mapstructure:"health"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	ProviderTimeout       time.Duration `mapstructure:"provider_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MinConns        int32         `mapstructure:"min_conns"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

// RedisConfig configures the shared client. KeyPrefix namespaces every key the gateway writes so several
// deployments can share one Redis.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// LogConfig controls the zap logger. File output is optional and rotated by lumberjack.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// AuthConfig configures verification of bearer tokens minted by the session service.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	AdminRole string `mapstructure:"admin_role"`
}

type VaultConfig struct {
	Secret string `mapstructure:"secret"`
}

type KeyPoolConfig struct {
	ErrorThreshold int  `mapstructure:"error_threshold"`
	StrictCaps     bool `mapstructure:"strict_caps"`
	MaxRedraws     int  `mapstructure:"max_redraws"`
	// NearLimitPercent marks a credential as near its cap in provider status reports.
	NearLimitPercent float64 `mapstructure:"near_limit_percent"`
}

type TokensConfig struct {
	DefaultContextWindow int `mapstructure:"default_context_window"`
	Reserve              int `mapstructure:"reserve"`
}

type ChatConfig struct {
	DefaultTemperature float64 `mapstructure:"default_temperature"`
	DefaultMaxTokens   int     `mapstructure:"default_max_tokens"`
	StreamBuffer       int     `mapstructure:"stream_buffer"`
	HistoryLimit       int     `mapstructure:"history_limit"`
}

type LedgerConfig struct {
	UserLock    bool          `mapstructure:"user_lock"`
	UserLockTTL time.Duration `mapstructure:"user_lock_ttl"`
}

// MaintenanceConfig schedules the usage resets and model sync. Schedules use the six-field cron syntax.
type MaintenanceConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DailyReset    string        `mapstructure:"daily_reset"`
	MonthlyReset  string        `mapstructure:"monthly_reset"`
	ModelSync     string        `mapstructure:"model_sync"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	Timezone      string        `mapstructure:"timezone"`
	SkipModelSync bool          `mapstructure:"skip_model_sync"`
}

type AlertsConfig struct {
	Webhooks []string      `mapstructure:"webhooks"`
	Webhook  WebhookConfig `mapstructure:"webhook"`
}

type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	ParallelStreams   int `mapstructure:"parallel_streams"`
}

// HealthConfig controls the background provider connectivity probe. A zero interval disables it.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("QINGYUN_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("QINGYUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AutomaticEnv only resolves keys viper already knows about; secrets have no defaults.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"database.url",
		"redis.url",
		"auth.jwt_secret",
		"vault.secret",
		"log.file",
		"alerts.webhooks",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate ensures required values are set.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "QINGYUN_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "QINGYUN_REDIS_URL")
	}
	if c.Vault.Secret == "" {
		missing = append(missing, "QINGYUN_VAULT_SECRET")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "QINGYUN_AUTH_JWT_SECRET")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 || c.Redis.MinIdleConns < 0 {
		return fmt.Errorf("redis.pool_size and redis.min_idle_conns must be >= 0")
	}
	c.Redis.KeyPrefix = strings.TrimRight(strings.TrimSpace(c.Redis.KeyPrefix), ":")
	if err := c.KeyPool.validate(); err != nil {
		return err
	}
	if err := c.Tokens.validate(); err != nil {
		return err
	}
	if err := c.Chat.validate(); err != nil {
		return err
	}
	if err := c.Maintenance.validate(); err != nil {
		return err
	}
	if c.Alerts.Webhook.Timeout <= 0 {
		c.Alerts.Webhook.Timeout = 5 * time.Second
	}
	if c.Alerts.Webhook.MaxRetries <= 0 {
		c.Alerts.Webhook.MaxRetries = 3
	}
	c.Alerts.Webhooks = normalizeStringSlice(c.Alerts.Webhooks)
	if c.RateLimits.RequestsPerMinute < 0 || c.RateLimits.ParallelStreams < 0 {
		return fmt.Errorf("rate_limits values must be >= 0")
	}
	if c.Ledger.UserLockTTL <= 0 {
		c.Ledger.UserLockTTL = 5 * time.Second
	}
	return nil
}

func (k *KeyPoolConfig) validate() error {
	if k.ErrorThreshold <= 0 {
		return fmt.Errorf("key_pool.error_threshold must be > 0")
	}
	if k.MaxRedraws < 0 {
		return fmt.Errorf("key_pool.max_redraws must be >= 0")
	}
	if k.NearLimitPercent <= 0 || k.NearLimitPercent > 100 {
		k.NearLimitPercent = 90
	}
	return nil
}

func (t *TokensConfig) validate() error {
	if t.DefaultContextWindow <= 0 {
		return fmt.Errorf("tokens.default_context_window must be > 0")
	}
	if t.Reserve < 0 {
		return fmt.Errorf("tokens.reserve must be >= 0")
	}
	return nil
}

func (c *ChatConfig) validate() error {
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		return fmt.Errorf("chat.default_temperature must be between 0 and 2")
	}
	if c.DefaultMaxTokens <= 0 {
		return fmt.Errorf("chat.default_max_tokens must be > 0")
	}
	if c.StreamBuffer < 0 {
		return fmt.Errorf("chat.stream_buffer must be >= 0")
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	return nil
}

func (m *MaintenanceConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"maintenance.daily_reset":   m.DailyReset,
		"maintenance.monthly_reset": m.MonthlyReset,
		"maintenance.model_sync":    m.ModelSync,
	} {
		if strings.TrimSpace(spec) == "" {
			if name == "maintenance.model_sync" {
				continue
			}
			return fmt.Errorf("%s must be provided when maintenance is enabled", name)
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	tz := strings.TrimSpace(m.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid maintenance.timezone: %w", err)
	}
	m.Timezone = tz
	if m.JobTimeout <= 0 {
		m.JobTimeout = 10 * time.Minute
	}
	if m.LockTTL <= 0 {
		m.LockTTL = time.Minute
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 4)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.idle_timeout", "300s")
	v.SetDefault("server.provider_timeout", "280s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.slow_query", "500ms")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.key_prefix", "qingyun")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("key_pool.error_threshold", 5)
	v.SetDefault("key_pool.strict_caps", false)
	v.SetDefault("key_pool.max_redraws", 3)
	v.SetDefault("key_pool.near_limit_percent", 90)
	v.SetDefault("tokens.default_context_window", 4096)
	v.SetDefault("tokens.reserve", 1000)
	v.SetDefault("chat.default_temperature", 0.7)
	v.SetDefault("chat.default_max_tokens", 2048)
	v.SetDefault("chat.stream_buffer", 16)
	v.SetDefault("chat.history_limit", 20)
	v.SetDefault("ledger.user_lock", false)
	v.SetDefault("ledger.user_lock_ttl", "5s")
	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.daily_reset", "0 0 0 * * *")
	v.SetDefault("maintenance.monthly_reset", "0 0 0 1 * *")
	v.SetDefault("maintenance.model_sync", "0 0 */6 * * *")
	v.SetDefault("maintenance.job_timeout", "10m")
	v.SetDefault("maintenance.lock_ttl", "1m")
	v.SetDefault("maintenance.timezone", "UTC")
	v.SetDefault("alerts.webhook.timeout", "5s")
	v.SetDefault("alerts.webhook.max_retries", 3)
	v.SetDefault("rate_limits.requests_per_minute", 60)
	v.SetDefault("rate_limits.parallel_streams", 3)
	v.SetDefault("health.check_interval", "5m")
	v.SetDefault("health.timeout", "10s")
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				clean = append(clean, trimmed)
			}
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
