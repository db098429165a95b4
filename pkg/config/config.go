package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Resource  ResourceConfig
	Monitor   MonitorConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ClientRateLimit float64       `mapstructure:"client_rate_limit"`
	ClientRateBurst int           `mapstructure:"client_rate_burst"`
}

type QueueConfig struct {
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	MaxQueueSize          int           `mapstructure:"max_queue_size"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	DispatchInterval      time.Duration `mapstructure:"dispatch_interval"`
}

// ProviderLimits bounds a single upstream provider. A zero limit disables the
// check for that dimension.
type ProviderLimits struct {
	RequestsPerMinute  int           `mapstructure:"requests_per_minute"`
	TokensPerMinute    int           `mapstructure:"tokens_per_minute"`
	ConcurrentRequests int           `mapstructure:"concurrent_requests"`
	BurstLimit         int           `mapstructure:"burst_limit"`
	BurstWindow        time.Duration `mapstructure:"burst_window"`
}

type RateLimitConfig struct {
	GlobalRequestsPerMinute     int                       `mapstructure:"global_requests_per_minute"`
	GlobalTokensPerMinute       int                       `mapstructure:"global_tokens_per_minute"`
	GlobalConcurrentRequests    int                       `mapstructure:"global_concurrent_requests"`
	DefaultProviderLimits       ProviderLimits            `mapstructure:"default_provider_limits"`
	Providers                   map[string]ProviderLimits `mapstructure:"providers"`
	WindowSize                  time.Duration             `mapstructure:"window_size"`
	AdaptiveThrottlingThreshold float64                   `mapstructure:"adaptive_throttling_threshold"`
	ThrottlingBackoffMultiplier float64                   `mapstructure:"throttling_backoff_multiplier"`
	ThrottlingRecoveryRate      float64                   `mapstructure:"throttling_recovery_rate"`
	BaseThrottleDelay           time.Duration             `mapstructure:"base_throttle_delay"`
	CleanupInterval             time.Duration             `mapstructure:"cleanup_interval"`
	ProviderIdleTTL             time.Duration             `mapstructure:"provider_idle_ttl"`
}

type ResourceConfig struct {
	MemoryThreshold    float64       `mapstructure:"memory_threshold"`
	CPUThreshold       float64       `mapstructure:"cpu_threshold"`
	QueueHighWater     int           `mapstructure:"queue_high_water"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	HistorySize        int           `mapstructure:"history_size"`
	MinConcurrent      int           `mapstructure:"min_concurrent"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	ScaleCooldown      time.Duration `mapstructure:"scale_cooldown"`
	ScaleDownSlackMark float64       `mapstructure:"scale_down_slack_mark"`
}

type MonitorConfig struct {
	MemoryThreshold           float64       `mapstructure:"memory_threshold"`
	CPUThreshold              float64       `mapstructure:"cpu_threshold"`
	ResponseTimeThreshold     time.Duration `mapstructure:"response_time_threshold"`
	QueueWaitThreshold        time.Duration `mapstructure:"queue_wait_threshold"`
	MonitoringInterval        time.Duration `mapstructure:"monitoring_interval"`
	OptimizationInterval      time.Duration `mapstructure:"optimization_interval"`
	EnableOptimization        bool          `mapstructure:"enable_optimization"`
	SnapshotHistorySize       int           `mapstructure:"snapshot_history_size"`
	AlertHistorySize          int           `mapstructure:"alert_history_size"`
	RecommendationHistorySize int           `mapstructure:"recommendation_history_size"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/llmgate/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("LLMGATE")
	viper.AutomaticEnv()

	viper.SetDefault("server.http_port", 8090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.client_rate_limit", 20.0)
	viper.SetDefault("server.client_rate_burst", 40)

	viper.SetDefault("queue.max_concurrent_requests", 10)
	viper.SetDefault("queue.max_queue_size", 100)
	viper.SetDefault("queue.request_timeout", "60s")
	viper.SetDefault("queue.dispatch_interval", "5ms")

	viper.SetDefault("rate_limit.global_requests_per_minute", 300)
	viper.SetDefault("rate_limit.global_tokens_per_minute", 150000)
	viper.SetDefault("rate_limit.global_concurrent_requests", 50)
	viper.SetDefault("rate_limit.default_provider_limits.requests_per_minute", 60)
	viper.SetDefault("rate_limit.default_provider_limits.tokens_per_minute", 40000)
	viper.SetDefault("rate_limit.default_provider_limits.concurrent_requests", 10)
	viper.SetDefault("rate_limit.default_provider_limits.burst_limit", 10)
	viper.SetDefault("rate_limit.default_provider_limits.burst_window", "10s")
	viper.SetDefault("rate_limit.window_size", "60s")
	viper.SetDefault("rate_limit.adaptive_throttling_threshold", 0.8)
	viper.SetDefault("rate_limit.throttling_backoff_multiplier", 1.5)
	viper.SetDefault("rate_limit.throttling_recovery_rate", 0.1)
	viper.SetDefault("rate_limit.base_throttle_delay", "1s")
	viper.SetDefault("rate_limit.cleanup_interval", "5m")
	viper.SetDefault("rate_limit.provider_idle_ttl", "30m")

	viper.SetDefault("resource.memory_threshold", 0.8)
	viper.SetDefault("resource.cpu_threshold", 0.9)
	viper.SetDefault("resource.queue_high_water", 80)
	viper.SetDefault("resource.sample_interval", "10s")
	viper.SetDefault("resource.history_size", 30)
	viper.SetDefault("resource.min_concurrent", 1)
	viper.SetDefault("resource.max_concurrent", 50)
	viper.SetDefault("resource.scale_cooldown", "30s")
	viper.SetDefault("resource.scale_down_slack_mark", 0.5)

	viper.SetDefault("monitor.memory_threshold", 0.8)
	viper.SetDefault("monitor.cpu_threshold", 0.9)
	viper.SetDefault("monitor.response_time_threshold", "3s")
	viper.SetDefault("monitor.queue_wait_threshold", "5s")
	viper.SetDefault("monitor.monitoring_interval", "30s")
	viper.SetDefault("monitor.optimization_interval", "5m")
	viper.SetDefault("monitor.enable_optimization", true)
	viper.SetDefault("monitor.snapshot_history_size", 120)
	viper.SetDefault("monitor.alert_history_size", 100)
	viper.SetDefault("monitor.recommendation_history_size", 50)

	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
