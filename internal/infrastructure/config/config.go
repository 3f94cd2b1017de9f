package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	RabbitMQ      RabbitMQConfig      `mapstructure:"rabbitmq"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	RocketMQ      RocketMQConfig      `mapstructure:"rocketmq"`
	HTTPNotify    HTTPNotifyConfig    `mapstructure:"http_notify"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Groups        []GroupConfig       `mapstructure:"groups"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	CORS               CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MinConnections    int           `mapstructure:"min_connections"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
	SSLMode           string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// RabbitMQConfig enables the rabbit_mq transport when URL is set.
type RabbitMQConfig struct {
	URL            string        `mapstructure:"url"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// KafkaConfig enables the kafka transport when Brokers is non-empty.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// RocketMQConfig enables the rocket_mq transport when NameServers is non-empty.
type RocketMQConfig struct {
	NameServers   []string `mapstructure:"name_servers"`
	ProducerGroup string   `mapstructure:"producer_group"`
	Retries       int      `mapstructure:"retries"`
}

type HTTPNotifyConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

type EngineConfig struct {
	ShardCount         int             `mapstructure:"shard_count"`
	SchedulerPoolSize  int             `mapstructure:"scheduler_pool_size"`
	ImmediateWorkers   int             `mapstructure:"immediate_workers"`
	ImmediateQueueSize int             `mapstructure:"immediate_queue_size"`
	DispatchTimeout    time.Duration   `mapstructure:"dispatch_timeout"`
	StatusRetries      int             `mapstructure:"status_retries"`
	StatusRetryDelay   time.Duration   `mapstructure:"status_retry_delay"`
	GroupLock          GroupLockConfig `mapstructure:"group_lock"`
	Breaker            BreakerConfig   `mapstructure:"breaker"`
}

// GroupLockConfig makes instances take a Redis lock per group tick.
type GroupLockConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// GroupConfig is one reconciliation scan group. Cron and FixedDelay are
// mutually exclusive; when neither is set FixedDelay defaults to 5s.
type GroupConfig struct {
	GroupID     string        `mapstructure:"group_id"`
	Shards      []int         `mapstructure:"shards"`
	Cron        string        `mapstructure:"cron"`
	FixedDelay  time.Duration `mapstructure:"fixed_delay"`
	Limit       int           `mapstructure:"limit"`
	RescanEvery int           `mapstructure:"rescan_every"`
}

const (
	DefaultGroupID     = "default"
	DefaultGroupLimit  = 100
	DefaultFixedDelay  = 5 * time.Second
	DefaultRescanEvery = 10
)

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKMESSAGE")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/taskmessage")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyGroupDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ApplyGroupDefaults fills unset group fields. With no groups configured a
// single default group covers every shard.
func (c *Config) ApplyGroupDefaults() {
	if len(c.Groups) == 0 {
		shards := make([]int, c.Engine.ShardCount)
		for i := range shards {
			shards[i] = i
		}
		c.Groups = []GroupConfig{{GroupID: DefaultGroupID, Shards: shards, RescanEvery: DefaultRescanEvery}}
	}
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.GroupID == "" {
			g.GroupID = DefaultGroupID
		}
		if g.Limit == 0 {
			g.Limit = DefaultGroupLimit
		}
		if g.Cron == "" && g.FixedDelay == 0 {
			g.FixedDelay = DefaultFixedDelay
		}
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}

	errs = append(errs, c.Engine.validate(c.Redis.Enabled)...)
	errs = append(errs, c.validateGroups()...)

	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
	}

	return errors.Join(errs...)
}

func (e EngineConfig) validate(redisEnabled bool) []error {
	var errs []error
	if e.ShardCount <= 0 {
		errs = append(errs, fmt.Errorf("engine.shard_count must be positive"))
	}
	if e.SchedulerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.scheduler_pool_size must be positive"))
	}
	if e.ImmediateWorkers <= 0 {
		errs = append(errs, fmt.Errorf("engine.immediate_workers must be positive"))
	}
	if e.ImmediateQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.immediate_queue_size must be positive"))
	}
	if e.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.dispatch_timeout must be positive"))
	}
	if e.GroupLock.Enabled {
		if !redisEnabled {
			errs = append(errs, fmt.Errorf("engine.group_lock requires redis.enabled"))
		}
		if e.GroupLock.TTL <= 0 {
			errs = append(errs, fmt.Errorf("engine.group_lock.ttl must be positive"))
		} else if e.DispatchTimeout > 0 && e.GroupLock.TTL < 2*e.DispatchTimeout {
			// The lease is extended between deliveries, so it must outlive one.
			errs = append(errs, fmt.Errorf("engine.group_lock.ttl must be at least twice engine.dispatch_timeout"))
		}
	}
	if e.Breaker.FailureRatio <= 0 || e.Breaker.FailureRatio > 1 {
		errs = append(errs, fmt.Errorf("engine.breaker.failure_ratio must be in (0, 1]"))
	}
	return errs
}

func (c *Config) validateGroups() []error {
	var errs []error
	seen := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		name := fmt.Sprintf("groups[%d] (%s)", i, g.GroupID)
		if seen[g.GroupID] {
			errs = append(errs, fmt.Errorf("%s: duplicate group_id", name))
		}
		seen[g.GroupID] = true

		if g.Cron != "" && g.FixedDelay > 0 {
			errs = append(errs, fmt.Errorf("%s: cron and fixed_delay are mutually exclusive", name))
		}
		if g.FixedDelay < 0 {
			errs = append(errs, fmt.Errorf("%s: fixed_delay must not be negative", name))
		}
		if g.Limit <= 0 {
			errs = append(errs, fmt.Errorf("%s: limit must be positive", name))
		}
		if g.RescanEvery < 0 {
			errs = append(errs, fmt.Errorf("%s: rescan_every must not be negative", name))
		}
		for _, s := range g.Shards {
			if s < 0 || s >= c.Engine.ShardCount {
				errs = append(errs, fmt.Errorf("%s: shard %d outside [0, %d)", name, s, c.Engine.ShardCount))
			}
		}
	}
	return errs
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit_per_minute", 600)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskmessage")
	v.SetDefault("database.database", "taskmessage")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", "1s")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Transport defaults
	v.SetDefault("rabbitmq.confirm_timeout", "5s")
	v.SetDefault("kafka.write_timeout", "10s")
	v.SetDefault("kafka.batch_timeout", "10ms")
	v.SetDefault("rocketmq.producer_group", "taskmessage-producer")
	v.SetDefault("rocketmq.retries", 2)
	v.SetDefault("http_notify.timeout", "10s")
	v.SetDefault("http_notify.max_response_bytes", 4096)

	// Engine defaults
	v.SetDefault("engine.shard_count", 10)
	v.SetDefault("engine.scheduler_pool_size", 2)
	v.SetDefault("engine.immediate_workers", 4)
	v.SetDefault("engine.immediate_queue_size", 1024)
	v.SetDefault("engine.dispatch_timeout", "30s")
	v.SetDefault("engine.status_retries", 3)
	v.SetDefault("engine.status_retry_delay", "200ms")
	v.SetDefault("engine.group_lock.enabled", false)
	v.SetDefault("engine.group_lock.ttl", "60s")
	v.SetDefault("engine.breaker.max_requests", 5)
	v.SetDefault("engine.breaker.interval", "60s")
	v.SetDefault("engine.breaker.timeout", "30s")
	v.SetDefault("engine.breaker.min_requests", 10)
	v.SetDefault("engine.breaker.failure_ratio", 0.6)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Instance ID
	v.SetDefault("instance_id", "taskmessage-1")
}

// DatabaseDSN returns the keyword/value connection string. Values are quoted
// so empty or spaced values parse as written.
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dsnQuote(c.Host), c.Port, dsnQuote(c.User), dsnQuote(c.Password), dsnQuote(c.Database), dsnQuote(c.SSLMode),
	)
}

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func dsnQuote(v string) string {
	return "'" + dsnEscaper.Replace(v) + "'"
}

// DatabaseURL returns the connection string in URL form, as golang-migrate expects.
func (c *DatabaseConfig) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
