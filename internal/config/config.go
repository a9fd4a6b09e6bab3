// Package config loads process configuration from an optional YAML file
// and PCF_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/searchforge/pcf/diameter"
	"github.com/searchforge/pcf/events"
	"github.com/searchforge/pcf/guard"
	"github.com/searchforge/pcf/internal/engine"
	"github.com/searchforge/pcf/internal/logging"
	"github.com/searchforge/pcf/internal/profiles"
	"github.com/searchforge/pcf/quota"
)

const envPrefix = "PCF"

// Config is the full process configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      logging.Config `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Engine   engine.Config  `mapstructure:"engine"`
	Store    StoreConfig    `mapstructure:"store"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	AI       AIConfig       `mapstructure:"ai"`
	OCS      OCSConfig      `mapstructure:"ocs"`
	CGF      CGFConfig      `mapstructure:"cgf"`
	Diameter DiameterConfig `mapstructure:"diameter"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
	// Seed registers the demo subscribers at start-up.
	Seed bool `mapstructure:"seed"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Shards int `mapstructure:"shards"`
}

// QuotaConfig names the exhaustion policies. Default applies when none of a
// subscriber's active policies is listed.
type QuotaConfig struct {
	Default  quota.ProductPolicy   `mapstructure:"default"`
	Policies []quota.ProductPolicy `mapstructure:"policies"`
}

// Catalog builds the policy catalog. Without configured policies the
// built-in catalog is used.
func (c QuotaConfig) Catalog() *quota.Catalog {
	if len(c.Policies) == 0 {
		return quota.DefaultCatalog()
	}
	return quota.NewCatalog(c.Default, c.Policies...)
}

// UpstreamConfig is an HTTP collaborator behind a guard.
type UpstreamConfig struct {
	URL      string               `mapstructure:"url"`
	RetryMax int                  `mapstructure:"retry_max"`
	Guard    guard.UpstreamConfig `mapstructure:"guard"`
}

type AIConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
}

// OCSConfig selects the online charging backend: "ledger" is the in-process
// prepaid book, "http" the remote OCS.
type OCSConfig struct {
	Mode           string         `mapstructure:"mode"`
	DefaultBalance string         `mapstructure:"default_balance"`
	Upstream       UpstreamConfig `mapstructure:"upstream"`
}

// CGFConfig selects the CDR sink: "log" or "http".
type CGFConfig struct {
	Mode       string                    `mapstructure:"mode"`
	Upstream   UpstreamConfig            `mapstructure:"upstream"`
	Dispatcher diameter.DispatcherConfig `mapstructure:"dispatcher"`
}

// DiameterConfig selects the session store: "memory" or "redis".
type DiameterConfig struct {
	SessionStore  string        `mapstructure:"session_store"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Brokers []string      `mapstructure:"brokers"`
	Topic   string        `mapstructure:"topic"`
	Events  events.Config `mapstructure:"events"`
}

type PostgresConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Pool    profiles.PoolConfig `mapstructure:"pool"`
}

type MetricsConfig struct {
	Tracing     bool    `mapstructure:"tracing"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.seed", true)

	d := logging.DefaultConfig()
	v.SetDefault("log.level", d.Level)
	v.SetDefault("log.format", d.Format)
	v.SetDefault("log.output", d.Output)
	v.SetDefault("log.development", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", "2s")
	v.SetDefault("http.read_header_timeout", "5s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("engine.evaluation_budget", "500ms")
	v.SetDefault("engine.validity_period_seconds", 3600)
	v.SetDefault("engine.auto_provision", false)
	v.SetDefault("engine.provision.plan_name", "Default")
	v.SetDefault("engine.provision.plan_type", "postpaid")
	v.SetDefault("engine.provision.quota_bytes", int64(1_000_000_000))
	v.SetDefault("engine.provision.threshold_percent", 80)
	v.SetDefault("engine.provision.networks", []string{"4G", "5G"})
	v.SetDefault("engine.provision.active_policies", []string{"fair_use"})

	v.SetDefault("store.shards", 64)

	v.SetDefault("quota.default.name", "fair_use")
	v.SetDefault("quota.default.on_exhaustion", string(quota.ActionThrottle))
	v.SetDefault("quota.default.throttle_kbps", quota.DefaultThrottleKbps)

	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.timeout", "50ms")
	setUpstreamDefaults(v, "ai.upstream", "predictor", "http://localhost:8090", "40ms", 0)

	v.SetDefault("ocs.mode", "ledger")
	v.SetDefault("ocs.default_balance", "10.00")
	setUpstreamDefaults(v, "ocs.upstream", "ocs", "http://localhost:8091", "300ms", 1)

	v.SetDefault("cgf.mode", "log")
	setUpstreamDefaults(v, "cgf.upstream", "cgf", "http://localhost:8092", "1s", 0)
	v.SetDefault("cgf.dispatcher.queue_size", 1024)
	v.SetDefault("cgf.dispatcher.workers", 2)
	v.SetDefault("cgf.dispatcher.max_retries", 5)
	v.SetDefault("cgf.dispatcher.base_backoff", "100ms")
	v.SetDefault("cgf.dispatcher.max_backoff", "5s")

	v.SetDefault("diameter.session_store", "memory")
	v.SetDefault("diameter.session_ttl", "30m")
	v.SetDefault("diameter.sweep_interval", "1m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pcf:session:")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "pcf.events")
	v.SetDefault("kafka.events.buffer", 4096)
	v.SetDefault("kafka.events.batch_size", 64)
	v.SetDefault("kafka.events.flush_every", "200ms")
	v.SetDefault("kafka.events.write_timeout", "2s")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.pool.dsn", "")
	v.SetDefault("postgres.pool.max_conns", 10)
	v.SetDefault("postgres.pool.min_conns", 1)
	v.SetDefault("postgres.pool.max_conn_idle_time", "5m")
	v.SetDefault("postgres.pool.connect_retries", 5)
	v.SetDefault("postgres.pool.connect_backoff", "2s")
	v.SetDefault("postgres.pool.ping_timeout", "2s")

	v.SetDefault("metrics.tracing", false)
	v.SetDefault("metrics.service_name", "pcf")
	v.SetDefault("metrics.sample_ratio", 0.1)
}

func setUpstreamDefaults(v *viper.Viper, prefix, name, url, timeout string, retryMax int) {
	v.SetDefault(prefix+".url", url)
	v.SetDefault(prefix+".retry_max", retryMax)
	v.SetDefault(prefix+".guard.name", name)
	v.SetDefault(prefix+".guard.timeout", timeout)
	v.SetDefault(prefix+".guard.rate.capacity", 0)
	v.SetDefault(prefix+".guard.rate.refill_tokens", 0)
	v.SetDefault(prefix+".guard.rate.refill_every", "0s")
	v.SetDefault(prefix+".guard.circuit.window", "10s")
	v.SetDefault(prefix+".guard.circuit.failure_rate_threshold", 0.5)
	v.SetDefault(prefix+".guard.circuit.min_samples", 20)
	v.SetDefault(prefix+".guard.circuit.cooldown", "5s")
	v.SetDefault(prefix+".guard.circuit.half_open_max_calls", 1)
}

// Load reads path when it is non-empty, then applies PCF_ environment
// overrides (PCF_HTTP_ADDR overrides http.addr).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the values that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr required"))
	}
	if c.Store.Shards <= 0 {
		errs = append(errs, errors.New("store.shards must be positive"))
	}
	switch c.OCS.Mode {
	case "ledger", "http":
	default:
		errs = append(errs, fmt.Errorf("ocs.mode %q: want ledger or http", c.OCS.Mode))
	}
	switch c.CGF.Mode {
	case "log", "http":
	default:
		errs = append(errs, fmt.Errorf("cgf.mode %q: want log or http", c.CGF.Mode))
	}
	switch c.Diameter.SessionStore {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("diameter.session_store %q: want memory or redis", c.Diameter.SessionStore))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic required when kafka is enabled"))
	}
	if c.Postgres.Enabled && c.Postgres.Pool.DSN == "" {
		errs = append(errs, errors.New("postgres.pool.dsn required when postgres is enabled"))
	}
	if c.Metrics.SampleRatio < 0 || c.Metrics.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("metrics.sample_ratio %v outside 0..1", c.Metrics.SampleRatio))
	}
	return errors.Join(errs...)
}
