package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full memflow configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Memory    MemoryConfig    `yaml:"memory" env:"MEMORY"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig covers the process-level surfaces.
type ServerConfig struct {
	// MetricsPort serves /metrics. 0 disables the listener.
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	// Driver: sqlite, postgres, or mysql.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// RedisConfig backs the session tracker. An empty Addr selects the
// in-process tracker instead.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// MemoryConfig tunes the engine itself.
type MemoryConfig struct {
	// Actor is recorded on audit entries.
	Actor string `yaml:"actor" env:"ACTOR"`

	// SyncQueueSize bounds the async index-sync queue.
	SyncQueueSize int `yaml:"sync_queue_size" env:"SYNC_QUEUE_SIZE"`

	Provider ProviderConfig `yaml:"provider" env:"PROVIDER"`
	Search   SearchConfig   `yaml:"search" env:"SEARCH"`
	Dedup    DedupConfig    `yaml:"dedup" env:"DEDUP"`
	Archive  ArchiveConfig  `yaml:"archive" env:"ARCHIVE"`
	Router   RouterConfig   `yaml:"router" env:"ROUTER"`
	Decay    DecayConfig    `yaml:"decay" env:"DECAY"`
	Session  SessionConfig  `yaml:"session" env:"SESSION"`
}

// ProviderConfig bounds the embedding provider. Bulk jobs (dedup scans,
// index rebuilds) share the same provider as the request path.
type ProviderConfig struct {
	// EmbedRPS throttles Embed calls per second. 0 disables throttling.
	EmbedRPS float64 `yaml:"embed_rps" env:"EMBED_RPS"`
	// EmbedBurst is the token-bucket burst when throttling is on.
	EmbedBurst int `yaml:"embed_burst" env:"EMBED_BURST"`
}

// SearchConfig tunes hybrid search.
type SearchConfig struct {
	VectorWeight  float64 `yaml:"vector_weight" env:"VECTOR_WEIGHT"`
	KeywordWeight float64 `yaml:"keyword_weight" env:"KEYWORD_WEIGHT"`
	MinScore      float64 `yaml:"min_score" env:"MIN_SCORE"`
	Limit         int     `yaml:"limit" env:"LIMIT"`
}

// DedupConfig tunes duplicate detection.
type DedupConfig struct {
	Threshold   float64 `yaml:"threshold" env:"THRESHOLD"`
	Concurrency int     `yaml:"concurrency" env:"CONCURRENCY"`
	ScanLimit   int     `yaml:"scan_limit" env:"SCAN_LIMIT"`
}

// ArchiveConfig tunes compaction.
type ArchiveConfig struct {
	Encoding       string `yaml:"encoding" env:"ENCODING"`
	MinTokenBudget int    `yaml:"min_token_budget" env:"MIN_TOKEN_BUDGET"`
	ScanLimit      int    `yaml:"scan_limit" env:"SCAN_LIMIT"`
}

// RouterConfig tunes retrieval routing.
type RouterConfig struct {
	MaxMemories int `yaml:"max_memories" env:"MAX_MEMORIES"`
}

// DecayConfig tunes the background statistics job.
type DecayConfig struct {
	Interval       time.Duration `yaml:"interval" env:"INTERVAL"`
	RunTimeout     time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	StopGrace      time.Duration `yaml:"stop_grace" env:"STOP_GRACE"`
	PageSize       int           `yaml:"page_size" env:"PAGE_SIZE"`
	PurgeRetention time.Duration `yaml:"purge_retention" env:"PURGE_RETENTION"`
}

// SessionConfig tunes the recent-session tracker.
type SessionConfig struct {
	MaxEntries int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	TTL        time.Duration `yaml:"ttl" env:"TTL"`
	KeyPrefix  string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// LogConfig selects the zap profile.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader builds a Config from defaults, a YAML file, and environment
// overrides, in that order.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the MEMFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MEMFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and env apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validation step.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads the configuration or panics. Intended for main.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "metrics_port out of range")
	}
	if c.Memory.Provider.EmbedRPS < 0 {
		errs = append(errs, "provider embed_rps cannot be negative")
	}
	if c.Memory.Dedup.Threshold < 0 || c.Memory.Dedup.Threshold > 1 {
		errs = append(errs, "dedup threshold must be in [0,1]")
	}
	if c.Memory.Search.MinScore < 0 || c.Memory.Search.MinScore > 1 {
		errs = append(errs, "search min_score must be in [0,1]")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be in [0,1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN renders the database connection string for the selected driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
