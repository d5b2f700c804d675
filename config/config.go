// Package config loads raserver settings.
//
// Settings come from a YAML file, then from the process environment,
// optionally seeded from a .env file. Environment variables override file
// values field by field.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/ice-blockchain/go-ra"
	"github.com/ice-blockchain/go-ra/pool"
)

const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"

	RateLimitDrop = "drop"
	RateLimitWait = "wait"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type Config struct {
	Server  Server  `yaml:"server"`
	DB      DB      `yaml:"db"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
	// Statements are named SQL statements served by the query and exec
	// commands.
	Statements map[string]string `yaml:"statements"`
}

type Server struct {
	Listen            string        `yaml:"listen" env:"RA_LISTEN"`
	Transport         string        `yaml:"transport" env:"RA_TRANSPORT"`
	Loops             int           `yaml:"loops" env:"RA_LOOPS"`
	Workers           int           `yaml:"workers" env:"RA_WORKERS"`
	MaxPayload        int           `yaml:"max_payload" env:"RA_MAX_PAYLOAD"`
	MaxPending        int           `yaml:"max_pending" env:"RA_MAX_PENDING"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"RA_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"RA_IDLE_TIMEOUT"`
	RateLimit         float64       `yaml:"rate_limit" env:"RA_RATE_LIMIT"`
	RateBurst         int           `yaml:"rate_burst" env:"RA_RATE_BURST"`
	RateLimitAction   string        `yaml:"rate_limit_action" env:"RA_RATE_LIMIT_ACTION"`
	CompressThreshold int           `yaml:"compress_threshold" env:"RA_COMPRESS_THRESHOLD"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"RA_SHUTDOWN_TIMEOUT"`
	Ssl               Ssl           `yaml:"ssl"`
}

type Ssl struct {
	KeyFile  string `yaml:"key_file" env:"RA_SSL_KEY_FILE"`
	CertFile string `yaml:"cert_file" env:"RA_SSL_CERT_FILE"`
	CaFile   string `yaml:"ca_file" env:"RA_SSL_CA_FILE"`
	Ciphers  string `yaml:"ciphers" env:"RA_SSL_CIPHERS"`
}

type DB struct {
	// Driver is DriverPostgres (database/sql with lib/pq) or DriverPgx.
	Driver            string        `yaml:"driver" env:"RA_DB_DRIVER"`
	DSN               string        `yaml:"dsn" env:"RA_DB_DSN"`
	Size              int           `yaml:"size" env:"RA_DB_POOL_SIZE"`
	MinAvailable      int           `yaml:"min_available" env:"RA_DB_MIN_AVAILABLE"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout" env:"RA_DB_ACQUIRE_TIMEOUT"`
	NoWait            bool          `yaml:"no_wait" env:"RA_DB_NO_WAIT"`
	Lazy              bool          `yaml:"lazy" env:"RA_DB_LAZY"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"RA_DB_HEARTBEAT_INTERVAL"`
	StaleAfter        time.Duration `yaml:"stale_after" env:"RA_DB_STALE_AFTER"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout" env:"RA_DB_PROBE_TIMEOUT"`
	ProbeConcurrency  int           `yaml:"probe_concurrency" env:"RA_DB_PROBE_CONCURRENCY"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"RA_DB_CONNECT_TIMEOUT"`
	StatementTimeout  time.Duration `yaml:"statement_timeout" env:"RA_DB_STATEMENT_TIMEOUT"`
	FetchSize         int           `yaml:"fetch_size" env:"RA_DB_FETCH_SIZE"`
	Reconnect         Reconnect     `yaml:"reconnect"`
}

type Reconnect struct {
	Initial    time.Duration `yaml:"initial" env:"RA_DB_RECONNECT_INITIAL"`
	Max        time.Duration `yaml:"max" env:"RA_DB_RECONNECT_MAX"`
	Multiplier float64       `yaml:"multiplier" env:"RA_DB_RECONNECT_MULTIPLIER"`
	MaxRetries int           `yaml:"max_retries" env:"RA_DB_RECONNECT_MAX_RETRIES"`
}

type Metrics struct {
	// Listen is an HTTP address of /metrics. Empty disables the endpoint.
	Listen    string `yaml:"listen" env:"RA_METRICS_LISTEN"`
	Namespace string `yaml:"namespace" env:"RA_METRICS_NAMESPACE"`
}

type Log struct {
	Level  string `yaml:"level" env:"RA_LOG_LEVEL"`
	Format string `yaml:"format" env:"RA_LOG_FORMAT"`
}

// Default returns settings used for fields missing in every source.
func Default() Config {
	return Config{
		Server: Server{
			Listen:          "127.0.0.1:3301",
			RateLimitAction: RateLimitDrop,
			ShutdownTimeout: 10 * time.Second,
		},
		DB: DB{
			Driver: DriverPostgres,
			Size:   pool.DefaultSize,
		},
		Metrics: Metrics{
			Namespace: "ra",
		},
		Log: Log{
			Level:  "info",
			Format: LogFormatJSON,
		},
	}
}

// Load reads settings. An empty path skips the YAML file, an empty
// envFile skips the .env file.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports all invalid settings at once.
func (cfg *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if cfg.Server.Listen == "" {
		add("server.listen is required")
	}
	switch cfg.Server.Transport {
	case "", "ssl":
	default:
		add("server.transport %q is unknown", cfg.Server.Transport)
	}
	if cfg.Server.MaxPayload < 0 || cfg.Server.MaxPending < 0 {
		add("server limits must not be negative")
	}
	switch cfg.Server.RateLimitAction {
	case RateLimitDrop, RateLimitWait:
	default:
		add("server.rate_limit_action %q is unknown", cfg.Server.RateLimitAction)
	}
	if cfg.Server.RateLimit < 0 {
		add("server.rate_limit must not be negative")
	}

	switch cfg.DB.Driver {
	case DriverPostgres, DriverPgx:
	default:
		add("db.driver %q is unknown", cfg.DB.Driver)
	}
	if cfg.DB.DSN == "" {
		add("db.dsn is required")
	}
	if cfg.DB.Size < 0 || cfg.DB.MinAvailable < 0 {
		add("db pool sizes must not be negative")
	}
	if cfg.DB.Size > 0 && cfg.DB.MinAvailable > cfg.DB.Size {
		add("db.min_available %d exceeds db.size %d", cfg.DB.MinAvailable, cfg.DB.Size)
	}
	if cfg.DB.Reconnect.MaxRetries < 0 {
		add("db.reconnect.max_retries must not be negative")
	}

	switch cfg.Log.Format {
	case LogFormatJSON, LogFormatConsole:
	default:
		add("log.format %q is unknown", cfg.Log.Format)
	}

	for name, stmt := range cfg.Statements {
		if stmt == "" {
			add("statement %q is empty", name)
		}
	}

	return result.ErrorOrNil()
}

// ServerOpts converts server settings into ra.ServerOpts.
func (cfg *Config) ServerOpts(logger ra.Logger, observer ra.Observer) ra.ServerOpts {
	s := cfg.Server
	opts := ra.ServerOpts{
		Loops:             s.Loops,
		Workers:           s.Workers,
		MaxPayload:        uint32(s.MaxPayload),
		MaxPending:        s.MaxPending,
		WriteTimeout:      s.WriteTimeout,
		IdleTimeout:       s.IdleTimeout,
		RateLimit:         rate.Limit(s.RateLimit),
		RateBurst:         s.RateBurst,
		RLimitAction:      ra.RLimitDrop,
		CompressThreshold: s.CompressThreshold,
		Transport:         s.Transport,
		Ssl: ra.SslOpts{
			KeyFile:  s.Ssl.KeyFile,
			CertFile: s.Ssl.CertFile,
			CaFile:   s.Ssl.CaFile,
			Ciphers:  s.Ssl.Ciphers,
		},
		Logger:   logger,
		Observer: observer,
	}
	if s.RateLimitAction == RateLimitWait {
		opts.RLimitAction = ra.RLimitWait
	}
	return opts
}

// PoolOpts converts database settings into pool.Opts.
func (cfg *Config) PoolOpts(logger ra.Logger) pool.Opts {
	db := cfg.DB
	return pool.Opts{
		Size:              db.Size,
		MinAvailable:      db.MinAvailable,
		AcquireTimeout:    db.AcquireTimeout,
		NoWait:            db.NoWait,
		Lazy:              db.Lazy,
		HeartbeatInterval: db.HeartbeatInterval,
		StaleAfter:        db.StaleAfter,
		ProbeTimeout:      db.ProbeTimeout,
		ProbeConcurrency:  db.ProbeConcurrency,
		ConnectTimeout:    db.ConnectTimeout,
		ReconnectBackoff: pool.BackoffOpts{
			Initial:    db.Reconnect.Initial,
			Max:        db.Reconnect.Max,
			Multiplier: db.Reconnect.Multiplier,
			MaxRetries: uint(db.Reconnect.MaxRetries),
		},
		StatementTimeout: db.StatementTimeout,
		FetchSize:        db.FetchSize,
		Logger:           logger,
	}
}
