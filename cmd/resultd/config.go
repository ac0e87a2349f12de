package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/grpc/credentials"

	"github.com/hugr-lab/resultflight"
	"github.com/hugr-lab/resultflight/mtls"
	"github.com/hugr-lab/resultflight/store"
)

const (
	// DefaultConfigFileName is the name of the config file, without extension.
	DefaultConfigFileName = "resultd"

	// EnvPrefix prefixes environment overrides, e.g. RESULTD_SERVER_PORT.
	EnvPrefix = "RESULTD"
)

// Config holds all configuration for resultd.
// Priority: CLI flags > env vars > config file > defaults
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	DuckDB  DuckDBConfig  `mapstructure:"duckdb"`
	Auth    AuthConfig    `mapstructure:"auth"`
	TLS     TLSConfig     `mapstructure:"tls"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig configures the Flight endpoint.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AdvertiseHost   string        `mapstructure:"advertise_host"`
	NodeID          string        `mapstructure:"node_id"`
	MaxMessageSize  int           `mapstructure:"max_message_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig bounds buffered results.
type StoreConfig struct {
	ArenaLimit     int64         `mapstructure:"arena_limit"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	QueryRetention time.Duration `mapstructure:"query_retention"`
}

// DuckDBConfig configures the query executor.
type DuckDBConfig struct {
	// DSN is the database path, empty for an in-memory database.
	DSN             string `mapstructure:"dsn"`
	BatchSize       int    `mapstructure:"batch_size"`
	BatchesPerChunk int    `mapstructure:"batches_per_chunk"`
}

// AuthConfig lists accepted bearer tokens as "token=identity" entries.
// No tokens disables authentication.
type AuthConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

// TLSConfig secures the endpoint. SelfSigned issues a throwaway
// certificate for the advertised host, for development only.
type TLSConfig struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file"`
	SelfSigned   bool   `mapstructure:"self_signed"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", resultflight.DefaultPort)
	v.SetDefault("server.shutdown_timeout", resultflight.DefaultShutdownTimeout)
	v.SetDefault("store.idle_timeout", store.DefaultIdleTimeout)
	v.SetDefault("duckdb.batch_size", 1024)
	v.SetDefault("duckdb.batches_per_chunk", 1)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// LoadConfig reads cfgFile, or resultd.yaml from the standard locations,
// and applies environment overrides.
func LoadConfig(v *viper.Viper, cfgFile string) (*Config, error) {
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/resultd/")
		v.SetConfigName(DefaultConfigFileName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// Logger builds the process logger.
func (c LoggingConfig) Logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", c.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Format)
	}
}

// Authenticator returns nil when no tokens are configured.
func (c AuthConfig) Authenticator() (resultflight.Authenticator, error) {
	if len(c.Tokens) == 0 {
		return nil, nil
	}
	tokens := make(map[string]string, len(c.Tokens))
	for _, entry := range c.Tokens {
		token, identity, ok := strings.Cut(entry, "=")
		if !ok || token == "" || identity == "" {
			return nil, fmt.Errorf("invalid token entry %q, want token=identity", entry)
		}
		tokens[token] = identity
	}
	return resultflight.StaticTokens(tokens), nil
}

// Credentials returns nil when TLS is not configured.
func (c TLSConfig) Credentials(hosts []string) (credentials.TransportCredentials, error) {
	var certPEM, keyPEM, caPEM []byte
	switch {
	case c.SelfSigned:
		bundle, err := mtls.NewCertificate(hosts[0], hosts, nil)
		if err != nil {
			return nil, err
		}
		if keyPEM, certPEM, err = bundle.PEM(); err != nil {
			return nil, err
		}
	case c.CertFile != "" || c.KeyFile != "":
		var err error
		if certPEM, err = os.ReadFile(c.CertFile); err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		if keyPEM, err = os.ReadFile(c.KeyFile); err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
	default:
		return nil, nil
	}

	if c.ClientCAFile != "" {
		var err error
		if caPEM, err = os.ReadFile(c.ClientCAFile); err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
	}
	return mtls.ServerCredentials(certPEM, keyPEM, caPEM)
}
