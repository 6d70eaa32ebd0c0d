// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. EXECLOG_STORE_BACKEND.
const EnvPrefix = "EXECLOG"

// Config holds all configuration for our application.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	LogLevel string       `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	HTTP     HTTPConfig   `mapstructure:"http"`
	GRPC     GRPCConfig   `mapstructure:"grpc"`
	Store    StoreConfig  `mapstructure:"store"`
	Etcd     EtcdConfig   `mapstructure:"etcd"`
	Auth     AuthConfig   `mapstructure:"auth"`
	Ingest   IngestConfig `mapstructure:"ingest"`
}

type HTTPConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr" validate:"required"`
	DebugEndpoints bool     `mapstructure:"debug_endpoints"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type GRPCConfig struct {
	// ListenAddr is where the ingest service listens; empty disables it.
	ListenAddr string `mapstructure:"listen_addr" validate:"required_if=Register true"`
	// AdvertiseAddr is registered in etcd for remote writers. Defaults to ListenAddr.
	AdvertiseAddr string `mapstructure:"advertise_addr"`
	// Register advertises the ingest service in etcd whatever the store backend.
	Register bool `mapstructure:"register"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=memory postgres etcd"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RegistryTTL time.Duration `mapstructure:"registry_ttl" validate:"gte=1s"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret" validate:"required_unless=Disabled true"`
	TenantClaim string `mapstructure:"tenant_claim" validate:"required"`
	Disabled    bool   `mapstructure:"disabled"`
}

type IngestConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	// RemoteAddrs are ingest instances used by the remote writer.
	RemoteAddrs []string `mapstructure:"remote_addrs"`
	// Discover makes the remote writer find instances through etcd instead.
	Discover bool `mapstructure:"discover"`
}

// Load loads configuration from file and environment variables. An explicit
// configFile must exist; otherwise config.yaml is looked up in ./configs and the
// working directory and may be absent.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("log_level", "info")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.debug_endpoints", false)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("grpc.listen_addr", ":50052")
	v.SetDefault("grpc.advertise_addr", "")
	v.SetDefault("grpc.register", false)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("etcd.registry_ttl", "10s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.tenant_claim", "client_id")
	v.SetDefault("auth.disabled", false)
	v.SetDefault("ingest.write_timeout", "5s")
	v.SetDefault("ingest.remote_addrs", []string{})
	v.SetDefault("ingest.discover", false)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Read environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.GRPC.AdvertiseAddr == "" {
		cfg.GRPC.AdvertiseAddr = cfg.GRPC.ListenAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-section rules.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)
		if cfg.NeedsEtcd() && len(cfg.Etcd.Endpoints) == 0 {
			sl.ReportError(cfg.Etcd.Endpoints, "Etcd.Endpoints", "Endpoints", "required_for_etcd", "")
		}
	}, Config{})

	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return fmt.Errorf("invalid config: %w", err)
		}
		fields := make([]string, 0, len(validationErrors))
		for _, fe := range validationErrors {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
	}
	return nil
}

// NeedsEtcd reports whether the store, instance registration or discovery talks to etcd.
func (c *Config) NeedsEtcd() bool {
	return c.Store.Backend == "etcd" || c.GRPC.Register || c.Ingest.Discover
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
