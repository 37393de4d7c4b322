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
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`
	Seed   SeedConfig   `yaml:"seed" mapstructure:"seed"`
}

// StoreConfig configures the database backend. Driver is "sqlite" or
// "postgres"; DSN is a file path or a PostgreSQL connection string.
type StoreConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig tunes identity resolution and reconciliation.
type EngineConfig struct {
	SitePrecision      int    `yaml:"site_precision" mapstructure:"site_precision"`
	RebuildConcurrency int    `yaml:"rebuild_concurrency" mapstructure:"rebuild_concurrency"`
	ResolveAttempts    int    `yaml:"resolve_attempts" mapstructure:"resolve_attempts"`
	DefaultStatus      string `yaml:"default_status" mapstructure:"default_status"`
	AutoCreateStatuses bool   `yaml:"auto_create_statuses" mapstructure:"auto_create_statuses"`
}

// SeedConfig lists parameters and statuses defined at startup.
type SeedConfig struct {
	Parameters []ParameterSeed `yaml:"parameters" mapstructure:"parameters"`
	Statuses   []StatusSeed    `yaml:"statuses" mapstructure:"statuses"`
}

type ParameterSeed struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Numeric bool   `yaml:"numeric" mapstructure:"numeric"`
	Units   string `yaml:"units" mapstructure:"units"`
}

type StatusSeed struct {
	Slug  string `yaml:"slug" mapstructure:"slug"`
	Name  string `yaml:"name" mapstructure:"name"`
	Valid bool   `yaml:"valid" mapstructure:"valid"`
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return eris.New("config: store.dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return eris.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Engine.SitePrecision < 1 || c.Engine.SitePrecision > 10 {
		return eris.Errorf("config: engine.site_precision %d out of range [1, 10]", c.Engine.SitePrecision)
	}
	return nil
}

// Load reads configuration from the optional YAML file at path (or vera.yaml
// in the working directory or /etc/vera), VERA_* environment variables and
// defaults, in decreasing order of precedence: env, file, defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vera")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vera")
	}

	// Environment
	v.SetEnvPrefix("VERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "data/vera.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.site_precision", 4)
	v.SetDefault("engine.rebuild_concurrency", 4)
	v.SetDefault("engine.resolve_attempts", 5)
	v.SetDefault("engine.default_status", "pending")
	v.SetDefault("engine.auto_create_statuses", true)

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// NewLogger builds a zap logger from cfg and installs it as the global
// logger.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return logger, nil
}
