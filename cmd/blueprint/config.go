package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/shell/resolver"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Vocabulary VocabularyConfig `mapstructure:"vocabulary"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AllowLocations lets API clients compile from resolver locations,
	// including local files.
	AllowLocations bool `mapstructure:"allow_locations"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig holds plan store configuration.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ResolverConfig holds document resolution configuration.
type ResolverConfig struct {
	BaseLocation string        `mapstructure:"base_location"`
	AliasFile    string        `mapstructure:"alias_file"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	RetryMax     int           `mapstructure:"retry_max"`

	// Aliases are "name=location" pairs. They override the alias file.
	Aliases []string `mapstructure:"aliases"`
}

// VocabularyConfig overrides the well-known type names. Empty fields keep
// their defaults. Type names contain dots, so the base relationship table
// is a list rather than a map keyed by type.
type VocabularyConfig struct {
	HostType                string             `mapstructure:"host_type"`
	ContainedInRelationship string             `mapstructure:"contained_in_relationship"`
	BaseRelationships       []BaseRelationship `mapstructure:"base_relationships"`
	AgentPluginKind         string             `mapstructure:"agent_plugin_kind"`
	RemotePluginKind        string             `mapstructure:"remote_plugin_kind"`
	InstallExclusions       []string           `mapstructure:"install_exclusions"`
	RuntimePropertiesKey    string             `mapstructure:"runtime_properties_key"`
}

// BaseRelationship assigns a base category to a relationship type and its
// descendants.
type BaseRelationship struct {
	Type string `mapstructure:"type"`
	Base string `mapstructure:"base"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allow_locations", false)
	v.SetDefault("store.dsn", "./data/blueprint.db")
	v.SetDefault("resolver.base_location", "")
	v.SetDefault("resolver.alias_file", "")
	v.SetDefault("resolver.http_timeout", "30s")
	v.SetDefault("resolver.retry_max", 3)
	v.SetDefault("resolver.aliases", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("BLUEPRINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// ResolverSettings converts the resolver section for resolver.New.
func (c *Config) ResolverSettings() resolver.Config {
	rc := resolver.DefaultConfig()
	rc.BaseLocation = c.Resolver.BaseLocation
	if c.Resolver.HTTPTimeout > 0 {
		rc.HTTPTimeout = c.Resolver.HTTPTimeout
	}
	rc.RetryMax = c.Resolver.RetryMax
	return rc
}

// VocabularySettings converts the vocabulary section. Unset fields take
// their defaults.
func (c *Config) VocabularySettings() (dsl.Vocabulary, error) {
	vc := c.Vocabulary
	vocab := dsl.Vocabulary{
		HostType:                vc.HostType,
		ContainedInRelationship: vc.ContainedInRelationship,
		AgentPluginKind:         vc.AgentPluginKind,
		RemotePluginKind:        vc.RemotePluginKind,
		InstallExclusions:       vc.InstallExclusions,
		RuntimePropertiesKey:    vc.RuntimePropertiesKey,
	}

	if len(vc.BaseRelationships) > 0 {
		vocab.BaseRelationships = make(map[string]string, len(vc.BaseRelationships))
		for _, br := range vc.BaseRelationships {
			switch br.Base {
			case dsl.BaseContained, dsl.BaseConnected, dsl.BaseDepends:
			default:
				return dsl.Vocabulary{}, fmt.Errorf("vocabulary: relationship %s has unknown base %q", br.Type, br.Base)
			}
			vocab.BaseRelationships[br.Type] = br.Base
		}
	}

	return vocab.WithDefaults(), nil
}

// ParseAliases turns "name=location" pairs into a map.
func ParseAliases(pairs []string) (map[string]string, error) {
	aliases := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, location, ok := strings.Cut(pair, "=")
		if !ok || name == "" || location == "" {
			return nil, fmt.Errorf("invalid alias %q, expected name=location", pair)
		}
		aliases[name] = location
	}
	return aliases, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format that
// writes to w.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
