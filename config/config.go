package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vijeeshr/quickretro/globals"
)

const (
	defaultMaxMessageBytes = 1024
	defaultIdleTimeout     = 120
	defaultOutboundBuffer  = 256
	defaultTypingThrottle  = 2000
	defaultEvictionGrace   = 30
	defaultRetentionHours  = 72
	defaultSweepSpec       = "@every 10m"
)

// Config is the global configuration object which is filled via the
// configuration file, environment (QRETRO_ prefix) and command-line flags.
// It is constructed once in main and passed by reference into the registry
// and hub constructors, there is no mutable global state.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	LogLevel    string            `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr                   string `mapstructure:"addr"`
	SSLCert                string `mapstructure:"ssl_cert"`
	SSLKey                 string `mapstructure:"ssl_key"`
	TurnstileSecretKey     string `mapstructure:"turnstile_secret_key"`
	TurnstileSiteVerifyUrl string `mapstructure:"turnstile_site_verify_url"`
}

// LimitsConfig holds the numeric limits applied per connection and per board.
type LimitsConfig struct {
	MaxMessageBytes    int `mapstructure:"max_message_bytes"`    // ceiling for an entire serialized envelope
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"` // a silent connection is closed after this
	OutboundBufferSize int `mapstructure:"outbound_buffer_size"` // per-recipient send queue, full queue drops the connection
	TypingThrottleMs   int `mapstructure:"typing_throttle_ms"`
	EvictionGraceSecs  int `mapstructure:"eviction_grace_seconds"` // idle hub grace period before flush+evict
}

func (l LimitsConfig) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSeconds) * time.Second
}

func (l LimitsConfig) TypingThrottle() time.Duration {
	return time.Duration(l.TypingThrottleMs) * time.Millisecond
}

func (l LimitsConfig) EvictionGrace() time.Duration {
	return time.Duration(l.EvictionGraceSecs) * time.Second
}

// PersistenceConfig selects the durable board store backend.
// Supported types: "buntdb" (DSN is the db file path or :memory:),
// "sqlite" and "postgres" (DSN as understood by the respective gorm driver).
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

type RetentionConfig struct {
	BoardTTLHours int    `mapstructure:"board_ttl_hours"`
	SweepSpec     string `mapstructure:"sweep_spec"`
}

func (r RetentionConfig) BoardTTL() time.Duration {
	return time.Duration(r.BoardTTLHours) * time.Hour
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("limits.max_message_bytes", defaultMaxMessageBytes)
	viper.SetDefault("limits.idle_timeout_seconds", defaultIdleTimeout)
	viper.SetDefault("limits.outbound_buffer_size", defaultOutboundBuffer)
	viper.SetDefault("limits.typing_throttle_ms", defaultTypingThrottle)
	viper.SetDefault("limits.eviction_grace_seconds", defaultEvictionGrace)
	viper.SetDefault("retention.board_ttl_hours", defaultRetentionHours)
	viper.SetDefault("retention.sweep_spec", defaultSweepSpec)
	viper.SetDefault("persistence.type", "buntdb")
	viper.SetDefault("persistence.dsn", "quickretro.db")
	viper.SetDefault("log_level", "INFO")
	if err := viper.BindPFlags(flagSet); err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("QRETRO")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}
	return &cfg, nil
}
