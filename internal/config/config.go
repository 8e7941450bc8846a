// Package config loads the façade's configuration from flags, environment
// variables (prefixed CODEXBRIDGE_), and an optional config file, using
// viper for precedence resolution.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of options described in spec.md's configuration
// table.
type Config struct {
	APIKey             string `mapstructure:"api_key"`
	BinaryPath         string `mapstructure:"binary_path"`
	WorkingDir         string `mapstructure:"working_dir"`
	BindHost           string `mapstructure:"bind_host"`
	BindPort           int    `mapstructure:"bind_port"`
	BaseDataDir        string `mapstructure:"base_data_dir"`
	MaxSessions        int    `mapstructure:"max_sessions"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
	CleanupIntervalSec int    `mapstructure:"cleanup_interval_seconds"`
	AllowUserOverride  bool   `mapstructure:"allow_user_id_override"`
	SecurityMethod     string `mapstructure:"security_method"`
	TurnTimeoutSeconds int    `mapstructure:"turn_timeout_seconds"`
	DefaultModel       string `mapstructure:"default_model"`
}

// IdleTimeout returns IdleTimeoutSeconds as a Duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// CleanupInterval returns CleanupIntervalSec as a Duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// TurnTimeout returns TurnTimeoutSeconds as a Duration; zero disables the
// per-turn wall clock.
func (c Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// Addr returns the HTTP listener address in host:port form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.BindPort)
}

// keys pairs each config key (matching its mapstructure tag, and its
// CODEXBRIDGE_ env var name once underscores are upper-cased) with the
// dash-separated flag name BindFlags registers for it.
var keys = []struct {
	key      string
	flagName string
	def      any
}{
	{"api_key", "api-key", ""},
	{"binary_path", "binary-path", ""},
	{"working_dir", "working-dir", ""},
	{"bind_host", "bind-host", "0.0.0.0"},
	{"bind_port", "bind-port", 8080},
	{"base_data_dir", "base-data-dir", "./data"},
	{"max_sessions", "max-sessions", 50},
	{"idle_timeout_seconds", "idle-timeout-seconds", 900},
	{"cleanup_interval_seconds", "cleanup-interval-seconds", 60},
	{"allow_user_id_override", "allow-user-id-override", true},
	{"security_method", "security-method", "none"},
	{"turn_timeout_seconds", "turn-timeout-seconds", 120},
	{"default_model", "default-model", ""},
}

// BindFlags registers the CLI flags used to override configuration,
// mirroring the option names in spec.md's configuration table.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("api-key", "", "OpenAI API key passed to the child process")
	flags.String("binary-path", "", "path to the codex binary (resolved from PATH if unset)")
	flags.String("working-dir", "", "working directory for the child process")
	flags.String("bind-host", "0.0.0.0", "HTTP listener bind host")
	flags.Int("bind-port", 8080, "HTTP listener bind port")
	flags.String("base-data-dir", "./data", "root directory for per-user CODEX_HOME directories")
	flags.Int("max-sessions", 50, "maximum number of live sessions")
	flags.Int("idle-timeout-seconds", 900, "idle session reap threshold, in seconds")
	flags.Int("cleanup-interval-seconds", 60, "reaper wake interval, in seconds")
	flags.Bool("allow-user-id-override", true, "honor client-supplied user_id when security-method is none")
	flags.String("security-method", "none", "identity enforcement method: none or keycloak")
	flags.Int("turn-timeout-seconds", 120, "per-turn wall clock budget, in seconds")
	flags.String("default-model", "", "model passed to newConversation/sendUserTurn when a request omits one")
}

// Load builds a Config from defaults, an optional config file, environment
// variables prefixed CODEXBRIDGE_, and flags, in increasing precedence.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()

	v.SetEnvPrefix("codexbridge")
	v.AutomaticEnv()

	for _, k := range keys {
		v.SetDefault(k.key, k.def)
		if err := v.BindEnv(k.key); err != nil {
			return Config{}, fmt.Errorf("config: bind env %s: %w", k.key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if flags != nil {
		for _, k := range keys {
			if f := flags.Lookup(k.flagName); f != nil {
				if err := v.BindPFlag(k.key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind flag %s: %w", k.flagName, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
