/*
Package config loads the storage engine's runtime configuration via
viper, following the precedence flags > env > file > defaults pattern
used throughout the example pack's cobra/viper CLIs.

SEE ALSO:
  - cmd/server/main.go: binds cobra flags into viper before Load
*/
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full set of knobs the server binary accepts.
type Config struct {
	// Listen is the REST server's bind address, e.g. ":8080".
	Listen string `mapstructure:"listen"`

	// Role is either "master" or "follower".
	Role string `mapstructure:"role"`

	// Persister selects the durable backend: "memory", "file", "redis".
	Persister string `mapstructure:"persister"`

	// FilePath is the log path when Persister == "file".
	FilePath string `mapstructure:"file_path"`

	// RedisURL and RedisStream configure the backend when Persister == "redis".
	RedisURL    string `mapstructure:"redis_url"`
	RedisStream string `mapstructure:"redis_stream"`

	// MetricsListen names a Prometheus /metrics bind address; cmd/server
	// does not read it and starts no metrics listener.
	MetricsListen string `mapstructure:"metrics_listen"`

	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level"`
}

// Defaults returns a Config with every field set to its default value.
func Defaults() Config {
	return Config{
		Listen:        ":8080",
		Role:          "master",
		Persister:     "memory",
		FilePath:      "./data/storage.log",
		RedisURL:      "redis://localhost:6379/0",
		RedisStream:   "storage-engine",
		MetricsListen: ":9090",
		LogLevel:      "info",
	}
}

// Load reads configuration from (in ascending precedence) the built-in
// defaults, an optional config file, and environment variables prefixed
// "STORAGE_" (e.g. STORAGE_LISTEN, STORAGE_ROLE). v is normally the
// package-level viper.Viper a cobra command has already bound its flags
// into; passing nil builds a fresh one from defaults only.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	d := Defaults()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("role", d.Role)
	v.SetDefault("persister", d.Persister)
	v.SetDefault("file_path", d.FilePath)
	v.SetDefault("redis_url", d.RedisURL)
	v.SetDefault("redis_stream", d.RedisStream)
	v.SetDefault("metrics_listen", d.MetricsListen)
	v.SetDefault("log_level", d.LogLevel)

	v.SetEnvPrefix("storage")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Role != "master" && cfg.Role != "follower" {
		return Config{}, fmt.Errorf("config: role must be \"master\" or \"follower\", got %q", cfg.Role)
	}
	switch cfg.Persister {
	case "memory", "file", "redis":
	default:
		return Config{}, fmt.Errorf("config: persister must be one of memory|file|redis, got %q", cfg.Persister)
	}
	return cfg, nil
}
