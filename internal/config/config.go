package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Store     StoreConfig     `mapstructure:"store"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Call      CallConfig      `mapstructure:"call"`
}

type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RateLimitConfig bounds how many call sessions one user may create per
// interval.
type RateLimitConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// CallConfig is read by the moodcall peer.
type CallConfig struct {
	RelayURL        string        `mapstructure:"relay_url"`
	User            string        `mapstructure:"user"`
	Name            string        `mapstructure:"name"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	AnswerTimeout   time.Duration `mapstructure:"answer_timeout"`
	// Devices is "synthetic" or "hardware".
	Devices string `mapstructure:"devices"`
	// Record is a directory remote tracks are written to; empty disables it.
	Record string `mapstructure:"record"`
}

// New returns a viper instance with every default set and MOODCALL_* env
// overrides enabled. Callers may bind flags into it before LoadWith.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "moodcall-dev-secret")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "moodcall.db")

	v.SetDefault("rate_limit.limit", 5)
	v.SetDefault("rate_limit.interval", "1m")

	v.SetDefault("call.relay_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("call.user", "")
	v.SetDefault("call.name", "")
	v.SetDefault("call.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("call.disconnect_grace", "10s")
	v.SetDefault("call.answer_timeout", "45s")
	v.SetDefault("call.devices", "synthetic")
	v.SetDefault("call.record", "")

	v.SetEnvPrefix("MOODCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func Load() (*Config, error) {
	return LoadWith(New(), "")
}

// LoadWith reads file (or config/config.<CONFIG_ENV>.yaml when file is
// empty) into v and decodes the result. A missing file is not an error.
func LoadWith(v *viper.Viper, file string) (*Config, error) {
	if file == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		file = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(file)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", file).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Call.Devices {
	case "synthetic", "hardware":
	default:
		return fmt.Errorf("unknown device provider %q", c.Call.Devices)
	}
	if c.Call.DisconnectGrace <= 0 || c.Call.AnswerTimeout <= 0 {
		return fmt.Errorf("call timeouts must be positive")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Interval <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}
