// Package config loads the relay settings from flags, environment variables
// (prefix PARLEY_) and an optional config file.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PARLEY"

// DevJWTSecret signs tokens when no secret is configured and tokens are not
// required on the history API.
const DevJWTSecret = "parley-dev-secret"

type Config struct {
	Server  Server  `mapstructure:"server"`
	Store   Store   `mapstructure:"store"`
	Log     Log     `mapstructure:"log"`
	WS      WS      `mapstructure:"ws"`
	Message Message `mapstructure:"message"`
	Auth    Auth    `mapstructure:"auth"`
}

type Server struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type Store struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite3 postgres memory"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// WS holds the websocket connection limits.
type WS struct {
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	PongTimeout   time.Duration `mapstructure:"pong_timeout" validate:"gt=0"`
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes" validate:"gt=0"`
	SendQueue     int           `mapstructure:"send_queue" validate:"gt=0"`
	ReadBuffer    int           `mapstructure:"read_buffer" validate:"gt=0"`
	WriteBuffer   int           `mapstructure:"write_buffer" validate:"gt=0"`
}

// PingPeriod must stay below PongTimeout so the peer's pong arrives in time.
func (w WS) PingPeriod() time.Duration {
	return w.PongTimeout * 9 / 10
}

type Message struct {
	MaxLength int `mapstructure:"max_length" validate:"gt=0"`
}

type Auth struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	RequireToken bool          `mapstructure:"require_token"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "./chat.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("ws.write_timeout", "10s")
	v.SetDefault("ws.pong_timeout", "60s")
	v.SetDefault("ws.max_frame_bytes", 8192)
	v.SetDefault("ws.send_queue", 256)
	v.SetDefault("ws.read_buffer", 1024)
	v.SetDefault("ws.write_buffer", 1024)
	v.SetDefault("message.max_length", 1000)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.require_token", false)
}

// Flags declares the command line flags Load understands.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("addr", ":8080", "listen address")
	fs.String("store", "sqlite3", "message store driver: sqlite3, postgres or memory")
	fs.String("dsn", "./chat.db", "store data source name")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "text", "log format: text or json")
	return fs
}

var flagKeys = map[string]string{
	"addr":       "server.addr",
	"store":      "store.driver",
	"dsn":        "store.dsn",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// Load resolves the configuration. Precedence, highest first: flags that were
// set explicitly, environment, config file, defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, errors.Wrapf(err, "config: bind flag %s", name)
				}
			}
		}
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, errors.Wrap(err, "config: read file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: decode")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = DevJWTSecret
	}
	return cfg, nil
}

// Validate checks field ranges and the cross-field rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "config: invalid")
	}
	if c.Auth.RequireToken && c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required when auth.require_token is set")
	}
	return nil
}
