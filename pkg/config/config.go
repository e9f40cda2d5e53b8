// Package config loads server configuration from config.yaml, a .env file,
// and environment variables, in increasing order of precedence.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var validate = validator.New()

type Config struct {
	// Port is the port number to listen on. The default is 8080.
	Port int `validate:"required,min=1,max=65535"`
	// Hostname is the hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Auth     struct {
		// Secret signs JWT tokens. It must be a base64 encoded string; the
		// default is a random 32 byte value, which invalidates all sessions
		// on restart.
		Secret Base64Encoded `validate:"required"`
		// TokenExp is the token lifetime. The default is 24h.
		TokenExp time.Duration `validate:"required"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the directory holding the goose migration files.
		Migrations string `validate:"required"`
	}
	// AllowedOrigins lists the origins allowed to connect. The default is
	// ["*"].
	AllowedOrigins []string
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// Load reads the configuration. A missing config file or .env is not an
// error; invalid values are caught by Validate.
func Load() (*Config, error) {
	// Best effort; env vars may come from the environment itself.
	godotenv.Load()

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("hostname", "0.0.0.0")
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	viper.SetDefault("auth.tokenexp", "24h")
	viper.SetDefault("sqlite.file", "./gatherly.db")
	viper.SetDefault("sqlite.migrations", "./migrations")
	viper.SetDefault("allowedorigins", "*")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","))),
	); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	return validate.Struct(c)
}
