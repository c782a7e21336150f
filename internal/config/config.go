package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	AppEnv                 string `env:"APP_ENV"`
	Port                   int    `env:"PORT" envDefault:"8080"`
	DatabaseURL            string `env:"DATABASE_URL,required"`
	RedisURL               string `env:"REDIS_URL,required"`
	DeviceJWTSecret        string `env:"DEVICE_JWT_SECRET,required"`
	UserJWTSecret          string `env:"USER_JWT_SECRET,required"`
	AccessTokenTTLSeconds  int    `env:"ACCESS_TOKEN_TTL_SECONDS" envDefault:"3600"`
	RefreshTokenTTLSeconds int    `env:"REFRESH_TOKEN_TTL_SECONDS" envDefault:"2592000"`
	PairingTTLSeconds      int    `env:"PAIRING_TTL_SECONDS" envDefault:"600"`
	PairingURLScheme       string `env:"PAIRING_URL_SCHEME" envDefault:"geofleet"`
	StoreTimeoutSeconds    int    `env:"STORE_TIMEOUT_SECONDS" envDefault:"5"`
	IdentityFallback       bool   `env:"IDENTITY_FALLBACK" envDefault:"false"`
	CleanupToken           string `env:"CLEANUP_TOKEN"`
	LocationStream         string `env:"LOCATION_STREAM" envDefault:"geofleet:locations"`
	PairingRateLimitPerMin int    `env:"PAIRING_RATE_LIMIT_PER_MIN" envDefault:"20"`
	DeviceRateLimitPerMin  int    `env:"DEVICE_RATE_LIMIT_PER_MIN" envDefault:"120"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLSeconds) * time.Second
}

func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLSeconds) * time.Second
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.AccessTokenTTLSeconds <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL_SECONDS must be positive")
	}
	if c.RefreshTokenTTLSeconds <= c.AccessTokenTTLSeconds {
		return fmt.Errorf("REFRESH_TOKEN_TTL_SECONDS must be greater than ACCESS_TOKEN_TTL_SECONDS")
	}
	if c.PairingTTLSeconds <= 0 {
		return fmt.Errorf("PAIRING_TTL_SECONDS must be positive")
	}
	if c.StoreTimeoutSeconds <= 0 {
		return fmt.Errorf("STORE_TIMEOUT_SECONDS must be positive")
	}

	if isProduction {
		if err := validateSecret("DEVICE_JWT_SECRET", c.DeviceJWTSecret); err != nil {
			return err
		}
		if err := validateSecret("USER_JWT_SECRET", c.UserJWTSecret); err != nil {
			return err
		}
		if c.IdentityFallback {
			return fmt.Errorf("IDENTITY_FALLBACK must not be enabled in production")
		}

		if c.CleanupToken == "" {
			log.Warn().Msg("CLEANUP_TOKEN is empty in production: /pairing/cleanup is unauthenticated")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

// Load reads a local .env file when one exists, then parses the environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
