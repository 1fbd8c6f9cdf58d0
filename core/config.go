package core

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultEncryptKey = "change-me-change-me-change-me-32"

// Config is loaded from the environment. A .env file in the working
// directory is honoured when present.
type Config struct {
	Port   string `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"kirogate.db"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// TokenEncryptKey keys AES-256-GCM for secrets at rest; must be 32 bytes.
	TokenEncryptKey string `env:"TOKEN_ENCRYPT_KEY" envDefault:"change-me-change-me-change-me-32"`

	JWTSecret            string `env:"JWT_SECRET" envDefault:"kirogate-dev-secret"`
	AdminEmail           string `env:"ADMIN_EMAIL"`
	AccessTokenDuration  int    `env:"ACCESS_TOKEN_DURATION" envDefault:"1800"`
	RefreshTokenDuration int    `env:"REFRESH_TOKEN_DURATION" envDefault:"2592000"`

	// Global fallback identity used when a request carries no stored token.
	RefreshToken string `env:"REFRESH_TOKEN"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	Region       string `env:"REGION" envDefault:"us-east-1"`
	ProfileARN   string `env:"PROFILE_ARN"`

	HTTPProxy   string `env:"HTTP_PROXY"`
	SOCKS5Proxy string `env:"SOCKS5_PROXY"`

	HealthCheckInterval int `env:"HEALTH_CHECK_INTERVAL" envDefault:"1800"`

	FirstTokenTimeout int `env:"FIRST_TOKEN_TIMEOUT" envDefault:"15"`
	StreamReadTimeout int `env:"STREAM_READ_TIMEOUT" envDefault:"300"`
	RequestTimeout    int `env:"REQUEST_TIMEOUT" envDefault:"600"`
}

// LoadConfig reads the environment (plus an optional .env file) and
// validates the result.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Environment == "production" && (c.TokenEncryptKey == "" || c.TokenEncryptKey == defaultEncryptKey) {
		return &ConfigError{Key: "TOKEN_ENCRYPT_KEY", Message: "must be set to a non-default value in production"}
	}
	if len(c.TokenEncryptKey) != 32 {
		return &ConfigError{Key: "TOKEN_ENCRYPT_KEY", Message: "must be exactly 32 bytes for AES-256"}
	}
	if !IsSupportedRegion(c.Region) {
		return &ConfigError{Key: "REGION", Message: fmt.Sprintf("unsupported region %q", c.Region)}
	}
	return nil
}
