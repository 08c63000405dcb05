package auth

import (
	"fmt"
	"strings"
	"time"
)

// Config controls token issuance and verification.
type Config struct {
	// Secret is the HMAC key shared with the token issuer.
	Secret []byte

	// Issuer is the expected "iss" claim. Empty disables the issuer check.
	Issuer string

	// TokenTTL is the lifetime of tokens produced by Issue.
	TokenTTL time.Duration

	// ClockSkew is tolerated on exp/nbf/iat.
	ClockSkew time.Duration
}

// DefaultConfig returns a development configuration without a secret.
func DefaultConfig() Config {
	return Config{
		Issuer:    "beacon",
		TokenTTL:  15 * time.Minute,
		ClockSkew: 30 * time.Second,
	}
}

// LoadConfig reads BEACON_AUTH_JWT_* keys through getenv.
//
// Required:
//   - BEACON_AUTH_JWT_SECRET (at least 32 bytes)
//
// Optional:
//   - BEACON_AUTH_JWT_ISSUER
//   - BEACON_AUTH_JWT_TTL, BEACON_AUTH_JWT_CLOCK_SKEW (Go durations)
func LoadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	cfg.Secret = []byte(strings.TrimSpace(getenv("BEACON_AUTH_JWT_SECRET")))
	if v, ok := lookup(getenv, "BEACON_AUTH_JWT_ISSUER"); ok {
		cfg.Issuer = v
	}
	if v, ok := lookup(getenv, "BEACON_AUTH_JWT_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: BEACON_AUTH_JWT_TTL: %v", ErrConfig, err)
		}
		cfg.TokenTTL = d
	}
	if v, ok := lookup(getenv, "BEACON_AUTH_JWT_CLOCK_SKEW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: BEACON_AUTH_JWT_CLOCK_SKEW: %v", ErrConfig, err)
		}
		cfg.ClockSkew = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	switch {
	case len(c.Secret) < 32:
		return fmt.Errorf("%w: secret must be at least 32 bytes", ErrConfig)
	case c.TokenTTL <= 0:
		return fmt.Errorf("%w: token ttl must be > 0", ErrConfig)
	case c.ClockSkew < 0:
		return fmt.Errorf("%w: clock skew must be >= 0", ErrConfig)
	}
	return nil
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := strings.TrimSpace(getenv(key))
	return v, v != ""
}
