package session

import (
	"os"
	"strings"
	"time"
)

// Config defines the access-token verification policy.
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// AccessTokenTTL is only used when issuing (secret key configured).
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// Exactly one of these is needed. The secret key takes precedence and
	// implies the public key.
	PasetoV4SecretKeyHex string
	PasetoV4PublicKeyHex string
}

// DefaultConfig returns defaults without key material.
func DefaultConfig() Config {
	return Config{
		Issuer:         "pairhub",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// Enabled reports whether any key material is configured.
func (c Config) Enabled() bool {
	return c.PasetoV4SecretKeyHex != "" || c.PasetoV4PublicKeyHex != ""
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Key material (one of):
//   - PAIRHUB_PASETO_V4_PUBLIC_KEY_HEX (verify only)
//   - PAIRHUB_PASETO_V4_SECRET_KEY_HEX (issue + verify)
//
// Optional:
//   - PAIRHUB_AUTH_ISSUER
//   - PAIRHUB_AUTH_ACCESS_TTL
//   - PAIRHUB_AUTH_CLOCK_SKEW
//
// Missing key material is not an error; callers check Enabled.
// Returns ErrConfig if a value is present but invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("PAIRHUB_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("PAIRHUB_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("PAIRHUB_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("PAIRHUB_PASETO_V4_SECRET_KEY_HEX"))
	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("PAIRHUB_PASETO_V4_PUBLIC_KEY_HEX"))

	return cfg, nil
}
