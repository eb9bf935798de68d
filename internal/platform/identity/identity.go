// Package identity verifies signed identity tokens from the external auth
// provider.
//
// The table service never issues credentials. When a verification key is
// configured, clients present an Ed25519-signed JWT carrying their resolved
// user id and email, minted by the deployment's auth service. Without a key
// the gateway runs open and every connection gets a disposable guest profile.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chronicarpg/chronica/internal/platform/config"
)

// ErrTokenInvalid indicates the token failed signature or claim validation.
var ErrTokenInvalid = errors.New("identity token is invalid")

// ErrTokenExpired indicates the token is past its expiry.
var ErrTokenExpired = errors.New("identity token is expired")

// envConfig holds raw env values before post-parse validation.
type envConfig struct {
	Issuer    string `env:"CHRONICA_IDENTITY_ISSUER"`
	Audience  string `env:"CHRONICA_IDENTITY_AUDIENCE"`
	PublicKey string `env:"CHRONICA_IDENTITY_PUBLIC_KEY"`
}

// Config defines how identity tokens are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Identity is the verified caller identity supplied by the auth provider.
type Identity struct {
	UserID string
	Email  string
}

type identityClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// LoadConfigFromEnv reads identity verification configuration. It returns a
// zero Config and ok=false when no public key is configured, which callers
// treat as "run without identity verification".
func LoadConfigFromEnv(now func() time.Time) (Config, bool, error) {
	var raw envConfig
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, false, fmt.Errorf("parse identity env: %w", err)
	}
	publicKey := strings.TrimSpace(raw.PublicKey)
	if publicKey == "" {
		return Config{}, false, nil
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	if issuer == "" {
		return Config{}, false, errors.New("CHRONICA_IDENTITY_ISSUER is required when a public key is set")
	}
	if audience == "" {
		return Config{}, false, errors.New("CHRONICA_IDENTITY_AUDIENCE is required when a public key is set")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, false, fmt.Errorf("decode identity public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, false, fmt.Errorf("identity public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, true, nil
}

// Verifier validates identity tokens against a fixed issuer, audience, and
// Ed25519 public key.
type Verifier struct {
	cfg Config
}

// NewVerifier creates a token verifier from a complete Config.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("identity verifier requires issuer and audience")
	}
	if len(cfg.Key) != ed25519.PublicKeySize {
		return nil, errors.New("identity verifier requires an ed25519 public key")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify validates a token and returns the identity it asserts.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token is required", ErrTokenInvalid)
	}

	var parsed identityClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return v.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != v.cfg.Issuer {
		return Identity{}, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if !audienceContains(parsed.Audience, v.cfg.Audience) {
		return Identity{}, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	if parsed.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: exp is required", ErrTokenInvalid)
	}

	now := v.cfg.Now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return Identity{}, ErrTokenExpired
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Identity{}, fmt.Errorf("%w: token not active yet", ErrTokenInvalid)
	}

	userID := strings.TrimSpace(parsed.UserID)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: user_id is required", ErrTokenInvalid)
	}
	return Identity{
		UserID: userID,
		Email:  strings.TrimSpace(parsed.Email),
	}, nil
}

// mapJWTError translates jwt library errors to package errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return fmt.Errorf("%w: signature verification failed", ErrTokenInvalid)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return fmt.Errorf("%w: unsupported signing method", ErrTokenInvalid)
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, entry := range audience {
		if entry == expected {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(value)
}
