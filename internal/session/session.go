// Package session issues and validates the signed tokens that tie a browser
// session to its ledger account. Guest tokens are minted at first bootstrap;
// claimed identities reuse the same shape with IsGuest cleared.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer = "entitlementd"
	defaultTTL    = 30 * 24 * time.Hour
)

// ErrInvalidToken covers malformed, unsigned, or expired tokens.
var ErrInvalidToken = errors.New("invalid session token")

// ErrInvalidConfig reports unusable manager settings.
var ErrInvalidConfig = errors.New("invalid session config")

// Config aggregates token signing settings.
type Config struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
}

// Claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
	SessionKey string `json:"sk"`
	AccountID  string `json:"acc,omitempty"`
	Guest      bool   `json:"guest"`
}

// Manager mints and resolves session tokens (HS256).
type Manager struct {
	cfg Config
}

// NewManager validates the config and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidConfig)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Manager{cfg: cfg}, nil
}

// Mint signs a token binding the session key to its account.
func (manager *Manager) Mint(sessionKey string, accountID string, guest bool) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    manager.cfg.Issuer,
			Subject:   sessionKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(manager.cfg.TTL)),
		},
		SessionKey: sessionKey,
		AccountID:  accountID,
		Guest:      guest,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(manager.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Resolve validates a token and returns its claims.
func (manager *Manager) Resolve(raw string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, token.Header["alg"])
		}
		return manager.cfg.SigningKey, nil
	}, jwt.WithIssuer(manager.cfg.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.SessionKey == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
