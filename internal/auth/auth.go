// Package auth issues and validates dashboard session tokens and checks
// static API keys for programmatic clients.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Manager validates API keys and JWT session tokens.
type Manager struct {
	secret   []byte
	issuer   string
	audience string
	apiKeys  []string
	tokenTTL time.Duration
}

// Claims are the session token claims.
type Claims struct {
	Subject string `json:"sub_name,omitempty"`
	jwt.RegisteredClaims
}

// NewManager creates an auth manager. An empty secret gets a random one,
// valid for this process only.
func NewManager(secret, issuer, audience string, apiKeys []string) *Manager {
	if secret == "" {
		secret = randomSecret(32)
		log.Printf("[Auth] Generated ephemeral JWT secret; sessions will not survive a restart")
	}
	return &Manager{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		apiKeys:  apiKeys,
		tokenTTL: 24 * time.Hour,
	}
}

// IssueToken creates a signed session token for a subject.
func (m *Manager) IssueToken(subject string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a session token, returning its subject.
func (m *Manager) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.RegisteredClaims.Subject, nil
}

// ValidAPIKey reports whether the presented key matches a configured one.
func (m *Manager) ValidAPIKey(key string) bool {
	if key == "" {
		return false
	}
	for _, known := range m.apiKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(known)) == 1 {
			return true
		}
	}
	return false
}

func randomSecret(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to generate random secret: %v", err))
	}
	return hex.EncodeToString(buf)
}
