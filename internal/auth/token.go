// Package auth issues and verifies the bearer credentials operators present
// to the gate, and runs the admin login flow with its lockout policy.
// Tokens are HMAC-SHA256 signed JSON claims; there is no session state.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims are embedded in every issued token.
type Claims struct {
	TokenID     string `json:"tid"`
	PrincipalID string `json:"pid"`
	Role        string `json:"role"`
	IssuedAt    int64  `json:"iat"`
	ExpiresAt   int64  `json:"exp"`
	Issuer      string `json:"iss"`
}

// Broker signs and verifies tokens with a shared HMAC secret.
type Broker struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewBroker creates a broker. An empty secret gets a development default;
// production deployments must configure their own.
func NewBroker(secret string, ttl time.Duration) *Broker {
	if secret == "" {
		secret = "civicsafe-dev-secret-change-in-production"
	}
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &Broker{secret: []byte(secret), ttl: ttl, issuer: "civicsafe-core"}
}

// Issue signs a token for the principal.
func (b *Broker) Issue(principalID, role string, now time.Time) (string, error) {
	claims := Claims{
		TokenID:     uuid.NewString(),
		PrincipalID: principalID,
		Role:        role,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(b.ttl).Unix(),
		Issuer:      b.issuer,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + b.sign(body), nil
}

// Verify checks the signature and expiry and returns the claims.
func (b *Broker) Verify(token string, now time.Time) (*Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal([]byte(b.sign(body)), []byte(sig)) {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt <= now.Unix() {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

func (b *Broker) sign(body string) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
