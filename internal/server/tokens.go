package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// TokenTTL is how long an issued token stays valid; clients are expected
	// to re-login once it lapses.
	TokenTTL = 24 * time.Hour
	// ClockSkew is tolerated on both nbf and exp.
	ClockSkew = 5 * time.Minute
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the token payload. Role is a string for single-role accounts and
// an array otherwise, so both shapes must be accepted when parsing.
type Claims struct {
	NameID    string `json:"nameid"`
	Role      any    `json:"role,omitempty"`
	NotBefore int64  `json:"nbf"`
	ExpiresAt int64  `json:"exp"`
}

// Roles normalizes the string-or-array role claim.
func (c *Claims) Roles() []string {
	switch v := c.Role.(type) {
	case string:
		return []string{v}
	case []any:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	default:
		return nil
	}
}

// TokenIssuer mints and verifies HMAC-SHA256 signed tokens of the form
// header.claims.signature, each part base64url without padding.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

var tokenHeader = base64.RawURLEncoding.EncodeToString(
	[]byte(`{"alg":"HS256","typ":"JWT"}`))

func (i *TokenIssuer) Issue(accountID string, roles []string, now time.Time) (string, time.Time) {
	expiresAt := now.Add(TokenTTL)
	claims := Claims{
		NameID:    accountID,
		NotBefore: now.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}
	switch len(roles) {
	case 0:
	case 1:
		claims.Role = roles[0]
	default:
		claims.Role = roles
	}

	payload, _ := json.Marshal(claims)
	signed := tokenHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signed + "." + i.sign(signed), expiresAt
}

// Verify checks the signature and validity window and returns the claims.
func (i *TokenIssuer) Verify(token string, now time.Time) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	signed := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(i.sign(signed)), []byte(parts[2])) {
		return nil, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.NameID == "" {
		return nil, ErrInvalidToken
	}
	if now.Add(ClockSkew).Unix() < claims.NotBefore {
		return nil, fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	if now.Add(-ClockSkew).Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return &claims, nil
}

func (i *TokenIssuer) sign(signed string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(signed))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
