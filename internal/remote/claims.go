package remote

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var errMalformedToken = errors.New("malformed auth token")

// tokenClaims is the client-side view of the token payload. The client
// cannot verify the signature; it only reads the claims to know who it is,
// which roles it holds, and when to re-login.
type tokenClaims struct {
	NameID    string `json:"nameid"`
	Role      any    `json:"role,omitempty"`
	NotBefore int64  `json:"nbf"`
	ExpiresAt int64  `json:"exp"`
}

func (c *tokenClaims) roles() []string {
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

func (c *tokenClaims) expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// parseClaims decodes the middle part of a header.claims.signature token.
func parseClaims(token string) (*tokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errMalformedToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, errMalformedToken
	}
	if claims.NameID == "" {
		return nil, errMalformedToken
	}
	return &claims, nil
}
