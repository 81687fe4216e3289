package remote

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestParseClaims_SingleRole(t *testing.T) {
	exp := time.Now().Add(24 * time.Hour).Unix()
	token := makeToken(t, map[string]any{
		"nameid": "account-1", "role": "default", "nbf": time.Now().Unix(), "exp": exp,
	})
	claims, err := parseClaims(token)
	if err != nil {
		t.Fatalf("parseClaims: %v", err)
	}
	if claims.NameID != "account-1" {
		t.Fatalf("NameID = %q", claims.NameID)
	}
	if roles := claims.roles(); len(roles) != 1 || roles[0] != "default" {
		t.Fatalf("roles = %v", roles)
	}
	if claims.expiry().Unix() != exp {
		t.Fatalf("expiry = %v", claims.expiry())
	}
}

func TestParseClaims_RoleArray(t *testing.T) {
	token := makeToken(t, map[string]any{
		"nameid": "account-1",
		"role":   []string{"default", "statistics:view", "export:run"},
		"exp":    time.Now().Unix(),
	})
	claims, err := parseClaims(token)
	if err != nil {
		t.Fatalf("parseClaims: %v", err)
	}
	roles := claims.roles()
	if len(roles) != 3 || roles[1] != "statistics:view" {
		t.Fatalf("roles = %v", roles)
	}
}

func TestParseClaims_Malformed(t *testing.T) {
	for _, token := range []string{
		"",
		"one.two",
		"a.%%%.c",
		makeToken(t, map[string]any{"role": "default"}),
	} {
		if _, err := parseClaims(token); err == nil {
			t.Fatalf("parseClaims(%q) accepted a malformed token", token)
		}
	}
}
