package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"upstand-realtime/internal/models"
)

type issuer struct {
	key    *rsa.PrivateKey
	server *httptest.Server
	hits   atomic.Int32
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	iss := &issuer{key: key}
	iss.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		iss.hits.Add(1)
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kid: "k1",
			Kty: "RSA",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	t.Cleanup(iss.server.Close)
	return iss
}

func (iss *issuer) sign(t *testing.T, kid string, claims KindeClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(iss.key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func (iss *issuer) claims(exp time.Duration) KindeClaims {
	return KindeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    iss.server.URL,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
		},
		GivenName: "Ada",
		OrgCode:   "company-1",
		TeamID:    "team-1",
	}
}

func TestValidateToken(t *testing.T) {
	iss := newIssuer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := NewValidator(ctx, iss.server.URL+"/")
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	claims, err := v.ValidateToken("Bearer " + iss.sign(t, "k1", iss.claims(time.Hour)))
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	want := models.Scope{TeamID: "team-1", CompanyID: "company-1", UserID: "user-1"}
	if claims.Scope() != want || claims.DisplayName() != "Ada" {
		t.Fatalf("claims = %+v", claims)
	}

	// Cached key: a second validation does not refetch.
	if _, err := v.ValidateToken(iss.sign(t, "k1", iss.claims(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if iss.hits.Load() != 1 {
		t.Fatalf("JWKS fetched %d times", iss.hits.Load())
	}
}

func TestValidateTokenRejects(t *testing.T) {
	iss := newIssuer(t)
	v, err := NewValidator(context.Background(), iss.server.URL)
	if err != nil {
		t.Fatal(err)
	}

	wrongIssuer := iss.claims(time.Hour)
	wrongIssuer.Issuer = "https://evil.example"

	noExpiry := iss.claims(time.Hour)
	noExpiry.ExpiresAt = nil

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, iss.claims(time.Hour))
	hs.Header["kid"] = "k1"
	hmacToken, _ := hs.SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"expired", iss.sign(t, "k1", iss.claims(-time.Minute))},
		{"unknown kid", iss.sign(t, "k2", iss.claims(time.Hour))},
		{"wrong issuer", iss.sign(t, "k1", wrongIssuer)},
		{"missing expiry", iss.sign(t, "k1", noExpiry)},
		{"hmac", hmacToken},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.ValidateToken(tt.token); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestNewValidatorFailsWithoutJWKS(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	if _, err := NewValidator(context.Background(), server.URL); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v", err)
	}
}

func TestScopeFromToken(t *testing.T) {
	iss := newIssuer(t)
	scope, err := ScopeFromToken("Bearer " + iss.sign(t, "k1", iss.claims(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if scope != (models.Scope{TeamID: "team-1", CompanyID: "company-1", UserID: "user-1"}) {
		t.Fatalf("scope = %+v", scope)
	}
	if _, err := ScopeFromToken("garbage"); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := ExtractTokenFromRequest(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := ExtractTokenFromRequest(r); got != "h" {
		t.Fatalf("header token = %q", got)
	}
}
