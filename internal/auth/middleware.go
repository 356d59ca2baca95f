package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"upstand-realtime/internal/models"
)

const jwksRefreshInterval = 24 * time.Hour

type KindeClaims struct {
	jwt.RegisteredClaims
	GivenName   string   `json:"given_name"`
	FamilyName  string   `json:"family_name"`
	Email       string   `json:"email"`
	OrgCode     string   `json:"org_code"`
	TeamID      string   `json:"team_id"`
	Permissions []string `json:"permissions"`
}

// Scope derives the realtime scope carried by the token. The organisation
// code is the company.
func (c *KindeClaims) Scope() models.Scope {
	return models.Scope{TeamID: c.TeamID, CompanyID: c.OrgCode, UserID: c.Subject}
}

// DisplayName is the given name, falling back to the email address.
func (c *KindeClaims) DisplayName() string {
	if c.GivenName != "" {
		return c.GivenName
	}
	return c.Email
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// Validator checks RS256 tokens against the issuer's JWKS.
type Validator struct {
	issuer     string
	httpClient *http.Client

	mu    sync.RWMutex
	jwks  *JWKS
	cache map[string]*rsa.PublicKey
}

// NewValidator fetches the issuer's JWKS and refreshes it every 24 hours
// until ctx is cancelled.
func NewValidator(ctx context.Context, issuerURL string) (*Validator, error) {
	v := &Validator{
		issuer:     strings.TrimSuffix(issuerURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[string]*rsa.PublicKey),
	}
	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	go func() {
		ticker := time.NewTicker(jwksRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := v.refresh(ctx); err != nil {
					slog.Error("[AUTH] Error refreshing JWKS", "error", err)
				} else {
					slog.Info("[AUTH] JWKS refreshed successfully")
				}
			}
		}
	}()

	return v, nil
}

func (v *Validator) refresh(ctx context.Context) error {
	jwksURL := fmt.Sprintf("%s/.well-known/jwks.json", v.issuer)
	slog.Debug("[AUTH] Fetching JWKS", "url", jwksURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.mu.Lock()
	v.jwks = &jwks
	// Clear cache to force re-conversion
	v.cache = make(map[string]*rsa.PublicKey)
	v.mu.Unlock()

	slog.Info("[AUTH] JWKS loaded", "keys", len(jwks.Keys))
	return nil
}

// ValidateToken verifies signature, issuer and expiry.
func (v *Validator) ValidateToken(tokenString string) (*KindeClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &KindeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}
		return v.publicKey(kid)
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*KindeClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// publicKey retrieves and caches the public key for kid.
func (v *Validator) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	if key, exists := v.cache[kid]; exists {
		v.mu.RUnlock()
		return key, nil
	}
	jwks := v.jwks
	v.mu.RUnlock()

	if jwks == nil {
		return nil, errors.New("JWKS not initialized")
	}

	for _, jwk := range jwks.Keys {
		if jwk.Kid != kid {
			continue
		}
		key, err := jwkToPublicKey(jwk)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.cache[kid] = key
		v.mu.Unlock()
		return key, nil
	}

	return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
}

// jwkToPublicKey converts an RSA JWK to a public key.
func jwkToPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	if jwk.Kty != "" && jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// ScopeFromToken reads the scope claims without verifying the signature.
// Clients use it to learn their own scope; servers must call
// ValidateToken instead.
func ScopeFromToken(tokenString string) (models.Scope, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	var claims KindeClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return models.Scope{}, fmt.Errorf("failed to read token claims: %w", err)
	}
	return claims.Scope(), nil
}

// ExtractTokenFromRequest extracts the JWT from the token query parameter
// or the Authorization header.
func ExtractTokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
