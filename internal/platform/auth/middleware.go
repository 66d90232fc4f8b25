// Package auth is the identity-provider edge: it verifies bearer tokens and
// turns them into an access.Claim. Nothing downstream trusts a caller-
// supplied role or subject.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/assistant/internal/domain/access"
)

// Claims is the token body issued by the identity provider. Role is the
// primary role claim; Roles is accepted for providers that emit a list.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Role     string   `json:"role,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 verification; used in development and tests.
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

// JWKSKey represents a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSResponse represents the response from a JWKS endpoint.
type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

// JWKSCache caches JWKS keys fetched from a remote endpoint with a configurable TTL.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKey returns the RSA public key for kid, refetching on miss or expiry.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}
	if err := c.fetch(); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch() error {
	resp, err := c.client.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pubKey, err := parseRSAPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pubKey
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

const defaultJWKSCacheTTL = 5 * time.Minute

func jwksKeyFunc(jwksURL string) jwt.Keyfunc {
	cache := NewJWKSCache(jwksURL, defaultJWKSCacheTTL)
	return func(token *jwt.Token) (interface{}, error) {
		return keyByKID(cache, token)
	}
}

func keyByKID(cache *JWKSCache, token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}
	return cache.GetKey(kid)
}

// ToClaim converts verified token claims to an access.Claim. The first
// recognised role wins; an unrecognised role is an invalid identity.
func (c *Claims) ToClaim() (access.Claim, error) {
	candidates := c.Roles
	if c.Role != "" {
		candidates = append([]string{c.Role}, candidates...)
	}
	claim := access.Claim{SubjectID: c.Subject, TenantID: c.TenantID}
	if c.IssuedAt != nil {
		claim.IssuedAt = c.IssuedAt.Time
	}
	for _, r := range candidates {
		if role, err := access.ParseRole(r); err == nil {
			claim.Role = role
			break
		}
	}
	if err := claim.Validate(); err != nil {
		return access.Claim{}, err
	}
	return claim, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for WebSocket upgrades, which browsers cannot
// send headers on.
func bearerToken(c echo.Context) (string, bool) {
	if h := c.Request().Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", false
		}
		return parts[1], true
	}
	if c.IsWebSocket() {
		if t := c.QueryParam("access_token"); t != "" {
			return t, true
		}
	}
	return "", false
}

func unauthorized() error {
	return echo.NewHTTPError(http.StatusUnauthorized, access.KindIdentityInvalid.PublicMessage())
}

// JWTMiddleware verifies the bearer token and stores the resulting
// access.Claim in the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	var keyFunc jwt.Keyfunc
	switch {
	case len(cfg.SigningKey) > 0:
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	case cfg.JWKSURL != "":
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
		keyFunc = jwksKeyFunc(cfg.JWKSURL)
	default:
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
		keyFunc = discoveryKeyFunc(cfg.Issuer)
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			tokenStr, ok := bearerToken(c)
			if !ok {
				return unauthorized()
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return unauthorized()
			}
			claim, err := claims.ToClaim()
			if err != nil {
				return unauthorized()
			}

			c.Set("jwt_tenant_id", claim.TenantID)
			c.Set("role", claim.Role.String())
			c.SetRequest(c.Request().WithContext(access.WithClaim(c.Request().Context(), claim)))
			return next(c)
		}
	}
}

// ClaimFromEcho returns the verified claim for the request.
func ClaimFromEcho(c echo.Context) (access.Claim, bool) {
	return access.ClaimFromContext(c.Request().Context())
}
