package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OIDCProvider is the part of an OpenID Connect discovery document the
// token verifier needs.
type OIDCProvider struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// DiscoverOIDC fetches issuerURL/.well-known/openid-configuration and checks
// that the document names the same issuer.
func DiscoverOIDC(ctx context.Context, client *http.Client, issuerURL string) (*OIDCProvider, error) {
	issuer := strings.TrimRight(issuerURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("oidc discovery: decode: %w", err)
	}
	if strings.TrimRight(p.Issuer, "/") != issuer {
		return nil, fmt.Errorf("oidc discovery: document issuer %q does not match %q", p.Issuer, issuerURL)
	}
	if p.JWKSURI == "" {
		return nil, fmt.Errorf("oidc discovery: document has no jwks_uri")
	}
	return &p, nil
}

// discoveredKeys resolves the issuer's JWKS endpoint on first use. A failed
// discovery is retried on the next token, so the server can start before
// its identity provider is reachable.
type discoveredKeys struct {
	issuer string
	client *http.Client

	mu    sync.Mutex
	cache *JWKSCache
}

func (d *discoveredKeys) get() (*JWKSCache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache != nil {
		return d.cache, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := DiscoverOIDC(ctx, d.client, d.issuer)
	if err != nil {
		return nil, err
	}
	d.cache = NewJWKSCache(p.JWKSURI, defaultJWKSCacheTTL)
	return d.cache, nil
}

func discoveryKeyFunc(issuer string) jwt.Keyfunc {
	d := &discoveredKeys{issuer: issuer, client: &http.Client{Timeout: 10 * time.Second}}
	return func(token *jwt.Token) (interface{}, error) {
		cache, err := d.get()
		if err != nil {
			return nil, err
		}
		return keyByKID(cache, token)
	}
}
