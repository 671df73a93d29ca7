// Package auth verifies bearer tokens on the gateway API. Tokens carry the
// caller's MCP client identity in a client_id claim so handlers can bind
// contract lookups to the authenticated client.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Principal struct {
	Subject  string
	Roles    []string
	ClientID string
}

type contextKey string

const principalContextKey contextKey = "mcpgw.principal"

type MiddlewareConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

type MiddlewareOption func(*MiddlewareConfig)

func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.JWKSURL = strings.TrimSpace(url)
	}
}

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Timeout = timeout
	}
}

// Middleware selects the token verifier by mode. Mode "off" injects an
// anonymous principal so development flows skip token handling; any
// unsupported mode denies every bearer request.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == "off" {
		anonymous := Principal{Subject: "anonymous", Roles: []string{"anonymous"}}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anonymous)))
			})
		}
	}
	var verify func(token string) (TokenClaims, error)
	switch mode {
	case "oidc_hs256":
		verify = func(token string) (TokenClaims, error) {
			return VerifyHS256Token(token, secret, time.Now().UTC(), cfg.Issuer, cfg.Audience)
		}
	case "oidc_rs256":
		keys := newJWKSCache(cfg.JWKSURL, cfg.Timeout)
		verify = func(token string) (TokenClaims, error) {
			return VerifyRS256Token(token, time.Now().UTC(), keys, cfg.Issuer, cfg.Audience)
		}
	default:
		verify = func(string) (TokenClaims, error) {
			return TokenClaims{}, errors.New("unsupported auth mode")
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := verify(strings.TrimSpace(header[len("Bearer "):]))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject:  claims.Sub,
				Roles:    claims.Roles,
				ClientID: claims.ClientID,
			})))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// HasAnyRole reports whether the principal holds at least one of the required
// roles, case-insensitively.
func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

type TokenClaims struct {
	Sub      string   `json:"sub"`
	Roles    []string `json:"roles"`
	ClientID string   `json:"client_id"`
	Iss      string   `json:"iss,omitempty"`
	Aud      any      `json:"aud,omitempty"`
	Exp      int64    `json:"exp"`
	Nbf      int64    `json:"nbf,omitempty"`
	Iat      int64    `json:"iat,omitempty"`
}

// tokenSegments holds the three decoded JWT parts plus the signing input
// (header.payload) signatures are computed over.
type tokenSegments struct {
	header       []byte
	payload      []byte
	signature    []byte
	signingInput string
}

func splitToken(token string) (tokenSegments, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenSegments{}, errors.New("invalid token format")
	}
	var seg tokenSegments
	var err error
	if seg.header, err = base64.RawURLEncoding.DecodeString(parts[0]); err != nil {
		return tokenSegments{}, err
	}
	if seg.payload, err = base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return tokenSegments{}, err
	}
	if seg.signature, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return tokenSegments{}, err
	}
	seg.signingInput = parts[0] + "." + parts[1]
	return seg, nil
}

// parseClaims decodes the payload claim by claim so a malformed optional
// claim does not reject the whole token. A roles claim holding a bare string
// is treated as a single-role list.
func parseClaims(payload []byte) (TokenClaims, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return TokenClaims{}, err
	}
	var claims TokenClaims
	stringClaims := map[string]*string{
		"sub":       &claims.Sub,
		"client_id": &claims.ClientID,
		"iss":       &claims.Iss,
	}
	for name, dst := range stringClaims {
		if v, ok := raw[name]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	intClaims := map[string]*int64{
		"exp": &claims.Exp,
		"nbf": &claims.Nbf,
		"iat": &claims.Iat,
	}
	for name, dst := range intClaims {
		if v, ok := raw[name]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	if v, ok := raw["roles"]; ok {
		if err := json.Unmarshal(v, &claims.Roles); err != nil {
			var single string
			if err2 := json.Unmarshal(v, &single); err2 == nil && single != "" {
				claims.Roles = []string{single}
			}
		}
	}
	if v, ok := raw["aud"]; ok {
		var audAny any
		_ = json.Unmarshal(v, &audAny)
		claims.Aud = audAny
	}
	return claims, nil
}

// check enforces the temporal and identity claims shared by both signature
// schemes.
func (c TokenClaims) check(now time.Time, issuer, audience string) error {
	if c.Sub == "" {
		return errors.New("subject required")
	}
	if c.Exp == 0 || now.Unix() >= c.Exp {
		return errors.New("token expired")
	}
	if c.Nbf != 0 && now.Unix() < c.Nbf {
		return errors.New("token not active")
	}
	if issuer != "" && c.Iss != issuer {
		return errors.New("issuer mismatch")
	}
	if audience != "" && !audContains(c.Aud, audience) {
		return errors.New("audience mismatch")
	}
	return nil
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	seg, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(seg.header, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(seg.signingInput))
	if !hmac.Equal(seg.signature, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	claims, err := parseClaims(seg.payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := claims.check(now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

func VerifyRS256Token(token string, now time.Time, cache *jwksCache, issuer, audience string) (TokenClaims, error) {
	seg, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(seg.header, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "RS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	if strings.TrimSpace(header.Kid) == "" {
		return TokenClaims{}, errors.New("kid required")
	}
	pub, err := cache.key(context.Background(), header.Kid, now)
	if err != nil {
		return TokenClaims{}, err
	}
	h := sha256.Sum256([]byte(seg.signingInput))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], seg.signature); err != nil {
		return TokenClaims{}, err
	}
	claims, err := parseClaims(seg.payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := claims.check(now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

type jwksCache struct {
	url       string
	timeout   time.Duration
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	client    *http.Client
}

func newJWKSCache(jwksURL string, timeout time.Duration) *jwksCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &jwksCache{
		url:     jwksURL,
		timeout: timeout,
		keys:    map[string]*rsa.PublicKey{},
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if c == nil {
		return nil, errors.New("jwks cache is nil")
	}
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Before(c.expiresAt) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	if err := c.refresh(ctx, now); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.expiresAt) {
		// Another caller refreshed while we waited for the lock.
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("jwks fetch failed")
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	c.keys = next
	c.expiresAt = now.Add(5 * time.Minute)
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
