package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Supported signing algorithms.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"
)

// ErrKeyNotFound is returned when a token names a key id the JWKS does not carry.
var ErrKeyNotFound = errors.New("KEY_NOT_FOUND")

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	Algorithm string

	// HS256
	SecretKey string

	// RS256: a static PEM key, a JWKS endpoint, or both. Tokens carrying a
	// kid are resolved through the JWKS.
	PublicKeyPEM        string
	JWKSURL             string
	JWKSRefreshInterval time.Duration
	JWKSCacheTimeout    time.Duration
}

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet represents a JSON Web Key Set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

type cachedKey struct {
	key     *rsa.PublicKey
	fetched time.Time
}

// Verifier validates bearer tokens for the control surface.
type Verifier struct {
	config     VerifierConfig
	publicKey  *rsa.PublicKey
	httpClient *http.Client

	mu        sync.RWMutex
	jwks      map[string]cachedKey
	lastFetch time.Time
}

// NewVerifier creates a verifier. With a JWKS URL the key set is fetched once
// up front so a bad endpoint fails at startup.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.JWKSRefreshInterval <= 0 {
		config.JWKSRefreshInterval = 5 * time.Minute
	}
	if config.JWKSCacheTimeout <= 0 {
		config.JWKSCacheTimeout = time.Hour
	}
	v := &Verifier{
		config:     config,
		jwks:       make(map[string]cachedKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	switch config.Algorithm {
	case AlgorithmRS256:
		if config.PublicKeyPEM == "" && config.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or a JWKS URL")
		}
		if config.PublicKeyPEM != "" {
			key, err := parseRSAPublicKey(config.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
			}
			v.publicKey = key
		}
		if config.JWKSURL != "" {
			if err := v.refreshJWKS(); err != nil {
				return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
			}
		}
	case AlgorithmHS256:
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	return v, nil
}

// VerifyToken validates the signature, expiry and claims of a token.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	mapClaims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, mapClaims, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return extractClaims(mapClaims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if v.config.Algorithm == AlgorithmHS256 {
		return []byte(v.config.SecretKey), nil
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		if v.publicKey == nil {
			return nil, fmt.Errorf("token has no kid and no public key is configured")
		}
		return v.publicKey, nil
	}
	return v.jwksKey(kid)
}

// jwksKey resolves a key id, refreshing the set when the key is unknown or
// stale and the refresh interval has passed.
func (v *Verifier) jwksKey(kid string) (*rsa.PublicKey, error) {
	if v.config.JWKSURL == "" {
		return nil, fmt.Errorf("%w: %s (no JWKS configured)", ErrKeyNotFound, kid)
	}

	v.mu.RLock()
	entry, ok := v.jwks[kid]
	lastFetch := v.lastFetch
	v.mu.RUnlock()

	if ok && time.Since(entry.fetched) < v.config.JWKSCacheTimeout {
		return entry.key, nil
	}
	if time.Since(lastFetch) >= v.config.JWKSRefreshInterval {
		if err := v.refreshJWKS(); err != nil {
			return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
		}
		v.mu.RLock()
		entry, ok = v.jwks[kid]
		v.mu.RUnlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return entry.key, nil
}

// refreshJWKS replaces the cached key set with the current one.
func (v *Verifier) refreshJWKS() error {
	resp, err := v.httpClient.Get(v.config.JWKSURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var set JWKSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	now := time.Now()
	keys := make(map[string]cachedKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") || (jwk.Alg != "" && jwk.Alg != AlgorithmRS256) {
			continue
		}
		key, err := jwkToRSAPublicKey(jwk)
		if err != nil {
			continue
		}
		keys[jwk.Kid] = cachedKey{key: key, fetched: now}
	}

	v.mu.Lock()
	v.jwks = keys
	v.lastFetch = now
	v.mu.Unlock()
	return nil
}

// extractClaims maps registered and custom claims onto Claims.
func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	roles, err := stringSlice(claims, "roles")
	if err != nil {
		return nil, err
	}
	scopes, err := stringSlice(claims, "scopes")
	if err != nil {
		return nil, err
	}

	if !allKnown(roles, RoleViewer, RoleController) {
		return nil, fmt.Errorf("invalid roles: %v", roles)
	}
	if !allKnown(scopes, ScopeRead, ScopeControl, ScopeTelemetry) {
		return nil, fmt.Errorf("invalid scopes: %v", scopes)
	}

	return &Claims{Subject: sub, Roles: roles, Scopes: scopes}, nil
}

func stringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	switch val := claims[key].(type) {
	case []string:
		return val, nil
	case []interface{}:
		out := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid '%s' claim: not a string", key)
			}
			out[i] = s
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("missing '%s' claim", key)
	default:
		return nil, fmt.Errorf("invalid '%s' claim: not a string array", key)
	}
}

// allKnown reports whether values is non-empty and every value is allowed.
func allKnown(values []string, allowed ...string) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		found := false
		for _, a := range allowed {
			if v == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

func jwkToRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	e, err := base64URLDecode(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 {
		return nil, fmt.Errorf("empty modulus or exponent")
	}

	var exp int
	for _, b := range e {
		exp = exp<<8 | int(b)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

// base64URLDecode accepts both padded and unpadded base64url.
func base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
