package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	// ErrKeyNotFound is returned when no published key matches the token's kid.
	ErrKeyNotFound = errors.New("auth: signing key not found")
	// ErrKeySetUnavailable wraps transport and decoding failures while fetching the key set.
	ErrKeySetUnavailable = errors.New("auth: key set unavailable")
)

const defaultKeySetTTL = 15 * time.Minute

// KeySet caches the JSON Web Key Set published by an OIDC issuer. Keys are refetched when the
// Cache-Control max-age elapses or when an unknown kid shows up.
type KeySet struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	keys    map[string]jose.JSONWebKey
	expires time.Time

	fetchMu sync.Mutex
}

// KeySetOption customises a KeySet.
type KeySetOption func(*KeySet)

// WithKeySetHTTPClient overrides the HTTP client.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(k *KeySet) {
		if client != nil {
			k.client = client
		}
	}
}

// WithKeySetClock injects the clock.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(k *KeySet) {
		if now != nil {
			k.now = now
		}
	}
}

// NewKeySet constructs a cache for the JWKS document at url.
func NewKeySet(url string, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Key returns the public key for kid.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	if key, ok := k.cached(kid); ok {
		return key, nil
	}
	if err := k.fetch(ctx); err != nil {
		return nil, err
	}
	if key, ok := k.cached(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func (k *KeySet) cached(kid string) (any, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.now().After(k.expires) {
		return nil, false
	}
	jwk, ok := k.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (k *KeySet) fetch(ctx context.Context) error {
	k.fetchMu.Lock()
	defer k.fetchMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeySetUnavailable, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrKeySetUnavailable)
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	k.mu.Lock()
	k.keys = keys
	k.expires = k.now().Add(ttl)
	k.mu.Unlock()
	return nil
}

func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ServiceIdentity is the verified caller of an internal endpoint, typically Cloud Scheduler's service account.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

// ServiceIdentityFromContext returns the identity placed by RequireServiceToken.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// ServiceTokenVerifier validates Google-signed OIDC tokens on /internal routes.
type ServiceTokenVerifier struct {
	keys    *KeySet
	logger  *zap.Logger
	now     func() time.Time
	counter metric.Int64Counter
}

// ServiceTokenOption customises a ServiceTokenVerifier.
type ServiceTokenOption func(*ServiceTokenVerifier)

// WithServiceTokenLogger sets the logger for rejected tokens.
func WithServiceTokenLogger(logger *zap.Logger) ServiceTokenOption {
	return func(v *ServiceTokenVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithServiceTokenClock injects the clock used for exp/iat checks.
func WithServiceTokenClock(now func() time.Time) ServiceTokenOption {
	return func(v *ServiceTokenVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewServiceTokenVerifier constructs a verifier backed by keys.
func NewServiceTokenVerifier(keys *KeySet, opts ...ServiceTokenOption) *ServiceTokenVerifier {
	v := &ServiceTokenVerifier{
		keys:    keys,
		logger:  zap.NewNop(),
		now:     time.Now,
		counter: verificationCounter(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireServiceToken accepts RS256 tokens whose audience contains audience and whose issuer is one of issuers.
func (v *ServiceTokenVerifier) RequireServiceToken(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if v == nil || v.keys == nil || audience == "" {
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "service token verification not configured")
				return
			}
			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				recordVerification(ctx, v.counter, "oidc", "token_missing")
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "service token missing")
				return
			}

			identity, err := v.verify(ctx, raw, audience, issuers)
			if err != nil {
				status, outcome := http.StatusUnauthorized, "token_invalid"
				if errors.Is(err, ErrKeySetUnavailable) {
					status, outcome = http.StatusServiceUnavailable, "keys_unavailable"
				}
				v.logger.Warn("service token rejected", zap.String("outcome", outcome), zap.Error(err))
				recordVerification(ctx, v.counter, "oidc", outcome)
				respondAuthError(ctx, w, status, "invalid_token", "service token verification failed")
				return
			}
			recordVerification(ctx, v.counter, "oidc", "ok")
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, serviceIdentityContextKey{}, identity)))
		})
	}
}

func (v *ServiceTokenVerifier) verify(ctx context.Context, raw, audience string, issuers []string) (*ServiceIdentity, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		var validation *jwt.ValidationError
		if errors.As(err, &validation) && validation.Inner != nil {
			return nil, validation.Inner
		}
		return nil, err
	}

	now := v.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("auth: token expired")
	}
	if !claims.VerifyIssuedAt(now+60, false) {
		return nil, errors.New("auth: token issued in the future")
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, fmt.Errorf("auth: audience mismatch, want %q", audience)
	}
	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 && !slices.Contains(issuers, issuer) {
		return nil, fmt.Errorf("auth: issuer %q not trusted", issuer)
	}

	identity := &ServiceIdentity{Issuer: issuer}
	identity.Subject, _ = claims["sub"].(string)
	identity.Email, _ = claims["email"].(string)
	return identity, nil
}
