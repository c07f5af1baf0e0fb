package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Antinna/HTTP-3/internal/platform/config"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultClockSkew       = 5 * time.Minute
	defaultNonceTTL        = 5 * time.Minute
	maxSignedBodyBytes     = 1 << 20
)

// SecretProvider resolves the shared secret for a named callback source.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets serves secrets already resolved by config.Load.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if secret := strings.TrimSpace(s[name]); secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("auth: secret %q not configured", name)
}

// NonceStore remembers nonces so a captured callback cannot be replayed.
type NonceStore interface {
	// UseNonce stores the nonce and reports false when it was already present and unexpired.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewMemoryNonceStore constructs an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce implements NonceStore.
func (s *MemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// SignatureVerifier authenticates server-to-server payment callbacks signed with a shared HMAC-SHA256 key.
//
// The signed message is METHOD, escaped path, timestamp, nonce and the hex SHA-256 of the body, joined by
// newlines. The signature header may be base64 or hex.
type SignatureVerifier struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  *zap.Logger
	now     func() time.Time
	counter metric.Int64Counter

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// SignatureOption customises a SignatureVerifier.
type SignatureOption func(*SignatureVerifier)

// WithSignatureLogger sets the logger used for secret and nonce store failures.
func WithSignatureLogger(logger *zap.Logger) SignatureOption {
	return func(v *SignatureVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithSignatureClock injects the clock.
func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(v *SignatureVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithSignatureConfig applies header names and time windows from config. Zero values keep the defaults.
func WithSignatureConfig(cfg config.HMACConfig) SignatureOption {
	return func(v *SignatureVerifier) {
		if cfg.SignatureHeader != "" {
			v.signatureHeader = cfg.SignatureHeader
		}
		if cfg.TimestampHeader != "" {
			v.timestampHeader = cfg.TimestampHeader
		}
		if cfg.NonceHeader != "" {
			v.nonceHeader = cfg.NonceHeader
		}
		if cfg.ClockSkew > 0 {
			v.clockSkew = cfg.ClockSkew
		}
		if cfg.NonceTTL > 0 {
			v.nonceTTL = cfg.NonceTTL
		}
	}
}

// NewSignatureVerifier constructs a verifier.
func NewSignatureVerifier(secrets SecretProvider, nonces NonceStore, opts ...SignatureOption) *SignatureVerifier {
	v := &SignatureVerifier{
		secrets:         secrets,
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		counter:         verificationCounter(),
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type signatureFailure struct {
	status  int
	code    string
	message string
}

func (f *signatureFailure) Error() string { return f.code }

// RequireSignature rejects requests whose signature does not verify against the secret called secretName.
// The body is restored for the next handler.
func (v *SignatureVerifier) RequireSignature(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if err := v.verify(r, secretName); err != nil {
				var failure *signatureFailure
				if !errors.As(err, &failure) {
					failure = &signatureFailure{http.StatusUnauthorized, "signature_invalid", "signature verification failed"}
				}
				v.record(ctx, failure.code)
				respondAuthError(ctx, w, failure.status, failure.code, failure.message)
				return
			}
			v.record(ctx, "ok")
			next.ServeHTTP(w, r)
		})
	}
}

func (v *SignatureVerifier) verify(r *http.Request, secretName string) error {
	ctx := r.Context()
	if v == nil || v.secrets == nil || secretName == "" {
		return &signatureFailure{http.StatusServiceUnavailable, "verification_unavailable", "callback secret not configured"}
	}
	secret, err := v.secrets.GetSecret(ctx, secretName)
	if err != nil {
		v.logger.Warn("callback secret lookup failed", zap.String("secret", secretName), zap.Error(err))
		return &signatureFailure{http.StatusServiceUnavailable, "verification_unavailable", "callback secret unavailable"}
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if rawSignature == "" || rawTimestamp == "" || nonce == "" {
		return &signatureFailure{http.StatusUnauthorized, "signature_missing", "signature headers missing"}
	}

	timestamp, err := parseSignatureTimestamp(rawTimestamp)
	if err != nil {
		return &signatureFailure{http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid"}
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return &signatureFailure{http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window"}
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return &signatureFailure{http.StatusBadRequest, "invalid_body", "unable to read body"}
	}
	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return &signatureFailure{http.StatusUnauthorized, "signature_invalid", "signature encoding invalid"}
	}
	if !hmac.Equal(signature, Sign([]byte(secret), r.Method, r.URL.EscapedPath(), rawTimestamp, nonce, body)) {
		return &signatureFailure{http.StatusUnauthorized, "signature_mismatch", "signature verification failed"}
	}

	if v.nonces == nil {
		return &signatureFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable"}
	}
	stored, err := v.nonces.UseNonce(ctx, secretName, nonce, now.Add(v.nonceTTL))
	if err != nil {
		v.logger.Warn("callback nonce store failed", zap.Error(err))
		return &signatureFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error"}
	}
	if !stored {
		return &signatureFailure{http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce"}
	}
	return nil
}

func (v *SignatureVerifier) record(ctx context.Context, outcome string) {
	if v == nil {
		return
	}
	recordVerification(ctx, v.counter, "hmac", outcome)
}

// Sign computes the callback signature. Gateways and tests use it to produce matching headers.
func Sign(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(strings.Join([]string{
		strings.ToUpper(method), path, timestamp, nonce, hex.EncodeToString(sum[:]),
	}, "\n")))
	return mac.Sum(nil)
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
	}
	return ts.UTC(), nil
}
