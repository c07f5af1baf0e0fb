package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Antinna/HTTP-3/internal/platform/httpx"
	"github.com/Antinna/HTTP-3/internal/platform/requestctx"
)

const (
	DefaultHeader = "Idempotency-Key"
	ReplayHeader  = "Idempotent-Replayed"

	maxKeyLength = 255
)

type middlewareConfig struct {
	header   string
	ttl      time.Duration
	required bool
	maxBody  int64
	now      func() time.Time
	logger   *zap.Logger
}

// Option customises Middleware.
type Option func(*middlewareConfig)

// WithHeader overrides the request header that carries the key.
func WithHeader(name string) Option {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long keys bind their response.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithOptionalKey lets requests without a key through unguarded.
func WithOptionalKey() Option {
	return func(cfg *middlewareConfig) { cfg.required = false }
}

// WithLogger sets the fallback logger used when the request carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cfg *middlewareConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Middleware guards POST requests with an idempotency key. The key is scoped to the authenticated caller, so two
// customers can never collide. A replay returns the stored status, headers and body with Idempotent-Replayed set.
// Server errors are not stored: the key is released and the client may retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		header:   DefaultHeader,
		ttl:      DefaultTTL,
		required: true,
		maxBody:  httpx.DefaultMaxBodyBytes,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			switch {
			case key == "" && !cfg.required:
				next.ServeHTTP(w, r)
				return
			case key == "":
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required",
					cfg.header+" header is required", http.StatusBadRequest))
				return
			case len(key) > maxKeyLength:
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key",
					cfg.header+" is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r, cfg.maxBody)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is too large", http.StatusRequestEntityTooLarge))
				return
			}

			scoped := scope(ctx, key)
			fingerprint := fingerprintRequest(r, body)
			outcome, rec, err := store.Reserve(ctx, scoped, fingerprint, cfg.now(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused",
						"idempotency key was already used for a different request", http.StatusUnprocessableEntity))
					return
				}
				loggerFor(ctx, cfg.logger).Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable",
					"unable to process idempotency key", http.StatusServiceUnavailable).WithRetryAfter(time.Second))
				return
			}

			switch outcome {
			case OutcomeReplay:
				replay(w, rec)
				return
			case OutcomeInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress",
					"a request with this idempotency key is still being processed", http.StatusConflict).WithRetryAfter(time.Second))
				return
			}

			capture := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					// The handler panicked; free the key before the recoverer answers.
					releaseKey(ctx, store, scoped, cfg.logger)
				}
			}()
			next.ServeHTTP(capture, r)
			completed = true

			if capture.status >= http.StatusInternalServerError {
				releaseKey(ctx, store, scoped, cfg.logger)
				return
			}
			resp := Response{StatusCode: capture.status, Headers: w.Header(), Body: capture.body.Bytes()}
			if err := store.Complete(context.WithoutCancel(ctx), scoped, fingerprint, resp, cfg.now(), cfg.ttl); err != nil {
				loggerFor(ctx, cfg.logger).Error("idempotency complete failed", zap.Error(err))
				releaseKey(ctx, store, scoped, cfg.logger)
			}
		})
	}
}

func releaseKey(ctx context.Context, store Store, key string, fallback *zap.Logger) {
	if err := store.Release(context.WithoutCancel(ctx), key); err != nil {
		loggerFor(ctx, fallback).Warn("idempotency release failed", zap.Error(err))
	}
}

func loggerFor(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if requestctx.HasLogger(ctx) {
		return requestctx.Logger(ctx)
	}
	return fallback
}

// scope prefixes the client key with the caller so keys are unique per user.
func scope(ctx context.Context, key string) string {
	userID, _ := requestctx.CallerFrom(ctx).Get()
	if userID == "" {
		userID = "anonymous"
	}
	return userID + ":" + key
}

// fingerprintRequest binds a key to one method, path and body.
func fingerprintRequest(r *http.Request, body []byte) string {
	var b bytes.Buffer
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.URL.Path)
	b.WriteByte('\n')
	b.WriteString(r.URL.RawQuery)
	b.WriteByte('\n')
	b.Write(body)
	return documentID(b.String())
}

func bufferBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.New("idempotency: body exceeds limit")
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replay(w http.ResponseWriter, rec Record) {
	for name, values := range rec.Headers {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	code := rec.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	_, _ = w.Write(rec.Body)
}

// capturingWriter passes the response through while keeping a copy of the status and body.
type capturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *capturingWriter) WriteHeader(code int) {
	if c.wroteHeader {
		return
	}
	c.status, c.wroteHeader = code, true
	c.ResponseWriter.WriteHeader(code)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
