// Package secrets resolves secret:// configuration references against Google Secret Manager, with a local file
// fallback for development.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL = 10 * time.Minute
	latestVersion   = "latest"
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file knows the reference.
var ErrNotFound = errors.New("secrets: secret not found")

// AccessClient is the part of the Secret Manager client the Fetcher needs.
type AccessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves and caches secret values. It implements config.SecretResolver.
type Fetcher struct {
	client     AccessClient
	ownsClient bool
	project    string
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
	fallback   map[string]string
	resolved   metric.Int64Counter

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value   string
	expires time.Time
}

type fetcherConfig struct {
	client       AccessClient
	clientOpts   []option.ClientOption
	project      string
	fallbackPath string
	ttl          time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// Option customises NewFetcher.
type Option func(*fetcherConfig)

// WithProject sets the project that owns unqualified secrets.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile points at a KEY=VALUE file consulted when Secret Manager cannot answer.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithClient injects a Secret Manager client, mostly for tests.
func WithClient(client AccessClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithCacheTTL sets how long a resolved value is reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// NewFetcher builds a Fetcher. When no project is configured, or the client cannot be created, only the fallback
// file is used.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{ttl: defaultCacheTTL, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	fallback, err := loadFallback(cfg.fallbackPath)
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		client:   cfg.client,
		project:  cfg.project,
		ttl:      cfg.ttl,
		now:      cfg.now,
		logger:   cfg.logger,
		fallback: fallback,
		cache:    make(map[string]cached),
	}
	if f.client == nil && f.project != "" {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client, f.ownsClient = client, true
		}
	}

	counter, err := otel.Meter("secrets").Int64Counter("secrets.resolutions",
		metric.WithDescription("Secret resolutions by source"))
	if err == nil {
		f.resolved = counter
	}
	return f, nil
}

// ResolveSecret resolves ref, e.g. secret://stripe-api-key or secret://stripe-api-key@3?project=other.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	cacheKey := parsed.name + "@" + parsed.version + "?" + parsed.project

	f.mu.Lock()
	entry, ok := f.cache[cacheKey]
	f.mu.Unlock()
	if ok && f.now().Before(entry.expires) {
		f.record(ctx, "cache")
		return entry.value, nil
	}

	value, source, err := f.fetch(ctx, parsed)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.cache[cacheKey] = cached{value: value, expires: f.now().Add(f.ttl)}
	f.mu.Unlock()
	f.record(ctx, source)
	return value, nil
}

// Invalidate drops every cached version of ref so the next lookup refetches it.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if strings.HasPrefix(key, parsed.name+"@") {
			delete(f.cache, key)
		}
	}
}

// Close releases the Secret Manager client when the Fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

func (f *Fetcher) fetch(ctx context.Context, ref reference) (string, string, error) {
	project := ref.project
	if project == "" {
		project = f.project
	}
	if f.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
		resp, err := f.client.AccessSecretVersion(ctx,
			&secretmanagerpb.AccessSecretVersionRequest{Name: name}, retryTransient())
		if err == nil {
			return string(resp.GetPayload().GetData()), "secret_manager", nil
		}
		if !usesFallback(err) {
			return "", "", fmt.Errorf("secrets: access %s: %w", ref.name, err)
		}
		f.logger.Warn("secret manager lookup failed, trying fallback file",
			zap.String("secret", ref.name), zap.Error(err))
	}
	if value, ok := f.fallback[ref.name]; ok {
		return value, "fallback", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref.name)
}

func (f *Fetcher) record(ctx context.Context, source string) {
	if f.resolved != nil {
		f.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func retryTransient() gax.CallOption {
	return gax.WithRetry(func() gax.Retryer {
		return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
			Initial:    100 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		})
	})
}

// usesFallback reports whether err means Secret Manager cannot be reached or used from here, rather than the
// secret being wrong.
func usesFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	}
	return false
}

type reference struct {
	name    string
	version string
	project string
}

func parseReference(ref string) (reference, error) {
	trimmed := strings.TrimSpace(ref)
	rest, ok := strings.CutPrefix(trimmed, "secret://")
	if !ok {
		rest, ok = strings.CutPrefix(trimmed, "sm://")
	}
	if !ok {
		return reference{}, fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	rest, query, _ := strings.Cut(rest, "?")
	name, version, _ := strings.Cut(strings.Trim(rest, "/"), "@")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: reference %q has no secret name", ref)
	}
	if version == "" {
		version = latestVersion
	}
	out := reference{name: name, version: version}
	for _, pair := range strings.Split(query, "&") {
		key, value, _ := strings.Cut(pair, "=")
		switch key {
		case "project":
			out.project = value
		case "version":
			if value != "" {
				out.version = value
			}
		}
	}
	return out, nil
}

// loadFallback reads NAME=VALUE lines. Names may carry the secret:// or sm:// prefix. A missing file is empty.
func loadFallback(path string) (map[string]string, error) {
	values := map[string]string{}
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open fallback file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if parsed, err := parseReference(key); err == nil {
			key = parsed.name
		}
		values[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: read fallback file: %w", err)
	}
	return values, nil
}
