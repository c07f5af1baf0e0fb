// Package idempotency replays the stored response of a mutating request when a client retries it with the same
// Idempotency-Key, so a flaky network never places an order twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a key and its response are kept.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle of a stored key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Outcome is what Reserve found for a key.
type Outcome int

const (
	// OutcomeReserved means the caller owns the key and must run the request.
	OutcomeReserved Outcome = iota
	// OutcomeReplay means a completed response exists and must be replayed.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key right now.
	OutcomeInFlight
)

// Record is a stored key. Headers and Body are only set once the key is completed.
type Record struct {
	Key         string
	Fingerprint string
	Status      Status
	StatusCode  int
	Headers     map[string][]string
	Body        []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record no longer binds its key at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is a captured handler response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Store persists keys. Implementations must make Reserve atomic: of two concurrent calls for the same key exactly
// one sees OutcomeReserved.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Record, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a live key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

// documentID maps a scoped key onto a fixed-length id safe for any backend.
func documentID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

var hopHeaders = map[string]struct{}{
	"Connection":            {},
	"Content-Length":        {},
	"Date":                  {},
	"Keep-Alive":            {},
	"Proxy-Authenticate":    {},
	"Proxy-Authorization":   {},
	"Set-Cookie":            {},
	"Te":                    {},
	"Trailer":               {},
	"Transfer-Encoding":     {},
	"Upgrade":               {},
	"X-Cloud-Trace-Context": {},
	"X-Request-Id":          {},
}

// storableHeaders drops hop-by-hop and per-request headers before a response is persisted.
func storableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopHeaders[name]; skip {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
