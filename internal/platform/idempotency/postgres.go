package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	pg "github.com/Antinna/HTTP-3/internal/platform/postgres"
)

const (
	reserveSQL = `
INSERT INTO idempotency_keys (key, fingerprint, status, created_at, updated_at, expires_at)
VALUES ($1, $2, 'pending', $3, $3, $4)
ON CONFLICT (key) DO UPDATE SET
    fingerprint = EXCLUDED.fingerprint,
    status = 'pending',
    response_status = 0,
    response_headers = '{}',
    response_body = NULL,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
RETURNING created_at`

	selectKeySQL = `
SELECT fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at
FROM idempotency_keys WHERE key = $1`

	completeSQL = `
INSERT INTO idempotency_keys
    (key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at)
VALUES ($1, $2, 'completed', $3, $4, $5, $6, $6, $7)
ON CONFLICT (key) DO UPDATE SET
    status = 'completed',
    response_status = EXCLUDED.response_status,
    response_headers = EXCLUDED.response_headers,
    response_body = EXCLUDED.response_body,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.fingerprint = EXCLUDED.fingerprint`

	releaseSQL = `DELETE FROM idempotency_keys WHERE key = $1`

	cleanupSQL = `
DELETE FROM idempotency_keys WHERE key IN (
    SELECT key FROM idempotency_keys WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
)`
)

// PostgresStore keeps keys in the idempotency_keys table next to the orders they protect.
type PostgresStore struct {
	db pg.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a store over db, normally the shared pool.
func NewPostgresStore(db pg.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: postgres db is required")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)

	// A row that expires between the insert and the read is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		var created time.Time
		err := s.db.QueryRow(ctx, reserveSQL, id, fingerprint, now, now.Add(ttl)).Scan(&created)
		if err == nil {
			return OutcomeReserved, Record{
				Key:         key,
				Fingerprint: fingerprint,
				Status:      StatusPending,
				CreatedAt:   created,
				UpdatedAt:   now,
				ExpiresAt:   now.Add(ttl),
			}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, Record{}, pg.WrapError("idempotency.reserve", err)
		}

		rec, err := s.load(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, Record{}, pg.WrapError("idempotency.load", err)
		}
		rec.Key = key
		if rec.Fingerprint != fingerprint {
			return 0, Record{}, ErrFingerprintMismatch
		}
		if rec.Status == StatusCompleted {
			return OutcomeReplay, rec, nil
		}
		return OutcomeInFlight, rec, nil
	}
	return 0, Record{}, pg.WrapError("idempotency.reserve", errors.New("key churned while reserving"))
}

func (s *PostgresStore) load(ctx context.Context, id string) (Record, error) {
	var (
		rec     Record
		status  string
		headers []byte
	)
	err := s.db.QueryRow(ctx, selectKeySQL, id).Scan(
		&rec.Fingerprint, &status, &rec.StatusCode, &headers, &rec.Body, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	headers, err := json.Marshal(storableHeaders(resp.Headers))
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, completeSQL,
		documentID(key), fingerprint, resp.StatusCode, string(headers), resp.Body, now, now.Add(ttl))
	if err != nil {
		return pg.WrapError("idempotency.complete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, releaseSQL, documentID(key)); err != nil {
		return pg.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := s.db.Exec(ctx, cleanupSQL, now.UTC(), limit)
	if err != nil {
		return 0, pg.WrapError("idempotency.cleanup", err)
	}
	return int(tag.RowsAffected()), nil
}
