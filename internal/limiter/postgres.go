package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps per-source failure counters in callback_auth_limiter. A failure
// after a quiet window starts a new count; reaching maxFails blocks the source
// for blockFor and gives it a fresh budget once the block ends.
type PG struct {
	q        Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

var _ Limiter = (*PG)(nil)

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if maxFails <= 0 {
		maxFails = 5
	}
	return &PG{q: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// HashIP returns a stable hash for a source address so raw IPs are never stored.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

const (
	selectBlock = `SELECT blocked_until FROM callback_auth_limiter WHERE source_hash=$1`

	resetFails = `UPDATE callback_auth_limiter SET fail_count=0, updated_at=$2 WHERE source_hash=$1 AND fail_count > 0`

	bumpFails = `
INSERT INTO callback_auth_limiter AS l (source_hash, fail_count, blocked_until, updated_at)
VALUES ($1, 1, 'epoch', $2)
ON CONFLICT (source_hash) DO UPDATE
SET fail_count = CASE WHEN l.updated_at < $3 THEN 1 ELSE l.fail_count + 1 END,
    updated_at = $2
RETURNING fail_count`

	blockSource = `UPDATE callback_auth_limiter SET blocked_until=$2, fail_count=0, updated_at=$3 WHERE source_hash=$1`
)

// Allow reports whether the source is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, sourceHash []byte) (bool, time.Duration, error) {
	var blockedUntil time.Time
	err := l.q.QueryRow(ctx, selectBlock, sourceHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if wait := blockedUntil.Sub(l.now()); wait > 0 {
			return false, wait, nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, fmt.Errorf("limiter allow: %w", err)
	}
}

// Success clears the counter for a source.
func (l *PG) Success(ctx context.Context, sourceHash []byte) error {
	if _, err := l.q.Exec(ctx, resetFails, sourceHash, l.now().UTC()); err != nil {
		return fmt.Errorf("limiter success: %w", err)
	}
	return nil
}

// Failure records a bad signature and locks the source once maxFails is reached.
func (l *PG) Failure(ctx context.Context, sourceHash []byte) (bool, time.Duration, error) {
	now := l.now().UTC()
	var fails int
	if err := l.q.QueryRow(ctx, bumpFails, sourceHash, now, now.Add(-l.window)).Scan(&fails); err != nil {
		return false, 0, fmt.Errorf("limiter failure: %w", err)
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	if _, err := l.q.Exec(ctx, blockSource, sourceHash, now.Add(l.blockFor), now); err != nil {
		return false, 0, fmt.Errorf("limiter block: %w", err)
	}
	return true, l.blockFor, nil
}
