package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/repository/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter that keeps the counter on the principal row.
type PG struct {
	pool   pgxQuerier
	policy Policy
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, policy Policy) *PG {
	return &PG{pool: pool, policy: policy}
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter.
func NewPGWithQuerier(q pgxQuerier, policy Policy) *PG {
	return &PG{pool: q, policy: policy}
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Failure increments the counter in a single statement so concurrent failures never lose a count.
func (l *PG) Failure(ctx context.Context, ref model.PrincipalRef, now time.Time) (int, *time.Time, error) {
	tbl, err := postgres.TableFor(ref.Type)
	if err != nil {
		return 0, nil, err
	}
	q := fmt.Sprintf(`
WITH cur AS (
  SELECT id, CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1 ELSE failed_attempts + 1 END AS n,
         CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL ELSE locked_until END AS lu
  FROM %[1]s WHERE id=$1 FOR UPDATE
)
UPDATE %[1]s p SET
  failed_attempts = cur.n,
  locked_until = CASE WHEN cur.n >= $3 THEN $4::timestamptz ELSE cur.lu END,
  updated_at = $2
FROM cur WHERE p.id = cur.id
RETURNING p.failed_attempts, p.locked_until`, tbl)

	var fails int
	var until *time.Time
	err = l.pool.QueryRow(ctx, q, ref.ID, now, l.policy.MaxFailures, now.Add(l.policy.LockFor)).Scan(&fails, &until)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, errs.ErrNotFound
		}
		return 0, nil, err
	}
	if fails < l.policy.MaxFailures {
		return fails, nil, nil
	}
	return fails, until, nil
}

// Success resets counters for the principal.
func (l *PG) Success(ctx context.Context, ref model.PrincipalRef) error {
	tbl, err := postgres.TableFor(ref.Type)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET failed_attempts=0, locked_until=NULL, updated_at=now() WHERE id=$1`, tbl)
	_, err = l.pool.Exec(ctx, q, ref.ID)
	return err
}
