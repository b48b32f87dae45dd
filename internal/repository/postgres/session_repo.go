package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/jackc/pgx/v5"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionColumns = `id, principal_type, principal_id, access_jti, refresh_jti, access_expires,
refresh_expires, issued_at, last_activity, active, address, user_agent`

const insertRevoked = `INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1,$2) ON CONFLICT (jti) DO NOTHING`

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	var ptype string
	err := row.Scan(&s.ID, &ptype, &s.Principal.ID, &s.AccessTokenID, &s.RefreshTokenID, &s.AccessExpires,
		&s.RefreshExpires, &s.IssuedAt, &s.LastActivity, &s.Active, &s.Origin.Address, &s.Origin.UserAgent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	s.Principal.Type = model.PrincipalType(ptype)
	return &s, nil
}

// Create inserts a new active session.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `
INSERT INTO sessions (id, principal_type, principal_id, access_jti, refresh_jti, access_expires,
  refresh_expires, issued_at, last_activity, active, address, user_agent)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true,$10,$11)`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, string(s.Principal.Type), s.Principal.ID, s.AccessTokenID, s.RefreshTokenID,
		s.AccessExpires, s.RefreshExpires, s.IssuedAt, s.LastActivity, s.Origin.Address, s.Origin.UserAgent)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetActiveByAccessID returns the active session whose current access jti matches.
func (r *SessionRepo) GetActiveByAccessID(ctx context.Context, jti string) (*model.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE access_jti=$1 AND active`
	return scanSession(r.db.Pool.QueryRow(ctx, q, jti))
}

// GetActiveByRefreshID returns the active session whose current refresh jti matches.
func (r *SessionRepo) GetActiveByRefreshID(ctx context.Context, jti string) (*model.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_jti=$1 AND active`
	return scanSession(r.db.Pool.QueryRow(ctx, q, jti))
}

// GetByTokenID returns the session currently referencing jti, active or not.
func (r *SessionRepo) GetByTokenID(ctx context.Context, jti string) (*model.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE access_jti=$1 OR refresh_jti=$1`
	return scanSession(r.db.Pool.QueryRow(ctx, q, jti))
}

// ListActive returns the active sessions of a principal, newest first.
func (r *SessionRepo) ListActive(ctx context.Context, ref model.PrincipalRef) ([]model.Session, error) {
	const q = `SELECT ` + sessionColumns + `
FROM sessions WHERE principal_type=$1 AND principal_id=$2 AND active
ORDER BY issued_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Touch updates last activity of an active session.
func (r *SessionRepo) Touch(ctx context.Context, sessionID string, at time.Time) error {
	const q = `UPDATE sessions SET last_activity=$2 WHERE id=$1 AND active`
	tag, err := r.db.Pool.Exec(ctx, q, sessionID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Deactivate marks a session inactive and revokes its current token ids.
// Deactivating an inactive session is a no-op.
func (r *SessionRepo) Deactivate(ctx context.Context, sessionID string, at time.Time) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT access_jti, refresh_jti, access_expires, refresh_expires, active FROM sessions WHERE id=$1 FOR UPDATE`
		var (
			accessID, refreshID   string
			accessExp, refreshExp time.Time
			active                bool
		)
		if err := tx.QueryRow(ctx, sel, sessionID).Scan(&accessID, &refreshID, &accessExp, &refreshExp, &active); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if !active {
			return nil
		}
		if _, err := tx.Exec(ctx, insertRevoked, accessID, accessExp); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertRevoked, refreshID, refreshExp); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE sessions SET active=false, last_activity=$2 WHERE id=$1`, sessionID, at)
		return err
	})
}

// DeactivateAll ends every active session of ref except keep and revokes their token ids.
func (r *SessionRepo) DeactivateAll(ctx context.Context, ref model.PrincipalRef, keep string, at time.Time) (int, error) {
	var ended int
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `
SELECT id, access_jti, refresh_jti, access_expires, refresh_expires
FROM sessions WHERE principal_type=$1 AND principal_id=$2 AND active AND id<>$3
FOR UPDATE`
		rows, err := tx.Query(ctx, sel, string(ref.Type), ref.ID, keep)
		if err != nil {
			return err
		}
		type victim struct {
			id                    string
			accessID, refreshID   string
			accessExp, refreshExp time.Time
		}
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.id, &v.accessID, &v.refreshID, &v.accessExp, &v.refreshExp); err != nil {
				rows.Close()
				return err
			}
			victims = append(victims, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		ids := make([]string, 0, len(victims))
		for _, v := range victims {
			if _, err := tx.Exec(ctx, insertRevoked, v.accessID, v.accessExp); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, insertRevoked, v.refreshID, v.refreshExp); err != nil {
				return err
			}
			ids = append(ids, v.id)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE sessions SET active=false, last_activity=$2 WHERE id = ANY($1)`, ids, at); err != nil {
			return err
		}
		ended = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ended, nil
}

// Rotate revokes the old token pair and installs the new one in a single transaction.
// The session row is locked, so of two concurrent rotations presenting the same
// refresh id only the first sees it current; the second gets ErrVersionConflict.
func (r *SessionRepo) Rotate(ctx context.Context, rot model.Rotation) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT refresh_jti, active FROM sessions WHERE id=$1 FOR UPDATE`
		var current string
		var active bool
		if err := tx.QueryRow(ctx, sel, rot.SessionID).Scan(&current, &active); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if !active || current != rot.OldRefreshTokenID {
			return errs.ErrVersionConflict
		}
		if _, err := tx.Exec(ctx, insertRevoked, rot.OldRefreshTokenID, rot.OldRefreshExpires); err != nil {
			return err
		}
		if rot.OldAccessTokenID != "" {
			if _, err := tx.Exec(ctx, insertRevoked, rot.OldAccessTokenID, rot.OldAccessExpires); err != nil {
				return err
			}
		}
		const upd = `
UPDATE sessions SET access_jti=$2, refresh_jti=$3, access_expires=$4, refresh_expires=$5, last_activity=$6
WHERE id=$1`
		_, err := tx.Exec(ctx, upd, rot.SessionID, rot.NewAccessTokenID, rot.NewRefreshTokenID,
			rot.NewAccessExpires, rot.NewRefreshExpires, rot.At)
		return err
	})
}

// Revoke inserts a revocation record; repeating it is a no-op.
func (r *SessionRepo) Revoke(ctx context.Context, rt model.RevokedToken) error {
	_, err := r.db.Pool.Exec(ctx, insertRevoked, rt.TokenID, rt.ExpiresAt)
	return err
}

// IsRevoked reports whether jti has a revocation record that has not yet expired.
func (r *SessionRepo) IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > $2)`
	var revoked bool
	if err := r.db.Pool.QueryRow(ctx, q, jti, now).Scan(&revoked); err != nil {
		return false, err
	}
	return revoked, nil
}

// PruneRevoked deletes records whose expiry has passed.
func (r *SessionRepo) PruneRevoked(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
