package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/jackc/pgx/v5"
)

// PrincipalRepo implements PrincipalRepository over the clinicians and participants tables.
type PrincipalRepo struct{ db *DB }

// NewPrincipalRepo constructs a principal repository.
func NewPrincipalRepo(db *DB) *PrincipalRepo { return &PrincipalRepo{db: db} }

const principalColumns = `id, email, role, pwd_hash, salt, status, failed_attempts, locked_until,
organization_id, extra_permissions, org_permissions, created_at, updated_at`

func scanPrincipal(row pgx.Row, t model.PrincipalType) (*model.Principal, error) {
	p := model.Principal{Type: t}
	var role, status string
	err := row.Scan(&p.ID, &p.Email, &role, &p.PwdHash, &p.Salt, &status, &p.FailedAttempts, &p.LockedUntil,
		&p.OrganizationID, &p.ExtraPermissions, &p.OrgPermissions, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	p.Role = model.Role(role)
	p.Status = model.Status(status)
	return &p, nil
}

// GetByEmail selects a principal by email within its type. Emails compare case-insensitively.
func (r *PrincipalRepo) GetByEmail(ctx context.Context, t model.PrincipalType, email string) (*model.Principal, error) {
	table, err := TableFor(t)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE email=$1`, principalColumns, table)
	return scanPrincipal(r.db.Pool.QueryRow(ctx, q, strings.ToLower(strings.TrimSpace(email))), t)
}

// GetByID selects a principal by id within its type.
func (r *PrincipalRepo) GetByID(ctx context.Context, ref model.PrincipalRef) (*model.Principal, error) {
	table, err := TableFor(ref.Type)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, principalColumns, table)
	return scanPrincipal(r.db.Pool.QueryRow(ctx, q, ref.ID), ref.Type)
}

// UpdatePassword replaces the credential hash and salt.
func (r *PrincipalRepo) UpdatePassword(ctx context.Context, ref model.PrincipalRef, hash, salt []byte) error {
	table, err := TableFor(ref.Type)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET pwd_hash=$2, salt=$3, updated_at=now() WHERE id=$1`, table)
	tag, err := r.db.Pool.Exec(ctx, q, ref.ID, hash, salt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetStatus performs a soft status transition.
func (r *PrincipalRepo) SetStatus(ctx context.Context, ref model.PrincipalRef, status model.Status) error {
	table, err := TableFor(ref.Type)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET status=$2, updated_at=now() WHERE id=$1`, table)
	tag, err := r.db.Pool.Exec(ctx, q, ref.ID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
