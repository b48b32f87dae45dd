package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/jackc/pgx/v5"
)

// InvitationRepo implements InvitationRepository using PostgreSQL.
type InvitationRepo struct{ db *DB }

// NewInvitationRepo constructs an invitation repository.
func NewInvitationRepo(db *DB) *InvitationRepo { return &InvitationRepo{db: db} }

// CreateInvitation stores a new invitation.
func (r *InvitationRepo) CreateInvitation(ctx context.Context, inv *model.Invitation) error {
	const q = `
INSERT INTO invitations (id, token_hash, principal_type, role, email, organization_id, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.db.Pool.Exec(ctx, q, inv.ID, inv.TokenHash, string(inv.Type), string(inv.Role), inv.Email,
		inv.OrganizationID, inv.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetByTokenHash loads an invitation.
func (r *InvitationRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*model.Invitation, error) {
	const q = `
SELECT id, token_hash, principal_type, role, email, organization_id, expires_at, used_at
FROM invitations WHERE token_hash=$1`
	var inv model.Invitation
	var ptype, role string
	err := r.db.Pool.QueryRow(ctx, q, tokenHash).
		Scan(&inv.ID, &inv.TokenHash, &ptype, &role, &inv.Email, &inv.OrganizationID, &inv.ExpiresAt, &inv.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	inv.Type = model.PrincipalType(ptype)
	inv.Role = model.Role(role)
	return &inv, nil
}

// Accept creates the principal, marks the invitation used and seeds an empty MFA
// configuration. Either all three happen or none does.
func (r *InvitationRepo) Accept(ctx context.Context, inv *model.Invitation, p *model.Principal, now time.Time) (err error) {
	table, err := TableFor(p.Type)
	if err != nil {
		return err
	}
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const mark = `UPDATE invitations SET used_at=$2 WHERE id=$1 AND used_at IS NULL AND expires_at > $2`
	tag, err := tx.Exec(ctx, mark, inv.ID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrVersionConflict
	}

	ins := fmt.Sprintf(`
INSERT INTO %s (id, email, role, pwd_hash, salt, status, organization_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`, table)
	if _, err = tx.Exec(ctx, ins, p.ID, p.Email, string(p.Role), p.PwdHash, p.Salt, string(p.Status),
		p.OrganizationID, now); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}

	const seed = `
INSERT INTO mfa_configs (principal_type, principal_id, enabled, methods, phone, updated_at)
VALUES ($1,$2,false,'{}','',$3)`
	_, err = tx.Exec(ctx, seed, string(p.Type), p.ID, now)
	return err
}
