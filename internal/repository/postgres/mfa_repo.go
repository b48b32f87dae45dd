package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MFARepo implements MFARepository using PostgreSQL.
type MFARepo struct{ db *DB }

// NewMFARepo constructs an MFA repository.
func NewMFARepo(db *DB) *MFARepo { return &MFARepo{db: db} }

// GetConfig returns the configuration with the number of unused backup codes.
func (r *MFARepo) GetConfig(ctx context.Context, ref model.PrincipalRef) (*model.MFAConfig, error) {
	const q = `
SELECT c.enabled, c.methods, c.secret_enc, c.phone, c.updated_at,
  (SELECT count(*) FROM backup_codes b
    WHERE b.principal_type=c.principal_type AND b.principal_id=c.principal_id AND b.used_at IS NULL)
FROM mfa_configs c WHERE c.principal_type=$1 AND c.principal_id=$2`
	cfg := model.MFAConfig{Principal: ref}
	var methods []string
	err := r.db.Pool.QueryRow(ctx, q, string(ref.Type), ref.ID).
		Scan(&cfg.Enabled, &methods, &cfg.SecretEnc, &cfg.Phone, &cfg.UpdatedAt, &cfg.BackupCodeCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	for _, m := range methods {
		cfg.Methods = append(cfg.Methods, model.MFAMethod(m))
	}
	return &cfg, nil
}

// SaveConfig upserts the configuration.
func (r *MFARepo) SaveConfig(ctx context.Context, cfg *model.MFAConfig) error {
	const q = `
INSERT INTO mfa_configs (principal_type, principal_id, enabled, methods, secret_enc, phone, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (principal_type, principal_id) DO UPDATE
SET enabled=EXCLUDED.enabled, methods=EXCLUDED.methods, secret_enc=EXCLUDED.secret_enc,
    phone=EXCLUDED.phone, updated_at=EXCLUDED.updated_at`
	methods := make([]string, 0, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods = append(methods, string(m))
	}
	_, err := r.db.Pool.Exec(ctx, q, string(cfg.Principal.Type), cfg.Principal.ID, cfg.Enabled, methods,
		cfg.SecretEnc, cfg.Phone, cfg.UpdatedAt)
	return err
}

// Disable clears the enabled flag, secret, phone and unused backup codes in one transaction.
func (r *MFARepo) Disable(ctx context.Context, ref model.PrincipalRef, at time.Time) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const upd = `
UPDATE mfa_configs SET enabled=false, methods='{}', secret_enc=NULL, phone='', updated_at=$3
WHERE principal_type=$1 AND principal_id=$2`
		tag, err := tx.Exec(ctx, upd, string(ref.Type), ref.ID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		const del = `DELETE FROM backup_codes WHERE principal_type=$1 AND principal_id=$2 AND used_at IS NULL`
		_, err = tx.Exec(ctx, del, string(ref.Type), ref.ID)
		return err
	})
}

// ReplaceBackupCodes deletes unused codes and stores the new hashes atomically.
func (r *MFARepo) ReplaceBackupCodes(ctx context.Context, ref model.PrincipalRef, hashes []string, at time.Time) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const del = `DELETE FROM backup_codes WHERE principal_type=$1 AND principal_id=$2 AND used_at IS NULL`
		if _, err := tx.Exec(ctx, del, string(ref.Type), ref.ID); err != nil {
			return err
		}
		const ins = `
INSERT INTO backup_codes (id, principal_type, principal_id, code_hash, created_at)
VALUES ($1,$2,$3,$4,$5)`
		for _, h := range hashes {
			id, err := uuid.NewV4()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, ins, id, string(ref.Type), ref.ID, h, at); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConsumeBackupCode marks one matching unused code used. The conditional update
// makes concurrent redemptions of the same code succeed at most once.
func (r *MFARepo) ConsumeBackupCode(ctx context.Context, ref model.PrincipalRef, hash string, at time.Time) (bool, error) {
	const q = `
UPDATE backup_codes SET used_at=$4
WHERE id = (
  SELECT id FROM backup_codes
  WHERE principal_type=$1 AND principal_id=$2 AND code_hash=$3 AND used_at IS NULL
  LIMIT 1 FOR UPDATE SKIP LOCKED
) AND used_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, string(ref.Type), ref.ID, hash, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CountUnusedBackupCodes reports how many codes remain.
func (r *MFARepo) CountUnusedBackupCodes(ctx context.Context, ref model.PrincipalRef) (int, error) {
	const q = `SELECT count(*) FROM backup_codes WHERE principal_type=$1 AND principal_id=$2 AND used_at IS NULL`
	var n int
	if err := r.db.Pool.QueryRow(ctx, q, string(ref.Type), ref.ID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// PutChallenge stores ch, overwriting any prior challenge for the phone.
func (r *MFARepo) PutChallenge(ctx context.Context, ch *model.SMSChallenge) error {
	const q = `
INSERT INTO sms_challenges (phone, code_hash, created_at, expires_at, failed_attempts)
VALUES ($1,$2,$3,$4,0)
ON CONFLICT (phone) DO UPDATE
SET code_hash=EXCLUDED.code_hash, created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at, failed_attempts=0`
	_, err := r.db.Pool.Exec(ctx, q, ch.Phone, ch.CodeHash, ch.CreatedAt, ch.ExpiresAt)
	return err
}

// GetChallenge returns the challenge for phone or errs.ErrNotFound.
func (r *MFARepo) GetChallenge(ctx context.Context, phone string) (*model.SMSChallenge, error) {
	const q = `SELECT phone, code_hash, created_at, expires_at, failed_attempts FROM sms_challenges WHERE phone=$1`
	var ch model.SMSChallenge
	err := r.db.Pool.QueryRow(ctx, q, phone).Scan(&ch.Phone, &ch.CodeHash, &ch.CreatedAt, &ch.ExpiresAt, &ch.FailedAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &ch, nil
}

// IncrementChallengeFailures bumps the failed-attempt counter and returns the new value.
func (r *MFARepo) IncrementChallengeFailures(ctx context.Context, phone string) (int, error) {
	const q = `UPDATE sms_challenges SET failed_attempts=failed_attempts+1 WHERE phone=$1 RETURNING failed_attempts`
	var n int
	if err := r.db.Pool.QueryRow(ctx, q, phone).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

// DeleteChallenge removes the challenge for phone.
func (r *MFARepo) DeleteChallenge(ctx context.Context, phone string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM sms_challenges WHERE phone=$1`, phone)
	return err
}

// RedeemChallenge consumes the challenge in one conditional delete.
func (r *MFARepo) RedeemChallenge(ctx context.Context, phone, codeHash string, now time.Time) (bool, error) {
	const q = `DELETE FROM sms_challenges WHERE phone=$1 AND code_hash=$2 AND expires_at > $3`
	tag, err := r.db.Pool.Exec(ctx, q, phone, codeHash, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PruneChallenges deletes expired challenges.
func (r *MFARepo) PruneChallenges(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM sms_challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
