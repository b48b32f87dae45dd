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

// RelationshipRepo implements RelationshipRepository using PostgreSQL.
type RelationshipRepo struct{ db *DB }

// NewRelationshipRepo constructs a relationship repository.
func NewRelationshipRepo(db *DB) *RelationshipRepo { return &RelationshipRepo{db: db} }

// HasLiveEdge reports whether an active, unexpired edge of kind links from to to.
func (r *RelationshipRepo) HasLiveEdge(ctx context.Context, kind model.EdgeKind, from, to uuid.UUID, now time.Time) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM relationships
  WHERE kind=$1 AND from_id=$2 AND to_id=$3 AND active AND (expires_at IS NULL OR expires_at > $4)
)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, string(kind), from, to, now).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// QuestionnaireStudy returns the study owning a questionnaire.
func (r *RelationshipRepo) QuestionnaireStudy(ctx context.Context, questionnaireID uuid.UUID) (uuid.UUID, error) {
	var study uuid.UUID
	err := r.db.Pool.QueryRow(ctx, `SELECT study_id FROM questionnaires WHERE id=$1`, questionnaireID).Scan(&study)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, errs.ErrNotFound
		}
		return uuid.Nil, err
	}
	return study, nil
}

// GrantEdge inserts a new active edge.
func (r *RelationshipRepo) GrantEdge(ctx context.Context, e *model.Edge) error {
	const q = `
INSERT INTO relationships (id, kind, from_id, to_id, active, expires_at, created_at)
VALUES ($1,$2,$3,$4,true,$5,$6)`
	_, err := r.db.Pool.Exec(ctx, q, e.ID, string(e.Kind), e.FromID, e.ToID, e.ExpiresAt, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// DeactivateEdge flips every active edge of kind between from and to to inactive.
func (r *RelationshipRepo) DeactivateEdge(ctx context.Context, kind model.EdgeKind, from, to uuid.UUID, at time.Time) error {
	const q = `
UPDATE relationships SET active=false, deactivated_at=$4
WHERE kind=$1 AND from_id=$2 AND to_id=$3 AND active`
	tag, err := r.db.Pool.Exec(ctx, q, string(kind), from, to, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
