// Package repository defines the credential store interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
)

// PrincipalRepository provides access to clinician and participant records.
// The principal type selects the backing table.
type PrincipalRepository interface {
	// GetByEmail loads a principal by email within its type.
	GetByEmail(ctx context.Context, t model.PrincipalType, email string) (*model.Principal, error)
	// GetByID loads a principal by id within its type.
	GetByID(ctx context.Context, ref model.PrincipalRef) (*model.Principal, error)
	// UpdatePassword replaces the credential hash and salt.
	UpdatePassword(ctx context.Context, ref model.PrincipalRef, hash, salt []byte) error
	// SetStatus performs a soft status transition.
	SetStatus(ctx context.Context, ref model.PrincipalRef, status model.Status) error
}

// InvitationRepository stores invitations and accepts them atomically.
type InvitationRepository interface {
	// CreateInvitation stores a new invitation.
	CreateInvitation(ctx context.Context, inv *model.Invitation) error
	// GetByTokenHash loads an invitation.
	GetByTokenHash(ctx context.Context, tokenHash string) (*model.Invitation, error)
	// Accept creates the principal, marks the invitation used and seeds an empty
	// MFA configuration in one transaction.
	Accept(ctx context.Context, inv *model.Invitation, p *model.Principal, now time.Time) error
}

// SessionRepository stores sessions and revocation records.
type SessionRepository interface {
	// Create inserts a new active session.
	Create(ctx context.Context, s *model.Session) error
	// GetActiveByAccessID returns the active session whose current access jti matches.
	GetActiveByAccessID(ctx context.Context, jti string) (*model.Session, error)
	// GetActiveByRefreshID returns the active session whose current refresh jti matches.
	GetActiveByRefreshID(ctx context.Context, jti string) (*model.Session, error)
	// GetByTokenID returns the session (active or not) that currently references jti.
	GetByTokenID(ctx context.Context, jti string) (*model.Session, error)
	// ListActive returns the active sessions of a principal, newest first.
	ListActive(ctx context.Context, ref model.PrincipalRef) ([]model.Session, error)
	// Touch updates last activity.
	Touch(ctx context.Context, sessionID string, at time.Time) error
	// Deactivate marks a session inactive and revokes its current token ids.
	Deactivate(ctx context.Context, sessionID string, at time.Time) error
	// DeactivateAll ends every active session of ref except keep (may be empty),
	// revoking their current token ids. Returns the number of sessions ended.
	DeactivateAll(ctx context.Context, ref model.PrincipalRef, keep string, at time.Time) (int, error)
	// Rotate atomically revokes the old token ids and installs the new ones.
	// It returns errs.ErrVersionConflict when another rotation already won.
	Rotate(ctx context.Context, r model.Rotation) error

	// Revoke inserts a revocation record; repeating it is a no-op.
	Revoke(ctx context.Context, rt model.RevokedToken) error
	// IsRevoked reports whether jti has a live revocation record.
	IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error)
	// PruneRevoked deletes records whose expiry has passed.
	PruneRevoked(ctx context.Context, now time.Time) (int64, error)
}

// MFARepository stores MFA configuration, backup codes and SMS challenges.
type MFARepository interface {
	// GetConfig returns the configuration or errs.ErrNotFound.
	GetConfig(ctx context.Context, ref model.PrincipalRef) (*model.MFAConfig, error)
	// SaveConfig upserts the configuration.
	SaveConfig(ctx context.Context, cfg *model.MFAConfig) error
	// Disable clears enabled flag, secret, phone and unused backup codes atomically.
	Disable(ctx context.Context, ref model.PrincipalRef, at time.Time) error

	// ReplaceBackupCodes deletes unused codes and stores the new hashes atomically.
	ReplaceBackupCodes(ctx context.Context, ref model.PrincipalRef, hashes []string, at time.Time) error
	// ConsumeBackupCode marks the matching unused code used; false when none matched.
	ConsumeBackupCode(ctx context.Context, ref model.PrincipalRef, hash string, at time.Time) (bool, error)
	// CountUnusedBackupCodes reports how many codes remain.
	CountUnusedBackupCodes(ctx context.Context, ref model.PrincipalRef) (int, error)

	// PutChallenge stores ch, overwriting any prior challenge for the phone.
	PutChallenge(ctx context.Context, ch *model.SMSChallenge) error
	// GetChallenge returns the challenge for phone or errs.ErrNotFound.
	GetChallenge(ctx context.Context, phone string) (*model.SMSChallenge, error)
	// IncrementChallengeFailures bumps the failed-attempt counter.
	IncrementChallengeFailures(ctx context.Context, phone string) (int, error)
	// DeleteChallenge removes the challenge for phone.
	DeleteChallenge(ctx context.Context, phone string) error
	// RedeemChallenge deletes the challenge only if it still carries codeHash
	// and is live at now. It reports whether a row was consumed.
	RedeemChallenge(ctx context.Context, phone, codeHash string, now time.Time) (bool, error)
	// PruneChallenges deletes expired challenges.
	PruneChallenges(ctx context.Context, now time.Time) (int64, error)
}

// RelationshipRepository answers existence queries over relationship edges.
type RelationshipRepository interface {
	// HasLiveEdge reports whether an active, unexpired edge of kind links from to to.
	HasLiveEdge(ctx context.Context, kind model.EdgeKind, from, to uuid.UUID, now time.Time) (bool, error)
	// QuestionnaireStudy returns the study owning a questionnaire.
	QuestionnaireStudy(ctx context.Context, questionnaireID uuid.UUID) (uuid.UUID, error)
	// GrantEdge inserts a new active edge.
	GrantEdge(ctx context.Context, e *model.Edge) error
	// DeactivateEdge flips every active edge of kind between from and to to inactive.
	DeactivateEdge(ctx context.Context, kind model.EdgeKind, from, to uuid.UUID, at time.Time) error
}
