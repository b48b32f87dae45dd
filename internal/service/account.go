package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/and161185/clinauth/internal/crypto"
	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 256
	inviteTokenLen = 32
)

func validatePassword(pw string) error {
	if len(pw) < minPasswordLen || len(pw) > maxPasswordLen {
		return fmt.Errorf("%w: password must be %d to %d characters", errs.ErrInvalidArgument, minPasswordLen, maxPasswordLen)
	}
	return nil
}

// ChangePassword ends every other session of the caller on success. A wrong
// old password counts as a failed attempt.
func (s *AuthServiceImpl) ChangePassword(ctx context.Context, ac *model.AuthContext, oldPassword, newPassword string) error {
	err := s.changePassword(ctx, ac, oldPassword, newPassword)
	s.audit.Record(newEvent(model.EventPasswordChanged, ac.Principal, model.Origin{}, err, nil))
	s.logStoreError("change_password", err)
	return err
}

func (s *AuthServiceImpl) changePassword(ctx context.Context, ac *model.AuthContext, oldPassword, newPassword string) error {
	p, err := s.principals.GetByID(ctx, ac.Principal.Ref())
	if errs.IsNotFound(err) {
		return errs.ErrSessionInvalid
	}
	if err != nil {
		return errs.Store("principal.get_by_id", err)
	}
	if !crypto.VerifyPassword([]byte(oldPassword), p.Salt, p.PwdHash) {
		return s.recordFailure(ctx, p, s.now(), errs.ErrInvalidCredential)
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, salt, err := crypto.NewPasswordHash(newPassword)
	if err != nil {
		return err
	}
	if err := s.principals.UpdatePassword(ctx, p.Ref(), hash, salt); err != nil {
		return errs.Store("principal.update_password", err)
	}
	if _, err := s.sessions.DeactivateAll(ctx, p.Ref(), ac.SessionID, s.now()); err != nil {
		return errs.Store("session.deactivate_all", err)
	}
	return nil
}

// Unlock clears the failed-attempt counter and lock-expiry of ref.
func (s *AuthServiceImpl) Unlock(ctx context.Context, ref model.PrincipalRef) error {
	err := errs.Store("limiter.success", s.lim.Success(ctx, ref))
	s.audit.Record(refEvent(model.EventAccountUnlocked, ref, model.Origin{}, err, nil))
	s.logStoreError("unlock", err)
	return err
}

// SetStatus moves ref to status. Leaving active ends every session.
func (s *AuthServiceImpl) SetStatus(ctx context.Context, ref model.PrincipalRef, status model.Status) error {
	err := s.setStatus(ctx, ref, status)
	s.audit.Record(refEvent(model.EventStatusChanged, ref, model.Origin{}, err, map[string]any{"status": string(status)}))
	s.logStoreError("set_status", err)
	return err
}

func (s *AuthServiceImpl) setStatus(ctx context.Context, ref model.PrincipalRef, status model.Status) error {
	switch status {
	case model.StatusActive, model.StatusInactive, model.StatusLocked:
	default:
		return fmt.Errorf("%w: unknown status %q", errs.ErrInvalidArgument, status)
	}
	if err := s.principals.SetStatus(ctx, ref, status); err != nil {
		return errs.Store("principal.set_status", err)
	}
	if status == model.StatusActive {
		return nil
	}
	if _, err := s.sessions.DeactivateAll(ctx, ref, "", s.now()); err != nil {
		return errs.Store("session.deactivate_all", err)
	}
	return nil
}

// InviteRequest describes the principal an invitation admits.
type InviteRequest struct {
	Type           model.PrincipalType
	Role           model.Role
	Email          string
	OrganizationID *uuid.UUID
}

func (r *InviteRequest) validate() error {
	email := strings.TrimSpace(r.Email)
	if !strings.Contains(email, "@") || strings.ContainsAny(email, " \t\r\n") {
		return fmt.Errorf("%w: email", errs.ErrInvalidArgument)
	}
	switch r.Type {
	case model.Participant:
		if r.Role == "" {
			r.Role = model.RoleParticipant
		}
		if r.Role != model.RoleParticipant {
			return fmt.Errorf("%w: participants cannot hold role %q", errs.ErrInvalidArgument, r.Role)
		}
		if r.OrganizationID != nil {
			return fmt.Errorf("%w: participants have no organization", errs.ErrInvalidArgument)
		}
	case model.Clinician:
		if r.Role == "" {
			r.Role = model.RoleClinician
		}
		if r.Role != model.RoleClinician && r.Role != model.RoleAdmin {
			return fmt.Errorf("%w: clinicians cannot hold role %q", errs.ErrInvalidArgument, r.Role)
		}
	default:
		return fmt.Errorf("%w: principal type", errs.ErrInvalidArgument)
	}
	return nil
}

// Invite stores an invitation under the hash of a fresh token, emails the
// token and returns it. Dispatch failures are returned; the invitation stays stored.
func (s *AuthServiceImpl) Invite(ctx context.Context, req InviteRequest) (string, error) {
	raw, inv, err := s.invite(ctx, req)
	ev := model.AuditEvent{Type: model.EventInvitationSent, Success: err == nil, Email: strings.ToLower(strings.TrimSpace(req.Email)),
		PrincipalType: req.Type, Detail: map[string]any{"role": string(req.Role)}}
	if inv != nil {
		ev.Detail["invitation_id"] = inv.ID.String()
	}
	if err != nil {
		ev.Detail["reason"] = outcome(err)
	}
	s.audit.Record(ev)
	s.logStoreError("invite", err)
	return raw, err
}

func (s *AuthServiceImpl) invite(ctx context.Context, req InviteRequest) (string, *model.Invitation, error) {
	if err := req.validate(); err != nil {
		return "", nil, err
	}
	raw, err := crypto.RandomCode(inviteTokenLen)
	if err != nil {
		return "", nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", nil, err
	}
	inv := &model.Invitation{
		ID:             id,
		TokenHash:      crypto.HashCode(raw),
		Type:           req.Type,
		Role:           req.Role,
		Email:          strings.ToLower(strings.TrimSpace(req.Email)),
		OrganizationID: req.OrganizationID,
		ExpiresAt:      s.now().Add(s.cfg.InviteTTL),
	}
	if err := s.invitations.CreateInvitation(ctx, inv); err != nil {
		return "", nil, errs.Store("invitation.create", err)
	}
	if s.notify != nil {
		body := "You have been invited to clinauth. Your registration code is " + raw
		if err := s.notify.SendEmail(ctx, inv.Email, "clinauth invitation", body); err != nil {
			return raw, inv, err
		}
	}
	return raw, inv, nil
}

// AcceptInvitation creates the invited principal, marks the invitation used
// and seeds its MFA configuration atomically. Unknown, used and expired
// invitations all fail with InvalidCredential.
func (s *AuthServiceImpl) AcceptInvitation(ctx context.Context, rawToken, password string, origin model.Origin) (*model.Principal, error) {
	p, err := s.acceptInvitation(ctx, rawToken, password)
	s.audit.Record(newEvent(model.EventRegistration, p, origin, err, nil))
	s.logStoreError("accept_invitation", err)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *AuthServiceImpl) acceptInvitation(ctx context.Context, rawToken, password string) (*model.Principal, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, errs.ErrInvalidCredential
	}
	inv, err := s.invitations.GetByTokenHash(ctx, crypto.HashCode(rawToken))
	if errs.IsNotFound(err) {
		return nil, errs.ErrInvalidCredential
	}
	if err != nil {
		return nil, errs.Store("invitation.get", err)
	}
	now := s.now()
	if inv.UsedAt != nil || !inv.ExpiresAt.After(now) {
		return nil, errs.ErrInvalidCredential
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	hash, salt, err := crypto.NewPasswordHash(password)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	p := &model.Principal{
		ID:             id,
		Type:           inv.Type,
		Role:           inv.Role,
		Email:          inv.Email,
		PwdHash:        hash,
		Salt:           salt,
		Status:         model.StatusActive,
		OrganizationID: inv.OrganizationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch err := s.invitations.Accept(ctx, inv, p, now); {
	case err == nil:
		return p, nil
	case errs.IsVersionConflict(err):
		return nil, errs.ErrInvalidCredential
	default:
		return nil, errs.Store("invitation.accept", err)
	}
}
