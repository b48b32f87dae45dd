// Package service contains the session and token lifecycle manager.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/and161185/clinauth/internal/audit"
	"github.com/and161185/clinauth/internal/crypto"
	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/limiter"
	"github.com/and161185/clinauth/internal/mfa"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/notify"
	"github.com/and161185/clinauth/internal/obs"
	"github.com/and161185/clinauth/internal/repository"
	"github.com/and161185/clinauth/internal/token"
	"go.uber.org/zap"
)

// AuthService defines the login, token and session operations.
type AuthService interface {
	// Login checks a credential pair (and second factor when enabled) and starts a session.
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
	// Refresh rotates a refresh token into a new pair. Each refresh token is single-use.
	Refresh(ctx context.Context, refreshToken string, origin model.Origin) (*model.Tokens, error)
	// Logout revokes the token and ends its session. Repeating it succeeds.
	Logout(ctx context.Context, rawToken string, origin model.Origin) error
	// Authenticate resolves an access token to the principal behind it.
	Authenticate(ctx context.Context, accessToken string) (*model.AuthContext, error)

	// LogoutAll ends every session of the authenticated principal.
	LogoutAll(ctx context.Context, ac *model.AuthContext) (int, error)
	// ListSessions returns the active sessions of ref, newest first.
	ListSessions(ctx context.Context, ref model.PrincipalRef) ([]model.Session, error)
	// RevokeSession ends one of the caller's own sessions.
	RevokeSession(ctx context.Context, ac *model.AuthContext, sessionID string) error

	// ChangePassword verifies the old secret, stores the new one and ends the other sessions.
	ChangePassword(ctx context.Context, ac *model.AuthContext, oldPassword, newPassword string) error
	// Unlock clears the failed-attempt counter and lock-expiry.
	Unlock(ctx context.Context, ref model.PrincipalRef) error
	// SetStatus performs a soft status transition; leaving active ends all sessions.
	SetStatus(ctx context.Context, ref model.PrincipalRef, status model.Status) error
	// Invite stores a hashed invitation and emails the plaintext token.
	Invite(ctx context.Context, req InviteRequest) (string, error)
	// AcceptInvitation registers the invited principal.
	AcceptInvitation(ctx context.Context, rawToken, password string, origin model.Origin) (*model.Principal, error)
	// PruneExpired deletes revocation records and SMS challenges past their expiry.
	PruneExpired(ctx context.Context) (PruneStats, error)
}

// Config holds lifetimes used by the manager.
type Config struct {
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	IdleTimeout time.Duration
	InviteTTL   time.Duration
}

// Deps are the collaborators of AuthServiceImpl.
type Deps struct {
	Principals  repository.PrincipalRepository
	Sessions    repository.SessionRepository
	Invitations repository.InvitationRepository
	Limiter     limiter.Limiter
	Codec       *token.Codec
	MFA         *mfa.Service
	Notifier    notify.Dispatcher
	Audit       audit.Recorder
	Metrics     *obs.Metrics
	Log         *zap.Logger
	Now         func() time.Time
}

type AuthServiceImpl struct {
	cfg         Config
	principals  repository.PrincipalRepository
	sessions    repository.SessionRepository
	invitations repository.InvitationRepository
	lim         limiter.Limiter
	codec       *token.Codec
	mfa         *mfa.Service
	notify      notify.Dispatcher
	audit       audit.Recorder
	metrics     *obs.Metrics
	log         *zap.Logger
	now         func() time.Time
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs the manager with its dependencies.
func NewAuthService(cfg Config, d Deps) *AuthServiceImpl {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Audit == nil {
		d.Audit = &audit.Memory{}
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 72 * time.Hour
	}
	return &AuthServiceImpl{
		cfg:         cfg,
		principals:  d.Principals,
		sessions:    d.Sessions,
		invitations: d.Invitations,
		lim:         d.Limiter,
		codec:       d.Codec,
		mfa:         d.MFA,
		notify:      d.Notifier,
		audit:       d.Audit,
		metrics:     d.Metrics,
		log:         d.Log,
		now:         d.Now,
	}
}

// LoginRequest is one login attempt.
type LoginRequest struct {
	Type     model.PrincipalType
	Email    string
	Password string
	// MFA is the second factor. An SMS proof with an empty code asks for a
	// challenge to be sent to the enrolled phone.
	MFA    *model.MFAProof
	Origin model.Origin
}

// LoginResult is a successful login.
type LoginResult struct {
	Tokens    model.Tokens
	Principal *model.Principal
}

// Login authenticates a credential pair. Every outcome emits one audit event.
func (s *AuthServiceImpl) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	res, p, err := s.login(ctx, req)

	ev := newEvent(model.EventLogin, p, req.Origin, err, nil)
	if p == nil {
		ev.Email = strings.ToLower(strings.TrimSpace(req.Email))
		ev.PrincipalType = req.Type
	}
	s.audit.Record(ev)
	s.metrics.Login(string(req.Type), outcome(err))
	s.logStoreError("login", err)
	return res, err
}

func (s *AuthServiceImpl) login(ctx context.Context, req LoginRequest) (*LoginResult, *model.Principal, error) {
	if !req.Type.Valid() || strings.TrimSpace(req.Email) == "" {
		crypto.BurnPasswordCheck(req.Password)
		return nil, nil, errs.ErrInvalidCredential
	}
	p, err := s.principals.GetByEmail(ctx, req.Type, req.Email)
	if errs.IsNotFound(err) {
		crypto.BurnPasswordCheck(req.Password)
		return nil, nil, errs.ErrInvalidCredential
	}
	if err != nil {
		return nil, nil, errs.Store("principal.get_by_email", err)
	}

	now := s.now()
	if p.LockedUntil != nil && p.LockedUntil.After(now) {
		return nil, p, &errs.AccountLockedError{Until: *p.LockedUntil}
	}
	if !crypto.VerifyPassword([]byte(req.Password), p.Salt, p.PwdHash) {
		return nil, p, s.recordFailure(ctx, p, now, errs.ErrInvalidCredential)
	}
	if p.Status != model.StatusActive {
		return nil, p, &errs.AccountInactiveError{Status: string(p.Status)}
	}

	cfg, err := s.mfa.Config(ctx, p.Ref())
	if err != nil {
		return nil, p, err
	}
	if cfg.Enabled {
		if req.MFA == nil || strings.TrimSpace(req.MFA.Code) == "" {
			return nil, p, s.requireMFA(ctx, cfg, req.MFA)
		}
		ok, err := s.mfa.VerifyProof(ctx, p, cfg, *req.MFA)
		if err != nil {
			return nil, p, err
		}
		// second-factor mismatches are capped per challenge, not per account
		if !ok {
			return nil, p, errs.ErrMFAInvalid
		}
	}

	if err := s.lim.Success(ctx, p.Ref()); err != nil {
		return nil, p, errs.Store("limiter.success", err)
	}
	p.FailedAttempts = 0
	p.LockedUntil = nil

	tokens, err := s.startSession(ctx, p.Ref(), req.Origin, now)
	if err != nil {
		return nil, p, err
	}
	return &LoginResult{Tokens: *tokens, Principal: p}, p, nil
}

// requireMFA builds the MFA_REQUIRED result, sending an SMS challenge first
// when the caller asked for one.
func (s *AuthServiceImpl) requireMFA(ctx context.Context, cfg *model.MFAConfig, proof *model.MFAProof) error {
	if proof != nil && proof.Method == model.MFASMS && cfg.HasMethod(model.MFASMS) && cfg.Phone != "" {
		if _, err := s.mfa.SendSMS(ctx, cfg.Phone); err != nil {
			return err
		}
	}
	methods := make([]string, 0, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods = append(methods, string(m))
	}
	return &errs.MFARequiredError{Methods: methods}
}

// recordFailure bumps the principal's counter and turns cause into
// AccountLocked when the threshold is reached.
func (s *AuthServiceImpl) recordFailure(ctx context.Context, p *model.Principal, now time.Time, cause error) error {
	n, until, err := s.lim.Failure(ctx, p.Ref(), now)
	if err != nil {
		return errs.Store("limiter.failure", err)
	}
	p.FailedAttempts = n
	if until != nil {
		p.LockedUntil = until
		return &errs.AccountLockedError{Until: *until}
	}
	return cause
}

// logStoreError logs collaborator outages. Decision kinds are audited only.
func (s *AuthServiceImpl) logStoreError(op string, err error) {
	if err == nil || errs.IsDecision(err) {
		return
	}
	if errors.Is(err, errs.ErrStoreUnavailable) {
		s.log.Error("store unavailable", zap.String("op", op), zap.Error(err))
		return
	}
	s.log.Warn("operation failed", zap.String("op", op), zap.Error(err))
}

func newEvent(typ string, p *model.Principal, origin model.Origin, err error, detail map[string]any) model.AuditEvent {
	ev := model.AuditEvent{
		Type:      typ,
		Success:   err == nil,
		Address:   origin.Address,
		UserAgent: origin.UserAgent,
		Detail:    detail,
	}
	if p != nil {
		ev.Email = p.Email
		ev.PrincipalType = p.Type
		ev.PrincipalID = p.ID.String()
	}
	if err != nil {
		if ev.Detail == nil {
			ev.Detail = map[string]any{}
		}
		ev.Detail["reason"] = outcome(err)
		var locked *errs.AccountLockedError
		if errors.As(err, &locked) {
			ev.Detail["locked_until"] = locked.Until.UTC().Format(time.RFC3339)
		}
	}
	return ev
}

func refEvent(typ string, ref model.PrincipalRef, origin model.Origin, err error, detail map[string]any) model.AuditEvent {
	ev := newEvent(typ, nil, origin, err, detail)
	ev.PrincipalType = ref.Type
	ev.PrincipalID = ref.ID.String()
	return ev
}

// outcome is the stable label used for metrics and audit reasons.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, errs.ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, errs.ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, errs.ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, errs.ErrMFARequired):
		return "mfa_required"
	case errors.Is(err, errs.ErrMFAInvalid):
		return "mfa_invalid"
	case errors.Is(err, errs.ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, errs.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, errs.ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, errs.ErrSessionInvalid):
		return "session_invalid"
	case errors.Is(err, errs.ErrSessionTimeout):
		return "session_timeout"
	case errors.Is(err, errs.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, errs.ErrInvalidArgument):
		return "invalid_argument"
	}
	return "error"
}
