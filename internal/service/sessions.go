package service

import (
	"context"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
)

// LogoutAll ends every active session of the caller, including the current one.
func (s *AuthServiceImpl) LogoutAll(ctx context.Context, ac *model.AuthContext) (int, error) {
	n, err := s.sessions.DeactivateAll(ctx, ac.Principal.Ref(), "", s.now())
	err = errs.Store("session.deactivate_all", err)
	s.audit.Record(newEvent(model.EventLogoutAll, ac.Principal, model.Origin{}, err, map[string]any{"sessions": n}))
	s.logStoreError("logout_all", err)
	return n, err
}

// ListSessions returns the active sessions of ref.
func (s *AuthServiceImpl) ListSessions(ctx context.Context, ref model.PrincipalRef) ([]model.Session, error) {
	out, err := s.sessions.ListActive(ctx, ref)
	if err != nil {
		err = errs.Store("session.list", err)
		s.logStoreError("list_sessions", err)
		return nil, err
	}
	return out, nil
}

// RevokeSession ends sessionID if it is an active session of the caller.
// Sessions of other principals are reported as invalid.
func (s *AuthServiceImpl) RevokeSession(ctx context.Context, ac *model.AuthContext, sessionID string) error {
	err := s.revokeSession(ctx, ac.Principal.Ref(), sessionID)
	s.audit.Record(newEvent(model.EventSessionRevoked, ac.Principal, model.Origin{}, err,
		map[string]any{"session_id": sessionID}))
	s.logStoreError("revoke_session", err)
	return err
}

func (s *AuthServiceImpl) revokeSession(ctx context.Context, ref model.PrincipalRef, sessionID string) error {
	active, err := s.sessions.ListActive(ctx, ref)
	if err != nil {
		return errs.Store("session.list", err)
	}
	for _, sess := range active {
		if sess.ID != sessionID {
			continue
		}
		if err := s.sessions.Deactivate(ctx, sessionID, s.now()); err != nil {
			if errs.IsNotFound(err) {
				return errs.ErrSessionInvalid
			}
			return errs.Store("session.deactivate", err)
		}
		return nil
	}
	return errs.ErrSessionInvalid
}

// PruneStats reports how many expired rows PruneExpired removed.
type PruneStats struct {
	Revocations int64
	Challenges  int64
}

// PruneExpired deletes revocation records and SMS challenges past their expiry.
func (s *AuthServiceImpl) PruneExpired(ctx context.Context) (PruneStats, error) {
	var st PruneStats
	n, err := s.sessions.PruneRevoked(ctx, s.now())
	if err != nil {
		err = errs.Store("session.prune_revoked", err)
		s.logStoreError("prune", err)
		return st, err
	}
	st.Revocations = n
	if st.Challenges, err = s.mfa.PruneChallenges(ctx); err != nil {
		s.logStoreError("prune", err)
		return st, err
	}
	return st, nil
}
