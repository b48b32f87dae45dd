package service

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/ids"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/token"
)

type pair struct {
	access, refresh             string
	accessClaims, refreshClaims *token.Claims
}

func (p *pair) tokens(sessionID string) *model.Tokens {
	return &model.Tokens{
		AccessToken:      p.access,
		RefreshToken:     p.refresh,
		AccessExpiresAt:  p.accessClaims.Expires(),
		RefreshExpiresAt: p.refreshClaims.Expires(),
		SessionID:        sessionID,
	}
}

func (s *AuthServiceImpl) mint(ref model.PrincipalRef, sessionID string) (*pair, error) {
	access, ac, err := s.codec.Issue(ref, sessionID, token.Access, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, rc, err := s.codec.Issue(ref, sessionID, token.Refresh, s.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &pair{access: access, refresh: refresh, accessClaims: ac, refreshClaims: rc}, nil
}

func (s *AuthServiceImpl) startSession(ctx context.Context, ref model.PrincipalRef, origin model.Origin, now time.Time) (*model.Tokens, error) {
	sid := ids.New()
	pr, err := s.mint(ref, sid)
	if err != nil {
		return nil, err
	}
	sess := &model.Session{
		ID:             sid,
		Principal:      ref,
		AccessTokenID:  pr.accessClaims.ID,
		RefreshTokenID: pr.refreshClaims.ID,
		AccessExpires:  pr.accessClaims.Expires(),
		RefreshExpires: pr.refreshClaims.Expires(),
		IssuedAt:       now,
		LastActivity:   now,
		Active:         true,
		Origin:         origin,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, errs.Store("session.create", err)
	}
	return pr.tokens(sid), nil
}

// Refresh verifies the refresh token, checks revocation and the owning session,
// then rotates both token ids in one store operation.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string, origin model.Origin) (*model.Tokens, error) {
	tokens, claims, err := s.refresh(ctx, refreshToken)

	ev := newEvent(model.EventRefresh, nil, origin, err, nil)
	if claims != nil {
		ev.PrincipalType = claims.PrincipalType
		ev.PrincipalID = claims.Subject
	}
	s.audit.Record(ev)
	s.metrics.Refresh(outcome(err))
	s.logStoreError("refresh", err)
	return tokens, err
}

func (s *AuthServiceImpl) refresh(ctx context.Context, raw string) (*model.Tokens, *token.Claims, error) {
	claims, err := s.codec.VerifyKind(raw, token.Refresh)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	if err := s.checkRevoked(ctx, claims.ID, now); err != nil {
		return nil, claims, err
	}
	sess, err := s.sessions.GetActiveByRefreshID(ctx, claims.ID)
	if errs.IsNotFound(err) {
		// A concurrent rotation may have won between the two reads.
		if rerr := s.checkRevoked(ctx, claims.ID, now); rerr != nil {
			return nil, claims, rerr
		}
		return nil, claims, errs.ErrSessionInvalid
	}
	if err != nil {
		return nil, claims, errs.Store("session.get_by_refresh", err)
	}
	if sess.ID != claims.SessionID {
		return nil, claims, errs.ErrSessionInvalid
	}
	if err := s.expireIdle(ctx, sess, now); err != nil {
		return nil, claims, err
	}
	if _, err := s.activePrincipal(ctx, sess.Principal); err != nil {
		return nil, claims, err
	}

	pr, err := s.mint(sess.Principal, sess.ID)
	if err != nil {
		return nil, claims, err
	}
	err = s.sessions.Rotate(ctx, model.Rotation{
		SessionID:         sess.ID,
		OldRefreshTokenID: claims.ID,
		OldRefreshExpires: claims.Expires(),
		OldAccessTokenID:  sess.AccessTokenID,
		OldAccessExpires:  sess.AccessExpires,
		NewAccessTokenID:  pr.accessClaims.ID,
		NewAccessExpires:  pr.accessClaims.Expires(),
		NewRefreshTokenID: pr.refreshClaims.ID,
		NewRefreshExpires: pr.refreshClaims.Expires(),
		At:                now,
	})
	switch {
	case errors.Is(err, errs.ErrVersionConflict):
		return nil, claims, errs.ErrTokenRevoked
	case errs.IsNotFound(err):
		return nil, claims, errs.ErrSessionInvalid
	case err != nil:
		return nil, claims, errs.Store("session.rotate", err)
	}
	return pr.tokens(sess.ID), claims, nil
}

// Logout accepts expired tokens: only the signature must hold.
func (s *AuthServiceImpl) Logout(ctx context.Context, rawToken string, origin model.Origin) error {
	claims, err := s.logout(ctx, rawToken)

	ev := newEvent(model.EventLogout, nil, origin, err, nil)
	if claims != nil {
		ev.PrincipalType = claims.PrincipalType
		ev.PrincipalID = claims.Subject
	}
	s.audit.Record(ev)
	s.logStoreError("logout", err)
	return err
}

func (s *AuthServiceImpl) logout(ctx context.Context, raw string) (*token.Claims, error) {
	claims, err := s.codec.DecodeIgnoringExpiry(raw)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Revoke(ctx, model.RevokedToken{TokenID: claims.ID, ExpiresAt: claims.Expires()}); err != nil {
		return claims, errs.Store("session.revoke", err)
	}
	sess, err := s.sessions.GetByTokenID(ctx, claims.ID)
	if errs.IsNotFound(err) {
		return claims, nil
	}
	if err != nil {
		return claims, errs.Store("session.get_by_token", err)
	}
	if !sess.Active {
		return claims, nil
	}
	if err := s.sessions.Deactivate(ctx, sess.ID, s.now()); err != nil && !errs.IsNotFound(err) {
		return claims, errs.Store("session.deactivate", err)
	}
	return claims, nil
}

// Authenticate is called by every protected operation. On success it touches
// the session; a session idle past the timeout is ended instead.
func (s *AuthServiceImpl) Authenticate(ctx context.Context, accessToken string) (*model.AuthContext, error) {
	ac, err := s.authenticate(ctx, accessToken)
	s.logStoreError("authenticate", err)
	return ac, err
}

func (s *AuthServiceImpl) authenticate(ctx context.Context, raw string) (*model.AuthContext, error) {
	claims, err := s.codec.VerifyKind(raw, token.Access)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.checkRevoked(ctx, claims.ID, now); err != nil {
		return nil, err
	}
	sess, err := s.sessions.GetActiveByAccessID(ctx, claims.ID)
	if errs.IsNotFound(err) {
		return nil, errs.ErrSessionInvalid
	}
	if err != nil {
		return nil, errs.Store("session.get_by_access", err)
	}
	if err := s.expireIdle(ctx, sess, now); err != nil {
		return nil, err
	}
	if err := s.sessions.Touch(ctx, sess.ID, now); err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.ErrSessionInvalid
		}
		return nil, errs.Store("session.touch", err)
	}
	p, err := s.activePrincipal(ctx, sess.Principal)
	if err != nil {
		return nil, err
	}
	return &model.AuthContext{Principal: p, SessionID: sess.ID, TokenID: claims.ID}, nil
}

func (s *AuthServiceImpl) checkRevoked(ctx context.Context, jti string, now time.Time) error {
	revoked, err := s.sessions.IsRevoked(ctx, jti, now)
	if err != nil {
		return errs.Store("session.is_revoked", err)
	}
	if revoked {
		return errs.ErrTokenRevoked
	}
	return nil
}

// expireIdle ends sess and returns ErrSessionTimeout when it idled past the limit.
func (s *AuthServiceImpl) expireIdle(ctx context.Context, sess *model.Session, now time.Time) error {
	if s.cfg.IdleTimeout <= 0 || now.Sub(sess.LastActivity) <= s.cfg.IdleTimeout {
		return nil
	}
	if err := s.sessions.Deactivate(ctx, sess.ID, now); err != nil && !errs.IsNotFound(err) {
		return errs.Store("session.deactivate", err)
	}
	s.audit.Record(refEvent(model.EventSessionTimeout, sess.Principal, sess.Origin, nil,
		map[string]any{"session_id": sess.ID, "idle": now.Sub(sess.LastActivity).String()}))
	return errs.ErrSessionTimeout
}

func (s *AuthServiceImpl) activePrincipal(ctx context.Context, ref model.PrincipalRef) (*model.Principal, error) {
	p, err := s.principals.GetByID(ctx, ref)
	if errs.IsNotFound(err) {
		return nil, errs.ErrSessionInvalid
	}
	if err != nil {
		return nil, errs.Store("principal.get_by_id", err)
	}
	if p.Status != model.StatusActive {
		return nil, &errs.AccountInactiveError{Status: string(p.Status)}
	}
	return p, nil
}
