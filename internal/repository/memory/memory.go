// Package memory is an in-process credential store. It backs dev mode and the
// service tests; every method takes the single store lock, so compound
// operations are atomic in the same way the PostgreSQL transactions are.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/limiter"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/repository"
	"github.com/gofrs/uuid/v5"
)

var (
	_ repository.PrincipalRepository    = (*Store)(nil)
	_ repository.InvitationRepository   = (*Store)(nil)
	_ repository.SessionRepository      = (*Store)(nil)
	_ repository.MFARepository          = (*Store)(nil)
	_ repository.RelationshipRepository = (*Store)(nil)
	_ limiter.Limiter                   = (*Store)(nil)
)

// Store implements every repository interface plus limiter.Limiter.
type Store struct {
	mu sync.Mutex

	principals     map[model.PrincipalRef]*model.Principal
	invitations    map[string]*model.Invitation
	sessions       map[string]*model.Session
	revoked        map[string]time.Time
	mfa            map[model.PrincipalRef]*model.MFAConfig
	backup         map[model.PrincipalRef][]*model.BackupCode
	challenges     map[string]*model.SMSChallenge
	edges          []*model.Edge
	questionnaires map[uuid.UUID]uuid.UUID

	policy limiter.Policy

	// Fail, when set, is returned by every call. Tests use it to simulate an outage.
	Fail error
}

// New returns an empty store with the given lockout policy.
func New(policy limiter.Policy) *Store {
	return &Store{
		principals:     make(map[model.PrincipalRef]*model.Principal),
		invitations:    make(map[string]*model.Invitation),
		sessions:       make(map[string]*model.Session),
		revoked:        make(map[string]time.Time),
		mfa:            make(map[model.PrincipalRef]*model.MFAConfig),
		backup:         make(map[model.PrincipalRef][]*model.BackupCode),
		challenges:     make(map[string]*model.SMSChallenge),
		questionnaires: make(map[uuid.UUID]uuid.UUID),
		policy:         policy,
	}
}

func normEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }

func clonePrincipal(p *model.Principal) *model.Principal {
	c := *p
	c.PwdHash = append([]byte(nil), p.PwdHash...)
	c.Salt = append([]byte(nil), p.Salt...)
	c.ExtraPermissions = append([]string(nil), p.ExtraPermissions...)
	c.OrgPermissions = append([]string(nil), p.OrgPermissions...)
	if p.LockedUntil != nil {
		t := *p.LockedUntil
		c.LockedUntil = &t
	}
	if p.OrganizationID != nil {
		o := *p.OrganizationID
		c.OrganizationID = &o
	}
	return &c
}

// AddPrincipal seeds a principal. Email uniqueness is enforced within the type.
func (s *Store) AddPrincipal(p *model.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPrincipalLocked(p)
}

func (s *Store) addPrincipalLocked(p *model.Principal) error {
	if !p.Type.Valid() {
		return errs.ErrNotFound
	}
	email := normEmail(p.Email)
	for ref, have := range s.principals {
		if ref.Type == p.Type && normEmail(have.Email) == email {
			return errs.ErrAlreadyExists
		}
	}
	c := clonePrincipal(p)
	c.Email = email
	s.principals[p.Ref()] = c
	return nil
}

// CreateInvitation stores a new invitation.
func (s *Store) CreateInvitation(_ context.Context, inv *model.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.invitations[inv.TokenHash]; ok {
		return errs.ErrAlreadyExists
	}
	c := *inv
	s.invitations[inv.TokenHash] = &c
	return nil
}

// AddQuestionnaire records which study owns a questionnaire.
func (s *Store) AddQuestionnaire(id, study uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questionnaires[id] = study
}

/************ principals ************/

// GetByEmail loads a principal by email within its type.
func (s *Store) GetByEmail(_ context.Context, t model.PrincipalType, email string) (*model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	email = normEmail(email)
	for ref, p := range s.principals {
		if ref.Type == t && p.Email == email {
			return clonePrincipal(p), nil
		}
	}
	return nil, errs.ErrNotFound
}

// GetByID loads a principal by ref.
func (s *Store) GetByID(_ context.Context, ref model.PrincipalRef) (*model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	p, ok := s.principals[ref]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return clonePrincipal(p), nil
}

// UpdatePassword replaces the credential hash and salt.
func (s *Store) UpdatePassword(_ context.Context, ref model.PrincipalRef, hash, salt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	p, ok := s.principals[ref]
	if !ok {
		return errs.ErrNotFound
	}
	p.PwdHash = append([]byte(nil), hash...)
	p.Salt = append([]byte(nil), salt...)
	return nil
}

// SetStatus performs a soft status transition.
func (s *Store) SetStatus(_ context.Context, ref model.PrincipalRef, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	p, ok := s.principals[ref]
	if !ok {
		return errs.ErrNotFound
	}
	p.Status = status
	return nil
}

/************ lockout ************/

// Failure applies the lockout policy to the principal's counter.
func (s *Store) Failure(_ context.Context, ref model.PrincipalRef, now time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, nil, s.Fail
	}
	p, ok := s.principals[ref]
	if !ok {
		return 0, nil, errs.ErrNotFound
	}
	p.FailedAttempts, p.LockedUntil = s.policy.Next(p.FailedAttempts, p.LockedUntil, now)
	if p.FailedAttempts < s.policy.MaxFailures {
		return p.FailedAttempts, nil, nil
	}
	until := *p.LockedUntil
	return p.FailedAttempts, &until, nil
}

// Success clears the counter and lock-expiry.
func (s *Store) Success(_ context.Context, ref model.PrincipalRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	p, ok := s.principals[ref]
	if !ok {
		return errs.ErrNotFound
	}
	p.FailedAttempts = 0
	p.LockedUntil = nil
	return nil
}

/************ invitations ************/

// GetByTokenHash loads an invitation.
func (s *Store) GetByTokenHash(_ context.Context, tokenHash string) (*model.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	inv, ok := s.invitations[tokenHash]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *inv
	return &c, nil
}

// Accept creates the principal, marks the invitation used and seeds MFA defaults.
func (s *Store) Accept(_ context.Context, inv *model.Invitation, p *model.Principal, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	stored, ok := s.invitations[inv.TokenHash]
	if !ok || stored.UsedAt != nil || !stored.ExpiresAt.After(now) {
		return errs.ErrVersionConflict
	}
	if err := s.addPrincipalLocked(p); err != nil {
		return err
	}
	used := now
	stored.UsedAt = &used
	s.mfa[p.Ref()] = &model.MFAConfig{Principal: p.Ref(), UpdatedAt: now}
	return nil
}

/************ sessions ************/

func (s *Store) revokeLocked(jti string, exp time.Time) {
	if _, ok := s.revoked[jti]; !ok {
		s.revoked[jti] = exp
	}
}

func (s *Store) deactivateLocked(sess *model.Session, at time.Time) {
	s.revokeLocked(sess.AccessTokenID, sess.AccessExpires)
	s.revokeLocked(sess.RefreshTokenID, sess.RefreshExpires)
	sess.Active = false
	sess.LastActivity = at
}

// Create inserts a new active session.
func (s *Store) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return errs.ErrAlreadyExists
	}
	c := *sess
	c.Active = true
	s.sessions[sess.ID] = &c
	return nil
}

func (s *Store) find(match func(*model.Session) bool) (*model.Session, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	for _, sess := range s.sessions {
		if match(sess) {
			c := *sess
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

// GetActiveByAccessID returns the active session whose current access jti matches.
func (s *Store) GetActiveByAccessID(_ context.Context, jti string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(x *model.Session) bool { return x.Active && x.AccessTokenID == jti })
}

// GetActiveByRefreshID returns the active session whose current refresh jti matches.
func (s *Store) GetActiveByRefreshID(_ context.Context, jti string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(x *model.Session) bool { return x.Active && x.RefreshTokenID == jti })
}

// GetByTokenID returns the session currently referencing jti.
func (s *Store) GetByTokenID(_ context.Context, jti string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(x *model.Session) bool { return x.AccessTokenID == jti || x.RefreshTokenID == jti })
}

// ListActive returns the active sessions of ref, newest first.
func (s *Store) ListActive(_ context.Context, ref model.PrincipalRef) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.Active && sess.Principal == ref {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return out, nil
}

// Touch updates last activity.
func (s *Store) Touch(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.Active {
		return errs.ErrNotFound
	}
	sess.LastActivity = at
	return nil
}

// Deactivate marks a session inactive and revokes its token ids.
func (s *Store) Deactivate(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return errs.ErrNotFound
	}
	if sess.Active {
		s.deactivateLocked(sess, at)
	}
	return nil
}

// DeactivateAll ends every active session of ref except keep.
func (s *Store) DeactivateAll(_ context.Context, ref model.PrincipalRef, keep string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	n := 0
	for id, sess := range s.sessions {
		if sess.Active && sess.Principal == ref && id != keep {
			s.deactivateLocked(sess, at)
			n++
		}
	}
	return n, nil
}

// Rotate swaps the token pair if the presented refresh id is still current.
func (s *Store) Rotate(_ context.Context, r model.Rotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	sess, ok := s.sessions[r.SessionID]
	if !ok {
		return errs.ErrNotFound
	}
	if !sess.Active || sess.RefreshTokenID != r.OldRefreshTokenID {
		return errs.ErrVersionConflict
	}
	s.revokeLocked(r.OldRefreshTokenID, r.OldRefreshExpires)
	if r.OldAccessTokenID != "" {
		s.revokeLocked(r.OldAccessTokenID, r.OldAccessExpires)
	}
	sess.AccessTokenID = r.NewAccessTokenID
	sess.AccessExpires = r.NewAccessExpires
	sess.RefreshTokenID = r.NewRefreshTokenID
	sess.RefreshExpires = r.NewRefreshExpires
	sess.LastActivity = r.At
	return nil
}

// Revoke inserts a revocation record; repeating it is a no-op.
func (s *Store) Revoke(_ context.Context, rt model.RevokedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.revokeLocked(rt.TokenID, rt.ExpiresAt)
	return nil
}

// IsRevoked reports whether jti has a live revocation record.
func (s *Store) IsRevoked(_ context.Context, jti string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	exp, ok := s.revoked[jti]
	return ok && exp.After(now), nil
}

// PruneRevoked deletes records whose expiry has passed.
func (s *Store) PruneRevoked(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	var n int64
	for jti, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, jti)
			n++
		}
	}
	return n, nil
}

// RevokedCount returns the number of revocation records held.
func (s *Store) RevokedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revoked)
}
