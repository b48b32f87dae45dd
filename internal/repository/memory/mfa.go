package memory

import (
	"context"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
)

func cloneConfig(c *model.MFAConfig) *model.MFAConfig {
	out := *c
	out.Methods = append([]model.MFAMethod(nil), c.Methods...)
	out.SecretEnc = append([]byte(nil), c.SecretEnc...)
	return &out
}

func (s *Store) unusedLocked(ref model.PrincipalRef) int {
	n := 0
	for _, bc := range s.backup[ref] {
		if bc.UsedAt == nil {
			n++
		}
	}
	return n
}

// GetConfig returns the MFA configuration or errs.ErrNotFound.
func (s *Store) GetConfig(_ context.Context, ref model.PrincipalRef) (*model.MFAConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	c, ok := s.mfa[ref]
	if !ok {
		return nil, errs.ErrNotFound
	}
	out := cloneConfig(c)
	out.BackupCodeCount = s.unusedLocked(ref)
	return out, nil
}

// SaveConfig upserts the configuration.
func (s *Store) SaveConfig(_ context.Context, cfg *model.MFAConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.mfa[cfg.Principal] = cloneConfig(cfg)
	return nil
}

// Disable clears the configuration and unused backup codes.
func (s *Store) Disable(_ context.Context, ref model.PrincipalRef, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	c, ok := s.mfa[ref]
	if !ok {
		return errs.ErrNotFound
	}
	c.Enabled = false
	c.Methods = nil
	c.SecretEnc = nil
	c.Phone = ""
	c.UpdatedAt = at
	s.dropUnusedLocked(ref)
	return nil
}

func (s *Store) dropUnusedLocked(ref model.PrincipalRef) {
	kept := s.backup[ref][:0]
	for _, bc := range s.backup[ref] {
		if bc.UsedAt != nil {
			kept = append(kept, bc)
		}
	}
	s.backup[ref] = kept
}

// ReplaceBackupCodes deletes unused codes and stores the new hashes.
func (s *Store) ReplaceBackupCodes(_ context.Context, ref model.PrincipalRef, hashes []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.dropUnusedLocked(ref)
	for _, h := range hashes {
		s.backup[ref] = append(s.backup[ref], &model.BackupCode{
			ID: uuid.Must(uuid.NewV4()), Principal: ref, CodeHash: h, CreatedAt: at,
		})
	}
	return nil
}

// ConsumeBackupCode marks the matching unused code used.
func (s *Store) ConsumeBackupCode(_ context.Context, ref model.PrincipalRef, hash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	for _, bc := range s.backup[ref] {
		if bc.UsedAt == nil && bc.CodeHash == hash {
			used := at
			bc.UsedAt = &used
			return true, nil
		}
	}
	return false, nil
}

// CountUnusedBackupCodes reports how many codes remain.
func (s *Store) CountUnusedBackupCodes(_ context.Context, ref model.PrincipalRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	return s.unusedLocked(ref), nil
}

// PutChallenge stores ch, overwriting any prior challenge for the phone.
func (s *Store) PutChallenge(_ context.Context, ch *model.SMSChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	c := *ch
	c.FailedAttempts = 0
	s.challenges[ch.Phone] = &c
	return nil
}

// GetChallenge returns the challenge for phone.
func (s *Store) GetChallenge(_ context.Context, phone string) (*model.SMSChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	ch, ok := s.challenges[phone]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *ch
	return &c, nil
}

// IncrementChallengeFailures bumps the failed-attempt counter.
func (s *Store) IncrementChallengeFailures(_ context.Context, phone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	ch, ok := s.challenges[phone]
	if !ok {
		return 0, errs.ErrNotFound
	}
	ch.FailedAttempts++
	return ch.FailedAttempts, nil
}

// DeleteChallenge removes the challenge for phone.
func (s *Store) DeleteChallenge(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	delete(s.challenges, phone)
	return nil
}

// RedeemChallenge deletes the challenge if it matches codeHash and is live.
func (s *Store) RedeemChallenge(_ context.Context, phone, codeHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	ch, ok := s.challenges[phone]
	if !ok || ch.CodeHash != codeHash || !now.Before(ch.ExpiresAt) {
		return false, nil
	}
	delete(s.challenges, phone)
	return true, nil
}

// PruneChallenges deletes expired challenges.
func (s *Store) PruneChallenges(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	var n int64
	for phone, ch := range s.challenges {
		if !ch.ExpiresAt.After(now) {
			delete(s.challenges, phone)
			n++
		}
	}
	return n, nil
}
