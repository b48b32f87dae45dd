package mfa

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/and161185/clinauth/internal/crypto"
	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/notify"
	"go.uber.org/zap"
)

const smsCodeLen = 6

// SMSResult is the outcome of an SMS verification.
type SMSResult int

const (
	SMSValid SMSResult = iota
	// SMSNotFound means no challenge is live for the phone.
	SMSNotFound
	// SMSMismatch means the code was wrong; the challenge counter was incremented.
	SMSMismatch
	// SMSExpired means the challenge existed but its time ran out.
	SMSExpired
)

func (r SMSResult) String() string {
	switch r {
	case SMSValid:
		return "valid"
	case SMSNotFound:
		return "not_found"
	case SMSMismatch:
		return "mismatch"
	case SMSExpired:
		return "expired"
	}
	return "unknown"
}

// Challenge is the caller-visible part of a sent SMS challenge.
type Challenge struct {
	Phone     string
	ExpiresAt time.Time
}

// SendSMS generates a code for phone, replaces any live challenge and dispatches it.
// Dispatch failures are returned to the caller; the stored challenge stays valid.
func (s *Service) SendSMS(ctx context.Context, phone string) (*Challenge, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, errors.New("phone is required")
	}
	code, err := crypto.RandomDigits(smsCodeLen)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ch := &model.SMSChallenge{
		Phone:     phone,
		CodeHash:  hashCode(code),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SMSCodeTTL),
	}
	if err := s.repo.PutChallenge(ctx, ch); err != nil {
		return nil, errs.Store("mfa.put_challenge", err)
	}
	if err := s.notify.SendSMS(ctx, phone, "Your verification code is "+code); err != nil {
		s.log.Warn("sms dispatch failed", zap.Error(err))
		s.audit.Record(model.AuditEvent{Type: model.EventSMSChallenge, Success: false,
			Detail: map[string]any{"to": notify.MaskPhone(phone)}})
		return nil, err
	}
	s.audit.Record(model.AuditEvent{Type: model.EventSMSChallenge, Success: true,
		Detail: map[string]any{"to": notify.MaskPhone(phone)}})
	return &Challenge{Phone: phone, ExpiresAt: ch.ExpiresAt}, nil
}

// VerifySMS checks code against the live challenge for phone. A valid code
// deletes the challenge. A mismatch only bumps the challenge's own counter.
func (s *Service) VerifySMS(ctx context.Context, phone, code string) (SMSResult, error) {
	phone = strings.TrimSpace(phone)
	ch, err := s.repo.GetChallenge(ctx, phone)
	if errors.Is(err, errs.ErrNotFound) {
		return SMSNotFound, nil
	}
	if err != nil {
		return SMSNotFound, errs.Store("mfa.get_challenge", err)
	}
	now := s.now()
	if !now.Before(ch.ExpiresAt) {
		if err := s.repo.DeleteChallenge(ctx, phone); err != nil {
			return SMSExpired, errs.Store("mfa.delete_challenge", err)
		}
		return SMSExpired, nil
	}
	if !codesEqual(hashCode(code), ch.CodeHash) {
		n, err := s.repo.IncrementChallengeFailures(ctx, phone)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return SMSMismatch, errs.Store("mfa.challenge_failure", err)
		}
		if s.cfg.MaxSMSFailures > 0 && n >= s.cfg.MaxSMSFailures {
			if err := s.repo.DeleteChallenge(ctx, phone); err != nil {
				return SMSMismatch, errs.Store("mfa.delete_challenge", err)
			}
		}
		return SMSMismatch, nil
	}
	// a concurrent verification may have consumed the challenge already
	ok, err := s.repo.RedeemChallenge(ctx, phone, ch.CodeHash, now)
	if err != nil {
		return SMSNotFound, errs.Store("mfa.redeem_challenge", err)
	}
	if !ok {
		return SMSNotFound, nil
	}
	return SMSValid, nil
}

// PruneChallenges deletes SMS challenges past their expiry.
func (s *Service) PruneChallenges(ctx context.Context) (int64, error) {
	n, err := s.repo.PruneChallenges(ctx, s.now())
	return n, errs.Store("mfa.prune_challenges", err)
}
