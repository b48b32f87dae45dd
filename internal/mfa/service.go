// Package mfa implements second factors: TOTP, SMS challenges and backup codes.
package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/clinauth/internal/audit"
	"github.com/and161185/clinauth/internal/crypto"
	"github.com/and161185/clinauth/internal/crypto/sealer"
	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/notify"
	"github.com/and161185/clinauth/internal/obs"
	"github.com/and161185/clinauth/internal/repository"
	"go.uber.org/zap"
)

// Config tunes the MFA subsystem.
type Config struct {
	Issuer          string
	SMSCodeTTL      time.Duration
	TOTPSkew        uint
	BackupCodeCount int
	// MaxSMSFailures deletes a challenge after this many mismatches. Zero disables the cap.
	MaxSMSFailures int
}

// Deps are the collaborators of Service.
type Deps struct {
	Repo     repository.MFARepository
	Sealer   *sealer.Sealer
	Notifier notify.Dispatcher
	Audit    audit.Recorder
	Metrics  *obs.Metrics
	Log      *zap.Logger
	Now      func() time.Time
}

// Service is the MFA subsystem.
type Service struct {
	cfg     Config
	repo    repository.MFARepository
	sealer  *sealer.Sealer
	notify  notify.Dispatcher
	audit   audit.Recorder
	metrics *obs.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// New constructs the service.
func New(cfg Config, d Deps) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Audit == nil {
		d.Audit = &audit.Memory{}
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	return &Service{
		cfg:     cfg,
		repo:    d.Repo,
		sealer:  d.Sealer,
		notify:  d.Notifier,
		audit:   d.Audit,
		metrics: d.Metrics,
		log:     d.Log,
		now:     d.Now,
	}
}

func aad(ref model.PrincipalRef) []byte { return []byte(ref.String()) }

func event(p *model.Principal, typ string, ok bool, detail map[string]any) model.AuditEvent {
	ev := model.AuditEvent{Type: typ, Success: ok, Detail: detail}
	if p != nil {
		ev.Email = p.Email
		ev.PrincipalType = p.Type
		ev.PrincipalID = p.ID.String()
	}
	return ev
}

// Config returns the principal's MFA configuration. A principal without a stored
// configuration is reported as disabled.
func (s *Service) Config(ctx context.Context, ref model.PrincipalRef) (*model.MFAConfig, error) {
	cfg, err := s.repo.GetConfig(ctx, ref)
	if errors.Is(err, errs.ErrNotFound) {
		return &model.MFAConfig{Principal: ref}, nil
	}
	if err != nil {
		return nil, errs.Store("mfa.get_config", err)
	}
	return cfg, nil
}

// ProposeTOTP generates a secret and provisioning URI. Nothing is stored until ConfirmTOTP.
func (s *Service) ProposeTOTP(_ context.Context, p *model.Principal) (*Enrollment, error) {
	return proposeTOTP(s.cfg.Issuer, p.Email)
}

// ConfirmTOTP stores secret once code proves the principal holds it. On the
// first enablement a fresh set of backup codes is issued and returned.
func (s *Service) ConfirmTOTP(ctx context.Context, p *model.Principal, secret, code string) ([]string, error) {
	if !VerifyTOTP(secret, code, s.now(), s.cfg.TOTPSkew) {
		s.audit.Record(event(p, model.EventMFAEnabled, false, map[string]any{"method": string(model.MFATOTP)}))
		return nil, errs.ErrMFAInvalid
	}
	sealed, err := s.sealer.Seal([]byte(secret), aad(p.Ref()))
	if err != nil {
		return nil, fmt.Errorf("sealing totp secret: %w", err)
	}
	cfg, err := s.Config(ctx, p.Ref())
	if err != nil {
		return nil, err
	}
	cfg.SecretEnc = sealed
	return s.enable(ctx, p, cfg, model.MFATOTP)
}

// EnrollSMS enables the SMS method for phone after a valid challenge to it.
func (s *Service) EnrollSMS(ctx context.Context, p *model.Principal, phone, code string) ([]string, error) {
	res, err := s.VerifySMS(ctx, phone, code)
	if err != nil {
		return nil, err
	}
	if res != SMSValid {
		s.audit.Record(event(p, model.EventMFAEnabled, false, map[string]any{"method": string(model.MFASMS), "reason": res.String()}))
		return nil, errs.ErrMFAInvalid
	}
	cfg, err := s.Config(ctx, p.Ref())
	if err != nil {
		return nil, err
	}
	cfg.Phone = phone
	return s.enable(ctx, p, cfg, model.MFASMS)
}

func (s *Service) enable(ctx context.Context, p *model.Principal, cfg *model.MFAConfig, m model.MFAMethod) ([]string, error) {
	first := !cfg.Enabled
	cfg.Principal = p.Ref()
	cfg.Enabled = true
	if !cfg.HasMethod(m) {
		cfg.Methods = append(cfg.Methods, m)
	}
	if !cfg.HasMethod(model.MFABackup) {
		cfg.Methods = append(cfg.Methods, model.MFABackup)
	}
	cfg.UpdatedAt = s.now()
	if err := s.repo.SaveConfig(ctx, cfg); err != nil {
		return nil, errs.Store("mfa.save_config", err)
	}
	s.audit.Record(event(p, model.EventMFAEnabled, true, map[string]any{"method": string(m)}))

	if !first && cfg.BackupCodeCount > 0 {
		return nil, nil
	}
	return s.GenerateBackupCodes(ctx, p)
}

// VerifyProof checks a second factor presented at login against the principal's configuration.
func (s *Service) VerifyProof(ctx context.Context, p *model.Principal, cfg *model.MFAConfig, proof model.MFAProof) (bool, error) {
	ok, err := s.verifyProof(ctx, p, cfg, proof)
	if err != nil {
		return false, err
	}
	s.metrics.Verification(string(proof.Method), ok)
	s.audit.Record(event(p, model.EventMFAVerify, ok, map[string]any{"method": string(proof.Method)}))
	return ok, nil
}

func (s *Service) verifyProof(ctx context.Context, p *model.Principal, cfg *model.MFAConfig, proof model.MFAProof) (bool, error) {
	if !cfg.Enabled || !cfg.HasMethod(proof.Method) {
		return false, nil
	}
	switch proof.Method {
	case model.MFATOTP:
		secret, err := s.sealer.Open(cfg.SecretEnc, aad(p.Ref()))
		if err != nil {
			// Sealed under another key or for another principal: treat as a failed factor.
			s.log.Warn("totp secret cannot be opened", zap.String("principal", p.Ref().String()))
			return false, nil
		}
		return VerifyTOTP(string(secret), proof.Code, s.now(), s.cfg.TOTPSkew), nil
	case model.MFASMS:
		res, err := s.VerifySMS(ctx, cfg.Phone, proof.Code)
		if err != nil {
			return false, err
		}
		return res == SMSValid, nil
	case model.MFABackup:
		return s.ConsumeBackupCode(ctx, p, proof.Code)
	}
	return false, nil
}

// Disable clears the enabled flag, secret, phone and unused backup codes in one
// store operation. The outcome is audited with reason either way.
func (s *Service) Disable(ctx context.Context, p *model.Principal, reason string) error {
	err := s.repo.Disable(ctx, p.Ref(), s.now())
	if errors.Is(err, errs.ErrNotFound) {
		err = nil
	}
	s.audit.Record(event(p, model.EventMFADisabled, err == nil, map[string]any{"reason": reason}))
	return errs.Store("mfa.disable", err)
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// hashCode wraps crypto.HashCode for the SMS and backup paths.
func hashCode(code string) string { return crypto.HashCode(code) }
