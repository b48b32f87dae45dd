package mfa

import (
	"context"
	"strings"

	"github.com/and161185/clinauth/internal/crypto"
	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
)

// backupCodeLen characters from a 31-symbol alphabet give about 59 bits per code.
const backupCodeLen = 12

func formatBackupCode(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 4
		if end > len(raw) {
			end = len(raw)
		}
		b.WriteString(raw[i:end])
	}
	return b.String()
}

// GenerateBackupCodes replaces every unused code with a fresh set and returns
// the plaintext once. Only hashes are stored.
func (s *Service) GenerateBackupCodes(ctx context.Context, p *model.Principal) ([]string, error) {
	codes := make([]string, 0, s.cfg.BackupCodeCount)
	hashes := make([]string, 0, s.cfg.BackupCodeCount)
	for len(codes) < s.cfg.BackupCodeCount {
		raw, err := crypto.RandomCode(backupCodeLen)
		if err != nil {
			return nil, err
		}
		codes = append(codes, formatBackupCode(raw))
		hashes = append(hashes, hashCode(raw))
	}
	if err := s.repo.ReplaceBackupCodes(ctx, p.Ref(), hashes, s.now()); err != nil {
		return nil, errs.Store("mfa.replace_backup_codes", err)
	}
	s.audit.Record(event(p, model.EventBackupCodesIssued, true, map[string]any{"count": len(codes)}))
	return codes, nil
}

// ConsumeBackupCode redeems code for p. It fails closed and never says whether
// the code ever existed.
func (s *Service) ConsumeBackupCode(ctx context.Context, p *model.Principal, code string) (bool, error) {
	if len(crypto.NormalizeCode(code)) != backupCodeLen {
		return false, nil
	}
	ok, err := s.repo.ConsumeBackupCode(ctx, p.Ref(), hashCode(code), s.now())
	if err != nil {
		return false, errs.Store("mfa.consume_backup_code", err)
	}
	if ok {
		s.audit.Record(event(p, model.EventBackupCodeUsed, true, nil))
	}
	return ok, nil
}

// RemainingBackupCodes reports how many unused codes p holds.
func (s *Service) RemainingBackupCodes(ctx context.Context, p *model.Principal) (int, error) {
	n, err := s.repo.CountUnusedBackupCodes(ctx, p.Ref())
	return n, errs.Store("mfa.count_backup_codes", err)
}
