package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// MFAMethod is a second-factor mechanism.
type MFAMethod string

const (
	MFATOTP   MFAMethod = "totp"
	MFASMS    MFAMethod = "sms"
	MFABackup MFAMethod = "backup_code"
)

// MFAConfig is the per-principal second-factor configuration.
type MFAConfig struct {
	Principal       PrincipalRef
	Enabled         bool
	Methods         []MFAMethod
	SecretEnc       []byte // sealed TOTP secret; never plaintext
	Phone           string
	BackupCodeCount int
	UpdatedAt       time.Time
}

// HasMethod reports whether m is among the active methods.
func (c *MFAConfig) HasMethod(m MFAMethod) bool {
	if c == nil {
		return false
	}
	for _, have := range c.Methods {
		if have == m {
			return true
		}
	}
	return false
}

// BackupCode is a single-use recovery code stored by hash only.
type BackupCode struct {
	ID        uuid.UUID
	Principal PrincipalRef
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// SMSChallenge is the live code for a phone number; at most one per phone.
type SMSChallenge struct {
	Phone          string
	CodeHash       string // SHA-256 of the code; plaintext only leaves via dispatch
	CreatedAt      time.Time
	ExpiresAt      time.Time
	FailedAttempts int
}

// MFAProof is a second factor supplied alongside a credential pair.
type MFAProof struct {
	Method MFAMethod
	Code   string
}
