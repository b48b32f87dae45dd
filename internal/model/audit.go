package model

import "time"

// Audit event types.
const (
	EventLogin             = "login"
	EventLogout            = "logout"
	EventLogoutAll         = "logout_all"
	EventRefresh           = "token_refresh"
	EventSessionTimeout    = "session_timeout"
	EventSessionRevoked    = "session_revoked"
	EventPasswordChanged   = "password_changed"
	EventAccountUnlocked   = "account_unlocked"
	EventStatusChanged     = "status_changed"
	EventInvitationSent    = "invitation_sent"
	EventRegistration      = "registration"
	EventMFAEnabled        = "mfa_enabled"
	EventMFADisabled       = "mfa_disabled"
	EventMFAVerify         = "mfa_verify"
	EventSMSChallenge      = "sms_challenge_sent"
	EventBackupCodesIssued = "backup_codes_generated"
	EventBackupCodeUsed    = "backup_code_used"
	EventAuthzDenied       = "authorization_denied"
	EventResourceDenied    = "resource_access_denied"
	EventEdgeGranted       = "relationship_granted"
	EventEdgeDeactivated   = "relationship_deactivated"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	ID            string
	OccurredAt    time.Time
	Type          string
	Email         string
	PrincipalType PrincipalType
	PrincipalID   string
	Success       bool
	Address       string
	UserAgent     string
	Detail        map[string]any
}
