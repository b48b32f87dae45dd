// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// PrincipalType tags which identity table a principal lives in.
type PrincipalType string

const (
	Clinician   PrincipalType = "clinician"
	Participant PrincipalType = "participant"
)

// Valid reports whether t is one of the known principal types.
func (t PrincipalType) Valid() bool { return t == Clinician || t == Participant }

// Role selects the base permission set. Clinician principals are either
// RoleClinician or RoleAdmin; participants are always RoleParticipant.
type Role string

const (
	RoleClinician   Role = "clinician"
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

// Status is the account lifecycle state. Principals are never hard-deleted.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusLocked   Status = "locked"
)

// Principal is a clinician or participant identity.
type Principal struct {
	ID             uuid.UUID
	Type           PrincipalType
	Role           Role
	Email          string // unique within Type
	PwdHash        []byte // Argon2id(password, Salt)
	Salt           []byte
	Status         Status
	FailedAttempts int
	LockedUntil    *time.Time
	OrganizationID *uuid.UUID // clinicians only; nil for participants
	// ExtraPermissions are grants recorded against this principal.
	ExtraPermissions []string
	// OrgPermissions are grants inherited from the principal's organization.
	OrgPermissions []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ref is the (type, id) pair that addresses a principal across tables.
func (p *Principal) Ref() PrincipalRef { return PrincipalRef{Type: p.Type, ID: p.ID} }

// PrincipalRef addresses a principal without loading it.
type PrincipalRef struct {
	Type PrincipalType
	ID   uuid.UUID
}

// String renders the ref as "type:id" for logs and audit detail.
func (r PrincipalRef) String() string { return string(r.Type) + ":" + r.ID.String() }

// Origin describes where a request came from.
type Origin struct {
	Address   string
	UserAgent string
}

// Session is one authenticated device/browser continuity.
type Session struct {
	ID             string // ULID
	Principal      PrincipalRef
	AccessTokenID  string // current access jti
	RefreshTokenID string // current refresh jti
	AccessExpires  time.Time
	RefreshExpires time.Time
	IssuedAt       time.Time
	LastActivity   time.Time
	Active         bool
	Origin         Origin
}

// Rotation describes the atomic swap performed on refresh.
type Rotation struct {
	SessionID         string
	OldRefreshTokenID string
	OldRefreshExpires time.Time
	OldAccessTokenID  string
	OldAccessExpires  time.Time
	NewAccessTokenID  string
	NewAccessExpires  time.Time
	NewRefreshTokenID string
	NewRefreshExpires time.Time
	At                time.Time
}

// RevokedToken is a denylist entry; prunable once ExpiresAt passes.
type RevokedToken struct {
	TokenID   string
	ExpiresAt time.Time
}

// Tokens collects an issued access/refresh pair.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
}

// AuthContext is the authenticated principal handed to authorization.
type AuthContext struct {
	Principal *Principal
	SessionID string
	TokenID   string
}

// Invitation admits a new principal; TokenHash is SHA-256 of the emailed token.
type Invitation struct {
	ID             uuid.UUID
	TokenHash      string
	Type           PrincipalType
	Role           Role
	Email          string
	OrganizationID *uuid.UUID
	ExpiresAt      time.Time
	UsedAt         *time.Time
}
