// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Repository-level sentinels.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (row changed underneath).
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates caller input that fails validation.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Decision kinds. These are expected, user-facing outcomes: they are audited,
// never logged as application errors.
var (
	// ErrInvalidCredential is returned for both unknown email and wrong secret.
	ErrInvalidCredential = errors.New("invalid credentials")

	// ErrAccountLocked indicates the lock-expiry is in the future. See AccountLockedError.
	ErrAccountLocked = errors.New("account locked")

	// ErrAccountInactive indicates the principal status is not active. See AccountInactiveError.
	ErrAccountInactive = errors.New("account inactive")

	// ErrMFARequired indicates a correct secret but a missing second factor.
	ErrMFARequired = errors.New("mfa required")

	// ErrMFAInvalid indicates a second factor that did not verify.
	ErrMFAInvalid = errors.New("mfa invalid")

	// ErrTokenInvalid indicates a malformed, unsigned or wrongly signed token.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrTokenExpired indicates a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates the token id has a live revocation record.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrSessionInvalid indicates no active session references the token id.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrSessionTimeout indicates the session idled past the inactivity limit.
	ErrSessionTimeout = errors.New("session timed out")

	// ErrInsufficientPermission indicates missing permissions. See InsufficientPermissionError.
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrResourceAccessDenied indicates no relationship grants access. See ResourceAccessDeniedError.
	ErrResourceAccessDenied = errors.New("resource access denied")
)

// ErrStoreUnavailable is the only kind representing a collaborator outage.
// It fails the whole request rather than producing a decision.
var ErrStoreUnavailable = errors.New("store unavailable")

var decisions = []error{
	ErrInvalidCredential,
	ErrAccountLocked,
	ErrAccountInactive,
	ErrMFARequired,
	ErrMFAInvalid,
	ErrTokenInvalid,
	ErrTokenExpired,
	ErrTokenRevoked,
	ErrSessionInvalid,
	ErrSessionTimeout,
	ErrInsufficientPermission,
	ErrResourceAccessDenied,
}

// IsDecision reports whether err is an expected authentication/authorization outcome.
func IsDecision(err error) bool {
	if err == nil {
		return false
	}
	for _, d := range decisions {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsVersionConflict is shorthand for errors.Is(err, ErrVersionConflict).
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }
