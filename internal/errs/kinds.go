package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AccountLockedError carries the lock-expiry of a locked principal.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

// Is makes errors.Is(err, ErrAccountLocked) hold.
func (e *AccountLockedError) Is(target error) bool { return target == ErrAccountLocked }

// AccountInactiveError carries the current non-active status.
type AccountInactiveError struct {
	Status string
}

func (e *AccountInactiveError) Error() string { return "account inactive: " + e.Status }

// Is makes errors.Is(err, ErrAccountInactive) hold.
func (e *AccountInactiveError) Is(target error) bool { return target == ErrAccountInactive }

// MFARequiredError lists the second-factor methods the principal may use.
type MFARequiredError struct {
	Methods []string
}

func (e *MFARequiredError) Error() string {
	return "mfa required: " + strings.Join(e.Methods, ",")
}

// Is makes errors.Is(err, ErrMFARequired) hold.
func (e *MFARequiredError) Is(target error) bool { return target == ErrMFARequired }

// InsufficientPermissionError lists the required permissions that were absent.
type InsufficientPermissionError struct {
	Missing []string
}

func (e *InsufficientPermissionError) Error() string {
	return "insufficient permission: missing " + strings.Join(e.Missing, ",")
}

// Is makes errors.Is(err, ErrInsufficientPermission) hold.
func (e *InsufficientPermissionError) Is(target error) bool {
	return target == ErrInsufficientPermission
}

// ResourceAccessDeniedError identifies the resource that was denied.
type ResourceAccessDeniedError struct {
	ResourceType string
	ResourceID   string
}

func (e *ResourceAccessDeniedError) Error() string {
	return fmt.Sprintf("access denied to %s %s", e.ResourceType, e.ResourceID)
}

// Is makes errors.Is(err, ErrResourceAccessDenied) hold.
func (e *ResourceAccessDeniedError) Is(target error) bool {
	return target == ErrResourceAccessDenied
}

// StoreError wraps a collaborator failure as ErrStoreUnavailable while keeping the cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store unavailable: " + e.Op + ": " + e.Err.Error() }

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreUnavailable) hold.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Store wraps err as StoreUnavailable unless it is nil, a decision kind or a
// repository sentinel the caller is expected to branch on.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDecision(err) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
