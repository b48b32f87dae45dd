package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindsMatchSentinels(t *testing.T) {
	require.ErrorIs(t, &AccountLockedError{Until: time.Now()}, ErrAccountLocked)
	require.ErrorIs(t, &AccountInactiveError{Status: "inactive"}, ErrAccountInactive)
	require.ErrorIs(t, &MFARequiredError{Methods: []string{"totp"}}, ErrMFARequired)
	require.ErrorIs(t, &InsufficientPermissionError{Missing: []string{"a"}}, ErrInsufficientPermission)
	require.ErrorIs(t, &ResourceAccessDeniedError{ResourceType: "study"}, ErrResourceAccessDenied)

	wrapped := fmt.Errorf("login: %w", &AccountLockedError{})
	require.True(t, IsDecision(wrapped))
	require.False(t, IsDecision(nil))
	require.False(t, IsDecision(errors.New("boom")))
}

func TestStore(t *testing.T) {
	require.NoError(t, Store("op", nil))

	for _, kept := range []error{ErrNotFound, ErrVersionConflict, ErrAlreadyExists, ErrInvalidArgument, ErrTokenRevoked} {
		require.Same(t, kept, Store("op", kept))
	}

	cause := errors.New("conn refused")
	err := Store("session.get", cause)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, cause)
	require.False(t, IsDecision(err))
	require.Contains(t, err.Error(), "session.get")

	// already wrapped errors are not wrapped twice
	require.Same(t, err, Store("outer", err))
}
