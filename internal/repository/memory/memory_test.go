package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/limiter"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

var policy = limiter.Policy{MaxFailures: 5, LockFor: 30 * time.Minute}

func seed(t *testing.T, s *Store, email string) *model.Principal {
	t.Helper()
	p := &model.Principal{ID: uuid.Must(uuid.NewV4()), Type: model.Clinician, Role: model.RoleClinician,
		Email: email, Status: model.StatusActive}
	require.NoError(t, s.AddPrincipal(p))
	return p
}

func TestPrincipals_EmailUniqueWithinType(t *testing.T) {
	s := New(policy)
	seed(t, s, "Dr@Example.org")

	err := s.AddPrincipal(&model.Principal{ID: uuid.Must(uuid.NewV4()), Type: model.Clinician, Email: "dr@example.org"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	err = s.AddPrincipal(&model.Principal{ID: uuid.Must(uuid.NewV4()), Type: model.Participant, Email: "dr@example.org"})
	require.NoError(t, err, "participants and clinicians are separate namespaces")

	got, err := s.GetByEmail(context.Background(), model.Clinician, " DR@EXAMPLE.ORG")
	require.NoError(t, err)
	require.Equal(t, model.Clinician, got.Type)
}

func TestLockout(t *testing.T) {
	ctx := context.Background()
	s := New(policy)
	p := seed(t, s, "a@example.org")
	now := time.Now()

	for i := 1; i < 5; i++ {
		n, until, err := s.Failure(ctx, p.Ref(), now)
		require.NoError(t, err)
		require.Equal(t, i, n)
		require.Nil(t, until)
	}
	n, until, err := s.Failure(ctx, p.Ref(), now)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NotNil(t, until)
	require.GreaterOrEqual(t, until.Sub(now), 30*time.Minute)

	require.NoError(t, s.Success(ctx, p.Ref()))
	got, err := s.GetByID(ctx, p.Ref())
	require.NoError(t, err)
	require.Zero(t, got.FailedAttempts)
	require.Nil(t, got.LockedUntil)
}

func TestRotate_OnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := New(policy)
	now := time.Now()
	ref := model.PrincipalRef{Type: model.Clinician, ID: uuid.Must(uuid.NewV4())}
	require.NoError(t, s.Create(ctx, &model.Session{ID: "s", Principal: ref, AccessTokenID: "a1", RefreshTokenID: "r1",
		AccessExpires: now.Add(time.Minute), RefreshExpires: now.Add(time.Hour), IssuedAt: now, LastActivity: now}))

	first := model.Rotation{SessionID: "s", OldRefreshTokenID: "r1", OldRefreshExpires: now.Add(time.Hour),
		OldAccessTokenID: "a1", OldAccessExpires: now.Add(time.Minute),
		NewAccessTokenID: "a2", NewRefreshTokenID: "r2", NewAccessExpires: now.Add(time.Minute), NewRefreshExpires: now.Add(time.Hour)}
	second := first
	second.NewAccessTokenID, second.NewRefreshTokenID = "a3", "r3"

	require.NoError(t, s.Rotate(ctx, first))
	require.ErrorIs(t, s.Rotate(ctx, second), errs.ErrVersionConflict)

	revoked, err := s.IsRevoked(ctx, "r1", now)
	require.NoError(t, err)
	require.True(t, revoked)
	sess, err := s.GetActiveByRefreshID(ctx, "r2")
	require.NoError(t, err)
	require.Equal(t, "a2", sess.AccessTokenID)
}

func TestBackupCodes_SingleUse(t *testing.T) {
	ctx := context.Background()
	s := New(policy)
	ref := model.PrincipalRef{Type: model.Participant, ID: uuid.Must(uuid.NewV4())}
	now := time.Now()

	require.NoError(t, s.ReplaceBackupCodes(ctx, ref, []string{"h1", "h2"}, now))
	ok, err := s.ConsumeBackupCode(ctx, ref, "h1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ConsumeBackupCode(ctx, ref, "h1", now)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ReplaceBackupCodes(ctx, ref, []string{"h3"}, now))
	ok, err = s.ConsumeBackupCode(ctx, ref, "h2", now)
	require.NoError(t, err)
	require.False(t, ok, "regeneration invalidates unused codes")
	n, err := s.CountUnusedBackupCodes(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRedeemChallenge(t *testing.T) {
	s := New(policy)
	ctx := context.Background()
	now := time.Now()
	const phone = "+15551230000"
	require.NoError(t, s.PutChallenge(ctx, &model.SMSChallenge{Phone: phone, CodeHash: "h", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))

	ok, err := s.RedeemChallenge(ctx, phone, "other", now)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.RedeemChallenge(ctx, phone, "h", now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "expired")

	ok, err = s.RedeemChallenge(ctx, phone, "h", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.RedeemChallenge(ctx, phone, "h", now)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = s.GetChallenge(ctx, phone)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFail_SimulatesOutage(t *testing.T) {
	s := New(policy)
	boom := errors.New("connection refused")
	s.Fail = boom
	_, err := s.GetByEmail(context.Background(), model.Clinician, "x")
	require.ErrorIs(t, err, boom)
}
