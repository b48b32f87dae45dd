package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func TestChangePassword(t *testing.T) {
	f := newFixture(t, defaultConfig())
	p := f.seed(t, model.Clinician, "c1@example.org")
	ctx := context.Background()

	other, err := f.login(p, password)
	require.NoError(t, err)
	current, err := f.login(p, password)
	require.NoError(t, err)
	ac, err := f.svc.Authenticate(ctx, current.Tokens.AccessToken)
	require.NoError(t, err)

	if err := f.svc.ChangePassword(ctx, ac, "wrong", "new password 1"); !errors.Is(err, errs.ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
	require.Equal(t, 1, f.stored(t, p).FailedAttempts)
	require.ErrorIs(t, f.svc.ChangePassword(ctx, ac, password, "short"), errs.ErrInvalidArgument)

	require.NoError(t, f.svc.ChangePassword(ctx, ac, password, "new password 1"))

	_, err = f.svc.Authenticate(ctx, other.Tokens.AccessToken)
	require.ErrorIs(t, err, errs.ErrTokenRevoked, "other sessions end")
	_, err = f.svc.Authenticate(ctx, current.Tokens.AccessToken)
	require.NoError(t, err, "the current session survives")

	_, err = f.login(p, password)
	require.ErrorIs(t, err, errs.ErrInvalidCredential)
	_, err = f.login(p, "new password 1")
	require.NoError(t, err)
}

func TestUnlock(t *testing.T) {
	f := newFixture(t, defaultConfig())
	p := f.seed(t, model.Participant, "p1@example.org")
	for i := 0; i < 5; i++ {
		_, _ = f.login(p, "wrong")
	}
	_, err := f.login(p, password)
	require.ErrorIs(t, err, errs.ErrAccountLocked)

	require.NoError(t, f.svc.Unlock(context.Background(), p.Ref()))
	_, err = f.login(p, password)
	require.NoError(t, err)
	require.Len(t, f.audit.OfType(model.EventAccountUnlocked), 1)

	err = f.svc.Unlock(context.Background(), model.PrincipalRef{Type: model.Participant, ID: uuid.Must(uuid.NewV4())})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSetStatus_EndsSessions(t *testing.T) {
	f := newFixture(t, defaultConfig())
	p := f.seed(t, model.Participant, "p1@example.org")
	ctx := context.Background()
	res, err := f.login(p, password)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.SetStatus(ctx, p.Ref(), "deleted"), errs.ErrInvalidArgument)
	require.NoError(t, f.svc.SetStatus(ctx, p.Ref(), model.StatusInactive))
	_, err = f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	require.ErrorIs(t, err, errs.ErrTokenRevoked)
	_, err = f.login(p, password)
	require.ErrorIs(t, err, errs.ErrAccountInactive)

	require.NoError(t, f.svc.SetStatus(ctx, p.Ref(), model.StatusActive))
	_, err = f.login(p, password)
	require.NoError(t, err)
}

func inviteToken(t *testing.T, f *fixture, email string) string {
	t.Helper()
	for i := len(f.msgs.Mail) - 1; i >= 0; i-- {
		if f.msgs.Mail[i].To == email {
			body := f.msgs.Mail[i].Body
			return body[strings.LastIndexByte(body, ' ')+1:]
		}
	}
	t.Fatalf("no invitation mailed to %s", email)
	return ""
}

func TestInviteAndAccept(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	org := uuid.Must(uuid.NewV4())

	raw, err := f.svc.Invite(ctx, InviteRequest{Type: model.Clinician, Role: model.RoleAdmin, Email: "Admin@Example.org", OrganizationID: &org})
	require.NoError(t, err)
	require.Equal(t, raw, inviteToken(t, f, "admin@example.org"))

	_, err = f.svc.AcceptInvitation(ctx, raw, "short", model.Origin{})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	p, err := f.svc.AcceptInvitation(ctx, raw, "admin password", model.Origin{Address: "10.1.1.1"})
	require.NoError(t, err)
	require.Equal(t, model.RoleAdmin, p.Role)
	require.Equal(t, org, *p.OrganizationID)
	require.Equal(t, model.StatusActive, p.Status)

	cfg, err := f.store.GetConfig(ctx, p.Ref())
	require.NoError(t, err)
	require.False(t, cfg.Enabled)

	_, err = f.login(p, "admin password")
	require.NoError(t, err)

	_, err = f.svc.AcceptInvitation(ctx, raw, "admin password", model.Origin{})
	require.ErrorIs(t, err, errs.ErrInvalidCredential, "invitations are single use")
	_, err = f.svc.AcceptInvitation(ctx, "NOT-A-REAL-TOKEN", "admin password", model.Origin{})
	require.ErrorIs(t, err, errs.ErrInvalidCredential)

	events := f.audit.OfType(model.EventRegistration)
	require.Len(t, events, 4)
	require.True(t, events[1].Success)
}

func TestInvite_ExpiredAndDuplicate(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	raw, err := f.svc.Invite(ctx, InviteRequest{Type: model.Participant, Email: "p@example.org"})
	require.NoError(t, err)
	f.advance(49 * time.Hour)
	_, err = f.svc.AcceptInvitation(ctx, raw, "participant pw", model.Origin{})
	require.ErrorIs(t, err, errs.ErrInvalidCredential)

	f.seed(t, model.Participant, "taken@example.org")
	raw, err = f.svc.Invite(ctx, InviteRequest{Type: model.Participant, Email: "taken@example.org"})
	require.NoError(t, err)
	_, err = f.svc.AcceptInvitation(ctx, raw, "participant pw", model.Origin{})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestInvite_Validation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	org := uuid.Must(uuid.NewV4())

	cases := []InviteRequest{
		{Type: model.Participant, Email: "no-at-sign"},
		{Type: model.Participant, Role: model.RoleAdmin, Email: "p@example.org"},
		{Type: model.Participant, Email: "p@example.org", OrganizationID: &org},
		{Type: model.Clinician, Role: model.RoleParticipant, Email: "c@example.org"},
		{Type: "robot", Email: "r@example.org"},
	}
	for _, req := range cases {
		_, err := f.svc.Invite(ctx, req)
		require.ErrorIs(t, err, errs.ErrInvalidArgument, "%+v", req)
	}
	require.Empty(t, f.msgs.Mail)
}

func TestInvite_DispatchFailureIsReturned(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.msgs.Err = errors.New("smtp down")
	raw, err := f.svc.Invite(context.Background(), InviteRequest{Type: model.Participant, Email: "p@example.org"})
	require.Error(t, err)
	require.NotEmpty(t, raw, "the invitation is stored and can be resent out of band")

	_, err = f.svc.AcceptInvitation(context.Background(), raw, "participant pw", model.Origin{})
	require.NoError(t, err)
}
