package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/clinauth/internal/audit"
	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/limiter"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func newID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

type fixture struct {
	ev    *Evaluator
	store *memory.Store
	audit *audit.Memory
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(limiter.Policy{MaxFailures: 5, LockFor: time.Minute}),
		audit: &audit.Memory{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.ev = New(f.store, f.store, f.audit, WithClock(func() time.Time { return f.now }))
	return f
}

func clinician(org *uuid.UUID) *model.Principal {
	return &model.Principal{ID: newID(), Type: model.Clinician, Role: model.RoleClinician, Email: "c@example.org", OrganizationID: org}
}

func participant() *model.Principal {
	return &model.Principal{ID: newID(), Type: model.Participant, Role: model.RoleParticipant, Email: "p@example.org"}
}

// add stores p under a unique email so it can sit at the origin of an edge.
func (f *fixture) add(t *testing.T, p *model.Principal) *model.Principal {
	t.Helper()
	p.Email = p.ID.String() + "@example.org"
	require.NoError(t, f.store.AddPrincipal(p))
	return p
}

func TestBaseSetsAreDisjoint(t *testing.T) {
	seen := map[string]model.Role{}
	for role, perms := range basePermissions {
		for _, p := range perms {
			if other, ok := seen[p]; ok {
				t.Fatalf("permission %q in both %s and %s", p, other, role)
			}
			seen[p] = role
		}
	}
}

func TestEffectivePermissions_Union(t *testing.T) {
	p := clinician(nil)
	p.ExtraPermissions = []string{"exports:run"}
	p.OrgPermissions = []string{"billing:view", PermPatientsRead}

	set := EffectivePermissions(p)
	require.True(t, set.Has(PermPatientsRead))
	require.True(t, set.Has("exports:run"))
	require.True(t, set.Has("billing:view"))
	require.False(t, set.Has(PermUsersManage))
	require.Len(t, set, len(BasePermissions(model.RoleClinician))+2)

	pt := participant()
	pt.Role = model.RoleAdmin
	require.False(t, EffectivePermissions(pt).Has(PermUsersManage), "participants never get the admin base set")
}

func TestAuthorize_Conjunctive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := clinician(nil)

	require.NoError(t, f.ev.Authorize(ctx, c, PermPatientsRead))
	require.NoError(t, f.ev.Authorize(ctx, c, PermPatientsRead, PermStudiesRead))
	require.Empty(t, f.audit.Events())

	err := f.ev.Authorize(ctx, c, PermPatientsRead, PermAuditRead, PermUsersManage)
	require.ErrorIs(t, err, errs.ErrInsufficientPermission)
	var ipe *errs.InsufficientPermissionError
	require.ErrorAs(t, err, &ipe)
	require.Equal(t, []string{PermAuditRead, PermUsersManage}, ipe.Missing)

	evs := f.audit.OfType(model.EventAuthzDenied)
	require.Len(t, evs, 1)
	require.Equal(t, []string{PermAuditRead, PermUsersManage}, evs[0].Detail["missing"])
}

func TestPatientData_ParticipantOnlySelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := participant()

	require.NoError(t, f.ev.AuthorizeResource(ctx, p, ResourcePatientData, p.ID.String()))
	for i := 0; i < 20; i++ {
		other := newID()
		require.ErrorIs(t, f.ev.AuthorizeResource(ctx, p, ResourcePatientData, other.String()), errs.ErrResourceAccessDenied)
	}
}

func TestScenario_ClinicianCareTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.add(t, clinician(nil))
	p1, p2 := newID(), newID()

	_, err := f.ev.GrantEdge(ctx, nil, model.EdgeCareTeam, c1.ID, p1, nil)
	require.NoError(t, err)

	require.NoError(t, f.ev.Authorize(ctx, c1, PermPatientsRead))
	require.NoError(t, f.ev.AuthorizeResource(ctx, c1, ResourcePatientData, p1.String()))

	err = f.ev.AuthorizeResource(ctx, c1, ResourcePatientData, p2.String())
	require.ErrorIs(t, err, errs.ErrResourceAccessDenied)
	var rad *errs.ResourceAccessDeniedError
	require.ErrorAs(t, err, &rad)
	require.Equal(t, ResourcePatientData, rad.ResourceType)
	require.Equal(t, p2.String(), rad.ResourceID)

	require.NoError(t, f.ev.DeactivateEdge(ctx, nil, model.EdgeCareTeam, c1.ID, p1))
	require.ErrorIs(t, f.ev.AuthorizeResource(ctx, c1, ResourcePatientData, p1.String()), errs.ErrResourceAccessDenied)
}

func TestStudy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.add(t, clinician(nil))
	p := f.add(t, participant())
	study := newID()

	require.ErrorIs(t, f.ev.AuthorizeResource(ctx, c, ResourceStudy, study.String()), errs.ErrResourceAccessDenied)
	require.ErrorIs(t, f.ev.AuthorizeResource(ctx, p, ResourceStudy, study.String()), errs.ErrResourceAccessDenied)

	_, err := f.ev.GrantEdge(ctx, nil, model.EdgeStudyAssignment, c.ID, study, nil)
	require.NoError(t, err)
	_, err = f.ev.GrantEdge(ctx, nil, model.EdgeEnrollment, p.ID, study, nil)
	require.NoError(t, err)

	require.NoError(t, f.ev.AuthorizeResource(ctx, c, ResourceStudy, study.String()))
	require.NoError(t, f.ev.AuthorizeResource(ctx, p, ResourceStudy, study.String()))

	// an enrollment edge does not stand in for an assignment
	other := clinician(nil)
	require.Error(t, f.ev.AuthorizeResource(ctx, other, ResourceStudy, study.String()))
}

func TestQuestionnaire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.add(t, clinician(nil))
	p := f.add(t, participant())
	study, q := newID(), newID()
	f.store.AddQuestionnaire(q, study)

	require.Error(t, f.ev.AuthorizeResource(ctx, c, ResourceQuestionnaire, q.String()))
	_, err := f.ev.GrantEdge(ctx, nil, model.EdgeStudyAssignment, c.ID, study, nil)
	require.NoError(t, err)
	require.NoError(t, f.ev.AuthorizeResource(ctx, c, ResourceQuestionnaire, q.String()))
	require.Error(t, f.ev.AuthorizeResource(ctx, c, ResourceQuestionnaire, newID().String()), "unknown questionnaire")

	exp := f.now.Add(time.Hour)
	_, err = f.ev.GrantEdge(ctx, nil, model.EdgeQuestionnaireAccess, p.ID, q, &exp)
	require.NoError(t, err)
	require.NoError(t, f.ev.AuthorizeResource(ctx, p, ResourceQuestionnaire, q.String()))

	f.now = exp
	require.ErrorIs(t, f.ev.AuthorizeResource(ctx, p, ResourceQuestionnaire, q.String()), errs.ErrResourceAccessDenied, "expired grant")
}

func TestOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org, otherOrg := newID(), newID()

	a := clinician(&org)
	b := clinician(&org)
	b.Email = "b@example.org"
	c := clinician(&otherOrg)
	c.Email = "c2@example.org"
	d := clinician(nil)
	d.Email = "d@example.org"
	for _, p := range []*model.Principal{a, b, c, d} {
		require.NoError(t, f.store.AddPrincipal(p))
	}

	require.NoError(t, f.ev.AuthorizeResource(ctx, a, ResourceOrganization, b.ID.String()))
	require.NoError(t, f.ev.AuthorizeResource(ctx, b, ResourceOrganization, a.ID.String()))
	require.Error(t, f.ev.AuthorizeResource(ctx, a, ResourceOrganization, c.ID.String()))
	require.Error(t, f.ev.AuthorizeResource(ctx, a, ResourceOrganization, d.ID.String()))
	require.Error(t, f.ev.AuthorizeResource(ctx, d, ResourceOrganization, a.ID.String()), "null organization never matches")
}

func TestAuthorizeResource_MalformedAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := participant()
	require.ErrorIs(t, f.ev.AuthorizeResource(ctx, p, ResourcePatientData, "not-a-uuid"), errs.ErrResourceAccessDenied)
	require.ErrorIs(t, f.ev.AuthorizeResource(ctx, p, "billing", p.ID.String()), errs.ErrResourceAccessDenied)
}

func TestAuthorizeResource_StoreOutage(t *testing.T) {
	f := newFixture(t)
	f.store.Fail = context.DeadlineExceeded
	err := f.ev.AuthorizeResource(context.Background(), clinician(nil), ResourcePatientData, newID().String())
	require.ErrorIs(t, err, errs.ErrStoreUnavailable)
	require.NotErrorIs(t, err, errs.ErrResourceAccessDenied)
}

func TestGrantEdge_RequiresPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.add(t, clinician(nil))
	_, err := f.ev.GrantEdge(ctx, c, model.EdgeCareTeam, c.ID, newID(), nil)
	require.ErrorIs(t, err, errs.ErrInsufficientPermission)

	admin := clinician(nil)
	admin.Role = model.RoleAdmin
	_, err = f.ev.GrantEdge(ctx, admin, model.EdgeCareTeam, c.ID, newID(), nil)
	require.NoError(t, err)

	_, err = f.ev.GrantEdge(ctx, nil, "friendship", c.ID, newID(), nil)
	require.ErrorIs(t, err, ErrUnknownEdgeKind)
}

func TestGrantEdge_OriginMustMatchKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.add(t, clinician(nil))
	p := f.add(t, participant())

	_, err := f.ev.GrantEdge(ctx, nil, model.EdgeEnrollment, c.ID, newID(), nil)
	require.ErrorIs(t, err, ErrEdgeOrigin, "enrollment starts at a participant")
	_, err = f.ev.GrantEdge(ctx, nil, model.EdgeCareTeam, p.ID, newID(), nil)
	require.ErrorIs(t, err, ErrEdgeOrigin, "care team starts at a clinician")
	_, err = f.ev.GrantEdge(ctx, nil, model.EdgeCareTeam, newID(), newID(), nil)
	require.ErrorIs(t, err, ErrEdgeOrigin, "unknown principal")
	require.Empty(t, f.audit.OfType(model.EventEdgeGranted))

	f.store.Fail = context.DeadlineExceeded
	_, err = f.ev.GrantEdge(ctx, nil, model.EdgeCareTeam, c.ID, newID(), nil)
	require.ErrorIs(t, err, errs.ErrStoreUnavailable)
}
