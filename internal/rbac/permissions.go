package rbac

import (
	"sort"

	"github.com/and161185/clinauth/internal/model"
)

// Permission constants.
const (
	PermPatientsRead        = "patients:read"
	PermPatientsWrite       = "patients:write"
	PermStudiesRead         = "studies:read"
	PermStudiesManage       = "studies:manage"
	PermQuestionnairesRead  = "questionnaires:read"
	PermQuestionnairesWrite = "questionnaires:write"
	PermResponsesRead       = "responses:read"
	PermDashboardView       = "dashboard:view"

	PermProfileRead      = "profile:read"
	PermProfileWrite     = "profile:write"
	PermSurveysRespond   = "surveys:respond"
	PermEnrollmentsView  = "enrollments:view"
	PermConsentManage    = "consent:manage"
	PermOwnResponsesRead = "own_responses:read"

	PermUsersManage         = "users:manage"
	PermAuditRead           = "audit:read"
	PermOrganizationsManage = "organizations:manage"
	PermRolesManage         = "roles:manage"
	PermRelationshipsManage = "relationships:manage"
)

// basePermissions maps each role to its base set. The sets are disjoint;
// anything beyond the base comes from grants recorded on the principal.
var basePermissions = map[model.Role][]string{
	model.RoleClinician: {
		PermPatientsRead,
		PermPatientsWrite,
		PermStudiesRead,
		PermStudiesManage,
		PermQuestionnairesRead,
		PermQuestionnairesWrite,
		PermResponsesRead,
		PermDashboardView,
	},
	model.RoleParticipant: {
		PermProfileRead,
		PermProfileWrite,
		PermSurveysRespond,
		PermEnrollmentsView,
		PermConsentManage,
		PermOwnResponsesRead,
	},
	model.RoleAdmin: {
		PermUsersManage,
		PermAuditRead,
		PermOrganizationsManage,
		PermRolesManage,
		PermRelationshipsManage,
	},
}

// roleFor resolves the role whose base set applies. Participants always get the
// participant set regardless of the stored role.
func roleFor(p *model.Principal) model.Role {
	if p.Type == model.Participant {
		return model.RoleParticipant
	}
	if p.Role == model.RoleAdmin {
		return model.RoleAdmin
	}
	return model.RoleClinician
}

// BasePermissions returns a copy of the base set for role. Nil for unknown roles.
func BasePermissions(role model.Role) []string {
	perms := basePermissions[role]
	if perms == nil {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// Set is a permission set.
type Set map[string]struct{}

// Has reports membership.
func (s Set) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}

// Sorted returns the members in order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// EffectivePermissions is the base set for the principal's role plus its own
// and its organization's grants.
func EffectivePermissions(p *model.Principal) Set {
	set := Set{}
	for _, perm := range basePermissions[roleFor(p)] {
		set[perm] = struct{}{}
	}
	for _, perm := range p.ExtraPermissions {
		if perm != "" {
			set[perm] = struct{}{}
		}
	}
	for _, perm := range p.OrgPermissions {
		if perm != "" {
			set[perm] = struct{}{}
		}
	}
	return set
}
