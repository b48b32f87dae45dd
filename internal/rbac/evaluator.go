// Package rbac decides what an authenticated principal may do.
//
// Permission checks are conjunctive over the principal's effective set.
// Resource checks are existence queries over active relationship edges:
// nothing is reachable without an explicit grant.
package rbac

import (
	"context"
	"time"

	"github.com/and161185/clinauth/internal/audit"
	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/obs"
	"github.com/and161185/clinauth/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Resource types understood by AuthorizeResource.
const (
	ResourcePatientData   = "patient_data"
	ResourceStudy         = "study"
	ResourceQuestionnaire = "questionnaire"
	ResourceOrganization  = "organization"
)

// Evaluator answers authorization questions.
type Evaluator struct {
	principals repository.PrincipalRepository
	edges      repository.RelationshipRepository
	audit      audit.Recorder
	metrics    *obs.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source used for edge expiry.
func WithClock(now func() time.Time) Option { return func(e *Evaluator) { e.now = now } }

// WithMetrics attaches decision counters.
func WithMetrics(m *obs.Metrics) Option { return func(e *Evaluator) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Evaluator) { e.log = l } }

// New constructs an Evaluator.
func New(principals repository.PrincipalRepository, edges repository.RelationshipRepository, rec audit.Recorder, opts ...Option) *Evaluator {
	e := &Evaluator{
		principals: principals,
		edges:      edges,
		audit:      rec,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func principalEvent(p *model.Principal, typ string, ok bool, detail map[string]any) model.AuditEvent {
	return model.AuditEvent{
		Type:          typ,
		Email:         p.Email,
		PrincipalType: p.Type,
		PrincipalID:   p.ID.String(),
		Success:       ok,
		Detail:        detail,
	}
}

// Authorize allows the call only if every required permission is present.
func (e *Evaluator) Authorize(_ context.Context, p *model.Principal, required ...string) error {
	have := EffectivePermissions(p)
	var missing []string
	for _, perm := range required {
		if !have.Has(perm) {
			missing = append(missing, perm)
		}
	}
	e.metrics.Decision("permission", len(missing) == 0)
	if len(missing) == 0 {
		return nil
	}
	e.audit.Record(principalEvent(p, model.EventAuthzDenied, false, map[string]any{
		"required": required,
		"missing":  missing,
	}))
	return &errs.InsufficientPermissionError{Missing: missing}
}

// AuthorizeResource dispatches on resourceType to the matching relationship rule.
// Unknown resource types and malformed ids are denied.
func (e *Evaluator) AuthorizeResource(ctx context.Context, p *model.Principal, resourceType, resourceID string) error {
	allowed, err := e.checkResource(ctx, p, resourceType, resourceID)
	if err != nil {
		e.log.Error("resource check failed", zap.String("resource_type", resourceType), zap.Error(err))
		return errs.Store("rbac.authorize_resource", err)
	}
	e.metrics.Decision(resourceType, allowed)
	if allowed {
		return nil
	}
	e.audit.Record(principalEvent(p, model.EventResourceDenied, false, map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}))
	return &errs.ResourceAccessDeniedError{ResourceType: resourceType, ResourceID: resourceID}
}

func (e *Evaluator) checkResource(ctx context.Context, p *model.Principal, resourceType, resourceID string) (bool, error) {
	id, err := uuid.FromString(resourceID)
	if err != nil || id == uuid.Nil {
		return false, nil
	}
	switch resourceType {
	case ResourcePatientData:
		return e.patientData(ctx, p, id)
	case ResourceStudy:
		return e.study(ctx, p, id)
	case ResourceQuestionnaire:
		return e.questionnaire(ctx, p, id)
	case ResourceOrganization:
		return e.organization(ctx, p, id)
	}
	return false, nil
}

func (e *Evaluator) patientData(ctx context.Context, p *model.Principal, participantID uuid.UUID) (bool, error) {
	if p.Type == model.Participant {
		return p.ID == participantID, nil
	}
	return e.edges.HasLiveEdge(ctx, model.EdgeCareTeam, p.ID, participantID, e.now())
}

func (e *Evaluator) study(ctx context.Context, p *model.Principal, studyID uuid.UUID) (bool, error) {
	if p.Type == model.Participant {
		return e.edges.HasLiveEdge(ctx, model.EdgeEnrollment, p.ID, studyID, e.now())
	}
	return e.edges.HasLiveEdge(ctx, model.EdgeStudyAssignment, p.ID, studyID, e.now())
}

// questionnaire: participants need a live questionnaire_access grant; clinicians
// fall through to the owning study's rule.
func (e *Evaluator) questionnaire(ctx context.Context, p *model.Principal, questionnaireID uuid.UUID) (bool, error) {
	if p.Type == model.Participant {
		return e.edges.HasLiveEdge(ctx, model.EdgeQuestionnaireAccess, p.ID, questionnaireID, e.now())
	}
	studyID, err := e.edges.QuestionnaireStudy(ctx, questionnaireID)
	if err != nil {
		if errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return e.study(ctx, p, studyID)
}

// organization: resourceID names the other clinician. Both must belong to the
// same non-null organization.
func (e *Evaluator) organization(ctx context.Context, p *model.Principal, otherID uuid.UUID) (bool, error) {
	if p.Type != model.Clinician || p.OrganizationID == nil {
		return false, nil
	}
	other, err := e.principals.GetByID(ctx, model.PrincipalRef{Type: model.Clinician, ID: otherID})
	if err != nil {
		if errs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return other.OrganizationID != nil && *other.OrganizationID == *p.OrganizationID, nil
}
