package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
)

// edgeEnds records which principal type sits at the "from" end of each edge kind.
var edgeEnds = map[model.EdgeKind]model.PrincipalType{
	model.EdgeCareTeam:            model.Clinician,
	model.EdgeStudyAssignment:     model.Clinician,
	model.EdgeEnrollment:          model.Participant,
	model.EdgeQuestionnaireAccess: model.Participant,
}

var (
	// ErrUnknownEdgeKind is returned for edge kinds outside the fixed set.
	ErrUnknownEdgeKind = errors.New("unknown relationship kind")
	// ErrEdgeOrigin is returned when the "from" id is not a principal of the
	// type the edge kind starts at.
	ErrEdgeOrigin = errors.New("relationship origin has the wrong principal type")
)

// GrantEdge creates an active edge. actor must hold relationships:manage; a nil
// actor is the operator CLI.
func (e *Evaluator) GrantEdge(ctx context.Context, actor *model.Principal, kind model.EdgeKind, from, to uuid.UUID, expiresAt *time.Time) (*model.Edge, error) {
	fromType, ok := edgeEnds[kind]
	if !ok {
		return nil, ErrUnknownEdgeKind
	}
	if actor != nil {
		if err := e.Authorize(ctx, actor, PermRelationshipsManage); err != nil {
			return nil, err
		}
	}
	_, err := e.principals.GetByID(ctx, model.PrincipalRef{Type: fromType, ID: from})
	if errs.IsNotFound(err) {
		return nil, ErrEdgeOrigin
	}
	if err != nil {
		return nil, errs.Store("rbac.edge_origin", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	edge := &model.Edge{ID: id, Kind: kind, FromID: from, ToID: to, Active: true, ExpiresAt: expiresAt, CreatedAt: e.now()}
	if err := e.edges.GrantEdge(ctx, edge); err != nil {
		return nil, errs.Store("rbac.grant_edge", err)
	}
	e.audit.Record(edgeEvent(actor, model.EventEdgeGranted, edge.Kind, from, to))
	return edge, nil
}

// DeactivateEdge turns off every active edge of kind between from and to.
// The rows stay for the audit trail.
func (e *Evaluator) DeactivateEdge(ctx context.Context, actor *model.Principal, kind model.EdgeKind, from, to uuid.UUID) error {
	if _, ok := edgeEnds[kind]; !ok {
		return ErrUnknownEdgeKind
	}
	if actor != nil {
		if err := e.Authorize(ctx, actor, PermRelationshipsManage); err != nil {
			return err
		}
	}
	if err := e.edges.DeactivateEdge(ctx, kind, from, to, e.now()); err != nil {
		return errs.Store("rbac.deactivate_edge", err)
	}
	e.audit.Record(edgeEvent(actor, model.EventEdgeDeactivated, kind, from, to))
	return nil
}

func edgeEvent(actor *model.Principal, typ string, kind model.EdgeKind, from, to uuid.UUID) model.AuditEvent {
	ev := model.AuditEvent{Type: typ, Success: true, Detail: map[string]any{
		"kind": string(kind),
		"from": from.String(),
		"to":   to.String(),
	}}
	if actor != nil {
		ev.Email = actor.Email
		ev.PrincipalType = actor.Type
		ev.PrincipalID = actor.ID.String()
	}
	return ev
}
