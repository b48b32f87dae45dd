package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// EdgeKind names a relationship between a principal and a subject.
type EdgeKind string

const (
	// EdgeCareTeam links a clinician to a participant.
	EdgeCareTeam EdgeKind = "care_team"
	// EdgeStudyAssignment links a clinician to a study.
	EdgeStudyAssignment EdgeKind = "study_assignment"
	// EdgeEnrollment links a participant to a study.
	EdgeEnrollment EdgeKind = "enrollment"
	// EdgeQuestionnaireAccess links a participant to a questionnaire; may expire.
	EdgeQuestionnaireAccess EdgeKind = "questionnaire_access"
)

// Edge is a directed, activatable association. Edges are deactivated, never deleted.
type Edge struct {
	ID            uuid.UUID
	Kind          EdgeKind
	FromID        uuid.UUID
	ToID          uuid.UUID
	Active        bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

// Live reports whether the edge grants access at now.
func (e *Edge) Live(now time.Time) bool {
	if !e.Active {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}
