package memory

import (
	"context"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
)

// HasLiveEdge reports whether an active, unexpired edge of kind links from to to.
func (s *Store) HasLiveEdge(_ context.Context, kind model.EdgeKind, from, to uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	for _, e := range s.edges {
		if e.Kind == kind && e.FromID == from && e.ToID == to && e.Live(now) {
			return true, nil
		}
	}
	return false, nil
}

// QuestionnaireStudy returns the study owning a questionnaire.
func (s *Store) QuestionnaireStudy(_ context.Context, questionnaireID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return uuid.Nil, s.Fail
	}
	study, ok := s.questionnaires[questionnaireID]
	if !ok {
		return uuid.Nil, errs.ErrNotFound
	}
	return study, nil
}

// GrantEdge inserts a new active edge.
func (s *Store) GrantEdge(_ context.Context, e *model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	c := *e
	c.Active = true
	s.edges = append(s.edges, &c)
	return nil
}

// DeactivateEdge flips every active edge of kind between from and to to inactive.
func (s *Store) DeactivateEdge(_ context.Context, kind model.EdgeKind, from, to uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	n := 0
	for _, e := range s.edges {
		if e.Kind == kind && e.FromID == from && e.ToID == to && e.Active {
			e.Active = false
			t := at
			e.DeactivatedAt = &t
			n++
		}
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}
