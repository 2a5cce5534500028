// Package workflow owns the application lifecycle state machine.
package workflow

import (
	"fmt"
	"time"

	"filing-workflow/internal/access"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/models"
)

var transitions = map[models.Status][]models.Status{
	models.StatusDraft:       {models.StatusSubmitted},
	models.StatusSubmitted:   {models.StatusUnderReview, models.StatusQueryIssued, models.StatusApproved, models.StatusRejected},
	models.StatusUnderReview: {models.StatusQueryIssued, models.StatusApproved, models.StatusRejected},
	models.StatusQueryIssued: {models.StatusUnderReview, models.StatusApproved, models.StatusRejected},
	models.StatusApproved:    nil,
	models.StatusRejected:    nil,
}

// Transitions returns a copy of the transition table.
func Transitions() map[models.Status][]models.Status {
	out := make(map[models.Status][]models.Status, len(transitions))
	for from, tos := range transitions {
		out[from] = append([]models.Status(nil), tos...)
	}
	return out
}

// CanTransition reports whether from -> to is an edge of the table.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Phase derives the coarse stage from status.
func Phase(s models.Status) models.Phase {
	switch s {
	case models.StatusSubmitted:
		return models.PhaseSubmission
	case models.StatusUnderReview:
		return models.PhaseReview
	case models.StatusQueryIssued:
		return models.PhaseQueryResponse
	case models.StatusApproved, models.StatusRejected:
		return models.PhaseDecision
	default:
		return models.PhasePreparation
	}
}

// Guard is an extra precondition evaluated after the edge check.
type Guard func(app *models.Application) error

type Config struct {
	// SubmissionThreshold is the minimum aggregate completion, in percent, to submit.
	SubmissionThreshold int
}

type Machine struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Transition moves a copy of app to target. app itself is never modified,
// so a failed call leaves the caller's view untouched.
func (m *Machine) Transition(app *models.Application, target models.Status, guards ...Guard) (*models.Application, error) {
	if !target.Valid() {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown status %q", target))
	}
	if !CanTransition(app.Status, target) {
		return nil, errors.NewStateTransitionError(string(app.Status), string(target))
	}
	for _, g := range guards {
		if err := g(app); err != nil {
			return nil, err
		}
	}

	now := m.now()
	next := app.Clone()
	next.Status = target
	next.CurrentPhase = Phase(target)
	next.UpdatedAt = now
	switch {
	case target == models.StatusSubmitted:
		next.SubmittedAt = &now
	case target.IsTerminal():
		next.DecidedAt = &now
	}
	return next, nil
}

// Submit moves a DRAFT application to SUBMITTED on behalf of the filing company.
func (m *Machine) Submit(app *models.Application, actor models.Actor) (*models.Application, error) {
	if err := access.RequireOwnerSide(actor, app, access.CapSubmit); err != nil {
		return nil, err
	}
	if app.Status != models.StatusDraft {
		return nil, errors.NewStateTransitionError(string(app.Status), string(models.StatusSubmitted))
	}
	return m.Transition(app, models.StatusSubmitted, m.completionGuard)
}

// RespondToQuery returns a QUERY_ISSUED application to UNDER_REVIEW once the
// filing company has answered.
func (m *Machine) RespondToQuery(app *models.Application, actor models.Actor) (*models.Application, error) {
	if err := access.RequireOwnerSide(actor, app, access.CapRespondToQuery); err != nil {
		return nil, err
	}
	if app.Status != models.StatusQueryIssued {
		return nil, errors.NewStateTransitionError(string(app.Status), string(models.StatusUnderReview))
	}
	return m.Transition(app, models.StatusUnderReview)
}

func (m *Machine) completionGuard(app *models.Application) error {
	if app.CompletionPercentage < m.cfg.SubmissionThreshold {
		return errors.NewFieldValidationError("completionPercentage",
			fmt.Sprintf("application is %d%% complete, %d%% required to submit",
				app.CompletionPercentage, m.cfg.SubmissionThreshold))
	}
	return nil
}
