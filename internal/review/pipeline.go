// Package review implements the regulator review actions.
package review

import (
	"fmt"
	"strings"
	"time"

	"filing-workflow/internal/access"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/models"
	"filing-workflow/internal/workflow"

	"github.com/google/uuid"
)

// Input carries the reviewer's decision payload.
type Input struct {
	Action          models.ReviewAction `json:"action"`
	Comment         string              `json:"comment"`
	RiskRating      models.RiskRating   `json:"riskRating,omitempty"`
	ComplianceScore *int                `json:"complianceScore,omitempty"`
}

// Outcome is the updated application and the decision to append with it.
// The store persists both in one transaction.
type Outcome struct {
	Application *models.Application
	Decision    models.ReviewDecision
}

type rule struct {
	capability     access.Capability
	from           []models.Status
	target         models.Status
	requireComment bool
}

var rules = map[models.ReviewAction]rule{
	models.ActionStartReview: {
		capability: access.CapStartReview,
		from:       []models.Status{models.StatusSubmitted},
		target:     models.StatusUnderReview,
	},
	models.ActionIssueQuery: {
		capability:     access.CapIssueQuery,
		from:           []models.Status{models.StatusSubmitted, models.StatusUnderReview},
		target:         models.StatusQueryIssued,
		requireComment: true,
	},
	models.ActionApprove: {
		capability:     access.CapApprove,
		from:           []models.Status{models.StatusSubmitted, models.StatusUnderReview, models.StatusQueryIssued},
		target:         models.StatusApproved,
		requireComment: true,
	},
	models.ActionReject: {
		capability:     access.CapReject,
		from:           []models.Status{models.StatusSubmitted, models.StatusUnderReview, models.StatusQueryIssued},
		target:         models.StatusRejected,
		requireComment: true,
	},
}

type Pipeline struct {
	machine *workflow.Machine
	now     func() time.Time
	newID   func() string
}

func New(machine *workflow.Machine) *Pipeline {
	return &Pipeline{
		machine: machine,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// WithClock replaces the time source used for decision timestamps.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Apply validates and performs one review action against a copy of app.
func (p *Pipeline) Apply(app *models.Application, actor models.Actor, in Input) (*Outcome, error) {
	r, ok := rules[in.Action]
	if !ok {
		return nil, errors.NewFieldValidationError("action", fmt.Sprintf("unknown review action %q", in.Action))
	}
	if err := access.Require(actor, r.capability); err != nil {
		return nil, err
	}
	if err := access.RequireApplication(actor, app); err != nil {
		return nil, err
	}
	if err := validateInput(r, in); err != nil {
		return nil, err
	}
	if !inWindow(app.Status, r.from) {
		return nil, errors.NewStateTransitionError(string(app.Status), string(r.target))
	}

	next, err := p.machine.Transition(app, r.target)
	if err != nil {
		return nil, err
	}
	if in.Action == models.ActionStartReview && next.AssignedRegulatorID == "" && actor.Role == models.RoleCMARegulator {
		next.AssignedRegulatorID = actor.UserID
	}

	decision := models.ReviewDecision{
		ID:            p.newID(),
		ApplicationID: app.ID,
		Action:        in.Action,
		ReviewerID:    actor.UserID,
		Comment:       strings.TrimSpace(in.Comment),
		RiskRating:    in.RiskRating,
		FromStatus:    app.Status,
		ToStatus:      r.target,
		CreatedAt:     p.now(),
	}
	if in.ComplianceScore != nil {
		score := *in.ComplianceScore
		decision.ComplianceScore = &score
	}
	return &Outcome{Application: next, Decision: decision}, nil
}

func (p *Pipeline) StartReview(app *models.Application, actor models.Actor) (*Outcome, error) {
	return p.Apply(app, actor, Input{Action: models.ActionStartReview})
}

func (p *Pipeline) IssueQuery(app *models.Application, actor models.Actor, in Input) (*Outcome, error) {
	in.Action = models.ActionIssueQuery
	return p.Apply(app, actor, in)
}

func (p *Pipeline) Approve(app *models.Application, actor models.Actor, in Input) (*Outcome, error) {
	in.Action = models.ActionApprove
	return p.Apply(app, actor, in)
}

func (p *Pipeline) Reject(app *models.Application, actor models.Actor, in Input) (*Outcome, error) {
	in.Action = models.ActionReject
	return p.Apply(app, actor, in)
}

func validateInput(r rule, in Input) error {
	if r.requireComment && strings.TrimSpace(in.Comment) == "" {
		return errors.NewFieldValidationError("comment", "comment is required for this review action")
	}
	if in.RiskRating != "" && !in.RiskRating.Valid() {
		return errors.NewFieldValidationError("riskRating", fmt.Sprintf("risk rating must be LOW, MEDIUM or HIGH, got %q", in.RiskRating))
	}
	if in.ComplianceScore != nil && (*in.ComplianceScore < 0 || *in.ComplianceScore > 100) {
		return errors.NewFieldValidationError("complianceScore", fmt.Sprintf("compliance score must be within 0..100, got %d", *in.ComplianceScore))
	}
	return nil
}

func inWindow(s models.Status, window []models.Status) bool {
	for _, w := range window {
		if s == w {
			return true
		}
	}
	return false
}
