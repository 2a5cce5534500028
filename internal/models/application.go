package models

import "time"

// Status is the lifecycle position of an application.
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusSubmitted   Status = "SUBMITTED"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusQueryIssued Status = "QUERY_ISSUED"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDraft, StatusSubmitted, StatusUnderReview,
	StatusQueryIssued, StatusApproved, StatusRejected,
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusUnderReview, StatusQueryIssued, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Editable reports whether section content may change while in s.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusQueryIssued
}

// InReviewWindow reports whether regulators see applications in s without assignment.
func (s Status) InReviewWindow() bool {
	return s == StatusSubmitted || s == StatusUnderReview || s == StatusQueryIssued
}

// Phase is the coarse stage shown to users. It is derived from Status.
type Phase string

const (
	PhasePreparation   Phase = "PREPARATION"
	PhaseSubmission    Phase = "SUBMISSION"
	PhaseReview        Phase = "REVIEW"
	PhaseQueryResponse Phase = "QUERY_RESPONSE"
	PhaseDecision      Phase = "DECISION"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Application is the root record of one filing.
type Application struct {
	ID                   string     `json:"id"`
	CompanyID            string     `json:"companyId"`
	Title                string     `json:"title"`
	TargetAmount         float64    `json:"targetAmount"`
	Status               Status     `json:"status"`
	CurrentPhase         Phase      `json:"currentPhase"`
	CompletionPercentage int        `json:"completionPercentage"`
	AssignedAdvisorID    string     `json:"assignedAdvisorId,omitempty"`
	AssignedRegulatorID  string     `json:"assignedRegulatorId,omitempty"`
	Priority             Priority   `json:"priority"`
	SubmittedAt          *time.Time `json:"submittedAt,omitempty"`
	DecidedAt            *time.Time `json:"decidedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	Version              int64      `json:"version"`
}

// Clone returns a copy that shares no pointers with a.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	cp := *a
	cp.SubmittedAt = cloneTime(a.SubmittedAt)
	cp.DecidedAt = cloneTime(a.DecidedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
