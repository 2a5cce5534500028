// Package store persists applications and orchestrates the workflow
// components around each mutation.
package store

import (
	"context"
	"time"

	"filing-workflow/internal/models"
)

const DefaultListLimit = 50

// ListFilter narrows ListApplications. Empty fields do not filter. When both
// RegulatorID and ReviewStatuses are set a row matches either condition.
type ListFilter struct {
	CompanyID      string
	AdvisorID      string
	RegulatorID    string
	ReviewStatuses []models.Status
	Status         models.Status
	Limit          int
	Offset         int
}

// AggregateFunc derives an application's completion from all of its sections.
type AggregateFunc func(sections []*models.Section) int

// Repository is the persistence boundary. Writes are single-row and
// version-checked, except CreateApplication, SaveSection and RecordDecision
// which are atomic over several rows. Implementations stamp Version = expected+1 on
// success and return a ConcurrencyConflict error on a stale expectation.
type Repository interface {
	CreateApplication(ctx context.Context, app *models.Application, sections []*models.Section) error
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	ListApplications(ctx context.Context, filter ListFilter) ([]*models.Application, error)
	UpdateApplication(ctx context.Context, app *models.Application, expectedVersion int64) (*models.Application, error)

	GetSection(ctx context.Context, applicationID string, number int) (*models.Section, error)
	ListSections(ctx context.Context, applicationID string) ([]*models.Section, error)
	UpdateSection(ctx context.Context, sec *models.Section, expectedVersion int64) (*models.Section, error)
	// SaveSection writes sec and sets the owning application's completion to
	// aggregate(sections) in one transaction. Either both rows change or
	// neither does. The application is returned even when its completion
	// was already current.
	SaveSection(ctx context.Context, sec *models.Section, expectedVersion int64, aggregate AggregateFunc, updatedAt time.Time) (*models.Section, *models.Application, error)

	RecordDecision(ctx context.Context, decision models.ReviewDecision, app *models.Application, expectedVersion int64) (*models.Application, error)
	ListDecisions(ctx context.Context, applicationID string) ([]models.ReviewDecision, error)

	AppendComment(ctx context.Context, comment models.Comment) error
	ListComments(ctx context.Context, applicationID string) ([]models.Comment, error)

	Ping(ctx context.Context) error
}

// Matches reports whether app passes f, ignoring paging.
func (f ListFilter) Matches(app *models.Application) bool {
	if f.CompanyID != "" && app.CompanyID != f.CompanyID {
		return false
	}
	if f.AdvisorID != "" && app.AssignedAdvisorID != f.AdvisorID {
		return false
	}
	if f.Status != "" && app.Status != f.Status {
		return false
	}
	if f.RegulatorID == "" && len(f.ReviewStatuses) == 0 {
		return true
	}
	if f.RegulatorID != "" && app.AssignedRegulatorID == f.RegulatorID {
		return true
	}
	for _, s := range f.ReviewStatuses {
		if app.Status == s {
			return true
		}
	}
	return false
}

// FilterFor builds the role-scoped filter for actor.
func FilterFor(actor models.Actor) ListFilter {
	switch actor.Role {
	case models.RoleIssuer:
		return ListFilter{CompanyID: actor.CompanyID}
	case models.RoleIBAdvisor:
		return ListFilter{AdvisorID: actor.UserID}
	case models.RoleCMARegulator:
		return ListFilter{
			RegulatorID:    actor.UserID,
			ReviewStatuses: []models.Status{models.StatusSubmitted, models.StatusUnderReview, models.StatusQueryIssued},
		}
	default:
		return ListFilter{}
	}
}
