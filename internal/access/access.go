// Package access decides who may see and change an application.
package access

import (
	"context"
	"fmt"

	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/models"
)

// Capability is a coarse permission granted by a role.
type Capability string

const (
	CapCreateApplication Capability = "create-application"
	CapManageSections    Capability = "manage-sections"
	CapSubmit            Capability = "submit"
	CapRespondToQuery    Capability = "respond-to-query"
	CapAssignAdvisor     Capability = "assign-advisor"
	CapComment           Capability = "comment"
	CapViewInternal      Capability = "view-internal"
	CapStartReview       Capability = "start-review"
	CapIssueQuery        Capability = "issue-query"
	CapApprove           Capability = "approve"
	CapReject            Capability = "reject"
	CapReviewSections    Capability = "review-sections"
)

// AllCapabilities lists every capability.
var AllCapabilities = []Capability{
	CapCreateApplication, CapManageSections, CapSubmit, CapRespondToQuery,
	CapAssignAdvisor, CapComment, CapViewInternal, CapStartReview,
	CapIssueQuery, CapApprove, CapReject, CapReviewSections,
}

// Capabilities returns the capability set of r. Unknown roles get nothing.
func Capabilities(r models.Role) []Capability {
	switch r {
	case models.RoleIssuer:
		return []Capability{CapCreateApplication, CapManageSections, CapSubmit, CapRespondToQuery, CapAssignAdvisor, CapComment}
	case models.RoleIBAdvisor:
		return []Capability{CapManageSections, CapSubmit, CapRespondToQuery, CapAssignAdvisor, CapComment, CapViewInternal}
	case models.RoleCMARegulator:
		return []Capability{CapStartReview, CapIssueQuery, CapApprove, CapReject, CapReviewSections, CapComment, CapViewInternal}
	case models.RoleCMAAdmin:
		return append([]Capability(nil), AllCapabilities...)
	default:
		return nil
	}
}

// Has reports whether r holds c.
func Has(r models.Role, c Capability) bool {
	for _, have := range Capabilities(r) {
		if have == c {
			return true
		}
	}
	return false
}

// Level is the relative authority of a role. It never implies ownership.
func Level(r models.Role) int {
	switch r {
	case models.RoleIssuer:
		return 1
	case models.RoleIBAdvisor:
		return 2
	case models.RoleCMARegulator:
		return 3
	case models.RoleCMAAdmin:
		return 4
	default:
		return 0
	}
}

// Outranks reports whether a has strictly more authority than b.
func Outranks(a, b models.Role) bool {
	return Level(a) > Level(b)
}

// CanAddress is the role interaction matrix: who may direct messages at whom.
func CanAddress(from, to models.Role) bool {
	switch from {
	case models.RoleIssuer:
		return to == models.RoleIBAdvisor
	case models.RoleIBAdvisor:
		return to == models.RoleIssuer || to == models.RoleCMARegulator
	case models.RoleCMARegulator:
		return to == models.RoleIBAdvisor || to == models.RoleCMAAdmin
	case models.RoleCMAAdmin:
		return to.Valid()
	default:
		return false
	}
}

// CanAccessApplication evaluates the relationship between actor and app.
// It reads only its arguments, so callers must pass the current row.
func CanAccessApplication(actor models.Actor, app *models.Application) bool {
	if app == nil {
		return false
	}
	switch actor.Role {
	case models.RoleIssuer:
		return actor.CompanyID != "" && app.CompanyID == actor.CompanyID
	case models.RoleIBAdvisor:
		return actor.UserID != "" && app.AssignedAdvisorID == actor.UserID
	case models.RoleCMARegulator:
		return (actor.UserID != "" && app.AssignedRegulatorID == actor.UserID) || app.Status.InReviewWindow()
	case models.RoleCMAAdmin:
		return true
	default:
		return false
	}
}

// IsOwnerSide reports whether actor acts for the filing company: the issuer
// of the owning company, the assigned advisor, or an admin.
func IsOwnerSide(actor models.Actor, app *models.Application) bool {
	if app == nil {
		return false
	}
	switch actor.Role {
	case models.RoleIssuer:
		return actor.CompanyID != "" && app.CompanyID == actor.CompanyID
	case models.RoleIBAdvisor:
		return actor.UserID != "" && app.AssignedAdvisorID == actor.UserID
	case models.RoleCMAAdmin:
		return true
	default:
		return false
	}
}

// Require fails with AccessDenied unless actor holds c.
func Require(actor models.Actor, c Capability) error {
	if !Has(actor.Role, c) {
		return errors.NewAccessDeniedError(fmt.Sprintf("role %s lacks capability %s", actor.Role, c))
	}
	return nil
}

// RequireApplication fails with AccessDenied unless actor may access app.
func RequireApplication(actor models.Actor, app *models.Application) error {
	if !CanAccessApplication(actor, app) {
		return errors.NewAccessDeniedError(fmt.Sprintf("%s %s may not access application %s", actor.Role, actor.UserID, app.ID))
	}
	return nil
}

// RequireOwnerSide fails with AccessDenied unless actor holds c and acts for the filing company.
func RequireOwnerSide(actor models.Actor, app *models.Application, c Capability) error {
	if err := Require(actor, c); err != nil {
		return err
	}
	if !IsOwnerSide(actor, app) {
		return errors.NewAccessDeniedError(fmt.Sprintf("%s %s does not act for company %s", actor.Role, actor.UserID, app.CompanyID))
	}
	return nil
}

// CanSeeComment hides internal comments from issuers.
func CanSeeComment(actor models.Actor, c models.Comment) bool {
	if !c.IsInternal {
		return true
	}
	return Has(actor.Role, CapViewInternal)
}

type actorKey struct{}

// WithActor attaches the authenticated caller to ctx.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the caller attached by WithActor.
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(models.Actor)
	return a, ok && a.Role.Valid()
}

// MustActor returns the caller or an Unauthenticated error.
func MustActor(ctx context.Context) (models.Actor, error) {
	a, ok := ActorFrom(ctx)
	if !ok {
		return models.Actor{}, errors.NewUnauthenticatedError("no actor on request")
	}
	return a, nil
}
