// Package memory is an in-process Repository used for local runs and tests.
//
// Every row shares one RWMutex, so writers to unrelated applications wait on
// each other. Row-level isolation is only provided by the postgres
// repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/models"
	"filing-workflow/internal/store"
)

// Repository keeps rows in maps guarded by one RWMutex. Rows are cloned on
// the way in and out so callers never share state with the store.
type Repository struct {
	mu           sync.RWMutex
	applications map[string]*models.Application
	sections     map[string]map[int]*models.Section
	comments     map[string][]models.Comment
	decisions    map[string][]models.ReviewDecision
}

var _ store.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{
		applications: make(map[string]*models.Application),
		sections:     make(map[string]map[int]*models.Section),
		comments:     make(map[string][]models.Comment),
		decisions:    make(map[string][]models.ReviewDecision),
	}
}

func (r *Repository) CreateApplication(_ context.Context, app *models.Application, sections []*models.Section) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.applications[app.ID]; exists {
		return errors.NewValidationError("application " + app.ID + " already exists")
	}
	bySection := make(map[int]*models.Section, len(sections))
	for _, s := range sections {
		if _, dup := bySection[s.SectionNumber]; dup {
			return errors.NewValidationError("duplicate section number")
		}
		bySection[s.SectionNumber] = s.Clone()
	}
	r.applications[app.ID] = app.Clone()
	r.sections[app.ID] = bySection
	return nil
}

func (r *Repository) GetApplication(_ context.Context, id string) (*models.Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.applications[id]
	if !ok {
		return nil, errors.NewNotFoundError("application", id)
	}
	return app.Clone(), nil
}

func (r *Repository) ListApplications(_ context.Context, filter store.ListFilter) ([]*models.Application, error) {
	r.mu.RLock()
	matched := make([]*models.Application, 0)
	for _, app := range r.applications {
		if filter.Matches(app) {
			matched = append(matched, app.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if filter.Offset >= len(matched) {
		return []*models.Application{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (r *Repository) UpdateApplication(_ context.Context, app *models.Application, expectedVersion int64) (*models.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateApplicationLocked(app, expectedVersion)
}

func (r *Repository) updateApplicationLocked(app *models.Application, expectedVersion int64) (*models.Application, error) {
	current, ok := r.applications[app.ID]
	if !ok {
		return nil, errors.NewNotFoundError("application", app.ID)
	}
	if current.Version != expectedVersion {
		return nil, errors.NewConcurrencyConflictError("application", app.ID, expectedVersion)
	}
	next := app.Clone()
	next.CompanyID = current.CompanyID
	next.CreatedAt = current.CreatedAt
	next.Version = expectedVersion + 1
	r.applications[app.ID] = next
	return next.Clone(), nil
}

func (r *Repository) GetSection(_ context.Context, applicationID string, number int) (*models.Section, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sec, ok := r.sections[applicationID][number]
	if !ok {
		return nil, errors.NewNotFoundError("section", sectionRef(applicationID, number))
	}
	return sec.Clone(), nil
}

func (r *Repository) ListSections(_ context.Context, applicationID string) ([]*models.Section, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bySection, ok := r.sections[applicationID]
	if !ok {
		return nil, errors.NewNotFoundError("application", applicationID)
	}
	out := make([]*models.Section, 0, len(bySection))
	for _, s := range bySection {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SectionNumber < out[j].SectionNumber })
	return out, nil
}

func (r *Repository) UpdateSection(_ context.Context, sec *models.Section, expectedVersion int64) (*models.Section, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sections[sec.ApplicationID][sec.SectionNumber]
	if !ok {
		return nil, errors.NewNotFoundError("section", sectionRef(sec.ApplicationID, sec.SectionNumber))
	}
	if current.Version != expectedVersion {
		return nil, errors.NewConcurrencyConflictError("section", current.ID, expectedVersion)
	}
	next := sec.Clone()
	next.ID = current.ID
	next.Title = current.Title
	next.Version = expectedVersion + 1
	r.sections[sec.ApplicationID][sec.SectionNumber] = next
	return next.Clone(), nil
}

func (r *Repository) SaveSection(_ context.Context, sec *models.Section, expectedVersion int64, aggregate store.AggregateFunc, updatedAt time.Time) (*models.Section, *models.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.applications[sec.ApplicationID]
	if !ok {
		return nil, nil, errors.NewNotFoundError("application", sec.ApplicationID)
	}
	bySection := r.sections[sec.ApplicationID]
	current, ok := bySection[sec.SectionNumber]
	if !ok {
		return nil, nil, errors.NewNotFoundError("section", sectionRef(sec.ApplicationID, sec.SectionNumber))
	}
	if current.Version != expectedVersion {
		return nil, nil, errors.NewConcurrencyConflictError("section", current.ID, expectedVersion)
	}

	next := sec.Clone()
	next.ID = current.ID
	next.Title = current.Title
	next.Version = expectedVersion + 1

	all := make([]*models.Section, 0, len(bySection))
	for n, s := range bySection {
		if n == sec.SectionNumber {
			s = next
		}
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SectionNumber < all[j].SectionNumber })

	// Both rows are computed before either is stored.
	owner := app
	if agg := aggregate(all); agg != app.CompletionPercentage {
		owner = app.Clone()
		owner.CompletionPercentage = agg
		owner.UpdatedAt = updatedAt
		owner.Version = app.Version + 1
	}
	bySection[sec.SectionNumber] = next
	r.applications[app.ID] = owner
	return next.Clone(), owner.Clone(), nil
}

func (r *Repository) RecordDecision(_ context.Context, decision models.ReviewDecision, app *models.Application, expectedVersion int64) (*models.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	saved, err := r.updateApplicationLocked(app, expectedVersion)
	if err != nil {
		return nil, err
	}
	r.decisions[app.ID] = append(r.decisions[app.ID], cloneDecision(decision))
	return saved, nil
}

func (r *Repository) ListDecisions(_ context.Context, applicationID string) ([]models.ReviewDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ReviewDecision, 0, len(r.decisions[applicationID]))
	for _, d := range r.decisions[applicationID] {
		out = append(out, cloneDecision(d))
	}
	return out, nil
}

func (r *Repository) AppendComment(_ context.Context, comment models.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.applications[comment.ApplicationID]; !ok {
		return errors.NewNotFoundError("application", comment.ApplicationID)
	}
	r.comments[comment.ApplicationID] = append(r.comments[comment.ApplicationID], comment)
	return nil
}

func (r *Repository) ListComments(_ context.Context, applicationID string) ([]models.Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Comment{}, r.comments[applicationID]...), nil
}

func (r *Repository) Ping(context.Context) error { return nil }

func cloneDecision(d models.ReviewDecision) models.ReviewDecision {
	if d.ComplianceScore != nil {
		score := *d.ComplianceScore
		d.ComplianceScore = &score
	}
	return d
}

func sectionRef(applicationID string, number int) string {
	return fmt.Sprintf("%s/%d", applicationID, number)
}
