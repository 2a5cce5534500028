// Package section tracks per-section content and completion.
package section

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"filing-workflow/internal/access"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/common/logger"
	"filing-workflow/internal/common/validation"
	"filing-workflow/internal/models"
	"filing-workflow/pkg/registry"

	"github.com/google/uuid"
)

// FieldUpdate is one value written at a dotted path.
type FieldUpdate struct {
	Path  string       `json:"path"`
	Value models.Value `json:"value"`
}

type Config struct {
	// CompletionThreshold is the minimum completion, in percent, to mark a section complete.
	CompletionThreshold int
}

type Tracker struct {
	cfg        Config
	catalog    *registry.SectionCatalog
	validators map[int]*validation.SchemaValidator
	logger     logger.Logger
	now        func() time.Time
}

func NewTracker(cfg Config, catalog *registry.SectionCatalog, log logger.Logger) (*Tracker, error) {
	if catalog == nil {
		catalog = registry.Default()
	}
	validators := make(map[int]*validation.SchemaValidator, len(catalog.Sections))
	for _, def := range catalog.Sections {
		v, err := validation.NewSchemaValidator(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", def.Number, err)
		}
		validators[def.Number] = v
	}
	return &Tracker{
		cfg:        cfg,
		catalog:    catalog,
		validators: validators,
		logger:     log.WithFields(map[string]interface{}{"component": "section-tracker"}),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// NewSections builds the fixed set of empty sections for a new application.
func (t *Tracker) NewSections(applicationID string) []*models.Section {
	now := t.now()
	out := make([]*models.Section, 0, registry.SectionCount)
	for n := 1; n <= registry.SectionCount; n++ {
		def, _ := t.catalog.Lookup(n)
		out = append(out, &models.Section{
			ID:               uuid.NewString(),
			ApplicationID:    applicationID,
			SectionNumber:    n,
			Title:            def.Title,
			Data:             models.Data{},
			ObservedKeys:     []string{},
			Status:           models.SectionNotStarted,
			ValidationErrors: []models.ValidationError{},
			UpdatedAt:        now,
			Version:          1,
		})
	}
	return out
}

// ApplyFields merges updates into a copy of sec and recomputes its derived
// state. sec is left untouched.
func (t *Tracker) ApplyFields(actor models.Actor, app *models.Application, sec *models.Section, updates []FieldUpdate) (*models.Section, error) {
	if err := t.checkWritable(actor, app, sec); err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, errors.NewValidationError("no fields to update")
	}

	next := sec.Clone()
	for _, u := range updates {
		if err := next.Data.Set(u.Path, u.Value); err != nil {
			return nil, errors.NewFieldValidationError(u.Path, err.Error())
		}
	}
	t.recompute(next)
	return next, nil
}

// UpdateField is ApplyFields for a single path.
func (t *Tracker) UpdateField(actor models.Actor, app *models.Application, sec *models.Section, path string, value models.Value) (*models.Section, error) {
	return t.ApplyFields(actor, app, sec, []FieldUpdate{{Path: path, Value: value}})
}

// Complete marks a copy of sec COMPLETED when it is non-empty and at or
// above the completion threshold.
func (t *Tracker) Complete(actor models.Actor, app *models.Application, sec *models.Section) (*models.Section, error) {
	if err := t.checkWritable(actor, app, sec); err != nil {
		return nil, err
	}
	if len(sec.Data.Flatten()) == 0 || sec.CompletionPercentage < t.cfg.CompletionThreshold {
		return nil, errors.NewFieldValidationError("completionPercentage",
			fmt.Sprintf("cannot complete empty/under-threshold section: %d%% complete, %d%% required",
				sec.CompletionPercentage, t.cfg.CompletionThreshold))
	}

	now := t.now()
	next := sec.Clone()
	next.Status = models.SectionCompleted
	next.CompletedBy = actor.UserID
	next.CompletedAt = &now
	next.UpdatedAt = now
	return next, nil
}

// MarkReviewed stamps the reviewer on a copy of sec.
func (t *Tracker) MarkReviewed(actor models.Actor, app *models.Application, sec *models.Section) (*models.Section, error) {
	if err := access.Require(actor, access.CapReviewSections); err != nil {
		return nil, err
	}
	if err := access.RequireApplication(actor, app); err != nil {
		return nil, err
	}
	if app.Status != models.StatusUnderReview && app.Status != models.StatusQueryIssued {
		return nil, errors.NewValidationError(fmt.Sprintf("sections can only be reviewed while the application is under review, status is %s", app.Status))
	}
	if sec.ApplicationID != app.ID {
		return nil, errors.NewNotFoundError("section", sec.ID)
	}

	now := t.now()
	next := sec.Clone()
	next.ReviewedBy = actor.UserID
	next.ReviewedAt = &now
	next.UpdatedAt = now
	return next, nil
}

func (t *Tracker) checkWritable(actor models.Actor, app *models.Application, sec *models.Section) error {
	if err := access.RequireOwnerSide(actor, app, access.CapManageSections); err != nil {
		return err
	}
	if sec.ApplicationID != app.ID {
		return errors.NewNotFoundError("section", sec.ID)
	}
	if !app.Status.Editable() {
		return errors.NewValidationError(fmt.Sprintf("sections are read-only while the application is %s", app.Status))
	}
	return nil
}

func (t *Tracker) recompute(sec *models.Section) {
	if sec.Data == nil {
		sec.Data = models.Data{}
	}
	sec.ObservedKeys = MergeObserved(sec.ObservedKeys, sec.Data.LeafKeys())
	sec.CompletionPercentage = Completion(sec.ObservedKeys, sec.Data)
	sec.ValidationErrors = t.hints(sec)

	switch {
	case sec.Status == models.SectionNotStarted && sec.CompletionPercentage > 0:
		sec.Status = models.SectionInProgress
	case sec.Status == models.SectionCompleted && sec.CompletionPercentage < t.cfg.CompletionThreshold:
		sec.Status = models.SectionInProgress
		sec.CompletedBy = ""
		sec.CompletedAt = nil
	}
	sec.UpdatedAt = t.now()
}

func (t *Tracker) hints(sec *models.Section) []models.ValidationError {
	v := t.validators[sec.SectionNumber]
	errs, err := v.Validate(sec.Data.Interface())
	if err != nil {
		t.logger.Warn("Section schema validation failed", map[string]interface{}{
			"sectionId": sec.ID,
			"error":     err.Error(),
		})
		return []models.ValidationError{}
	}
	out := make([]models.ValidationError, 0, len(errs))
	for _, e := range errs {
		out = append(out, models.ValidationError{Field: e.Field, Code: e.Code, Message: e.Message})
	}
	return out
}

// MergeObserved unions the observed key set with the current leaves, then
// drops keys that conflict with the current shape: a key that is now an
// intermediate map, or a key below what is now a leaf.
func MergeObserved(observed, leaves []string) []string {
	current := make(map[string]bool, len(leaves))
	for _, l := range leaves {
		current[l] = true
	}
	set := make(map[string]bool, len(observed)+len(leaves))
	for _, k := range observed {
		set[k] = true
	}
	for _, l := range leaves {
		set[l] = true
	}

	out := make([]string, 0, len(set))
	for k := range set {
		if !current[k] && conflicts(k, leaves) {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func conflicts(key string, leaves []string) bool {
	for _, l := range leaves {
		if strings.HasPrefix(l, key+".") || strings.HasPrefix(key, l+".") {
			return true
		}
	}
	return false
}

// Completion is round(100 * filled / observed), 0 when nothing was observed.
func Completion(observed []string, data models.Data) int {
	if len(observed) == 0 {
		return 0
	}
	flat := data.Flatten()
	filled := 0
	for _, k := range observed {
		if v, ok := flat[k]; ok && v.Filled() {
			filled++
		}
	}
	return int(math.Round(100 * float64(filled) / float64(len(observed))))
}

// AggregateCompletion is the rounded mean of section completions.
func AggregateCompletion(sections []*models.Section) int {
	if len(sections) == 0 {
		return 0
	}
	sum := 0
	for _, s := range sections {
		sum += s.CompletionPercentage
	}
	return int(math.Round(float64(sum) / float64(len(sections))))
}
