package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"filing-workflow/internal/access"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/common/events"
	"filing-workflow/internal/common/logger"
	"filing-workflow/internal/common/metrics"
	"filing-workflow/internal/common/observability"
	"filing-workflow/internal/common/search"
	"filing-workflow/internal/models"
	"filing-workflow/internal/review"
	"filing-workflow/internal/section"
	"filing-workflow/internal/workflow"
	"filing-workflow/pkg/registry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Config struct {
	SubmissionThreshold        int
	SectionCompletionThreshold int
	MaxMergeAttempts           int
}

// Service is the ApplicationStore: every operation reads the caller from
// the context, loads fresh rows, runs the owning component and persists the
// result with a version check.
type Service struct {
	cfg       Config
	repo      Repository
	machine   *workflow.Machine
	pipeline  *review.Pipeline
	tracker   *section.Tracker
	publisher events.Publisher
	indexer   search.Indexer
	obs       *observability.Observability
	logger    logger.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithIndexer(i search.Indexer) Option {
	return func(s *Service) { s.indexer = i }
}

func WithObservability(o *observability.Observability) Option {
	return func(s *Service) { s.obs = o }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(cfg Config, repo Repository, catalog *registry.SectionCatalog, log logger.Logger, opts ...Option) (*Service, error) {
	if cfg.MaxMergeAttempts < 1 {
		cfg.MaxMergeAttempts = 1
	}
	s := &Service{
		cfg:       cfg,
		repo:      repo,
		publisher: events.NopPublisher{},
		indexer:   search.NewMemoryIndex(),
		obs:       observability.Noop(),
		logger:    log.WithFields(map[string]interface{}{"component": "application-store"}),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	tracker, err := section.NewTracker(section.Config{CompletionThreshold: cfg.SectionCompletionThreshold}, catalog, log)
	if err != nil {
		return nil, fmt.Errorf("section tracker: %w", err)
	}
	s.tracker = tracker.WithClock(s.now)
	s.machine = workflow.New(workflow.Config{SubmissionThreshold: cfg.SubmissionThreshold}).WithClock(s.now)
	s.pipeline = review.New(s.machine).WithClock(s.now)
	return s, nil
}

// ==========================
// Applications
// ==========================

type CreateInput struct {
	CompanyID         string          `json:"companyId"`
	Title             string          `json:"title"`
	TargetAmount      float64         `json:"targetAmount"`
	Priority          models.Priority `json:"priority"`
	AssignedAdvisorID string          `json:"assignedAdvisorId"`
}

// CreateApplication opens a DRAFT with its ten empty sections.
func (s *Service) CreateApplication(ctx context.Context, in CreateInput) (app *models.Application, err error) {
	ctx, done := s.observe(ctx, "create_application")
	defer func() { done(err) }()

	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := access.Require(actor, access.CapCreateApplication); err != nil {
		return nil, err
	}

	companyID := strings.TrimSpace(in.CompanyID)
	if actor.Role == models.RoleIssuer {
		if companyID != "" && companyID != actor.CompanyID {
			return nil, errors.NewAccessDeniedError("issuers can only file for their own company")
		}
		companyID = actor.CompanyID
	}
	if companyID == "" {
		return nil, errors.NewFieldValidationError("companyId", "company is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, errors.NewFieldValidationError("title", "title is required")
	}
	if in.TargetAmount < 0 {
		return nil, errors.NewFieldValidationError("targetAmount", "target amount cannot be negative")
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, errors.NewFieldValidationError("priority", fmt.Sprintf("unknown priority %q", in.Priority))
	}

	now := s.now()
	app = &models.Application{
		ID:                uuid.NewString(),
		CompanyID:         companyID,
		Title:             title,
		TargetAmount:      in.TargetAmount,
		Status:            models.StatusDraft,
		CurrentPhase:      workflow.Phase(models.StatusDraft),
		AssignedAdvisorID: strings.TrimSpace(in.AssignedAdvisorID),
		Priority:          priority,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	sections := s.tracker.NewSections(app.ID)
	if err := s.repo.CreateApplication(ctx, app, sections); err != nil {
		return nil, err
	}

	s.logger.Info("Application created", map[string]interface{}{
		"applicationId": app.ID,
		"companyId":     app.CompanyID,
		"actorId":       actor.UserID,
	})
	s.afterChange(ctx, events.New(events.TypeApplicationCreated, app, actor, now), app)
	return app, nil
}

func (s *Service) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.loadAccessible(ctx, actor, id)
}

type ListOptions struct {
	Status models.Status
	Limit  int
	Offset int
}

// ListApplications returns what the caller may see, evaluated against the
// current rows.
func (s *Service) ListApplications(ctx context.Context, opts ListOptions) ([]*models.Application, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, errors.NewFieldValidationError("status", fmt.Sprintf("unknown status %q", opts.Status))
	}

	filter := FilterFor(actor)
	filter.Status = opts.Status
	filter.Limit = opts.Limit
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = DefaultListLimit
	}
	filter.Offset = opts.Offset

	apps, err := s.repo.ListApplications(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Application, 0, len(apps))
	for _, a := range apps {
		if access.CanAccessApplication(actor, a) {
			out = append(out, a)
		}
	}
	return out, nil
}

type UpdateInput struct {
	Title             *string          `json:"title,omitempty"`
	TargetAmount      *float64         `json:"targetAmount,omitempty"`
	Priority          *models.Priority `json:"priority,omitempty"`
	AssignedAdvisorID *string          `json:"assignedAdvisorId,omitempty"`
	// Version is the caller's expected version; 0 means the current row.
	Version int64 `json:"version"`
}

// UpdateApplication edits the descriptive fields of an editable application.
func (s *Service) UpdateApplication(ctx context.Context, id string, in UpdateInput) (app *models.Application, err error) {
	ctx, done := s.observe(ctx, "update_application")
	defer func() { done(err) }()

	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.RequireOwnerSide(actor, current, access.CapManageSections); err != nil {
		return nil, err
	}
	if !current.Status.Editable() {
		return nil, errors.NewValidationError(fmt.Sprintf("application is read-only while %s", current.Status))
	}
	if in.Version != 0 && in.Version != current.Version {
		return nil, errors.NewConcurrencyConflictError("application", id, in.Version)
	}

	next := current.Clone()
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, errors.NewFieldValidationError("title", "title cannot be empty")
		}
		next.Title = title
	}
	if in.TargetAmount != nil {
		if *in.TargetAmount < 0 {
			return nil, errors.NewFieldValidationError("targetAmount", "target amount cannot be negative")
		}
		next.TargetAmount = *in.TargetAmount
	}
	if in.Priority != nil {
		if !in.Priority.Valid() {
			return nil, errors.NewFieldValidationError("priority", fmt.Sprintf("unknown priority %q", *in.Priority))
		}
		next.Priority = *in.Priority
	}
	assigned := false
	if in.AssignedAdvisorID != nil {
		if err := access.Require(actor, access.CapAssignAdvisor); err != nil {
			return nil, err
		}
		next.AssignedAdvisorID = strings.TrimSpace(*in.AssignedAdvisorID)
		assigned = next.AssignedAdvisorID != current.AssignedAdvisorID
	}
	next.UpdatedAt = s.now()

	saved, err := s.repo.UpdateApplication(ctx, next, current.Version)
	if err != nil {
		return nil, err
	}
	if assigned {
		s.afterChange(ctx, s.advisorEvent(saved, actor, current.AssignedAdvisorID), saved)
	} else {
		s.reindex(ctx, saved)
	}
	return saved, nil
}

// Submit hands a DRAFT to the regulator.
func (s *Service) Submit(ctx context.Context, id string) (*models.Application, error) {
	return s.transition(ctx, "submit", id, s.machine.Submit)
}

// RespondToQuery returns a queried application to review.
func (s *Service) RespondToQuery(ctx context.Context, id string) (*models.Application, error) {
	return s.transition(ctx, "respond_to_query", id, s.machine.RespondToQuery)
}

func (s *Service) transition(ctx context.Context, op, id string, fn func(*models.Application, models.Actor) (*models.Application, error)) (app *models.Application, err error) {
	ctx, done := s.observe(ctx, op)
	defer func() { done(err) }()

	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := fn(current, actor)
	if err != nil {
		return nil, err
	}
	saved, err := s.repo.UpdateApplication(ctx, next, current.Version)
	if err != nil {
		return nil, err
	}
	s.statusChanged(ctx, current, saved, actor)
	return saved, nil
}

// ==========================
// Sections
// ==========================

func (s *Service) GetSection(ctx context.Context, id string, number int) (*models.Section, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := validSectionNumber(number); err != nil {
		return nil, err
	}
	if _, err := s.loadAccessible(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.repo.GetSection(ctx, id, number)
}

func (s *Service) ListSections(ctx context.Context, id string) ([]*models.Section, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadAccessible(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.repo.ListSections(ctx, id)
}

// SaveSectionFields merges field updates into a section. With
// expectedVersion 0 a version conflict reloads the section and re-applies
// the same updates, up to MaxMergeAttempts times. A non-zero
// expectedVersion is checked strictly.
func (s *Service) SaveSectionFields(ctx context.Context, id string, number int, updates []section.FieldUpdate, expectedVersion int64) (sec *models.Section, err error) {
	ctx, done := s.observe(ctx, "save_section_fields", attribute.Int("section", number))
	defer func() {
		metrics.SectionSaves.WithLabelValues(outcomeOf(err)).Inc()
		done(err)
	}()

	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := validSectionNumber(number); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		app, err := s.repo.GetApplication(ctx, id)
		if err != nil {
			return nil, err
		}
		current, err := s.repo.GetSection(ctx, id, number)
		if err != nil {
			return nil, err
		}
		if expectedVersion != 0 && current.Version != expectedVersion {
			return nil, errors.NewConcurrencyConflictError("section", current.ID, expectedVersion)
		}

		next, err := s.tracker.ApplyFields(actor, app, current, updates)
		if err != nil {
			return nil, err
		}
		saved, owner, err := s.repo.SaveSection(ctx, next, current.Version, section.AggregateCompletion, s.now())
		if err == nil {
			if owner.CompletionPercentage != app.CompletionPercentage {
				s.reindex(ctx, owner)
			}
			return saved, nil
		}
		if !errors.IsConcurrencyConflict(err) || expectedVersion != 0 || attempt >= s.cfg.MaxMergeAttempts {
			return nil, err
		}
		metrics.MergeRetries.Inc()
		s.logger.Debug("Section changed concurrently, re-merging", map[string]interface{}{
			"applicationId": id,
			"section":       number,
			"attempt":       attempt,
		})
	}
}

// CompleteSection marks a section COMPLETED once it clears the threshold.
func (s *Service) CompleteSection(ctx context.Context, id string, number int) (sec *models.Section, err error) {
	ctx, done := s.observe(ctx, "complete_section", attribute.Int("section", number))
	defer func() { done(err) }()

	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := validSectionNumber(number); err != nil {
		return nil, err
	}
	app, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetSection(ctx, id, number)
	if err != nil {
		return nil, err
	}
	next, err := s.tracker.Complete(actor, app, current)
	if err != nil {
		return nil, err
	}
	saved, err := s.repo.UpdateSection(ctx, next, current.Version)
	if err != nil {
		return nil, err
	}

	ev := events.New(events.TypeSectionCompleted, app, actor, s.now())
	ev.Attributes["sectionNumber"] = number
	s.publish(ctx, ev)
	return saved, nil
}

// MarkSectionReviewed stamps the reviewing regulator on a section.
func (s *Service) MarkSectionReviewed(ctx context.Context, id string, number int) (*models.Section, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := validSectionNumber(number); err != nil {
		return nil, err
	}
	app, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetSection(ctx, id, number)
	if err != nil {
		return nil, err
	}
	next, err := s.tracker.MarkReviewed(actor, app, current)
	if err != nil {
		return nil, err
	}
	return s.repo.UpdateSection(ctx, next, current.Version)
}

// ==========================
// Review
// ==========================

// Review applies a regulator action and records its decision atomically
// with the status change.
func (s *Service) Review(ctx context.Context, id string, in review.Input) (out *review.Outcome, err error) {
	ctx, done := s.observe(ctx, "review", attribute.String("action", string(in.Action)))
	defer func() { done(err) }()

	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome, err := s.pipeline.Apply(current, actor, in)
	if err != nil {
		return nil, err
	}
	saved, err := s.repo.RecordDecision(ctx, outcome.Decision, outcome.Application, current.Version)
	if err != nil {
		return nil, err
	}
	metrics.ReviewDecisions.WithLabelValues(string(outcome.Decision.Action)).Inc()
	s.logger.Info("Review decision recorded", map[string]interface{}{
		"applicationId": id,
		"action":        string(outcome.Decision.Action),
		"reviewerId":    actor.UserID,
		"toStatus":      string(saved.Status),
	})
	s.statusChanged(ctx, current, saved, actor)
	return &review.Outcome{Application: saved, Decision: outcome.Decision}, nil
}

func (s *Service) ListDecisions(ctx context.Context, id string) ([]models.ReviewDecision, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadAccessible(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.repo.ListDecisions(ctx, id)
}

// ==========================
// Assignment
// ==========================

// AssignAdvisor sets the IB advisor; an empty advisorID is rejected, use
// UnassignAdvisor to clear.
func (s *Service) AssignAdvisor(ctx context.Context, id, advisorID string) (*models.Application, error) {
	advisorID = strings.TrimSpace(advisorID)
	if advisorID == "" {
		return nil, errors.NewFieldValidationError("advisorId", "advisor is required")
	}
	return s.setAdvisor(ctx, id, advisorID)
}

func (s *Service) UnassignAdvisor(ctx context.Context, id string) (*models.Application, error) {
	return s.setAdvisor(ctx, id, "")
}

func (s *Service) setAdvisor(ctx context.Context, id, advisorID string) (app *models.Application, err error) {
	ctx, done := s.observe(ctx, "assign_advisor")
	defer func() { done(err) }()

	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.RequireOwnerSide(actor, current, access.CapAssignAdvisor); err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, errors.NewValidationError(fmt.Sprintf("cannot change the advisor of a %s application", current.Status))
	}
	if current.AssignedAdvisorID == advisorID {
		return current, nil
	}

	next := current.Clone()
	next.AssignedAdvisorID = advisorID
	next.UpdatedAt = s.now()
	saved, err := s.repo.UpdateApplication(ctx, next, current.Version)
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, s.advisorEvent(saved, actor, current.AssignedAdvisorID), saved)
	return saved, nil
}

func (s *Service) advisorEvent(app *models.Application, actor models.Actor, previous string) events.Event {
	ev := events.New(events.TypeAdvisorAssigned, app, actor, s.now())
	ev.Attributes["advisorId"] = app.AssignedAdvisorID
	ev.Attributes["previousAdvisorId"] = previous
	return ev
}

// ==========================
// Comments
// ==========================

type CommentInput struct {
	SectionNumber *int   `json:"sectionNumber,omitempty"`
	Content       string `json:"content"`
	IsInternal    bool   `json:"isInternal"`
}

func (s *Service) AddComment(ctx context.Context, id string, in CommentInput) (*models.Comment, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := access.Require(actor, access.CapComment); err != nil {
		return nil, err
	}
	app, err := s.loadAccessible(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, errors.NewFieldValidationError("content", "comment cannot be empty")
	}
	if in.IsInternal && !access.Has(actor.Role, access.CapViewInternal) {
		return nil, errors.NewAccessDeniedError(fmt.Sprintf("role %s cannot post internal comments", actor.Role))
	}

	c := models.Comment{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		AuthorID:      actor.UserID,
		AuthorRole:    actor.Role,
		Content:       content,
		IsInternal:    in.IsInternal,
		CreatedAt:     s.now(),
	}
	if in.SectionNumber != nil {
		if err := validSectionNumber(*in.SectionNumber); err != nil {
			return nil, err
		}
		sec, err := s.repo.GetSection(ctx, id, *in.SectionNumber)
		if err != nil {
			return nil, err
		}
		c.SectionID = sec.ID
	}
	if err := s.repo.AppendComment(ctx, c); err != nil {
		return nil, err
	}

	ev := events.New(events.TypeCommentAdded, app, actor, c.CreatedAt)
	ev.Attributes["commentId"] = c.ID
	ev.Attributes["isInternal"] = c.IsInternal
	s.publish(ctx, ev)
	return &c, nil
}

// ListComments hides internal comments from callers who may not see them.
func (s *Service) ListComments(ctx context.Context, id string) ([]models.Comment, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadAccessible(ctx, actor, id); err != nil {
		return nil, err
	}
	all, err := s.repo.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]models.Comment, 0, len(all))
	for _, c := range all {
		if access.CanSeeComment(actor, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ==========================
// Search
// ==========================

type SearchInput struct {
	Text   string
	Status models.Status
	From   int
	Size   int
}

// Search queries the index and re-checks access against the current rows.
func (s *Service) Search(ctx context.Context, in SearchInput) ([]*models.Application, error) {
	actor, err := access.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	q := search.Query{Text: in.Text, From: in.From, Size: in.Size}
	if actor.Role == models.RoleIssuer {
		q.CompanyID = actor.CompanyID
	}
	if in.Status != "" {
		if !in.Status.Valid() {
			return nil, errors.NewFieldValidationError("status", fmt.Sprintf("unknown status %q", in.Status))
		}
		q.Statuses = []models.Status{in.Status}
	}

	res, err := s.indexer.Search(ctx, q)
	if err != nil {
		return nil, errors.NewStorageError("search", err)
	}
	out := make([]*models.Application, 0, len(res.IDs))
	for _, id := range res.IDs {
		app, err := s.repo.GetApplication(ctx, id)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if access.CanAccessApplication(actor, app) {
			out = append(out, app)
		}
	}
	return out, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// ==========================
// Helpers
// ==========================

func (s *Service) loadAccessible(ctx context.Context, actor models.Actor, id string) (*models.Application, error) {
	app, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := access.RequireApplication(actor, app); err != nil {
		return nil, err
	}
	return app, nil
}

func (s *Service) statusChanged(ctx context.Context, before, after *models.Application, actor models.Actor) {
	metrics.StatusTransitions.WithLabelValues(string(before.Status), string(after.Status)).Inc()
	s.logger.Info("Application status changed", map[string]interface{}{
		"applicationId": after.ID,
		"from":          string(before.Status),
		"to":            string(after.Status),
		"actorId":       actor.UserID,
		"version":       after.Version,
	})
	ev := events.New(events.TypeApplicationStatusChanged, after, actor, after.UpdatedAt)
	ev.FromStatus = before.Status
	s.afterChange(ctx, ev, after)
}

func (s *Service) afterChange(ctx context.Context, ev events.Event, app *models.Application) {
	s.publish(ctx, ev)
	s.reindex(ctx, app)
}

// publish is best-effort; a failed sink never fails the request.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		metrics.EventsPublished.WithLabelValues("all", "error").Inc()
		s.logger.Warn("Failed to publish event", map[string]interface{}{
			"eventType":     string(ev.Type),
			"applicationId": ev.ApplicationID,
			"error":         err,
		})
		return
	}
	metrics.EventsPublished.WithLabelValues("all", "ok").Inc()
}

func (s *Service) reindex(ctx context.Context, app *models.Application) {
	if err := s.indexer.IndexApplication(ctx, app); err != nil {
		s.logger.Warn("Failed to index application", map[string]interface{}{
			"applicationId": app.ID,
			"error":         err,
		})
	}
}

func (s *Service) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.obs.StartSpan(ctx, "store."+op, attrs...)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(errors.CodeOf(err)))
		}
		span.End()
		s.obs.RecordOperation(ctx, op, outcomeOf(err), time.Since(start))
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(errors.CodeOf(err)))
}

func validSectionNumber(n int) error {
	if n < 1 || n > registry.SectionCount {
		return errors.NewNotFoundError("section", fmt.Sprintf("%d", n))
	}
	return nil
}
