package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"filing-workflow/internal/access"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/common/events"
	"filing-workflow/internal/common/logger"
	"filing-workflow/internal/common/search"
	"filing-workflow/internal/models"
	"filing-workflow/internal/review"
	"filing-workflow/internal/section"
	"filing-workflow/internal/store"
	"filing-workflow/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var (
	issuer    = models.Actor{UserID: "u-issuer", Role: models.RoleIssuer, CompanyID: "acme"}
	outsider  = models.Actor{UserID: "u-other", Role: models.RoleIssuer, CompanyID: "globex"}
	advisor   = models.Actor{UserID: "adv-1", Role: models.RoleIBAdvisor}
	regulator = models.Actor{UserID: "reg-1", Role: models.RoleCMARegulator}
	admin     = models.Actor{UserID: "admin-1", Role: models.RoleCMAAdmin}
)

func as(actor models.Actor) context.Context {
	return access.WithActor(context.Background(), actor)
}

type testEnv struct {
	svc      *store.Service
	repo     store.Repository
	recorder *events.Recorder
}

func createTestService(t *testing.T, repo store.Repository) *testEnv {
	if repo == nil {
		repo = memory.New()
	}
	rec := &events.Recorder{}
	svc, err := store.NewService(store.Config{
		SubmissionThreshold:        80,
		SectionCompletionThreshold: 80,
		MaxMergeAttempts:           5,
	}, repo, nil, logger.NewTestLogger(t), store.WithPublisher(rec), store.WithIndexer(search.NewMemoryIndex()))
	require.NoError(t, err)
	return &testEnv{svc: svc, repo: repo, recorder: rec}
}

func createTestApplication(t *testing.T, env *testEnv) *models.Application {
	app, err := env.svc.CreateApplication(as(issuer), store.CreateInput{
		Title:             "Acme Bond Issue",
		TargetAmount:      5_000_000,
		AssignedAdvisorID: advisor.UserID,
	})
	require.NoError(t, err)
	return app
}

func fields(kv ...interface{}) []section.FieldUpdate {
	out := make([]section.FieldUpdate, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		v, err := models.FromInterface(kv[i+1])
		if err != nil {
			panic(err)
		}
		out = append(out, section.FieldUpdate{Path: kv[i].(string), Value: v})
	}
	return out
}

func fillSections(t *testing.T, env *testEnv, appID string, numbers ...int) {
	for _, n := range numbers {
		_, err := env.svc.SaveSectionFields(as(issuer), appID, n, fields("summary", fmt.Sprintf("section %d", n)), 0)
		require.NoError(t, err)
	}
}

func submittedApplication(t *testing.T, env *testEnv) *models.Application {
	app := createTestApplication(t, env)
	fillSections(t, env, app.ID, 1, 2, 3, 4, 5, 6, 7, 8)
	submitted, err := env.svc.Submit(as(issuer), app.ID)
	require.NoError(t, err)
	return submitted
}

// ==========================
// Application Lifecycle Tests
// ==========================

func TestCreateApplication(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)

	assert.Equal(t, models.StatusDraft, app.Status)
	assert.Equal(t, models.PhasePreparation, app.CurrentPhase)
	assert.Equal(t, "acme", app.CompanyID)
	assert.Equal(t, 0, app.CompletionPercentage)

	sections, err := env.svc.ListSections(as(issuer), app.ID)
	require.NoError(t, err)
	require.Len(t, sections, 10)
	for _, s := range sections {
		assert.Equal(t, models.SectionNotStarted, s.Status)
		assert.Equal(t, 0, s.CompletionPercentage)
	}
	assert.Equal(t, []events.Type{events.TypeApplicationCreated}, env.recorder.Types())
}

func TestCreateApplication_Validation(t *testing.T) {
	env := createTestService(t, nil)

	tests := []struct {
		name     string
		actor    models.Actor
		input    store.CreateInput
		wantCode errors.ErrorCode
	}{
		{"missing title", issuer, store.CreateInput{}, errors.ErrCodeValidation},
		{"bad priority", issuer, store.CreateInput{Title: "x", Priority: "SOON"}, errors.ErrCodeValidation},
		{"foreign company", issuer, store.CreateInput{Title: "x", CompanyID: "globex"}, errors.ErrCodeAccessDenied},
		{"regulator cannot create", regulator, store.CreateInput{Title: "x", CompanyID: "acme"}, errors.ErrCodeAccessDenied},
		{"admin needs a company", admin, store.CreateInput{Title: "x"}, errors.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateApplication(as(tt.actor), tt.input)
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))
		})
	}

	_, err := env.svc.CreateApplication(context.Background(), store.CreateInput{Title: "x"})
	assert.Equal(t, errors.ErrCodeUnauthenticated, errors.CodeOf(err))
}

func TestGetApplication_CrossCompanyDenied(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)

	_, err := env.svc.GetApplication(as(outsider), app.ID)
	assert.True(t, errors.IsAccessDenied(err))

	_, err = env.svc.GetSection(as(outsider), app.ID, 1)
	assert.True(t, errors.IsAccessDenied(err))

	_, err = env.svc.SaveSectionFields(as(outsider), app.ID, 1, fields("a", "b"), 0)
	assert.True(t, errors.IsAccessDenied(err))

	_, err = env.svc.GetApplication(as(issuer), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestSectionCompletionFlow(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)

	sec, err := env.svc.SaveSectionFields(as(issuer), app.ID, 1, fields("name", "Acme", "sector", ""), 0)
	require.NoError(t, err)
	assert.Equal(t, 50, sec.CompletionPercentage)

	_, err = env.svc.CompleteSection(as(issuer), app.ID, 1)
	assert.True(t, errors.IsValidation(err))

	_, err = env.svc.SaveSectionFields(as(issuer), app.ID, 1, fields("sector", "Fintech"), 0)
	require.NoError(t, err)
	done, err := env.svc.CompleteSection(as(issuer), app.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SectionCompleted, done.Status)
	assert.Equal(t, 100, done.CompletionPercentage)

	got, err := env.svc.GetApplication(as(issuer), app.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CompletionPercentage)
	assert.Contains(t, env.recorder.Types(), events.TypeSectionCompleted)
}

func TestSubmit_BelowThreshold(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)
	fillSections(t, env, app.ID, 1, 2, 3, 4)

	_, err := env.svc.Submit(as(issuer), app.ID)
	require.True(t, errors.IsValidation(err))

	got, err := env.svc.GetApplication(as(issuer), app.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.CompletionPercentage)
	assert.Equal(t, models.StatusDraft, got.Status)
}

func TestSubmit_AndReviewWindow(t *testing.T) {
	env := createTestService(t, nil)
	app := submittedApplication(t, env)

	assert.Equal(t, models.StatusSubmitted, app.Status)
	assert.Equal(t, 80, app.CompletionPercentage)
	require.NotNil(t, app.SubmittedAt)

	_, err := env.svc.SaveSectionFields(as(issuer), app.ID, 9, fields("a", "b"), 0)
	assert.True(t, errors.IsValidation(err), "sections are read-only once submitted")

	_, err = env.svc.Submit(as(issuer), app.ID)
	assert.True(t, errors.IsStateTransition(err))

	last := env.recorder.Events()[len(env.recorder.Events())-1]
	assert.Equal(t, events.TypeApplicationStatusChanged, last.Type)
	assert.Equal(t, models.StatusDraft, last.FromStatus)
	assert.Equal(t, models.StatusSubmitted, last.ToStatus)
}

func TestReview_IssueQueryRecordsDecision(t *testing.T) {
	env := createTestService(t, nil)
	app := submittedApplication(t, env)
	score := 72

	out, err := env.svc.Review(as(regulator), app.ID, review.Input{
		Action:          models.ActionIssueQuery,
		Comment:         "Clarify use of proceeds",
		RiskRating:      models.RiskMedium,
		ComplianceScore: &score,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueryIssued, out.Application.Status)
	assert.Equal(t, app.Version+1, out.Application.Version)

	decisions, err := env.svc.ListDecisions(as(regulator), app.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, models.ActionIssueQuery, d.Action)
	assert.Equal(t, "reg-1", d.ReviewerID)
	assert.Equal(t, "Clarify use of proceeds", d.Comment)
	assert.Equal(t, models.RiskMedium, d.RiskRating)
	require.NotNil(t, d.ComplianceScore)
	assert.Equal(t, 72, *d.ComplianceScore)
	assert.Equal(t, models.StatusSubmitted, d.FromStatus)
	assert.Equal(t, models.StatusQueryIssued, d.ToStatus)

	_, err = env.svc.SaveSectionFields(as(issuer), app.ID, 9, fields("answer", "Working capital"), 0)
	require.NoError(t, err, "queried applications are editable")

	responded, err := env.svc.RespondToQuery(as(issuer), app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderReview, responded.Status)

	approved, err := env.svc.Review(as(regulator), app.ID, review.Input{Action: models.ActionApprove, Comment: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Application.Status)

	_, err = env.svc.Review(as(regulator), app.ID, review.Input{Action: models.ActionReject, Comment: "late"})
	assert.True(t, errors.IsAccessDenied(err), "decided applications leave the unassigned regulator's view")

	_, err = env.svc.Review(as(admin), app.ID, review.Input{Action: models.ActionReject, Comment: "late"})
	assert.True(t, errors.IsStateTransition(err))
}

func TestReview_AccessRules(t *testing.T) {
	env := createTestService(t, nil)
	draft := createTestApplication(t, env)

	_, err := env.svc.Review(as(regulator), draft.ID, review.Input{Action: models.ActionStartReview})
	assert.True(t, errors.IsAccessDenied(err), "drafts are invisible to unassigned regulators")

	_, err = env.svc.Review(as(admin), draft.ID, review.Input{Action: models.ActionStartReview})
	assert.True(t, errors.IsStateTransition(err))

	app := submittedApplication(t, env)
	_, err = env.svc.Review(as(issuer), app.ID, review.Input{Action: models.ActionApprove, Comment: "self"})
	assert.True(t, errors.IsAccessDenied(err))

	out, err := env.svc.Review(as(regulator), app.ID, review.Input{Action: models.ActionStartReview})
	require.NoError(t, err)
	assert.Equal(t, "reg-1", out.Application.AssignedRegulatorID)
	assert.Equal(t, models.PhaseReview, out.Application.CurrentPhase)
}

// ==========================
// Concurrency Tests
// ==========================

func TestSaveSectionFields_ConcurrentDistinctPaths(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.SaveSectionFields(as(issuer), app.ID, 2, fields(fmt.Sprintf("field%d", i), "value"), 0)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		if err != nil {
			require.True(t, errors.IsConcurrencyConflict(err), "unexpected error: %v", err)
			failures++
		}
	}

	sec, err := env.svc.GetSection(as(issuer), app.ID, 2)
	require.NoError(t, err)
	assert.Len(t, sec.Data.LeafKeys(), writers-failures)

	got, err := env.svc.GetApplication(as(issuer), app.ID)
	require.NoError(t, err)
	sections, err := env.svc.ListSections(as(issuer), app.ID)
	require.NoError(t, err)
	assert.Equal(t, section.AggregateCompletion(sections), got.CompletionPercentage)
}

// racingRepository writes a competing field into the section right before
// the first version-checked section save.
type racingRepository struct {
	*memory.Repository
	once sync.Once
}

func (r *racingRepository) SaveSection(ctx context.Context, sec *models.Section, expected int64, aggregate store.AggregateFunc, at time.Time) (*models.Section, *models.Application, error) {
	r.once.Do(func() {
		current, _ := r.Repository.GetSection(ctx, sec.ApplicationID, sec.SectionNumber)
		_ = current.Data.Set("other", models.String("from another tab"))
		current.ObservedKeys = append(current.ObservedKeys, "other")
		_, _, _ = r.Repository.SaveSection(ctx, current, current.Version, aggregate, at)
	})
	return r.Repository.SaveSection(ctx, sec, expected, aggregate, at)
}

// brokenApplicationWrites fails every standalone application update.
type brokenApplicationWrites struct {
	*memory.Repository
}

func (r *brokenApplicationWrites) UpdateApplication(context.Context, *models.Application, int64) (*models.Application, error) {
	return nil, errors.NewStorageError("update_application", fmt.Errorf("connection reset"))
}

func TestSaveSectionFields_AggregateCommitsWithSection(t *testing.T) {
	env := createTestService(t, &brokenApplicationWrites{Repository: memory.New()})
	app := createTestApplication(t, env)

	sec, err := env.svc.SaveSectionFields(as(issuer), app.ID, 1, fields("a.b", "v"), 0)
	require.NoError(t, err)
	assert.Equal(t, 100, sec.CompletionPercentage)

	got, err := env.svc.GetApplication(as(issuer), app.ID)
	require.NoError(t, err)
	sections, err := env.svc.ListSections(as(issuer), app.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CompletionPercentage)
	assert.Equal(t, section.AggregateCompletion(sections), got.CompletionPercentage)
}

func TestSaveSectionFields_FailedSaveLeavesRowsUntouched(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)

	_, err := env.svc.SaveSectionFields(as(issuer), app.ID, 1, fields("a", "x"), 7)
	require.True(t, errors.IsConcurrencyConflict(err))

	sec, err := env.svc.GetSection(as(issuer), app.ID, 1)
	require.NoError(t, err)
	_, present := sec.Data.Get("a")
	assert.False(t, present)
	assert.Equal(t, 0, sec.CompletionPercentage)

	got, err := env.svc.GetApplication(as(issuer), app.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CompletionPercentage)
	assert.Equal(t, app.Version, got.Version)
}

func TestSaveSectionFields_RemergesOnConflict(t *testing.T) {
	repo := &racingRepository{Repository: memory.New()}
	env := createTestService(t, repo)
	app := createTestApplication(t, env)

	sec, err := env.svc.SaveSectionFields(as(issuer), app.ID, 1, fields("mine", "x"), 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"mine", "other"}, sec.Data.LeafKeys())
	assert.Equal(t, 100, sec.CompletionPercentage)
}

func TestSaveSectionFields_ExplicitVersionIsStrict(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)

	sec, err := env.svc.SaveSectionFields(as(issuer), app.ID, 1, fields("a", "x"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sec.Version)

	_, err = env.svc.SaveSectionFields(as(issuer), app.ID, 1, fields("b", "y"), 1)
	assert.True(t, errors.IsConcurrencyConflict(err))

	_, err = env.svc.SaveSectionFields(as(issuer), app.ID, 11, fields("b", "y"), 0)
	assert.True(t, errors.IsNotFound(err))
}

// ==========================
// Update, Assignment and Comment Tests
// ==========================

func TestUpdateApplication(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)
	title := "Acme Green Bond"
	priority := models.PriorityHigh

	updated, err := env.svc.UpdateApplication(as(issuer), app.ID, store.UpdateInput{Title: &title, Priority: &priority, Version: app.Version})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, models.PriorityHigh, updated.Priority)

	_, err = env.svc.UpdateApplication(as(issuer), app.ID, store.UpdateInput{Title: &title, Version: app.Version})
	assert.True(t, errors.IsConcurrencyConflict(err))

	empty := "  "
	_, err = env.svc.UpdateApplication(as(issuer), app.ID, store.UpdateInput{Title: &empty})
	assert.True(t, errors.IsValidation(err))
}

func TestAssignAdvisor(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)

	updated, err := env.svc.AssignAdvisor(as(issuer), app.ID, "adv-2")
	require.NoError(t, err)
	assert.Equal(t, "adv-2", updated.AssignedAdvisorID)

	_, err = env.svc.GetApplication(as(advisor), app.ID)
	assert.True(t, errors.IsAccessDenied(err), "the previous advisor loses access immediately")

	_, err = env.svc.AssignAdvisor(as(regulator), app.ID, "adv-3")
	assert.True(t, errors.IsAccessDenied(err))

	_, err = env.svc.AssignAdvisor(as(issuer), app.ID, "")
	assert.True(t, errors.IsValidation(err))

	cleared, err := env.svc.UnassignAdvisor(as(models.Actor{UserID: "adv-2", Role: models.RoleIBAdvisor}), app.ID)
	require.NoError(t, err)
	assert.Empty(t, cleared.AssignedAdvisorID)
	assert.Contains(t, env.recorder.Types(), events.TypeAdvisorAssigned)
}

func TestComments_Visibility(t *testing.T) {
	env := createTestService(t, nil)
	app := submittedApplication(t, env)
	three := 3

	_, err := env.svc.AddComment(as(issuer), app.ID, store.CommentInput{Content: "Ready for review", SectionNumber: &three})
	require.NoError(t, err)
	_, err = env.svc.AddComment(as(regulator), app.ID, store.CommentInput{Content: "Check section 3 figures", IsInternal: true})
	require.NoError(t, err)

	_, err = env.svc.AddComment(as(issuer), app.ID, store.CommentInput{Content: "secret", IsInternal: true})
	assert.True(t, errors.IsAccessDenied(err))
	_, err = env.svc.AddComment(as(issuer), app.ID, store.CommentInput{Content: "   "})
	assert.True(t, errors.IsValidation(err))

	issuerView, err := env.svc.ListComments(as(issuer), app.ID)
	require.NoError(t, err)
	require.Len(t, issuerView, 1)
	assert.NotEmpty(t, issuerView[0].SectionID)

	regulatorView, err := env.svc.ListComments(as(regulator), app.ID)
	require.NoError(t, err)
	assert.Len(t, regulatorView, 2)
}

// ==========================
// List and Search Tests
// ==========================

func TestListApplications_RoleFiltered(t *testing.T) {
	env := createTestService(t, nil)
	draft := createTestApplication(t, env)
	submitted := submittedApplication(t, env)
	_, err := env.svc.CreateApplication(as(outsider), store.CreateInput{Title: "Globex IPO"})
	require.NoError(t, err)

	ids := func(apps []*models.Application) []string {
		out := []string{}
		for _, a := range apps {
			out = append(out, a.ID)
		}
		return out
	}

	mine, err := env.svc.ListApplications(as(issuer), store.ListOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{draft.ID, submitted.ID}, ids(mine))

	reg, err := env.svc.ListApplications(as(regulator), store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{submitted.ID}, ids(reg))

	all, err := env.svc.ListApplications(as(admin), store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	drafts, err := env.svc.ListApplications(as(admin), store.ListOptions{Status: models.StatusDraft})
	require.NoError(t, err)
	assert.Len(t, drafts, 2)

	_, err = env.svc.ListApplications(as(admin), store.ListOptions{Status: "PENDING"})
	assert.True(t, errors.IsValidation(err))
}

func TestSearch_RefiltersByAccess(t *testing.T) {
	env := createTestService(t, nil)
	app := createTestApplication(t, env)
	_, err := env.svc.CreateApplication(as(outsider), store.CreateInput{Title: "Globex Bond Issue"})
	require.NoError(t, err)

	found, err := env.svc.Search(as(issuer), store.SearchInput{Text: "bond"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, app.ID, found[0].ID)

	found, err = env.svc.Search(as(admin), store.SearchInput{Text: "bond"})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = env.svc.Search(as(regulator), store.SearchInput{Text: "bond"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestService_UsesInjectedClock(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, err := store.NewService(store.Config{SubmissionThreshold: 80, SectionCompletionThreshold: 80, MaxMergeAttempts: 3},
		memory.New(), nil, logger.NewTestLogger(t), store.WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	app, err := svc.CreateApplication(as(issuer), store.CreateInput{Title: "Clocked"})
	require.NoError(t, err)
	assert.Equal(t, fixed, app.CreatedAt)
}
