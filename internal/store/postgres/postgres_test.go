package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"filing-workflow/internal/common/database"
	apperrors "filing-workflow/internal/common/errors"
	"filing-workflow/internal/models"
	"filing-workflow/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var testNow = time.Date(2025, 4, 2, 10, 30, 0, 0, time.UTC)

func createTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(database.NewPostgresFromDB(db)), mock
}

var applicationRowColumns = []string{
	"id", "company_id", "title", "target_amount", "status", "current_phase",
	"completion_percentage", "assigned_advisor_id", "assigned_regulator_id", "priority",
	"submitted_at", "decided_at", "created_at", "updated_at", "version",
}

var sectionRowColumns = []string{
	"id", "application_id", "section_number", "title", "data", "observed_keys", "status",
	"completion_percentage", "validation_errors", "completed_by", "completed_at", "reviewed_by",
	"reviewed_at", "updated_at", "version",
}

func createTestApplication() *models.Application {
	return &models.Application{
		ID:           "app-1",
		CompanyID:    "acme",
		Title:        "Acme Bond",
		Status:       models.StatusDraft,
		CurrentPhase: models.PhasePreparation,
		Priority:     models.PriorityNormal,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
		Version:      1,
	}
}

func createTestSection(n int) *models.Section {
	return &models.Section{
		ID:            "sec-1",
		ApplicationID: "app-1",
		SectionNumber: n,
		Title:         "Company Overview",
		Data:          models.Data{},
		Status:        models.SectionNotStarted,
		UpdatedAt:     testNow,
		Version:       1,
	}
}

// ==========================
// Application Tests
// ==========================

func TestGetApplication(t *testing.T) {
	repo, mock := createTestRepository(t)

	rows := sqlmock.NewRows(applicationRowColumns).AddRow(
		"app-1", "acme", "Acme Bond", 2500000.0, "SUBMITTED", "SUBMISSION",
		85, "adv-1", nil, "HIGH",
		testNow, nil, testNow, testNow, int64(3),
	)
	mock.ExpectQuery(`SELECT .* FROM applications WHERE id = \$1`).WithArgs("app-1").WillReturnRows(rows)

	app, err := repo.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, app.Status)
	assert.Equal(t, "adv-1", app.AssignedAdvisorID)
	assert.Empty(t, app.AssignedRegulatorID)
	assert.Equal(t, models.PriorityHigh, app.Priority)
	require.NotNil(t, app.SubmittedAt)
	assert.Nil(t, app.DecidedAt)
	assert.Equal(t, int64(3), app.Version)

	mock.ExpectQuery(`SELECT .* FROM applications WHERE id = \$1`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(applicationRowColumns))
	_, err = repo.GetApplication(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))

	mock.ExpectQuery(`SELECT .* FROM applications WHERE id = \$1`).WithArgs("app-1").
		WillReturnError(errors.New("connection reset"))
	_, err = repo.GetApplication(context.Background(), "app-1")
	assert.Equal(t, apperrors.ErrCodeStorageFailed, apperrors.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateApplication_InsertsSectionsInOneTransaction(t *testing.T) {
	repo, mock := createTestRepository(t)
	app := createTestApplication()
	sections := []*models.Section{createTestSection(1), createTestSection(2)}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO applications`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO application_sections`).
		WithArgs("sec-1", "app-1", 1, "Company Overview", []byte(`{}`), []byte(`[]`), "NOT_STARTED",
			0, []byte(`[]`), nil, nil, nil, nil, testNow, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO application_sections`).WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	err := repo.CreateApplication(context.Background(), app, sections)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateApplication(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(mock sqlmock.Sqlmock)
		wantCode apperrors.ErrorCode
	}{
		{
			name: "bumps version",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE applications SET`).WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "stale version",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE applications SET`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT EXISTS`).WithArgs("app-1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			},
			wantCode: apperrors.ErrCodeConcurrencyConflict,
		},
		{
			name: "missing row",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE applications SET`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT EXISTS`).WithArgs("app-1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantCode: apperrors.ErrCodeNotFound,
		},
		{
			name: "driver failure",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE applications SET`).WillReturnError(errors.New("broken pipe"))
			},
			wantCode: apperrors.ErrCodeStorageFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := createTestRepository(t)
			tt.setup(mock)

			saved, err := repo.UpdateApplication(context.Background(), createTestApplication(), 1)
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, int64(2), saved.Version)
			} else {
				assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestListApplications_RegulatorFilter(t *testing.T) {
	repo, mock := createTestRepository(t)
	filter := store.FilterFor(models.Actor{UserID: "reg-1", Role: models.RoleCMARegulator})
	filter.Limit = 20

	mock.ExpectQuery(`FROM applications WHERE \(assigned_regulator_id = \$1 OR status = ANY\(\$2\)\) ORDER BY updated_at DESC, id LIMIT \$3`).
		WithArgs("reg-1", sqlmock.AnyArg(), 20).
		WillReturnRows(sqlmock.NewRows(applicationRowColumns).AddRow(
			"app-1", "acme", "Acme Bond", 0.0, "SUBMITTED", "SUBMISSION",
			80, nil, nil, "NORMAL", testNow, nil, testNow, testNow, int64(2),
		))

	apps, err := repo.ListApplications(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "app-1", apps[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Section Tests
// ==========================

func TestGetSection_DecodesJSONColumns(t *testing.T) {
	repo, mock := createTestRepository(t)

	mock.ExpectQuery(`FROM application_sections WHERE application_id = \$1 AND section_number = \$2`).
		WithArgs("app-1", 1).
		WillReturnRows(sqlmock.NewRows(sectionRowColumns).AddRow(
			"sec-1", "app-1", 1, "Company Overview",
			[]byte(`{"name":"Acme","address":{"city":"Nairobi"},"staff":12}`),
			[]byte(`["address.city","name","staff","sector"]`),
			"IN_PROGRESS", 75,
			[]byte(`[{"field":"legalName","code":"REQUIRED","message":"legalName is required"}]`),
			nil, nil, nil, nil, testNow, int64(4),
		))

	sec, err := repo.GetSection(context.Background(), "app-1", 1)
	require.NoError(t, err)

	city, ok := sec.Data.Get("address.city")
	require.True(t, ok)
	cityName, _ := city.AsString()
	assert.Equal(t, "Nairobi", cityName)
	assert.Equal(t, []string{"address.city", "name", "staff", "sector"}, sec.ObservedKeys)
	require.Len(t, sec.ValidationErrors, 1)
	assert.Equal(t, "legalName", sec.ValidationErrors[0].Field)
	assert.Equal(t, models.SectionInProgress, sec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSection_Conflict(t *testing.T) {
	repo, mock := createTestRepository(t)
	sec := createTestSection(1)
	require.NoError(t, sec.Data.Set("name", models.String("Acme")))

	mock.ExpectExec(`UPDATE application_sections SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("app-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.UpdateSection(context.Background(), sec, 1)
	assert.True(t, apperrors.IsConcurrencyConflict(err))

	mock.ExpectExec(`UPDATE application_sections SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	saved, err := repo.UpdateSection(context.Background(), sec, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func applicationRow(completion int, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(applicationRowColumns).AddRow(
		"app-1", "acme", "Acme Bond", 0.0, "DRAFT", "PREPARATION", completion, nil, nil, "NORMAL",
		nil, nil, testNow, testNow, version,
	)
}

func sectionRows(completions ...int) *sqlmock.Rows {
	rows := sqlmock.NewRows(sectionRowColumns)
	for i, c := range completions {
		rows.AddRow("sec-1", "app-1", i+1, "Section", []byte(`{}`), []byte(`[]`), "NOT_STARTED", c,
			[]byte(`[]`), nil, nil, nil, nil, testNow, int64(1))
	}
	return rows
}

func meanCompletion(sections []*models.Section) int {
	total := 0
	for _, s := range sections {
		total += s.CompletionPercentage
	}
	return total / len(sections)
}

func TestSaveSection(t *testing.T) {
	sec := createTestSection(1)
	require.NoError(t, sec.Data.Set("name", models.String("Acme")))
	sec.CompletionPercentage = 100
	later := testNow.Add(time.Minute)

	t.Run("commits section and aggregate", func(t *testing.T) {
		repo, mock := createTestRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM applications WHERE id = \$1 FOR UPDATE`).WithArgs("app-1").
			WillReturnRows(applicationRow(0, 3))
		mock.ExpectExec(`UPDATE application_sections SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`FROM application_sections WHERE application_id = \$1 ORDER BY section_number`).
			WithArgs("app-1").
			WillReturnRows(sectionRows(100, 0, 0, 0, 0, 0, 0, 0, 0, 0))
		mock.ExpectExec(`UPDATE applications SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		saved, app, err := repo.SaveSection(context.Background(), sec, 1, meanCompletion, later)
		require.NoError(t, err)
		assert.Equal(t, int64(2), saved.Version)
		assert.Equal(t, 10, app.CompletionPercentage)
		assert.Equal(t, int64(4), app.Version)
		assert.Equal(t, later, app.UpdatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips application write when aggregate is current", func(t *testing.T) {
		repo, mock := createTestRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(applicationRow(10, 3))
		mock.ExpectExec(`UPDATE application_sections SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`ORDER BY section_number`).WillReturnRows(sectionRows(100, 0, 0, 0, 0, 0, 0, 0, 0, 0))
		mock.ExpectCommit()

		_, app, err := repo.SaveSection(context.Background(), sec, 1, meanCompletion, later)
		require.NoError(t, err)
		assert.Equal(t, int64(3), app.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("aggregate failure rolls back the section", func(t *testing.T) {
		repo, mock := createTestRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(applicationRow(0, 3))
		mock.ExpectExec(`UPDATE application_sections SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`ORDER BY section_number`).WillReturnRows(sectionRows(100, 0, 0, 0, 0, 0, 0, 0, 0, 0))
		mock.ExpectExec(`UPDATE applications SET`).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, _, err := repo.SaveSection(context.Background(), sec, 1, meanCompletion, later)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeStorageFailed, apperrors.CodeOf(err))
		assert.True(t, apperrors.IsRetryable(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale section version", func(t *testing.T) {
		repo, mock := createTestRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(applicationRow(0, 3))
		mock.ExpectExec(`UPDATE application_sections SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs("app-1", 1).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, _, err := repo.SaveSection(context.Background(), sec, 1, meanCompletion, later)
		assert.True(t, apperrors.IsConcurrencyConflict(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// ==========================
// Decision and Comment Tests
// ==========================

func TestRecordDecision_Atomic(t *testing.T) {
	repo, mock := createTestRepository(t)
	app := createTestApplication()
	app.Status = models.StatusQueryIssued
	score := 60
	decision := models.ReviewDecision{
		ID: "d-1", ApplicationID: "app-1", Action: models.ActionIssueQuery, ReviewerID: "reg-1",
		Comment: "Clarify", RiskRating: models.RiskHigh, ComplianceScore: &score,
		FromStatus: models.StatusSubmitted, ToStatus: models.StatusQueryIssued, CreatedAt: testNow,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE applications SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO review_decisions`).
		WithArgs("d-1", "app-1", "ISSUE_QUERY", "reg-1", "Clarify", "HIGH", 60, "SUBMITTED", "QUERY_ISSUED", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := repo.RecordDecision(context.Background(), decision, app, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), saved.Version)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE applications SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err = repo.RecordDecision(context.Background(), decision, app, 4)
	assert.True(t, apperrors.IsConcurrencyConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListComments(t *testing.T) {
	repo, mock := createTestRepository(t)

	mock.ExpectQuery(`FROM application_comments WHERE application_id = \$1 ORDER BY created_at, id`).
		WithArgs("app-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "application_id", "section_id", "author_id", "author_role", "content", "is_internal", "created_at",
		}).
			AddRow("c-1", "app-1", nil, "u-1", "ISSUER", "Ready", false, testNow).
			AddRow("c-2", "app-1", "sec-3", "reg-1", "CMA_REGULATOR", "Check figures", true, testNow))

	comments, err := repo.ListComments(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Empty(t, comments[0].SectionID)
	assert.Equal(t, "sec-3", comments[1].SectionID)
	assert.Equal(t, models.RoleCMARegulator, comments[1].AuthorRole)
	assert.True(t, comments[1].IsInternal)
	assert.NoError(t, mock.ExpectationsWereMet())
}
