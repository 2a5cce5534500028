// Package postgres implements the store Repository on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"filing-workflow/internal/common/database"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/models"
	"filing-workflow/internal/store"

	"github.com/lib/pq"
)

type Repository struct {
	client *database.PostgresClient
}

var _ store.Repository = (*Repository)(nil)

func New(client *database.PostgresClient) *Repository {
	return &Repository{client: client}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const applicationColumns = `id, company_id, title, target_amount, status, current_phase,
	completion_percentage, assigned_advisor_id, assigned_regulator_id, priority,
	submitted_at, decided_at, created_at, updated_at, version`

const sectionColumns = `id, application_id, section_number, title, data, observed_keys, status,
	completion_percentage, validation_errors, completed_by, completed_at, reviewed_by,
	reviewed_at, updated_at, version`

// ==========================
// Applications
// ==========================

func (r *Repository) CreateApplication(ctx context.Context, app *models.Application, sections []*models.Section) error {
	err := r.client.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO applications (`+applicationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			app.ID, app.CompanyID, app.Title, app.TargetAmount, string(app.Status), string(app.CurrentPhase),
			app.CompletionPercentage, nullString(app.AssignedAdvisorID), nullString(app.AssignedRegulatorID),
			string(app.Priority), nullTime(app.SubmittedAt), nullTime(app.DecidedAt),
			app.CreatedAt, app.UpdatedAt, app.Version,
		)
		if err != nil {
			return fmt.Errorf("insert application: %w", err)
		}

		for _, sec := range sections {
			data, observed, hints, err := encodeSection(sec)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO application_sections (`+sectionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
				sec.ID, sec.ApplicationID, sec.SectionNumber, sec.Title, data, observed, string(sec.Status),
				sec.CompletionPercentage, hints, nullString(sec.CompletedBy), nullTime(sec.CompletedAt),
				nullString(sec.ReviewedBy), nullTime(sec.ReviewedAt), sec.UpdatedAt, sec.Version,
			)
			if err != nil {
				return fmt.Errorf("insert section %d: %w", sec.SectionNumber, err)
			}
		}
		return nil
	})
	if err != nil {
		return errors.NewStorageError("create_application", err)
	}
	return nil
}

func (r *Repository) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	row := r.client.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("application", id)
	}
	if err != nil {
		return nil, errors.NewStorageError("get_application", err)
	}
	return app, nil
}

func (r *Repository) ListApplications(ctx context.Context, filter store.ListFilter) ([]*models.Application, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.CompanyID != "" {
		where = append(where, "company_id = "+arg(filter.CompanyID))
	}
	if filter.AdvisorID != "" {
		where = append(where, "assigned_advisor_id = "+arg(filter.AdvisorID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	var either []string
	if filter.RegulatorID != "" {
		either = append(either, "assigned_regulator_id = "+arg(filter.RegulatorID))
	}
	if len(filter.ReviewStatuses) > 0 {
		statuses := make([]string, 0, len(filter.ReviewStatuses))
		for _, s := range filter.ReviewStatuses {
			statuses = append(statuses, string(s))
		}
		either = append(either, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if len(either) > 0 {
		where = append(where, "("+strings.Join(either, " OR ")+")")
	}

	query := `SELECT ` + applicationColumns + ` FROM applications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := r.client.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageError("list_applications", err)
	}
	defer rows.Close()

	out := make([]*models.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, errors.NewStorageError("list_applications", err)
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("list_applications", err)
	}
	return out, nil
}

func (r *Repository) UpdateApplication(ctx context.Context, app *models.Application, expectedVersion int64) (*models.Application, error) {
	saved, err := updateApplication(ctx, r.client.DB, app, expectedVersion)
	if err != nil {
		return nil, storageError("update_application", err)
	}
	return saved, nil
}

func updateApplication(ctx context.Context, q queryer, app *models.Application, expectedVersion int64) (*models.Application, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE applications SET
			title = $1, target_amount = $2, status = $3, current_phase = $4,
			completion_percentage = $5, assigned_advisor_id = $6, assigned_regulator_id = $7,
			priority = $8, submitted_at = $9, decided_at = $10, updated_at = $11,
			version = version + 1
		WHERE id = $12 AND version = $13`,
		app.Title, app.TargetAmount, string(app.Status), string(app.CurrentPhase),
		app.CompletionPercentage, nullString(app.AssignedAdvisorID), nullString(app.AssignedRegulatorID),
		string(app.Priority), nullTime(app.SubmittedAt), nullTime(app.DecidedAt), app.UpdatedAt,
		app.ID, expectedVersion,
	)
	if err != nil {
		return nil, err
	}
	if err := checkVersioned(ctx, q, res, "applications", "application", app.ID, expectedVersion); err != nil {
		return nil, err
	}
	saved := app.Clone()
	saved.Version = expectedVersion + 1
	return saved, nil
}

// ==========================
// Sections
// ==========================

func (r *Repository) GetSection(ctx context.Context, applicationID string, number int) (*models.Section, error) {
	row := r.client.DB.QueryRowContext(ctx,
		`SELECT `+sectionColumns+` FROM application_sections WHERE application_id = $1 AND section_number = $2`,
		applicationID, number)
	sec, err := scanSection(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("section", fmt.Sprintf("%s/%d", applicationID, number))
	}
	if err != nil {
		return nil, errors.NewStorageError("get_section", err)
	}
	return sec, nil
}

func (r *Repository) ListSections(ctx context.Context, applicationID string) ([]*models.Section, error) {
	out, err := listSections(ctx, r.client.DB, applicationID)
	if err != nil {
		return nil, errors.NewStorageError("list_sections", err)
	}
	if len(out) == 0 {
		return nil, errors.NewNotFoundError("application", applicationID)
	}
	return out, nil
}

func (r *Repository) UpdateSection(ctx context.Context, sec *models.Section, expectedVersion int64) (*models.Section, error) {
	saved, err := updateSection(ctx, r.client.DB, sec, expectedVersion)
	if err != nil {
		return nil, storageError("update_section", err)
	}
	return saved, nil
}

// SaveSection locks the application row first, so concurrent saves to
// sections of one application serialise and each sees the others' rows when
// it recomputes the aggregate.
func (r *Repository) SaveSection(ctx context.Context, sec *models.Section, expectedVersion int64, aggregate store.AggregateFunc, updatedAt time.Time) (*models.Section, *models.Application, error) {
	var (
		saved *models.Section
		owner *models.Application
	)
	err := r.client.WithTx(ctx, func(tx *sql.Tx) error {
		app, err := scanApplication(tx.QueryRowContext(ctx,
			`SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, sec.ApplicationID))
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("application", sec.ApplicationID)
		}
		if err != nil {
			return fmt.Errorf("lock application: %w", err)
		}

		if saved, err = updateSection(ctx, tx, sec, expectedVersion); err != nil {
			return err
		}
		sections, err := listSections(ctx, tx, sec.ApplicationID)
		if err != nil {
			return err
		}

		owner = app
		agg := aggregate(sections)
		if agg == app.CompletionPercentage {
			return nil
		}
		next := app.Clone()
		next.CompletionPercentage = agg
		next.UpdatedAt = updatedAt
		owner, err = updateApplication(ctx, tx, next, app.Version)
		return err
	})
	if err != nil {
		return nil, nil, storageError("save_section", err)
	}
	return saved, owner, nil
}

func listSections(ctx context.Context, q queryer, applicationID string) ([]*models.Section, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+sectionColumns+` FROM application_sections WHERE application_id = $1 ORDER BY section_number`,
		applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.Section, 0, 10)
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func updateSection(ctx context.Context, q queryer, sec *models.Section, expectedVersion int64) (*models.Section, error) {
	data, observed, hints, err := encodeSection(sec)
	if err != nil {
		return nil, errors.NewInternalError(err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE application_sections SET
			data = $1, observed_keys = $2, status = $3, completion_percentage = $4,
			validation_errors = $5, completed_by = $6, completed_at = $7, reviewed_by = $8,
			reviewed_at = $9, updated_at = $10, version = version + 1
		WHERE application_id = $11 AND section_number = $12 AND version = $13`,
		data, observed, string(sec.Status), sec.CompletionPercentage, hints,
		nullString(sec.CompletedBy), nullTime(sec.CompletedAt), nullString(sec.ReviewedBy),
		nullTime(sec.ReviewedAt), sec.UpdatedAt, sec.ApplicationID, sec.SectionNumber, expectedVersion,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var exists bool
		err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM application_sections WHERE application_id = $1 AND section_number = $2)`,
			sec.ApplicationID, sec.SectionNumber).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.NewNotFoundError("section", fmt.Sprintf("%s/%d", sec.ApplicationID, sec.SectionNumber))
		}
		return nil, errors.NewConcurrencyConflictError("section", sec.ID, expectedVersion)
	}
	saved := sec.Clone()
	saved.Version = expectedVersion + 1
	return saved, nil
}

// ==========================
// Decisions and Comments
// ==========================

func (r *Repository) RecordDecision(ctx context.Context, decision models.ReviewDecision, app *models.Application, expectedVersion int64) (*models.Application, error) {
	var saved *models.Application
	err := r.client.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		saved, err = updateApplication(ctx, tx, app, expectedVersion)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO review_decisions (id, application_id, action, reviewer_id, comment, risk_rating,
				compliance_score, from_status, to_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			decision.ID, decision.ApplicationID, string(decision.Action), decision.ReviewerID, decision.Comment,
			nullString(string(decision.RiskRating)), nullInt(decision.ComplianceScore),
			string(decision.FromStatus), string(decision.ToStatus), decision.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, storageError("record_decision", err)
	}
	return saved, nil
}

func (r *Repository) ListDecisions(ctx context.Context, applicationID string) ([]models.ReviewDecision, error) {
	rows, err := r.client.DB.QueryContext(ctx, `
		SELECT id, application_id, action, reviewer_id, comment, risk_rating, compliance_score,
			from_status, to_status, created_at
		FROM review_decisions WHERE application_id = $1 ORDER BY created_at, id`, applicationID)
	if err != nil {
		return nil, errors.NewStorageError("list_decisions", err)
	}
	defer rows.Close()

	out := make([]models.ReviewDecision, 0)
	for rows.Next() {
		var (
			d                models.ReviewDecision
			action, from, to string
			risk             sql.NullString
			score            sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.ApplicationID, &action, &d.ReviewerID, &d.Comment, &risk, &score,
			&from, &to, &d.CreatedAt); err != nil {
			return nil, errors.NewStorageError("list_decisions", err)
		}
		d.Action = models.ReviewAction(action)
		d.FromStatus = models.Status(from)
		d.ToStatus = models.Status(to)
		d.RiskRating = models.RiskRating(risk.String)
		if score.Valid {
			v := int(score.Int64)
			d.ComplianceScore = &v
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("list_decisions", err)
	}
	return out, nil
}

func (r *Repository) AppendComment(ctx context.Context, c models.Comment) error {
	_, err := r.client.DB.ExecContext(ctx, `
		INSERT INTO application_comments (id, application_id, section_id, author_id, author_role,
			content, is_internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ApplicationID, nullString(c.SectionID), c.AuthorID, string(c.AuthorRole),
		c.Content, c.IsInternal, c.CreatedAt,
	)
	if err != nil {
		return errors.NewStorageError("append_comment", err)
	}
	return nil
}

func (r *Repository) ListComments(ctx context.Context, applicationID string) ([]models.Comment, error) {
	rows, err := r.client.DB.QueryContext(ctx, `
		SELECT id, application_id, section_id, author_id, author_role, content, is_internal, created_at
		FROM application_comments WHERE application_id = $1 ORDER BY created_at, id`, applicationID)
	if err != nil {
		return nil, errors.NewStorageError("list_comments", err)
	}
	defer rows.Close()

	out := make([]models.Comment, 0)
	for rows.Next() {
		var (
			c       models.Comment
			section sql.NullString
			role    string
		)
		if err := rows.Scan(&c.ID, &c.ApplicationID, &section, &c.AuthorID, &role, &c.Content,
			&c.IsInternal, &c.CreatedAt); err != nil {
			return nil, errors.NewStorageError("list_comments", err)
		}
		c.SectionID = section.String
		c.AuthorRole = models.Role(role)
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("list_comments", err)
	}
	return out, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return errors.NewStorageError("ping", err)
	}
	return nil
}

// ==========================
// Row mapping
// ==========================

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(s scanner) (*models.Application, error) {
	var (
		app                     models.Application
		status, phase, priority string
		advisor, regulator      sql.NullString
		submittedAt, decidedAt  sql.NullTime
	)
	err := s.Scan(&app.ID, &app.CompanyID, &app.Title, &app.TargetAmount, &status, &phase,
		&app.CompletionPercentage, &advisor, &regulator, &priority,
		&submittedAt, &decidedAt, &app.CreatedAt, &app.UpdatedAt, &app.Version)
	if err != nil {
		return nil, err
	}
	app.Status = models.Status(status)
	app.CurrentPhase = models.Phase(phase)
	app.Priority = models.Priority(priority)
	app.AssignedAdvisorID = advisor.String
	app.AssignedRegulatorID = regulator.String
	app.SubmittedAt = timePtr(submittedAt)
	app.DecidedAt = timePtr(decidedAt)
	app.CreatedAt = app.CreatedAt.UTC()
	app.UpdatedAt = app.UpdatedAt.UTC()
	return &app, nil
}

func scanSection(s scanner) (*models.Section, error) {
	var (
		sec                     models.Section
		data, observed, hints   []byte
		status                  string
		completedBy, reviewedBy sql.NullString
		completedAt, reviewedAt sql.NullTime
	)
	err := s.Scan(&sec.ID, &sec.ApplicationID, &sec.SectionNumber, &sec.Title, &data, &observed, &status,
		&sec.CompletionPercentage, &hints, &completedBy, &completedAt, &reviewedBy, &reviewedAt,
		&sec.UpdatedAt, &sec.Version)
	if err != nil {
		return nil, err
	}

	sec.Data = models.Data{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sec.Data); err != nil {
			return nil, fmt.Errorf("decode section data: %w", err)
		}
	}
	sec.ObservedKeys = []string{}
	if len(observed) > 0 {
		if err := json.Unmarshal(observed, &sec.ObservedKeys); err != nil {
			return nil, fmt.Errorf("decode observed keys: %w", err)
		}
	}
	sec.ValidationErrors = []models.ValidationError{}
	if len(hints) > 0 {
		if err := json.Unmarshal(hints, &sec.ValidationErrors); err != nil {
			return nil, fmt.Errorf("decode validation errors: %w", err)
		}
	}
	sec.Status = models.SectionStatus(status)
	sec.CompletedBy = completedBy.String
	sec.CompletedAt = timePtr(completedAt)
	sec.ReviewedBy = reviewedBy.String
	sec.ReviewedAt = timePtr(reviewedAt)
	sec.UpdatedAt = sec.UpdatedAt.UTC()
	return &sec, nil
}

func encodeSection(sec *models.Section) (data, observed, hints []byte, err error) {
	d := sec.Data
	if d == nil {
		d = models.Data{}
	}
	if data, err = json.Marshal(d); err != nil {
		return nil, nil, nil, fmt.Errorf("encode section data: %w", err)
	}
	keys := sec.ObservedKeys
	if keys == nil {
		keys = []string{}
	}
	if observed, err = json.Marshal(keys); err != nil {
		return nil, nil, nil, err
	}
	v := sec.ValidationErrors
	if v == nil {
		v = []models.ValidationError{}
	}
	if hints, err = json.Marshal(v); err != nil {
		return nil, nil, nil, err
	}
	return data, observed, hints, nil
}

// checkVersioned turns a zero-row versioned update into NotFound or
// ConcurrencyConflict.
func checkVersioned(ctx context.Context, q queryer, res sql.Result, table, entity, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return errors.NewNotFoundError(entity, id)
	}
	return errors.NewConcurrencyConflictError(entity, id, expected)
}

// storageError keeps domain errors and wraps everything else as retryable storage failures.
func storageError(op string, err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.NewStorageError(op, err)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
