package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a targeted row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyCompleted is returned by CompleteResponse for a response whose
// completed_at is already set.
var ErrAlreadyCompleted = errors.New("response already completed")

// ErrAlreadyPublished is returned by PublishSurvey for a survey that already
// left draft state. Publishing is one-way; republish is rejected.
var ErrAlreadyPublished = errors.New("survey already published")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- surveys ---

const surveyColumns = `id, title, description, is_draft, type, external_url, created_at, updated_at`

func scanSurvey(row interface{ Scan(...any) error }) (Survey, error) {
	var item Survey
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.IsDraft, &item.Type, &item.ExternalURL, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertSurvey(ctx context.Context, item Survey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO surveys (id, title, description, is_draft, type, external_url)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.Title, item.Description, item.IsDraft, item.Type, item.ExternalURL)
	if err != nil {
		return fmt.Errorf("insert survey: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSurvey(ctx context.Context, surveyID string) (Survey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+surveyColumns+` FROM surveys WHERE id=$1`, surveyID)
	item, err := scanSurvey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Survey{}, ErrNotFound
	}
	if err != nil {
		return Survey{}, fmt.Errorf("get survey: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListSurveys(ctx context.Context, page, perPage int) (Page[Survey], error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM surveys`).Scan(&total); err != nil {
		return Page[Survey]{}, fmt.Errorf("count surveys: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+surveyColumns+`
		FROM surveys
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, perPage, (page-1)*perPage)
	if err != nil {
		return Page[Survey]{}, fmt.Errorf("list surveys: %w", err)
	}
	defer rows.Close()

	items := make([]Survey, 0)
	for rows.Next() {
		item, err := scanSurvey(rows)
		if err != nil {
			return Page[Survey]{}, fmt.Errorf("scan survey: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return Page[Survey]{}, fmt.Errorf("iterate surveys: %w", err)
	}
	return NewPage(items, total, page, perPage), nil
}

func (s *PostgresStore) UpdateSurvey(ctx context.Context, item Survey) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE surveys
		SET title=$2, description=$3, type=$4, external_url=$5, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Title, item.Description, item.Type, item.ExternalURL)
	if err != nil {
		return fmt.Errorf("update survey: %w", err)
	}
	return requireRow(result)
}

// PublishSurvey flips is_draft to false exactly once. The WHERE clause makes
// the transition atomic: a concurrent second publish sees zero rows affected.
func (s *PostgresStore) PublishSurvey(ctx context.Context, surveyID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE surveys SET is_draft=FALSE, updated_at=NOW()
		WHERE id=$1 AND is_draft=TRUE
	`, surveyID)
	if err != nil {
		return fmt.Errorf("publish survey: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish survey rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM surveys WHERE id=$1)`, surveyID).Scan(&exists); err != nil {
			return fmt.Errorf("check survey: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyPublished
	}
	return nil
}

func (s *PostgresStore) DeleteSurvey(ctx context.Context, surveyID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM surveys WHERE id=$1`, surveyID)
	if err != nil {
		return fmt.Errorf("delete survey: %w", err)
	}
	return requireRow(result)
}

// --- questions ---

const questionColumns = `id, survey_id, text, question_type, options, required, "order", created_at, updated_at`

func scanQuestion(row interface{ Scan(...any) error }) (Question, error) {
	var item Question
	err := row.Scan(&item.ID, &item.SurveyID, &item.Text, &item.QuestionType, &item.Options, &item.Required, &item.Order, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertQuestion(ctx context.Context, item Question) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO questions (id, survey_id, text, question_type, options, required, "order")
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.SurveyID, item.Text, item.QuestionType, nullableJSON(item.Options), item.Required, item.Order)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQuestion(ctx context.Context, questionID string) (Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=$1`, questionID)
	item, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, ErrNotFound
	}
	if err != nil {
		return Question{}, fmt.Errorf("get question: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListQuestionsBySurvey(ctx context.Context, surveyID string) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions
		WHERE survey_id=$1
		ORDER BY "order" ASC, created_at ASC
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	items := make([]Question, 0)
	for rows.Next() {
		item, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateQuestion(ctx context.Context, item Question) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE questions
		SET text=$2, question_type=$3, options=$4, required=$5, "order"=$6, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Text, item.QuestionType, nullableJSON(item.Options), item.Required, item.Order)
	if err != nil {
		return fmt.Errorf("update question: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteQuestion(ctx context.Context, questionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id=$1`, questionID)
	if err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	return requireRow(result)
}

// --- distributions ---

const distributionColumns = `id, survey_id, method, recipient_email, subject, message,
	scheduled_at, sent_at, opened_at, clicked_at, clicked_count, status, created_at, updated_at`

func scanDistribution(row interface{ Scan(...any) error }) (Distribution, error) {
	var item Distribution
	err := row.Scan(&item.ID, &item.SurveyID, &item.Method, &item.RecipientEmail, &item.Subject, &item.Message,
		&item.ScheduledAt, &item.SentAt, &item.OpenedAt, &item.ClickedAt, &item.ClickedCount, &item.Status,
		&item.CreatedAt, &item.UpdatedAt)
	return item, err
}

// CreateDistributions inserts the whole batch in one transaction so a bulk
// distribution either lands completely or not at all.
func (s *PostgresStore) CreateDistributions(ctx context.Context, items []Distribution) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin distributions tx: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO distributions (id, survey_id, method, recipient_email, subject, message, scheduled_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, item.ID, item.SurveyID, item.Method, item.RecipientEmail, item.Subject, item.Message, item.ScheduledAt, item.Status); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert distribution: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit distributions: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDistribution(ctx context.Context, distributionID string) (Distribution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+distributionColumns+` FROM distributions WHERE id=$1`, distributionID)
	item, err := scanDistribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Distribution{}, ErrNotFound
	}
	if err != nil {
		return Distribution{}, fmt.Errorf("get distribution: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDistributionsBySurvey(ctx context.Context, surveyID string) ([]Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+distributionColumns+`
		FROM distributions
		WHERE survey_id=$1
		ORDER BY created_at ASC
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}
	defer rows.Close()
	return collectDistributions(rows)
}

// ListPendingEmailDistributions returns the distributions the publication gate
// must schedule: still pending and deliverable by email.
func (s *PostgresStore) ListPendingEmailDistributions(ctx context.Context, surveyID string) ([]Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+distributionColumns+`
		FROM distributions
		WHERE survey_id=$1 AND status=$2 AND method=$3
		ORDER BY created_at ASC
	`, surveyID, StatusPending, MethodEmail)
	if err != nil {
		return nil, fmt.Errorf("list pending distributions: %w", err)
	}
	defer rows.Close()
	return collectDistributions(rows)
}

func collectDistributions(rows *sql.Rows) ([]Distribution, error) {
	items := make([]Distribution, 0)
	for rows.Next() {
		item, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distributions: %w", err)
	}
	return items, nil
}

// MarkDistributionSent records successful delivery. This update is not
// transactional with the SMTP send itself; a crash in between leaves the row
// pending (accepted inconsistency, reconciled by nothing).
func (s *PostgresStore) MarkDistributionSent(ctx context.Context, distributionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE distributions SET status=$2, sent_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, distributionID, StatusSent)
	if err != nil {
		return fmt.Errorf("mark distribution sent: %w", err)
	}
	return requireRow(result)
}

// MarkDistributionOpened is forward-only: a clicked distribution never moves
// back to opened when a late response arrives.
func (s *PostgresStore) MarkDistributionOpened(ctx context.Context, distributionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE distributions
		SET status=$2, opened_at=COALESCE(opened_at, NOW()), updated_at=NOW()
		WHERE id=$1 AND status IN ($3, $4)
	`, distributionID, StatusOpened, StatusPending, StatusSent)
	if err != nil {
		return fmt.Errorf("mark distribution opened: %w", err)
	}
	// Zero rows is fine: the distribution is already opened, clicked or failed.
	_ = result
	return nil
}

func (s *PostgresStore) MarkDistributionFailed(ctx context.Context, distributionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE distributions SET status=$2, updated_at=NOW()
		WHERE id=$1
	`, distributionID, StatusFailed)
	if err != nil {
		return fmt.Errorf("mark distribution failed: %w", err)
	}
	return requireRow(result)
}

// IncrementDistributionClick bumps the click counter as a single atomic
// read-modify-write so concurrent clicks never lose updates, and promotes
// sent/opened rows to clicked.
func (s *PostgresStore) IncrementDistributionClick(ctx context.Context, distributionID string) (Distribution, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE distributions
		SET clicked_count = clicked_count + 1,
			clicked_at = COALESCE(clicked_at, NOW()),
			status = CASE WHEN status IN ($2, $3) THEN $4 ELSE status END,
			updated_at = NOW()
		WHERE id=$1
		RETURNING `+distributionColumns+`
	`, distributionID, StatusSent, StatusOpened, StatusClicked)
	item, err := scanDistribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Distribution{}, ErrNotFound
	}
	if err != nil {
		return Distribution{}, fmt.Errorf("increment distribution click: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteDistribution(ctx context.Context, distributionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM distributions WHERE id=$1`, distributionID)
	if err != nil {
		return fmt.Errorf("delete distribution: %w", err)
	}
	return requireRow(result)
}

// --- responses ---

const responseColumns = `id, survey_id, distribution_id, respondent_email, respondent_name, source, created_at, completed_at`

func scanResponse(row interface{ Scan(...any) error }) (Response, error) {
	var item Response
	var email, name sql.NullString
	err := row.Scan(&item.ID, &item.SurveyID, &item.DistributionID, &email, &name, &item.Source, &item.CreatedAt, &item.CompletedAt)
	item.RespondentEmail = email.String
	item.RespondentName = name.String
	return item, err
}

func (s *PostgresStore) InsertResponse(ctx context.Context, item Response) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (id, survey_id, distribution_id, respondent_email, respondent_name, source)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.SurveyID, item.DistributionID, item.RespondentEmail, item.RespondentName, item.Source)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetResponse(ctx context.Context, responseID string) (Response, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE id=$1`, responseID)
	item, err := scanResponse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, ErrNotFound
	}
	if err != nil {
		return Response{}, fmt.Errorf("get response: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListResponsesBySurvey(ctx context.Context, surveyID string, page, perPage int) (Page[Response], error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses WHERE survey_id=$1`, surveyID).Scan(&total); err != nil {
		return Page[Response]{}, fmt.Errorf("count responses: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseColumns+`
		FROM responses
		WHERE survey_id=$1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, surveyID, perPage, (page-1)*perPage)
	if err != nil {
		return Page[Response]{}, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	items := make([]Response, 0)
	for rows.Next() {
		item, err := scanResponse(rows)
		if err != nil {
			return Page[Response]{}, fmt.Errorf("scan response: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return Page[Response]{}, fmt.Errorf("iterate responses: %w", err)
	}
	return NewPage(items, total, page, perPage), nil
}

func (s *PostgresStore) ListAllResponsesBySurvey(ctx context.Context, surveyID string) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseColumns+`
		FROM responses
		WHERE survey_id=$1
		ORDER BY created_at ASC
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	items := make([]Response, 0)
	for rows.Next() {
		item, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return items, nil
}

// CompleteResponse stamps completed_at exactly once. Re-completing an
// existing response reports ErrAlreadyCompleted, not ErrNotFound.
func (s *PostgresStore) CompleteResponse(ctx context.Context, responseID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE responses SET completed_at=NOW() WHERE id=$1 AND completed_at IS NULL
	`, responseID)
	if err != nil {
		return fmt.Errorf("complete response: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete response rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM responses WHERE id=$1)`, responseID).Scan(&exists); err != nil {
			return fmt.Errorf("check response: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// --- answers ---

const answerColumns = `id, response_id, question_id, value, "values", rating, date_value, created_at`

func scanAnswer(row interface{ Scan(...any) error }) (Answer, error) {
	var item Answer
	err := row.Scan(&item.ID, &item.ResponseID, &item.QuestionID, &item.Value, &item.Values, &item.Rating, &item.DateValue, &item.CreatedAt)
	return item, err
}

// InsertAnswers persists a whole submission in one transaction.
func (s *PostgresStore) InsertAnswers(ctx context.Context, items []Answer) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin answers tx: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO answers (id, response_id, question_id, value, "values", rating, date_value)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.ResponseID, item.QuestionID, item.Value, nullableJSON(item.Values), item.Rating, item.DateValue); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert answer: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit answers: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAnswersByResponse(ctx context.Context, responseID string) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+answerColumns+`
		FROM answers
		WHERE response_id=$1
		ORDER BY created_at ASC
	`, responseID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	items := make([]Answer, 0)
	for rows.Next() {
		item, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAnswersBySurvey(ctx context.Context, surveyID string) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.response_id, a.question_id, a.value, a."values", a.rating, a.date_value, a.created_at
		FROM answers a
		JOIN responses r ON r.id = a.response_id
		WHERE r.survey_id=$1
		ORDER BY a.created_at ASC
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list survey answers: %w", err)
	}
	defer rows.Close()

	items := make([]Answer, 0)
	for rows.Next() {
		item, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate survey answers: %w", err)
	}
	return items, nil
}

// --- analytics ---

// SurveySummary aggregates the per-survey counters shown on dashboards.
type SurveySummary struct {
	ResponseCount      int                        `json:"responseCount"`
	CompletedCount     int                        `json:"completedCount"`
	QuestionCount      int                        `json:"questionCount"`
	DistributionCounts map[DistributionStatus]int `json:"distributionCounts"`
	TotalClicks        int                        `json:"totalClicks"`
}

func (s *PostgresStore) GetSurveySummary(ctx context.Context, surveyID string) (SurveySummary, error) {
	summary := SurveySummary{DistributionCounts: make(map[DistributionStatus]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM responses WHERE survey_id=$1),
			(SELECT COUNT(*) FROM responses WHERE survey_id=$1 AND completed_at IS NOT NULL),
			(SELECT COUNT(*) FROM questions WHERE survey_id=$1),
			(SELECT COALESCE(SUM(clicked_count), 0) FROM distributions WHERE survey_id=$1)
	`, surveyID).Scan(&summary.ResponseCount, &summary.CompletedCount, &summary.QuestionCount, &summary.TotalClicks)
	if err != nil {
		return SurveySummary{}, fmt.Errorf("survey summary counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM distributions WHERE survey_id=$1 GROUP BY status
	`, surveyID)
	if err != nil {
		return SurveySummary{}, fmt.Errorf("distribution status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status DistributionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return SurveySummary{}, fmt.Errorf("scan status count: %w", err)
		}
		summary.DistributionCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return SurveySummary{}, fmt.Errorf("iterate status counts: %w", err)
	}
	return summary, nil
}

// RatingStat is the rating aggregate for one rating-type question.
type RatingStat struct {
	QuestionID  string  `json:"questionId"`
	AnswerCount int     `json:"answerCount"`
	Average     float64 `json:"average"`
}

func (s *PostgresStore) GetRatingStats(ctx context.Context, surveyID string) ([]RatingStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.question_id, COUNT(a.rating), COALESCE(AVG(a.rating), 0)
		FROM answers a
		JOIN questions q ON q.id = a.question_id
		WHERE q.survey_id=$1 AND q.question_type='rating' AND a.rating IS NOT NULL
		GROUP BY a.question_id
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("rating stats: %w", err)
	}
	defer rows.Close()

	items := make([]RatingStat, 0)
	for rows.Next() {
		var item RatingStat
		if err := rows.Scan(&item.QuestionID, &item.AnswerCount, &item.Average); err != nil {
			return nil, fmt.Errorf("scan rating stat: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rating stats: %w", err)
	}
	return items, nil
}

// ChoiceStat is one option's pick count for a choice-type question.
type ChoiceStat struct {
	QuestionID string `json:"questionId"`
	Option     string `json:"option"`
	Count      int    `json:"count"`
}

func (s *PostgresStore) GetChoiceStats(ctx context.Context, surveyID string) ([]ChoiceStat, error) {
	// Single-choice answers land in value, multi-choice in the values array.
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, option, COUNT(*) FROM (
			SELECT a.question_id, a.value AS option
			FROM answers a
			JOIN questions q ON q.id = a.question_id
			WHERE q.survey_id=$1 AND q.question_type='multiple_choice' AND a.value IS NOT NULL
			UNION ALL
			SELECT a.question_id, jsonb_array_elements_text(a."values") AS option
			FROM answers a
			JOIN questions q ON q.id = a.question_id
			WHERE q.survey_id=$1 AND q.question_type='checkbox' AND a."values" IS NOT NULL
		) picks
		GROUP BY question_id, option
		ORDER BY question_id, COUNT(*) DESC
	`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("choice stats: %w", err)
	}
	defer rows.Close()

	items := make([]ChoiceStat, 0)
	for rows.Next() {
		var item ChoiceStat
		if err := rows.Scan(&item.QuestionID, &item.Option, &item.Count); err != nil {
			return nil, fmt.Errorf("scan choice stat: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate choice stats: %w", err)
	}
	return items, nil
}

// --- helpers ---

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
