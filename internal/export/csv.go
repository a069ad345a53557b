// Package export renders survey responses as downloadable artifacts.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"surveyhub/api/internal/store"
)

// DataStore defines the data access the exporter needs.
type DataStore interface {
	GetSurvey(ctx context.Context, surveyID string) (store.Survey, error)
	ListQuestionsBySurvey(ctx context.Context, surveyID string) ([]store.Question, error)
	ListAllResponsesBySurvey(ctx context.Context, surveyID string) ([]store.Response, error)
	ListAnswersBySurvey(ctx context.Context, surveyID string) ([]store.Answer, error)
}

// Service produces CSV exports of survey responses.
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// WriteCSV streams one row per response, one column per question, answers
// rendered according to their question type.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer, surveyID string) error {
	survey, err := s.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return fmt.Errorf("get survey: %w", err)
	}

	questions, err := s.store.ListQuestionsBySurvey(ctx, survey.ID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	responses, err := s.store.ListAllResponsesBySurvey(ctx, survey.ID)
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}
	answers, err := s.store.ListAnswersBySurvey(ctx, survey.ID)
	if err != nil {
		return fmt.Errorf("list answers: %w", err)
	}

	// answer lookup: response id -> question id -> rendered cell
	cells := make(map[string]map[string]string, len(responses))
	for _, answer := range answers {
		byQuestion, ok := cells[answer.ResponseID]
		if !ok {
			byQuestion = make(map[string]string)
			cells[answer.ResponseID] = byQuestion
		}
		byQuestion[answer.QuestionID] = renderAnswer(answer)
	}

	writer := csv.NewWriter(w)

	header := []string{"response_id", "respondent_email", "respondent_name", "source", "created_at", "completed_at"}
	for _, question := range questions {
		header = append(header, question.Text)
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, response := range responses {
		row := []string{
			response.ID,
			response.RespondentEmail,
			response.RespondentName,
			string(response.Source),
			response.CreatedAt.UTC().Format(time.RFC3339),
			formatTimePtr(response.CompletedAt),
		}
		for _, question := range questions {
			row = append(row, cells[response.ID][question.ID])
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Filename suggests a download name for the export.
func (s *Service) Filename(ctx context.Context, surveyID string) (string, error) {
	survey, err := s.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return "", fmt.Errorf("get survey: %w", err)
	}
	slug := strings.ToLower(strings.TrimSpace(survey.Title))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "survey"
	}
	return slug + "-responses.csv", nil
}

func renderAnswer(answer store.Answer) string {
	switch {
	case answer.Value != nil:
		return *answer.Value
	case len(answer.Values) > 0:
		var values []string
		if err := json.Unmarshal(answer.Values, &values); err != nil {
			return string(answer.Values)
		}
		return strings.Join(values, "; ")
	case answer.Rating != nil:
		return strconv.Itoa(*answer.Rating)
	case answer.DateValue != nil:
		return answer.DateValue.UTC().Format("2006-01-02")
	}
	return ""
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
