package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"surveyhub/api/internal/store"
)

type fakeStore struct {
	survey    store.Survey
	questions []store.Question
	responses []store.Response
	answers   []store.Answer
}

func (f *fakeStore) GetSurvey(context.Context, string) (store.Survey, error) {
	return f.survey, nil
}
func (f *fakeStore) ListQuestionsBySurvey(context.Context, string) ([]store.Question, error) {
	return f.questions, nil
}
func (f *fakeStore) ListAllResponsesBySurvey(context.Context, string) ([]store.Response, error) {
	return f.responses, nil
}
func (f *fakeStore) ListAnswersBySurvey(context.Context, string) ([]store.Answer, error) {
	return f.answers, nil
}

func TestWriteCSV(t *testing.T) {
	created := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)
	value := "Pretty good"
	rating := 8

	service := NewService(&fakeStore{
		survey: store.Survey{ID: "s1", Title: "Onboarding Feedback!"},
		questions: []store.Question{
			{ID: "q1", Text: "How was it?", QuestionType: store.QuestionText},
			{ID: "q2", Text: "Rate us", QuestionType: store.QuestionRating},
			{ID: "q3", Text: "Which features?", QuestionType: store.QuestionCheckbox},
		},
		responses: []store.Response{
			{ID: "r1", SurveyID: "s1", RespondentEmail: "a@example.com", Source: store.SourceInternal, CreatedAt: created},
			{ID: "r2", SurveyID: "s1", RespondentName: "Blake", Source: store.SourceInternal, CreatedAt: created},
		},
		answers: []store.Answer{
			{ID: "a1", ResponseID: "r1", QuestionID: "q1", Value: &value},
			{ID: "a2", ResponseID: "r1", QuestionID: "q2", Rating: &rating},
			{ID: "a3", ResponseID: "r2", QuestionID: "q3", Values: json.RawMessage(`["search","export"]`)},
		},
	})

	var buf bytes.Buffer
	if err := service.WriteCSV(context.Background(), &buf, "s1"); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}

	header := rows[0]
	if header[0] != "response_id" || header[len(header)-1] != "Which features?" {
		t.Errorf("unexpected header: %v", header)
	}
	if len(header) != 6+3 {
		t.Errorf("expected 6 fixed columns + 3 question columns, got %d", len(header))
	}

	first := rows[1]
	if first[1] != "a@example.com" {
		t.Errorf("unexpected respondent email: %s", first[1])
	}
	if first[6] != "Pretty good" || first[7] != "8" {
		t.Errorf("answers not rendered per type: %v", first)
	}

	second := rows[2]
	if second[2] != "Blake" {
		t.Errorf("unexpected respondent name: %s", second[2])
	}
	if second[8] != "search; export" {
		t.Errorf("checkbox values not joined: %q", second[8])
	}
	if second[6] != "" {
		t.Errorf("unanswered question should be an empty cell, got %q", second[6])
	}
}

func TestFilenameSlug(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"Onboarding Feedback!", "onboarding-feedback-responses.csv"},
		{"  Q3 2026 pulse ", "q3-2026-pulse-responses.csv"},
		{"###", "survey-responses.csv"},
	}
	for _, tc := range cases {
		service := NewService(&fakeStore{survey: store.Survey{ID: "s1", Title: tc.title}})
		got, err := service.Filename(context.Background(), "s1")
		if err != nil {
			t.Fatalf("Filename failed: %v", err)
		}
		if got != tc.want {
			t.Errorf("Filename(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}
