package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"surveyhub/api/internal/config"
	"surveyhub/api/internal/scheduler"
	"surveyhub/api/internal/search"
	"surveyhub/api/internal/store"
)

type fakeStore struct {
	insertSurveyFn          func(context.Context, store.Survey) error
	getSurveyFn             func(context.Context, string) (store.Survey, error)
	updateSurveyFn          func(context.Context, store.Survey) error
	publishSurveyFn         func(context.Context, string) error
	deleteSurveyFn          func(context.Context, string) error
	insertQuestionFn        func(context.Context, store.Question) error
	getQuestionFn           func(context.Context, string) (store.Question, error)
	listQuestionsFn         func(context.Context, string) ([]store.Question, error)
	createDistributionsFn   func(context.Context, []store.Distribution) error
	getDistributionFn       func(context.Context, string) (store.Distribution, error)
	listDistributionsFn     func(context.Context, string) ([]store.Distribution, error)
	listPendingEmailFn      func(context.Context, string) ([]store.Distribution, error)
	markSentFn              func(context.Context, string) error
	markOpenedFn            func(context.Context, string) error
	markFailedFn            func(context.Context, string) error
	incrementClickFn        func(context.Context, string) (store.Distribution, error)
	deleteDistributionFn    func(context.Context, string) error
	insertResponseFn        func(context.Context, store.Response) error
	getResponseFn           func(context.Context, string) (store.Response, error)
	listResponsesBySurveyFn func(context.Context, string, int, int) (store.Page[store.Response], error)
	completeResponseFn      func(context.Context, string) error
	insertAnswersFn         func(context.Context, []store.Answer) error
	listAnswersByResponseFn func(context.Context, string) ([]store.Answer, error)
}

func (f *fakeStore) InsertSurvey(ctx context.Context, item store.Survey) error {
	if f.insertSurveyFn != nil {
		return f.insertSurveyFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetSurvey(ctx context.Context, surveyID string) (store.Survey, error) {
	if f.getSurveyFn != nil {
		return f.getSurveyFn(ctx, surveyID)
	}
	return store.Survey{}, store.ErrNotFound
}
func (f *fakeStore) ListSurveys(context.Context, int, int) (store.Page[store.Survey], error) {
	return store.Page[store.Survey]{}, nil
}
func (f *fakeStore) UpdateSurvey(ctx context.Context, item store.Survey) error {
	if f.updateSurveyFn != nil {
		return f.updateSurveyFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) PublishSurvey(ctx context.Context, surveyID string) error {
	if f.publishSurveyFn != nil {
		return f.publishSurveyFn(ctx, surveyID)
	}
	return nil
}
func (f *fakeStore) DeleteSurvey(ctx context.Context, surveyID string) error {
	if f.deleteSurveyFn != nil {
		return f.deleteSurveyFn(ctx, surveyID)
	}
	return nil
}
func (f *fakeStore) InsertQuestion(ctx context.Context, item store.Question) error {
	if f.insertQuestionFn != nil {
		return f.insertQuestionFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetQuestion(ctx context.Context, questionID string) (store.Question, error) {
	if f.getQuestionFn != nil {
		return f.getQuestionFn(ctx, questionID)
	}
	return store.Question{}, store.ErrNotFound
}
func (f *fakeStore) ListQuestionsBySurvey(ctx context.Context, surveyID string) ([]store.Question, error) {
	if f.listQuestionsFn != nil {
		return f.listQuestionsFn(ctx, surveyID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateQuestion(context.Context, store.Question) error { return nil }
func (f *fakeStore) DeleteQuestion(context.Context, string) error         { return nil }
func (f *fakeStore) CreateDistributions(ctx context.Context, items []store.Distribution) error {
	if f.createDistributionsFn != nil {
		return f.createDistributionsFn(ctx, items)
	}
	return nil
}
func (f *fakeStore) GetDistribution(ctx context.Context, distributionID string) (store.Distribution, error) {
	if f.getDistributionFn != nil {
		return f.getDistributionFn(ctx, distributionID)
	}
	return store.Distribution{}, store.ErrNotFound
}
func (f *fakeStore) ListDistributionsBySurvey(ctx context.Context, surveyID string) ([]store.Distribution, error) {
	if f.listDistributionsFn != nil {
		return f.listDistributionsFn(ctx, surveyID)
	}
	return nil, nil
}
func (f *fakeStore) ListPendingEmailDistributions(ctx context.Context, surveyID string) ([]store.Distribution, error) {
	if f.listPendingEmailFn != nil {
		return f.listPendingEmailFn(ctx, surveyID)
	}
	return nil, nil
}
func (f *fakeStore) MarkDistributionSent(ctx context.Context, distributionID string) error {
	if f.markSentFn != nil {
		return f.markSentFn(ctx, distributionID)
	}
	return nil
}
func (f *fakeStore) MarkDistributionOpened(ctx context.Context, distributionID string) error {
	if f.markOpenedFn != nil {
		return f.markOpenedFn(ctx, distributionID)
	}
	return nil
}
func (f *fakeStore) MarkDistributionFailed(ctx context.Context, distributionID string) error {
	if f.markFailedFn != nil {
		return f.markFailedFn(ctx, distributionID)
	}
	return nil
}
func (f *fakeStore) IncrementDistributionClick(ctx context.Context, distributionID string) (store.Distribution, error) {
	if f.incrementClickFn != nil {
		return f.incrementClickFn(ctx, distributionID)
	}
	return store.Distribution{}, store.ErrNotFound
}
func (f *fakeStore) DeleteDistribution(ctx context.Context, distributionID string) error {
	if f.deleteDistributionFn != nil {
		return f.deleteDistributionFn(ctx, distributionID)
	}
	return nil
}
func (f *fakeStore) InsertResponse(ctx context.Context, item store.Response) error {
	if f.insertResponseFn != nil {
		return f.insertResponseFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetResponse(ctx context.Context, responseID string) (store.Response, error) {
	if f.getResponseFn != nil {
		return f.getResponseFn(ctx, responseID)
	}
	return store.Response{}, store.ErrNotFound
}
func (f *fakeStore) ListResponsesBySurvey(ctx context.Context, surveyID string, page, perPage int) (store.Page[store.Response], error) {
	if f.listResponsesBySurveyFn != nil {
		return f.listResponsesBySurveyFn(ctx, surveyID, page, perPage)
	}
	return store.Page[store.Response]{}, nil
}
func (f *fakeStore) CompleteResponse(ctx context.Context, responseID string) error {
	if f.completeResponseFn != nil {
		return f.completeResponseFn(ctx, responseID)
	}
	return nil
}
func (f *fakeStore) InsertAnswers(ctx context.Context, items []store.Answer) error {
	if f.insertAnswersFn != nil {
		return f.insertAnswersFn(ctx, items)
	}
	return nil
}
func (f *fakeStore) ListAnswersByResponse(ctx context.Context, responseID string) ([]store.Answer, error) {
	if f.listAnswersByResponseFn != nil {
		return f.listAnswersByResponseFn(ctx, responseID)
	}
	return nil, nil
}
func (f *fakeStore) GetSurveySummary(context.Context, string) (store.SurveySummary, error) {
	return store.SurveySummary{}, nil
}
func (f *fakeStore) GetRatingStats(context.Context, string) ([]store.RatingStat, error) {
	return nil, nil
}
func (f *fakeStore) GetChoiceStats(context.Context, string) ([]store.ChoiceStat, error) {
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduler.Job
	err  error
}

func (f *fakeScheduler) AddJob(ctx context.Context, job scheduler.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return job.ID, nil
}

func (f *fakeScheduler) added() []scheduler.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.Job(nil), f.jobs...)
}

type sentMail struct {
	to      []string
	subject string
	text    string
	html    string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) IsConfigured() bool { return true }
func (f *fakeMailer) Send(to []string, subject, textBody, htmlBody string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: to, subject: subject, text: textBody, html: htmlBody})
	return nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.SurveyRecord
	deleted []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (f *fakeSearch) IndexSurvey(rec search.SurveyRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}
func (f *fakeSearch) DeleteSurvey(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func newTestService(dataStore *fakeStore, sched *fakeScheduler, mailer *fakeMailer) *Service {
	cfg := config.Config{SurveyBaseURL: "http://surveys.local"}
	return New(cfg, dataStore, sched, mailer, &fakeSearch{})
}

func asDomainError(t *testing.T, err error) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected a DomainError, got %v", err)
	}
	return domainErr
}

func TestCreateSurveyValidation(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeScheduler{}, &fakeMailer{})
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateSurveyInput
	}{
		{"empty title", CreateSurveyInput{Title: "  "}},
		{"unknown type", CreateSurveyInput{Title: "T", Type: "banana"}},
		{"external without url", CreateSurveyInput{Title: "T", Type: "external"}},
		{"internal with url", CreateSurveyInput{Title: "T", Type: "internal", ExternalURL: "https://forms.example.com/x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.CreateSurvey(ctx, tc.in)
			domainErr := asDomainError(t, err)
			if domainErr.Code != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %s", domainErr.Code)
			}
		})
	}
}

func TestCreateSurveyStartsAsDraft(t *testing.T) {
	var inserted store.Survey
	dataStore := &fakeStore{
		insertSurveyFn: func(_ context.Context, item store.Survey) error {
			inserted = item
			return nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})

	created, err := service.CreateSurvey(context.Background(), CreateSurveyInput{Title: "Onboarding feedback"})
	if err != nil {
		t.Fatalf("CreateSurvey failed: %v", err)
	}
	if !created.IsDraft {
		t.Error("new survey should be a draft")
	}
	if inserted.ID == "" || inserted.ID != created.ID {
		t.Errorf("inserted id %q does not match returned id %q", inserted.ID, created.ID)
	}
	if created.Type != store.SurveyInternal {
		t.Errorf("default type should be internal, got %s", created.Type)
	}
}

func TestGetSurveyNotFound(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeScheduler{}, &fakeMailer{})
	_, err := service.GetSurvey(context.Background(), "missing")
	domainErr := asDomainError(t, err)
	if domainErr.Code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", domainErr.Code)
	}
}

func TestDeleteSurveyRemovesFromSearchIndex(t *testing.T) {
	searchIndex := &fakeSearch{}
	service := New(config.Config{}, &fakeStore{}, &fakeScheduler{}, &fakeMailer{}, searchIndex)

	if err := service.DeleteSurvey(context.Background(), "s1"); err != nil {
		t.Fatalf("DeleteSurvey failed: %v", err)
	}
	if len(searchIndex.deleted) != 1 || searchIndex.deleted[0] != "s1" {
		t.Errorf("expected search index delete for s1, got %v", searchIndex.deleted)
	}
}

func TestCreateQuestionRequiresOptionsForChoiceTypes(t *testing.T) {
	dataStore := &fakeStore{
		getSurveyFn: func(context.Context, string) (store.Survey, error) {
			return store.Survey{ID: "s1"}, nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})
	ctx := context.Background()

	_, err := service.CreateQuestion(ctx, "s1", CreateQuestionInput{Text: "Pick one", QuestionType: "multiple_choice"})
	if asDomainError(t, err).Code != "VALIDATION_ERROR" {
		t.Error("choice question without options should fail validation")
	}

	_, err = service.CreateQuestion(ctx, "s1", CreateQuestionInput{
		Text:         "Pick one",
		QuestionType: "multiple_choice",
		Options:      json.RawMessage(`["red","blue"]`),
	})
	if err != nil {
		t.Fatalf("valid choice question rejected: %v", err)
	}
}

func TestCreateResponseMarksDistributionOpened(t *testing.T) {
	opened := []string{}
	dataStore := &fakeStore{
		getSurveyFn: func(context.Context, string) (store.Survey, error) {
			return store.Survey{ID: "s1"}, nil
		},
		getDistributionFn: func(_ context.Context, id string) (store.Distribution, error) {
			return store.Distribution{ID: id, Status: store.StatusSent}, nil
		},
		markOpenedFn: func(_ context.Context, id string) error {
			opened = append(opened, id)
			return nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})

	created, err := service.CreateResponse(context.Background(), "s1", CreateResponseInput{DistributionID: "d1"})
	if err != nil {
		t.Fatalf("CreateResponse failed: %v", err)
	}
	if created.DistributionID == nil || *created.DistributionID != "d1" {
		t.Error("response should carry the distribution back-reference")
	}
	if len(opened) != 1 || opened[0] != "d1" {
		t.Errorf("expected distribution d1 marked opened, got %v", opened)
	}
}

func TestCreateResponseRequiresIdentity(t *testing.T) {
	dataStore := &fakeStore{
		getSurveyFn: func(context.Context, string) (store.Survey, error) {
			return store.Survey{ID: "s1"}, nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})

	_, err := service.CreateResponse(context.Background(), "s1", CreateResponseInput{})
	if asDomainError(t, err).Code != "VALIDATION_ERROR" {
		t.Error("anonymous untracked response should fail validation")
	}
}

func TestSubmitAnswersValidation(t *testing.T) {
	dataStore := &fakeStore{
		getResponseFn: func(context.Context, string) (store.Response, error) {
			return store.Response{ID: "r1", SurveyID: "s1"}, nil
		},
		listQuestionsFn: func(context.Context, string) ([]store.Question, error) {
			return []store.Question{
				{ID: "q-rating", SurveyID: "s1", QuestionType: store.QuestionRating},
				{ID: "q-text", SurveyID: "s1", QuestionType: store.QuestionText},
			}, nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})
	ctx := context.Background()

	rating := 11
	_, err := service.SubmitAnswers(ctx, "r1", []SubmitAnswerInput{{QuestionID: "q-rating", Rating: &rating}})
	if asDomainError(t, err).Code != "VALIDATION_ERROR" {
		t.Error("out-of-range rating should fail validation")
	}

	value := "fine"
	_, err = service.SubmitAnswers(ctx, "r1", []SubmitAnswerInput{{QuestionID: "q-foreign", Value: &value}})
	if asDomainError(t, err).Code != "VALIDATION_ERROR" {
		t.Error("answer to a foreign question should fail validation")
	}

	good := 7
	answers, err := service.SubmitAnswers(ctx, "r1", []SubmitAnswerInput{
		{QuestionID: "q-rating", Rating: &good},
		{QuestionID: "q-text", Value: &value},
	})
	if err != nil {
		t.Fatalf("valid submission rejected: %v", err)
	}
	if len(answers) != 2 {
		t.Errorf("expected 2 persisted answers, got %d", len(answers))
	}
	for _, answer := range answers {
		if answer.ResponseID != "r1" || answer.ID == "" {
			t.Errorf("answer not stamped correctly: %+v", answer)
		}
	}
}

func TestCompleteResponseAlreadyCompleted(t *testing.T) {
	dataStore := &fakeStore{
		completeResponseFn: func(context.Context, string) error {
			return store.ErrAlreadyCompleted
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})

	err := service.CompleteResponse(context.Background(), "r1")
	domainErr := asDomainError(t, err)
	if domainErr.Code != "STATE_ERROR" {
		t.Errorf("expected STATE_ERROR, got %s", domainErr.Code)
	}
	if domainErr.Status != http.StatusConflict {
		t.Errorf("expected 409, got %d", domainErr.Status)
	}
}

func TestGetAnswerDetailsIncludesContext(t *testing.T) {
	distID := "d1"
	value := "Great"
	dataStore := &fakeStore{
		getResponseFn: func(context.Context, string) (store.Response, error) {
			return store.Response{ID: "r1", SurveyID: "s1", DistributionID: &distID}, nil
		},
		listAnswersByResponseFn: func(context.Context, string) ([]store.Answer, error) {
			return []store.Answer{{ID: "a1", ResponseID: "r1", QuestionID: "q1", Value: &value}}, nil
		},
		listQuestionsFn: func(context.Context, string) ([]store.Question, error) {
			return []store.Question{{ID: "q1", SurveyID: "s1", Text: "How was it?", QuestionType: store.QuestionText}}, nil
		},
		getDistributionFn: func(_ context.Context, id string) (store.Distribution, error) {
			return store.Distribution{ID: id, Status: store.StatusOpened}, nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})

	details, err := service.GetAnswerDetails(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetAnswerDetails failed: %v", err)
	}
	if len(details.Answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(details.Answers))
	}
	if details.Answers[0].QuestionText != "How was it?" {
		t.Errorf("answer should carry question text, got %q", details.Answers[0].QuestionText)
	}
	if details.Distribution == nil || details.Distribution.ID != "d1" {
		t.Error("tracked response should include its distribution summary")
	}
}

func TestGetAnswerDetailsToleratesMissingDistribution(t *testing.T) {
	distID := "gone"
	dataStore := &fakeStore{
		getResponseFn: func(context.Context, string) (store.Response, error) {
			return store.Response{ID: "r1", SurveyID: "s1", DistributionID: &distID}, nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})

	details, err := service.GetAnswerDetails(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetAnswerDetails failed: %v", err)
	}
	if details.Distribution != nil {
		t.Error("a deleted distribution should simply be omitted")
	}
}

func TestUpdateSurveyKeepsExternalURLRules(t *testing.T) {
	dataStore := &fakeStore{
		getSurveyFn: func(context.Context, string) (store.Survey, error) {
			return store.Survey{ID: "s1", Title: "T", Type: store.SurveyExternal, ExternalURL: "https://forms.example.com/x", CreatedAt: time.Now()}, nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})

	empty := ""
	_, err := service.UpdateSurvey(context.Background(), "s1", UpdateSurveyInput{ExternalURL: &empty})
	if asDomainError(t, err).Code != "VALIDATION_ERROR" {
		t.Error("clearing the url of an external survey should fail validation")
	}
}

func TestListResponsesNormalizesPagination(t *testing.T) {
	var gotPage, gotPerPage int
	dataStore := &fakeStore{
		getSurveyFn: func(context.Context, string) (store.Survey, error) {
			return store.Survey{ID: "s1"}, nil
		},
		listResponsesBySurveyFn: func(_ context.Context, _ string, page, perPage int) (store.Page[store.Response], error) {
			gotPage, gotPerPage = page, perPage
			return store.NewPage([]store.Response{}, 0, page, perPage), nil
		},
	}
	service := newTestService(dataStore, &fakeScheduler{}, &fakeMailer{})

	if _, err := service.ListResponses(context.Background(), "s1", -3, 100000); err != nil {
		t.Fatalf("ListResponses failed: %v", err)
	}
	if gotPage != 1 {
		t.Errorf("page should clamp to 1, got %d", gotPage)
	}
	if gotPerPage != 100 {
		t.Errorf("per_page should clamp to 100, got %d", gotPerPage)
	}
}

func TestValidateAnswerCheckboxShape(t *testing.T) {
	question := store.Question{QuestionType: store.QuestionCheckbox}
	if err := validateAnswer(question, SubmitAnswerInput{Values: json.RawMessage(`"nope"`)}); err == nil {
		t.Error("non-list checkbox values should fail")
	}
	if err := validateAnswer(question, SubmitAnswerInput{Values: json.RawMessage(`[]`)}); err == nil {
		t.Error("empty checkbox values should fail")
	}
	if err := validateAnswer(question, SubmitAnswerInput{Values: json.RawMessage(`["a","b"]`)}); err != nil {
		t.Errorf("valid checkbox values rejected: %v", err)
	}
}

func TestDomainErrorMessageIsStable(t *testing.T) {
	err := validationError("title is required")
	if !strings.Contains(err.Error(), "VALIDATION_ERROR") {
		t.Errorf("unexpected error string: %s", err.Error())
	}
}
