package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"surveyhub/api/internal/config"
	"surveyhub/api/internal/scheduler"
	"surveyhub/api/internal/search"
	"surveyhub/api/internal/store"
	"surveyhub/api/internal/util"
)

// dataStore is the entity-storage capability the service consumes. The
// postgres implementation lives in internal/store; tests substitute fakes.
type dataStore interface {
	InsertSurvey(ctx context.Context, item store.Survey) error
	GetSurvey(ctx context.Context, surveyID string) (store.Survey, error)
	ListSurveys(ctx context.Context, page, perPage int) (store.Page[store.Survey], error)
	UpdateSurvey(ctx context.Context, item store.Survey) error
	PublishSurvey(ctx context.Context, surveyID string) error
	DeleteSurvey(ctx context.Context, surveyID string) error

	InsertQuestion(ctx context.Context, item store.Question) error
	GetQuestion(ctx context.Context, questionID string) (store.Question, error)
	ListQuestionsBySurvey(ctx context.Context, surveyID string) ([]store.Question, error)
	UpdateQuestion(ctx context.Context, item store.Question) error
	DeleteQuestion(ctx context.Context, questionID string) error

	CreateDistributions(ctx context.Context, items []store.Distribution) error
	GetDistribution(ctx context.Context, distributionID string) (store.Distribution, error)
	ListDistributionsBySurvey(ctx context.Context, surveyID string) ([]store.Distribution, error)
	ListPendingEmailDistributions(ctx context.Context, surveyID string) ([]store.Distribution, error)
	MarkDistributionSent(ctx context.Context, distributionID string) error
	MarkDistributionOpened(ctx context.Context, distributionID string) error
	MarkDistributionFailed(ctx context.Context, distributionID string) error
	IncrementDistributionClick(ctx context.Context, distributionID string) (store.Distribution, error)
	DeleteDistribution(ctx context.Context, distributionID string) error

	InsertResponse(ctx context.Context, item store.Response) error
	GetResponse(ctx context.Context, responseID string) (store.Response, error)
	ListResponsesBySurvey(ctx context.Context, surveyID string, page, perPage int) (store.Page[store.Response], error)
	CompleteResponse(ctx context.Context, responseID string) error

	InsertAnswers(ctx context.Context, items []store.Answer) error
	ListAnswersByResponse(ctx context.Context, responseID string) ([]store.Answer, error)

	GetSurveySummary(ctx context.Context, surveyID string) (store.SurveySummary, error)
	GetRatingStats(ctx context.Context, surveyID string) ([]store.RatingStat, error)
	GetChoiceStats(ctx context.Context, surveyID string) ([]store.ChoiceStat, error)

	Ping(ctx context.Context) error
}

// jobScheduler is the scheduling capability injected into the distribution
// engine. The process-wide scheduler lifecycle is owned by the bootstrap,
// never reached through package-level state.
type jobScheduler interface {
	AddJob(ctx context.Context, job scheduler.Job) (string, error)
}

// mailSender delivers a single email with both body variants.
type mailSender interface {
	IsConfigured() bool
	Send(to []string, subject, textBody, htmlBody string) error
}

// surveySearch is the survey-index capability (Meilisearch with PG fallback).
type surveySearch interface {
	Search(q search.Query) search.Response
	IndexSurvey(rec search.SurveyRecord)
	DeleteSurvey(id string)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	sched  jobScheduler
	mailer mailSender
	search surveySearch
}

func New(cfg config.Config, dataStore dataStore, sched jobScheduler, mailer mailSender, searchService surveySearch) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		sched:  sched,
		mailer: mailer,
		search: searchService,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- surveys ---

type CreateSurveyInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	ExternalURL string `json:"externalUrl"`
}

func (s *Service) CreateSurvey(ctx context.Context, in CreateSurveyInput) (store.Survey, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.Survey{}, validationError("title is required")
	}
	surveyType := in.Type
	if surveyType == "" {
		surveyType = string(store.SurveyInternal)
	}
	if !store.ValidSurveyType(surveyType) {
		return store.Survey{}, validationError("type must be internal or external")
	}
	externalURL := strings.TrimSpace(in.ExternalURL)
	if store.SurveyType(surveyType) == store.SurveyExternal && externalURL == "" {
		return store.Survey{}, validationError("externalUrl is required for external surveys")
	}
	if store.SurveyType(surveyType) == store.SurveyInternal && externalURL != "" {
		return store.Survey{}, validationError("externalUrl is only valid for external surveys")
	}

	// Surveys start as drafts; distributions stay dormant until publish.
	item := store.Survey{
		ID:          util.NewID(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		IsDraft:     true,
		Type:        store.SurveyType(surveyType),
		ExternalURL: externalURL,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertSurvey(ctx, item); err != nil {
		return store.Survey{}, err
	}
	s.indexSurvey(item)
	return item, nil
}

func (s *Service) GetSurvey(ctx context.Context, surveyID string) (store.Survey, error) {
	item, err := s.store.GetSurvey(ctx, surveyID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Survey{}, notFoundError("Survey not found")
	}
	return item, err
}

func (s *Service) ListSurveys(ctx context.Context, page, perPage int) (store.Page[store.Survey], error) {
	page, perPage = normalizePage(page, perPage)
	return s.store.ListSurveys(ctx, page, perPage)
}

type UpdateSurveyInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	ExternalURL *string `json:"externalUrl"`
}

func (s *Service) UpdateSurvey(ctx context.Context, surveyID string, in UpdateSurveyInput) (store.Survey, error) {
	item, err := s.GetSurvey(ctx, surveyID)
	if err != nil {
		return store.Survey{}, err
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return store.Survey{}, validationError("title cannot be empty")
		}
		item.Title = title
	}
	if in.Description != nil {
		item.Description = strings.TrimSpace(*in.Description)
	}
	if in.ExternalURL != nil {
		externalURL := strings.TrimSpace(*in.ExternalURL)
		if item.Type == store.SurveyExternal && externalURL == "" {
			return store.Survey{}, validationError("externalUrl is required for external surveys")
		}
		if item.Type == store.SurveyInternal && externalURL != "" {
			return store.Survey{}, validationError("externalUrl is only valid for external surveys")
		}
		item.ExternalURL = externalURL
	}
	if err := s.store.UpdateSurvey(ctx, item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Survey{}, notFoundError("Survey not found")
		}
		return store.Survey{}, err
	}
	s.indexSurvey(item)
	return item, nil
}

func (s *Service) DeleteSurvey(ctx context.Context, surveyID string) error {
	err := s.store.DeleteSurvey(ctx, surveyID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Survey not found")
	}
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteSurvey(surveyID)
	}
	return nil
}

func (s *Service) indexSurvey(item store.Survey) {
	if s.search == nil {
		return
	}
	s.search.IndexSurvey(search.SurveyRecord{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		IsDraft:     item.IsDraft,
		Type:        string(item.Type),
	})
}

// Search queries the survey index.
func (s *Service) Search(ctx context.Context, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{Text: text, Limit: limit, Offset: offset}), nil
}

// --- questions ---

type CreateQuestionInput struct {
	Text         string          `json:"text"`
	QuestionType string          `json:"questionType"`
	Options      json.RawMessage `json:"options"`
	Required     bool            `json:"required"`
	Order        int             `json:"order"`
}

func (s *Service) CreateQuestion(ctx context.Context, surveyID string, in CreateQuestionInput) (store.Question, error) {
	if _, err := s.GetSurvey(ctx, surveyID); err != nil {
		return store.Question{}, err
	}
	if strings.TrimSpace(in.Text) == "" {
		return store.Question{}, validationError("text is required")
	}
	if !store.ValidQuestionType(in.QuestionType) {
		return store.Question{}, validationError("invalid question type")
	}
	questionType := store.QuestionType(in.QuestionType)
	if err := validateOptions(questionType, in.Options); err != nil {
		return store.Question{}, err
	}

	item := store.Question{
		ID:           util.NewID(),
		SurveyID:     surveyID,
		Text:         strings.TrimSpace(in.Text),
		QuestionType: questionType,
		Options:      in.Options,
		Required:     in.Required,
		Order:        in.Order,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.store.InsertQuestion(ctx, item); err != nil {
		return store.Question{}, err
	}
	return item, nil
}

func validateOptions(questionType store.QuestionType, options json.RawMessage) error {
	isChoice := questionType == store.QuestionMultipleChoice || questionType == store.QuestionCheckbox
	if !isChoice {
		return nil
	}
	if len(options) == 0 {
		return validationError("options are required for choice questions")
	}
	var parsed []string
	if err := json.Unmarshal(options, &parsed); err != nil {
		return validationError("options must be a list of strings")
	}
	if len(parsed) == 0 {
		return validationError("options are required for choice questions")
	}
	return nil
}

func (s *Service) ListQuestions(ctx context.Context, surveyID string) ([]store.Question, error) {
	if _, err := s.GetSurvey(ctx, surveyID); err != nil {
		return nil, err
	}
	return s.store.ListQuestionsBySurvey(ctx, surveyID)
}

type UpdateQuestionInput struct {
	Text         *string         `json:"text"`
	QuestionType *string         `json:"questionType"`
	Options      json.RawMessage `json:"options"`
	Required     *bool           `json:"required"`
	Order        *int            `json:"order"`
}

func (s *Service) UpdateQuestion(ctx context.Context, questionID string, in UpdateQuestionInput) (store.Question, error) {
	item, err := s.store.GetQuestion(ctx, questionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Question{}, notFoundError("Question not found")
	}
	if err != nil {
		return store.Question{}, err
	}

	if in.Text != nil {
		if strings.TrimSpace(*in.Text) == "" {
			return store.Question{}, validationError("text cannot be empty")
		}
		item.Text = strings.TrimSpace(*in.Text)
	}
	if in.QuestionType != nil {
		if !store.ValidQuestionType(*in.QuestionType) {
			return store.Question{}, validationError("invalid question type")
		}
		item.QuestionType = store.QuestionType(*in.QuestionType)
	}
	if len(in.Options) > 0 {
		item.Options = in.Options
	}
	if err := validateOptions(item.QuestionType, item.Options); err != nil {
		return store.Question{}, err
	}
	if in.Required != nil {
		item.Required = *in.Required
	}
	if in.Order != nil {
		item.Order = *in.Order
	}

	if err := s.store.UpdateQuestion(ctx, item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Question{}, notFoundError("Question not found")
		}
		return store.Question{}, err
	}
	return item, nil
}

func (s *Service) DeleteQuestion(ctx context.Context, questionID string) error {
	err := s.store.DeleteQuestion(ctx, questionID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Question not found")
	}
	return err
}

// --- responses ---

type CreateResponseInput struct {
	DistributionID string `json:"distributionId"`
	Email          string `json:"email"`
	Name           string `json:"name"`
}

// CreateResponse records a new response. A response arriving through a
// tracked distribution marks that distribution opened; an untracked response
// must identify the respondent by email or name.
func (s *Service) CreateResponse(ctx context.Context, surveyID string, in CreateResponseInput) (store.Response, error) {
	if _, err := s.GetSurvey(ctx, surveyID); err != nil {
		return store.Response{}, err
	}

	item := store.Response{
		ID:        util.NewID(),
		SurveyID:  surveyID,
		Source:    store.SourceInternal,
		CreatedAt: time.Now().UTC(),
	}
	switch {
	case strings.TrimSpace(in.DistributionID) != "":
		distributionID := strings.TrimSpace(in.DistributionID)
		if _, err := s.store.GetDistribution(ctx, distributionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Response{}, notFoundError("Distribution not found")
			}
			return store.Response{}, err
		}
		item.DistributionID = &distributionID
	case strings.TrimSpace(in.Email) != "":
		item.RespondentEmail = strings.TrimSpace(in.Email)
	case strings.TrimSpace(in.Name) != "":
		item.RespondentName = strings.TrimSpace(in.Name)
	default:
		return store.Response{}, validationError("distributionId, email or name is required")
	}

	if err := s.store.InsertResponse(ctx, item); err != nil {
		return store.Response{}, err
	}

	if item.DistributionID != nil {
		if err := s.store.MarkDistributionOpened(ctx, *item.DistributionID); err != nil {
			return store.Response{}, err
		}
	}
	return item, nil
}

func (s *Service) ListResponses(ctx context.Context, surveyID string, page, perPage int) (store.Page[store.Response], error) {
	if _, err := s.GetSurvey(ctx, surveyID); err != nil {
		return store.Page[store.Response]{}, err
	}
	page, perPage = normalizePage(page, perPage)
	return s.store.ListResponsesBySurvey(ctx, surveyID, page, perPage)
}

func (s *Service) CompleteResponse(ctx context.Context, responseID string) error {
	err := s.store.CompleteResponse(ctx, responseID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Response not found")
	}
	if errors.Is(err, store.ErrAlreadyCompleted) {
		return stateError("Response is already completed")
	}
	return err
}

// --- answers ---

type SubmitAnswerInput struct {
	QuestionID string          `json:"questionId"`
	Value      *string         `json:"value"`
	Values     json.RawMessage `json:"values"`
	Rating     *int            `json:"rating"`
	DateValue  *time.Time      `json:"dateValue"`
}

// SubmitAnswers validates and persists a whole submission at once.
func (s *Service) SubmitAnswers(ctx context.Context, responseID string, inputs []SubmitAnswerInput) ([]store.Answer, error) {
	response, err := s.store.GetResponse(ctx, responseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("Response not found")
	}
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, validationError("answers are required")
	}

	questions, err := s.store.ListQuestionsBySurvey(ctx, response.SurveyID)
	if err != nil {
		return nil, err
	}
	questionsByID := make(map[string]store.Question, len(questions))
	for _, question := range questions {
		questionsByID[question.ID] = question
	}

	answers := make([]store.Answer, 0, len(inputs))
	for _, in := range inputs {
		question, ok := questionsByID[in.QuestionID]
		if !ok {
			return nil, validationError(fmt.Sprintf("question %s does not belong to this survey", in.QuestionID))
		}
		if err := validateAnswer(question, in); err != nil {
			return nil, err
		}
		answers = append(answers, store.Answer{
			ID:         util.NewID(),
			ResponseID: responseID,
			QuestionID: in.QuestionID,
			Value:      in.Value,
			Values:     in.Values,
			Rating:     in.Rating,
			DateValue:  in.DateValue,
			CreatedAt:  time.Now().UTC(),
		})
	}

	if err := s.store.InsertAnswers(ctx, answers); err != nil {
		return nil, err
	}
	return answers, nil
}

func validateAnswer(question store.Question, in SubmitAnswerInput) error {
	switch question.QuestionType {
	case store.QuestionText:
		if in.Value == nil || strings.TrimSpace(*in.Value) == "" {
			return validationError("value is required for text questions")
		}
	case store.QuestionMultipleChoice:
		if in.Value == nil || strings.TrimSpace(*in.Value) == "" {
			return validationError("value is required for multiple choice questions")
		}
	case store.QuestionCheckbox:
		if len(in.Values) == 0 {
			return validationError("values are required for checkbox questions")
		}
		var parsed []string
		if err := json.Unmarshal(in.Values, &parsed); err != nil || len(parsed) == 0 {
			return validationError("values must be a non-empty list of strings")
		}
	case store.QuestionRating:
		if in.Rating == nil {
			return validationError("rating is required for rating questions")
		}
		if *in.Rating < 1 || *in.Rating > 10 {
			return validationError("rating must be between 1 and 10")
		}
	case store.QuestionDate:
		if in.DateValue == nil {
			return validationError("dateValue is required for date questions")
		}
	}
	return nil
}

// AnswerDetail pairs a stored answer with its question context.
type AnswerDetail struct {
	store.Answer
	QuestionText string             `json:"questionText"`
	QuestionType store.QuestionType `json:"questionType"`
}

// AnswerDetails is the answers view for one response, including the
// distribution the response arrived through when it was tracked.
type AnswerDetails struct {
	Response     store.Response      `json:"response"`
	Distribution *store.Distribution `json:"distribution,omitempty"`
	Answers      []AnswerDetail      `json:"answers"`
}

func (s *Service) GetAnswerDetails(ctx context.Context, responseID string) (AnswerDetails, error) {
	response, err := s.store.GetResponse(ctx, responseID)
	if errors.Is(err, store.ErrNotFound) {
		return AnswerDetails{}, notFoundError("Response not found")
	}
	if err != nil {
		return AnswerDetails{}, err
	}

	answers, err := s.store.ListAnswersByResponse(ctx, responseID)
	if err != nil {
		return AnswerDetails{}, err
	}
	questions, err := s.store.ListQuestionsBySurvey(ctx, response.SurveyID)
	if err != nil {
		return AnswerDetails{}, err
	}
	questionsByID := make(map[string]store.Question, len(questions))
	for _, question := range questions {
		questionsByID[question.ID] = question
	}

	details := AnswerDetails{Response: response, Answers: make([]AnswerDetail, 0, len(answers))}
	for _, answer := range answers {
		question := questionsByID[answer.QuestionID]
		details.Answers = append(details.Answers, AnswerDetail{
			Answer:       answer,
			QuestionText: question.Text,
			QuestionType: question.QuestionType,
		})
	}

	if response.DistributionID != nil {
		dist, err := s.store.GetDistribution(ctx, *response.DistributionID)
		if err == nil {
			details.Distribution = &dist
		} else if !errors.Is(err, store.ErrNotFound) {
			return AnswerDetails{}, err
		}
	}
	return details, nil
}

// --- analytics ---

// SurveyAnalytics is the basic per-survey aggregate view.
type SurveyAnalytics struct {
	Summary store.SurveySummary `json:"summary"`
	Ratings []store.RatingStat  `json:"ratings"`
	Choices []store.ChoiceStat  `json:"choices"`
}

func (s *Service) GetSurveyAnalytics(ctx context.Context, surveyID string) (SurveyAnalytics, error) {
	if _, err := s.GetSurvey(ctx, surveyID); err != nil {
		return SurveyAnalytics{}, err
	}
	summary, err := s.store.GetSurveySummary(ctx, surveyID)
	if err != nil {
		return SurveyAnalytics{}, err
	}
	ratings, err := s.store.GetRatingStats(ctx, surveyID)
	if err != nil {
		return SurveyAnalytics{}, err
	}
	choices, err := s.store.GetChoiceStats(ctx, surveyID)
	if err != nil {
		return SurveyAnalytics{}, err
	}
	return SurveyAnalytics{Summary: summary, Ratings: ratings, Choices: choices}, nil
}

// --- helpers ---

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	return page, perPage
}
