package store

import (
	"encoding/json"
	"time"
)

// SurveyType distinguishes surveys answered in-app from surveys hosted
// elsewhere (e.g. an external form whose URL we only distribute).
type SurveyType string

const (
	SurveyInternal SurveyType = "internal"
	SurveyExternal SurveyType = "external"
)

// DistributionMethod is how an invitation reaches a recipient.
type DistributionMethod string

const (
	MethodEmail    DistributionMethod = "email"
	MethodLink     DistributionMethod = "link"
	MethodExternal DistributionMethod = "external"
)

// DistributionStatus is the delivery lifecycle state of one invitation.
// pending -> sent -> opened -> clicked; failed is terminal.
type DistributionStatus string

const (
	StatusPending DistributionStatus = "pending"
	StatusSent    DistributionStatus = "sent"
	StatusOpened  DistributionStatus = "opened"
	StatusClicked DistributionStatus = "clicked"
	StatusFailed  DistributionStatus = "failed"
)

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	QuestionText           QuestionType = "text"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionCheckbox       QuestionType = "checkbox"
	QuestionRating         QuestionType = "rating"
	QuestionDate           QuestionType = "date"
)

// ResponseSource records whether a response was captured in-app or imported.
type ResponseSource string

const (
	SourceInternal ResponseSource = "internal"
	SourceExternal ResponseSource = "external"
)

type Survey struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	IsDraft     bool       `json:"isDraft"`
	Type        SurveyType `json:"type"`
	ExternalURL string     `json:"externalUrl,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Question struct {
	ID           string          `json:"id"`
	SurveyID     string          `json:"surveyId"`
	Text         string          `json:"text"`
	QuestionType QuestionType    `json:"questionType"`
	Options      json.RawMessage `json:"options,omitempty"`
	Required     bool            `json:"required"`
	Order        int             `json:"order"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type Response struct {
	ID              string         `json:"id"`
	SurveyID        string         `json:"surveyId"`
	DistributionID  *string        `json:"distributionId,omitempty"`
	RespondentEmail string         `json:"respondentEmail,omitempty"`
	RespondentName  string         `json:"respondentName,omitempty"`
	Source          ResponseSource `json:"source"`
	CreatedAt       time.Time      `json:"createdAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

type Answer struct {
	ID         string          `json:"id"`
	ResponseID string          `json:"responseId"`
	QuestionID string          `json:"questionId"`
	Value      *string         `json:"value,omitempty"`
	Values     json.RawMessage `json:"values,omitempty"`
	Rating     *int            `json:"rating,omitempty"`
	DateValue  *time.Time      `json:"dateValue,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type Distribution struct {
	ID             string             `json:"id"`
	SurveyID       string             `json:"surveyId"`
	Method         DistributionMethod `json:"method"`
	RecipientEmail string             `json:"recipientEmail"`
	Subject        string             `json:"subject"`
	Message        string             `json:"message"`
	ScheduledAt    *time.Time         `json:"scheduledAt,omitempty"`
	SentAt         *time.Time         `json:"sentAt,omitempty"`
	OpenedAt       *time.Time         `json:"openedAt,omitempty"`
	ClickedAt      *time.Time         `json:"clickedAt,omitempty"`
	ClickedCount   int                `json:"clickedCount"`
	Status         DistributionStatus `json:"status"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Page is the pagination envelope returned by list endpoints.
type Page[T any] struct {
	Items       []T  `json:"items"`
	Total       int  `json:"total"`
	Pages       int  `json:"pages"`
	CurrentPage int  `json:"current_page"`
	PerPage     int  `json:"per_page"`
	HasNext     bool `json:"has_next"`
	HasPrev     bool `json:"has_prev"`
}

// NewPage assembles the envelope from a result slice and total row count.
func NewPage[T any](items []T, total, page, perPage int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
	}
	return Page[T]{
		Items:       items,
		Total:       total,
		Pages:       pages,
		CurrentPage: page,
		PerPage:     perPage,
		HasNext:     page < pages,
		HasPrev:     page > 1 && total > 0,
	}
}

// ValidDistributionMethod reports whether s is a member of the closed set.
func ValidDistributionMethod(s string) bool {
	switch DistributionMethod(s) {
	case MethodEmail, MethodLink, MethodExternal:
		return true
	}
	return false
}

// ValidQuestionType reports whether s is a member of the closed set.
func ValidQuestionType(s string) bool {
	switch QuestionType(s) {
	case QuestionText, QuestionMultipleChoice, QuestionCheckbox, QuestionRating, QuestionDate:
		return true
	}
	return false
}

// ValidSurveyType reports whether s is a member of the closed set.
func ValidSurveyType(s string) bool {
	switch SurveyType(s) {
	case SurveyInternal, SurveyExternal:
		return true
	}
	return false
}
