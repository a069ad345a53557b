package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"surveyhub/api/internal/email"
	"surveyhub/api/internal/scheduler"
	"surveyhub/api/internal/store"
	"surveyhub/api/internal/util"
)

// JobKindSendSurveyEmail is the scheduler job kind for deferred invitation
// delivery. The bootstrap registers SendSurveyEmailJob under this kind.
const JobKindSendSurveyEmail = "send_survey_email"

// sendSurveyEmailArgs is the persisted payload of a send job. Bodies are
// rendered at scheduling time so the job is self-contained.
type sendSurveyEmailArgs struct {
	DistributionID string `json:"distribution_id"`
	RecipientEmail string `json:"recipient_email"`
	Subject        string `json:"subject"`
	TextBody       string `json:"text_body"`
	HTMLBody       string `json:"html_body"`
}

type BulkDistributionInput struct {
	SurveyID    string     `json:"surveyId"`
	Method      string     `json:"method"`
	Recipients  []string   `json:"recipients"`
	Subject     string     `json:"subject"`
	Message     string     `json:"message"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

// BulkDistributionResult reports what a bulk request produced.
type BulkDistributionResult struct {
	Distributions []store.Distribution `json:"distributions"`
	Scheduled     int                  `json:"scheduled"`
	Deferred      bool                 `json:"deferred"`
}

// CreateBulkDistribution records one distribution per recipient, in request
// order, all PENDING. For a published survey the email ones are handed to the
// scheduler right away; for a draft they stay dormant until publish.
func (s *Service) CreateBulkDistribution(ctx context.Context, in BulkDistributionInput) (BulkDistributionResult, error) {
	survey, err := s.store.GetSurvey(ctx, in.SurveyID)
	if errors.Is(err, store.ErrNotFound) {
		return BulkDistributionResult{}, notFoundError("Survey not found")
	}
	if err != nil {
		return BulkDistributionResult{}, err
	}

	if !store.ValidDistributionMethod(in.Method) {
		return BulkDistributionResult{}, validationError("method must be email, link or external")
	}
	method := store.DistributionMethod(in.Method)

	recipients := make([]string, 0, len(in.Recipients))
	for _, recipient := range in.Recipients {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}
		if method == store.MethodEmail && !strings.Contains(recipient, "@") {
			return BulkDistributionResult{}, validationError(fmt.Sprintf("recipient %q is not an email address", recipient))
		}
		recipients = append(recipients, recipient)
	}
	if len(recipients) == 0 {
		return BulkDistributionResult{}, validationError("recipients are required")
	}
	if method == store.MethodEmail && strings.TrimSpace(in.Subject) == "" {
		return BulkDistributionResult{}, validationError("subject is required for email distributions")
	}

	now := time.Now().UTC()
	items := make([]store.Distribution, 0, len(recipients))
	for _, recipient := range recipients {
		items = append(items, store.Distribution{
			ID:             util.NewID(),
			SurveyID:       survey.ID,
			Method:         method,
			RecipientEmail: recipient,
			Subject:        strings.TrimSpace(in.Subject),
			Message:        in.Message,
			ScheduledAt:    in.ScheduledAt,
			Status:         store.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := s.store.CreateDistributions(ctx, items); err != nil {
		return BulkDistributionResult{}, err
	}

	result := BulkDistributionResult{Distributions: items}

	// Draft surveys only accumulate distributions; nothing is scheduled
	// until PublishSurvey fans them out.
	if survey.IsDraft {
		result.Deferred = true
		return result, nil
	}
	if method != store.MethodEmail {
		return result, nil
	}

	for _, item := range items {
		if _, err := s.DistributeSurvey(ctx, survey, item); err != nil {
			log.Printf("distribution: schedule send for %s failed: %v", item.ID, err)
			continue
		}
		result.Scheduled++
	}
	return result, nil
}

// DistributeSurvey renders the invitation for one distribution and arms a
// one-shot send job at the distribution's scheduled time (immediately when
// none is set). Returns the scheduler's job id.
func (s *Service) DistributeSurvey(ctx context.Context, survey store.Survey, dist store.Distribution) (string, error) {
	surveyURL := s.surveyURL(survey, dist)

	textBody, htmlBody, err := email.RenderInvitation(dist.Subject, dist.Message, surveyURL)
	if err != nil {
		return "", fmt.Errorf("render invitation for distribution %s: %w", dist.ID, err)
	}

	args, err := json.Marshal(sendSurveyEmailArgs{
		DistributionID: dist.ID,
		RecipientEmail: dist.RecipientEmail,
		Subject:        dist.Subject,
		TextBody:       textBody,
		HTMLBody:       htmlBody,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send args: %w", err)
	}

	var runAt time.Time
	if dist.ScheduledAt != nil {
		runAt = dist.ScheduledAt.UTC()
	}

	jobID, err := s.sched.AddJob(ctx, scheduler.Job{
		ID:              "send:" + dist.ID,
		Kind:            JobKindSendSurveyEmail,
		Trigger:         scheduler.TriggerDate,
		RunAt:           runAt,
		Args:            args,
		ReplaceExisting: true,
	})
	if err != nil {
		return "", fmt.Errorf("schedule send for distribution %s: %w", dist.ID, err)
	}
	return jobID, nil
}

// surveyURL resolves the link a recipient lands on: external surveys use
// their own URL verbatim, internal ones get an in-app taking link that
// carries the distribution id for open tracking.
func (s *Service) surveyURL(survey store.Survey, dist store.Distribution) string {
	if survey.Type == store.SurveyExternal && survey.ExternalURL != "" {
		return survey.ExternalURL
	}
	base := strings.TrimRight(s.cfg.SurveyBaseURL, "/")
	return fmt.Sprintf("%s/surveys/%s/take?distribution=%s", base, survey.ID, dist.ID)
}

// SendSurveyEmailJob executes one deferred invitation send. It re-fetches the
// distribution so a row deleted between scheduling and firing is skipped for
// good instead of emailing a ghost.
func (s *Service) SendSurveyEmailJob(ctx context.Context, raw json.RawMessage) error {
	var args sendSurveyEmailArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode send args: %w", err)
	}

	dist, err := s.store.GetDistribution(ctx, args.DistributionID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("FATAL: distribution %s vanished before send, dropping job", args.DistributionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load distribution %s: %w", args.DistributionID, err)
	}
	// Only pending rows are sent; a retry after a crash must not resend.
	if dist.Status != store.StatusPending {
		return nil
	}

	if err := s.mailer.Send([]string{args.RecipientEmail}, args.Subject, args.TextBody, args.HTMLBody); err != nil {
		if markErr := s.store.MarkDistributionFailed(ctx, args.DistributionID); markErr != nil {
			log.Printf("distribution: mark %s failed: %v", args.DistributionID, markErr)
		}
		return fmt.Errorf("send invitation for distribution %s: %w", args.DistributionID, err)
	}

	if err := s.store.MarkDistributionSent(ctx, args.DistributionID); err != nil {
		return fmt.Errorf("mark distribution %s sent: %w", args.DistributionID, err)
	}
	return nil
}

// PublishSurvey flips the draft flag exactly once, then fans out every
// dormant email distribution. Scheduling is best-effort: the publish itself
// is already committed.
func (s *Service) PublishSurvey(ctx context.Context, surveyID string) (store.Survey, int, error) {
	err := s.store.PublishSurvey(ctx, surveyID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Survey{}, 0, notFoundError("Survey not found")
	}
	if errors.Is(err, store.ErrAlreadyPublished) {
		return store.Survey{}, 0, stateError("Survey is already published")
	}
	if err != nil {
		return store.Survey{}, 0, err
	}

	survey, err := s.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return store.Survey{}, 0, err
	}
	s.indexSurvey(survey)

	scheduled, err := s.scheduleExistingDistributions(ctx, survey)
	if err != nil {
		log.Printf("distribution: fan-out after publish of %s: %v", surveyID, err)
	}
	return survey, scheduled, nil
}

// ScheduleExistingDistributions arms send jobs for every distribution of a
// published survey that is still pending and email-borne. Exposed for the
// re-trigger endpoint; publish uses the same path internally.
func (s *Service) ScheduleExistingDistributions(ctx context.Context, surveyID string) (int, error) {
	survey, err := s.store.GetSurvey(ctx, surveyID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, notFoundError("Survey not found")
	}
	if err != nil {
		return 0, err
	}
	if survey.IsDraft {
		return 0, stateError("Survey is not published")
	}
	return s.scheduleExistingDistributions(ctx, survey)
}

func (s *Service) scheduleExistingDistributions(ctx context.Context, survey store.Survey) (int, error) {
	pending, err := s.store.ListPendingEmailDistributions(ctx, survey.ID)
	if err != nil {
		return 0, fmt.Errorf("list pending distributions: %w", err)
	}

	scheduled := 0
	for _, dist := range pending {
		if _, err := s.DistributeSurvey(ctx, survey, dist); err != nil {
			log.Printf("distribution: schedule send for %s failed: %v", dist.ID, err)
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// --- lifecycle queries and transitions ---

func (s *Service) GetDistribution(ctx context.Context, distributionID string) (store.Distribution, error) {
	item, err := s.store.GetDistribution(ctx, distributionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Distribution{}, notFoundError("Distribution not found")
	}
	return item, err
}

func (s *Service) ListDistributionsBySurvey(ctx context.Context, surveyID string) ([]store.Distribution, error) {
	if _, err := s.GetSurvey(ctx, surveyID); err != nil {
		return nil, err
	}
	return s.store.ListDistributionsBySurvey(ctx, surveyID)
}

// TrackDistributionClick counts one click and promotes sent or opened rows to
// clicked. The store does the increment atomically, so concurrent clicks each
// land.
func (s *Service) TrackDistributionClick(ctx context.Context, distributionID string) (store.Distribution, error) {
	item, err := s.store.IncrementDistributionClick(ctx, distributionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Distribution{}, notFoundError("Distribution not found")
	}
	return item, err
}

func (s *Service) DeleteDistribution(ctx context.Context, distributionID string) error {
	err := s.store.DeleteDistribution(ctx, distributionID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Distribution not found")
	}
	return err
}
