package processors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/notification"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// ContentRules are the simple checks applied to a submission before its
// URL is fetched.
type ContentRules struct {
	Platforms      []string
	RequireCaption bool
}

// DefaultContentRules accepts the platforms bounties are posted for.
func DefaultContentRules() ContentRules {
	return ContentRules{
		Platforms:      []string{"instagram", "tiktok", "youtube", "twitter", "x"},
		RequireCaption: true,
	}
}

// Verification is the outcome recorded on a submission.
type Verification struct {
	SubmissionID string   `json:"submissionId"`
	Status       string   `json:"status"`
	Problems     []string `json:"problems,omitempty"`
	HTTPStatus   int      `json:"httpStatus,omitempty"`
	Skipped      bool     `json:"skipped,omitempty"`
}

// ContentVerification checks that submitted content is live and passes the
// rules, then records the verdict on the submission and tells the creator.
// Unreachable content (400, 404, 410) is a verdict, not a task failure.
type ContentVerification struct {
	engine   *txn.Engine
	client   *http.Client
	notifier Enqueuer
	rules    ContentRules
	logger   zerolog.Logger
}

func NewContentVerification(engine *txn.Engine, client *http.Client, notifier Enqueuer, rules ContentRules, logger zerolog.Logger) *ContentVerification {
	if len(rules.Platforms) == 0 {
		rules = DefaultContentRules()
	}
	return &ContentVerification{
		engine:   engine,
		client:   client,
		notifier: notifier,
		rules:    rules,
		logger:   logger.With().Str("processor", string(task.TypeContentVerification)).Logger(),
	}
}

func (p *ContentVerification) TaskType() task.Type { return task.TypeContentVerification }

func (p *ContentVerification) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.ContentVerification](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if in.SubmissionID == "" {
		return nil, spanError(span, task.Permanentf("content verification: submissionId is required"))
	}
	span.SetAttributes(attribute.String("submission.id", in.SubmissionID))

	doc, err := p.engine.Store().Get(ctx, marketplace.SubmissionCollection, in.SubmissionID)
	if errors.Is(err, document.ErrNotFound) {
		return nil, spanError(span, task.Permanent(fmt.Errorf("submission %s: %w", in.SubmissionID, err)))
	}
	if err != nil {
		return nil, spanError(span, err)
	}
	if st := doc.GetString("verificationStatus"); st != "" && st != marketplace.VerificationPending {
		return &Verification{SubmissionID: in.SubmissionID, Status: st, Skipped: true}, nil
	}

	contentURL := in.ContentURL
	if contentURL == "" {
		contentURL = doc.GetString("contentUrl")
	}
	platform := in.Platform
	if platform == "" {
		platform = doc.GetString("platform")
	}

	out := &Verification{SubmissionID: in.SubmissionID, Status: marketplace.VerificationVerified}
	out.Problems = p.check(contentURL, platform, doc.GetString("caption"))
	if len(out.Problems) == 0 {
		code, err := p.fetch(ctx, contentURL)
		if err != nil {
			return nil, spanError(span, err)
		}
		out.HTTPStatus = code
		if code >= http.StatusBadRequest {
			out.Problems = append(out.Problems, fmt.Sprintf("content returned HTTP %d", code))
		}
	}
	if len(out.Problems) > 0 {
		out.Status = marketplace.VerificationFailed
	}

	if err := p.record(ctx, in.SubmissionID, out); err != nil {
		return nil, spanError(span, classify(err))
	}
	p.notify(ctx, doc, out)
	p.logger.Info().Str("submissionId", in.SubmissionID).Str("status", out.Status).Strs("problems", out.Problems).Msg("content verified")
	return out, nil
}

func (p *ContentVerification) check(contentURL, platform, caption string) []string {
	var problems []string
	u, err := url.Parse(contentURL)
	if contentURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, "content url must be an absolute http(s) url")
	}
	if !slices.Contains(p.rules.Platforms, strings.ToLower(platform)) {
		problems = append(problems, fmt.Sprintf("platform %q is not supported", platform))
	}
	if p.rules.RequireCaption && strings.TrimSpace(caption) == "" {
		problems = append(problems, "caption is required")
	}
	return problems
}

// fetch returns the status of contentURL. Transient failures come back as
// errors so the task is retried; any other status is for the caller to judge.
func (p *ContentVerification) fetch(ctx context.Context, contentURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return 0, task.Permanent(fmt.Errorf("build content request: %w", err))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", contentURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if retryableStatus(resp.StatusCode) {
		return 0, fmt.Errorf("fetch %s: status %d", contentURL, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (p *ContentVerification) record(ctx context.Context, id string, v *Verification) error {
	res := txn.Execute(ctx, p.engine, "content.verify", func(ctx context.Context, tx document.Tx) (struct{}, error) {
		doc, err := tx.Get(ctx, marketplace.SubmissionCollection, id)
		if err != nil {
			return struct{}{}, err
		}
		_, err = p.engine.UpdateIn(ctx, tx, document.SystemActor, marketplace.SubmissionCollection, id, map[string]any{
			"verificationStatus": v.Status,
			"verificationNotes":  strings.Join(v.Problems, "; "),
			"verifiedAt":         p.engine.Now().UnixMilli(),
		}, txn.Update{ExpectedVersion: doc.Version})
		return struct{}{}, err
	})
	return res.Err
}

func (p *ContentVerification) notify(ctx context.Context, doc *document.Document, v *Verification) {
	creatorID := doc.GetString("creatorId")
	if p.notifier == nil || creatorID == "" {
		return
	}
	title, msg := "Submission verified", "Your submission passed verification."
	if v.Status == marketplace.VerificationFailed {
		title = "Submission needs attention"
		msg = "Your submission failed verification: " + strings.Join(v.Problems, "; ")
	}
	_, err := p.notifier.AddTask(ctx, task.NotificationSend{
		UserID:  creatorID,
		Type:    string(notification.TypeSubmission),
		Title:   title,
		Message: msg,
		Data:    map[string]any{"submissionId": v.SubmissionID, "bountyId": doc.GetString("bountyId"), "status": v.Status},
	}, task.PriorityNormal)
	if err != nil {
		p.logger.Error().Err(err).Str("submissionId", v.SubmissionID).Msg("failed to enqueue verification notification")
	}
}
