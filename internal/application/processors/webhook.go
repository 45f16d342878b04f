package processors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// Webhook redelivers an outbound webhook. Server errors, 408, 429 and
// network failures are retried; any other 4xx is permanent.
type Webhook struct {
	client *http.Client
}

func NewWebhook(client *http.Client) *Webhook { return &Webhook{client: client} }

func (p *Webhook) TaskType() task.Type { return task.TypeWebhookRetry }

func (p *Webhook) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.WebhookRetry](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if in.URL == "" {
		return nil, spanError(span, task.Permanentf("webhook payload missing required field 'url'"))
	}
	method := in.Method
	if method == "" {
		method = http.MethodPost
	}
	span.SetAttributes(attribute.String("webhook.url", in.URL), attribute.String("webhook.method", method))

	var body io.Reader
	if len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return nil, spanError(span, task.Permanent(fmt.Errorf("build webhook request: %w", err)))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Task-ID", t.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("webhook call to %s: %w", in.URL, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", in.URL, resp.StatusCode)
		if !retryableStatus(resp.StatusCode) {
			err = task.Permanent(err)
		}
		return nil, spanError(span, err)
	}
	return map[string]any{"statusCode": resp.StatusCode}, nil
}
