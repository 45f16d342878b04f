package paymentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bountyhub/bountyhub/internal/domain/payment"
)

// Client talks to the payment provider's REST API. Release and refund calls
// carry an idempotency key derived from the payment id, so a retried call
// never moves money twice.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ payment.Provider = (*Client)(nil)

func (c *Client) ReleaseFunds(ctx context.Context, paymentID string) (string, error) {
	var out struct {
		TransferID string `json:"transferId"`
	}
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/release"
	if err := c.do(ctx, http.MethodPost, path, "release-"+paymentID, nil, &out); err != nil {
		return "", err
	}
	if out.TransferID == "" {
		return "", &payment.ProviderError{Code: "invalid_response", StatusCode: http.StatusOK, Message: "missing transferId"}
	}
	return out.TransferID, nil
}

func (c *Client) Refund(ctx context.Context, paymentID, reason string) (string, error) {
	var out struct {
		RefundID string `json:"refundId"`
	}
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/refund"
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, path, "refund-"+paymentID, body, &out); err != nil {
		return "", err
	}
	if out.RefundID == "" {
		return "", &payment.ProviderError{Code: "invalid_response", StatusCode: http.StatusOK, Message: "missing refundId"}
	}
	return out.RefundID, nil
}

func (c *Client) GetAccountStatus(ctx context.Context, accountID string) (*payment.AccountStatus, error) {
	var out payment.AccountStatus
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("payment provider %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payment provider %s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		pe := &payment.ProviderError{StatusCode: resp.StatusCode, Code: "http_error", Message: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Code != "" {
			pe.Code, pe.Message = eb.Error.Code, eb.Error.Message
		}
		return pe
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &payment.ProviderError{Code: "invalid_response", StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return nil
}
