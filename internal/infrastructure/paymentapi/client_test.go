package paymentapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bountyhub/bountyhub/internal/domain/payment"
	"github.com/bountyhub/bountyhub/internal/infrastructure/paymentapi"
)

func TestClient_ReleaseAndRefund(t *testing.T) {
	var seen []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Clone(context.Background()))
		switch r.URL.Path {
		case "/v1/payments/pay-1/release":
			_, _ = w.Write([]byte(`{"transferId":"tr_1"}`))
		case "/v1/payments/pay-1/refund":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "duplicate", body["reason"])
			_, _ = w.Write([]byte(`{"refundId":"re_1"}`))
		case "/v1/accounts/acct-1":
			_, _ = w.Write([]byte(`{"chargesEnabled":true,"payoutsEnabled":false}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := paymentapi.NewClient(srv.URL+"/", "sk_test")
	ctx := context.Background()

	tr, err := c.ReleaseFunds(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "tr_1", tr)

	re, err := c.Refund(ctx, "pay-1", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, "re_1", re)

	acct, err := c.GetAccountStatus(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.ChargesEnabled)
	assert.False(t, acct.PayoutsEnabled)

	require.Len(t, seen, 3)
	assert.Equal(t, "release-pay-1", seen[0].Header.Get("Idempotency-Key"))
	assert.Equal(t, "refund-pay-1", seen[1].Header.Get("Idempotency-Key"))
	assert.Empty(t, seen[2].Header.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer sk_test", seen[0].Header.Get("Authorization"))
	assert.Equal(t, http.MethodGet, seen[2].Method)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"declined", http.StatusPaymentRequired, `{"error":{"code":"card_declined","message":"declined"}}`, "card_declined", false},
		{"invalid request", http.StatusBadRequest, `{"error":{"code":"invalid_request","message":"bad id"}}`, "invalid_request", false},
		{"rate limited", http.StatusTooManyRequests, ``, "http_error", true},
		{"server error", http.StatusBadGateway, `<html>`, "http_error", true},
		{"lock timeout", http.StatusConflict, `{"error":{"code":"lock_timeout","message":"busy"}}`, "lock_timeout", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := paymentapi.NewClient(srv.URL, "k").ReleaseFunds(context.Background(), "pay-1")
			var pe *payment.ProviderError
			require.True(t, errors.As(err, &pe), err)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.retryable, payment.IsRetryable(err))
		})
	}
}

func TestClient_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := paymentapi.NewClient(url, "k").Refund(context.Background(), "pay-1", "")
	require.Error(t, err)
	assert.True(t, payment.IsRetryable(err))
}

func TestClient_MissingTransferID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	_, err := paymentapi.NewClient(srv.URL, "k").ReleaseFunds(context.Background(), "pay-1")
	var pe *payment.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "invalid_response", pe.Code)
	assert.False(t, payment.IsRetryable(err))
}
