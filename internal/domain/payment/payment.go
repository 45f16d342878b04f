package payment

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_provider.go -package=mocks . Provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/bountyhub/bountyhub/internal/domain/statemachine"
)

const (
	Collection = "payments"
	EntityType = "payment"
)

// Payment states.
const (
	StatusPending      statemachine.State = "pending"
	StatusProcessing   statemachine.State = "processing"
	StatusHeldInEscrow statemachine.State = "held_in_escrow"
	StatusReleased     statemachine.State = "released"
	StatusRefunded     statemachine.State = "refunded"
	StatusFailed       statemachine.State = "failed"
)

// ProviderSucceeded is the provider status that confirms a captured charge.
const ProviderSucceeded = "succeeded"

// Payment is an escrow payment for a bounty.
type Payment struct {
	BountyID        string  `json:"bountyId"`
	BusinessID      string  `json:"businessId"`
	CreatorID       string  `json:"creatorId"`
	Status          string  `json:"status"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	PaymentIntentID string  `json:"paymentIntentId"`
	ProviderStatus  string  `json:"providerStatus"`
	CreatorEarnings float64 `json:"creatorEarnings"`
	PlatformFee     float64 `json:"platformFee"`
	TransferID      string  `json:"transferId,omitempty"`
	RefundID        string  `json:"refundId,omitempty"`
	CreatedAt       int64   `json:"createdAt"`
}

// AccountStatus reports the capabilities of a connected payout account.
type AccountStatus struct {
	ChargesEnabled bool `json:"chargesEnabled"`
	PayoutsEnabled bool `json:"payoutsEnabled"`
}

// Provider is the external payment processor.
type Provider interface {
	ReleaseFunds(ctx context.Context, paymentID string) (transferID string, err error)
	Refund(ctx context.Context, paymentID, reason string) (refundID string, err error)
	GetAccountStatus(ctx context.Context, accountID string) (*AccountStatus, error)
}

// ProviderError is a failure reported by the payment provider.
type ProviderError struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment provider error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payment provider error %s: %s", e.Code, e.Message)
}

var retryableCodes = map[string]bool{
	"api_connection_error": true,
	"rate_limit":           true,
	"lock_timeout":         true,
	"processing_error":     true,
}

// Retryable reports whether the failure is transient: server errors,
// rate limiting, request timeouts and connection problems.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return retryableCodes[e.Code]
}

// IsRetryable classifies an error returned by a Provider. Declines,
// authentication failures and invalid requests are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
