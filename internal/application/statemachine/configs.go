package statemachine

import (
	"context"
	"errors"
	"time"

	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/payment"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
)

// UnpaidBountyExpiry is how long a bounty may stay pending without escrow
// before it can be cancelled.
const UnpaidBountyExpiry = 24 * time.Hour

// ErrMissingEscrowPayment is returned when activating a bounty that has no
// escrow payment attached.
var ErrMissingEscrowPayment = errors.New("escrow payment id is required")

// BountyConfig is the bounty lifecycle.
func BountyConfig() sm.Config {
	return sm.Config{
		EntityType:   marketplace.EntityBounty,
		InitialState: marketplace.BountyPending,
		FinalStates:  []sm.State{marketplace.BountyCompleted, marketplace.BountyCancelled},
		Transitions: []sm.Transition{
			{
				From: marketplace.BountyPending,
				To:   marketplace.BountyActive,
				Condition: func(c sm.Context) bool {
					return str(c.Data, "paymentStatus") == string(payment.StatusHeldInEscrow) &&
						str(c.Data, "escrowPaymentId") != ""
				},
				Action: func(_ context.Context, c sm.Context) error {
					if str(c.Data, "escrowPaymentId") == "" {
						return ErrMissingEscrowPayment
					}
					return nil
				},
			},
			{
				From: marketplace.BountyPending,
				To:   marketplace.BountyCancelled,
				Condition: func(c sm.Context) bool {
					if c.Forced && c.Role == sm.RoleAdmin {
						return true
					}
					if str(c.Data, "paymentStatus") == string(payment.StatusHeldInEscrow) {
						return false
					}
					created, ok := millis(c.Data, "createdAt")
					return ok && c.Now.Sub(created) > UnpaidBountyExpiry
				},
			},
			{
				From: marketplace.BountyActive,
				To:   marketplace.BountyInProgress,
				Condition: func(c sm.Context) bool {
					return reached(c.Data, "applicationsCount", "maxApplications") ||
						reached(c.Data, "acceptedCount", "maxCreators")
				},
			},
			{
				From: marketplace.BountyInProgress,
				To:   marketplace.BountyCompleted,
				Condition: func(c sm.Context) bool {
					if reached(c.Data, "paidCreatorsCount", "maxCreators") {
						return true
					}
					remaining, ok := num(c.Data, "remainingBudget")
					return ok && remaining <= 0
				},
			},
			{
				From:         sm.AnyState,
				To:           marketplace.BountyCancelled,
				AllowedRoles: []sm.Role{sm.RoleAdmin},
			},
		},
		ValidationRules: []sm.ValidationRule{
			{
				State: marketplace.BountyActive,
				Validator: func(data map[string]any) bool {
					return str(data, "paymentStatus") == string(payment.StatusHeldInEscrow)
				},
				ErrorMessage: "bounty must have payment held in escrow to become active",
			},
			{
				State: marketplace.BountyInProgress,
				Validator: func(data map[string]any) bool {
					n, _ := num(data, "applicationsCount")
					return n >= 1
				},
				ErrorMessage: "bounty must have at least one application to be in progress",
			},
			{
				State: marketplace.BountyCompleted,
				Validator: func(data map[string]any) bool {
					n, _ := num(data, "paidCreatorsCount")
					return n >= 1
				},
				ErrorMessage: "bounty must have at least one paid creator to complete",
			},
		},
	}
}

// ApplicationConfig is the application lifecycle.
func ApplicationConfig() sm.Config {
	deciders := []sm.Role{sm.RoleBusiness, sm.RoleAdmin}
	creator := []sm.Role{sm.RoleCreator}
	return sm.Config{
		EntityType:   marketplace.EntityApplication,
		InitialState: marketplace.ApplicationPending,
		FinalStates:  []sm.State{marketplace.ApplicationRejected, marketplace.ApplicationWithdrawn},
		Transitions: []sm.Transition{
			{From: marketplace.ApplicationPending, To: marketplace.ApplicationAccepted, AllowedRoles: deciders},
			{From: marketplace.ApplicationPending, To: marketplace.ApplicationRejected, AllowedRoles: deciders},
			{From: marketplace.ApplicationPending, To: marketplace.ApplicationWithdrawn, AllowedRoles: creator},
			{From: marketplace.ApplicationAccepted, To: marketplace.ApplicationWithdrawn, AllowedRoles: creator},
		},
		ValidationRules: []sm.ValidationRule{
			{
				State: marketplace.ApplicationAccepted,
				Validator: func(data map[string]any) bool {
					return str(data, "bountyId") != "" && str(data, "creatorId") != ""
				},
				ErrorMessage: "application must reference a valid bounty and creator",
			},
		},
	}
}

// PaymentConfig is the escrow payment lifecycle.
func PaymentConfig() sm.Config {
	return sm.Config{
		EntityType:   payment.EntityType,
		InitialState: payment.StatusPending,
		FinalStates:  []sm.State{payment.StatusRefunded, payment.StatusFailed},
		Transitions: []sm.Transition{
			{
				From: payment.StatusPending,
				To:   payment.StatusProcessing,
				Condition: func(c sm.Context) bool {
					return str(c.Data, "paymentIntentId") != ""
				},
			},
			{
				From: payment.StatusProcessing,
				To:   payment.StatusHeldInEscrow,
				Condition: func(c sm.Context) bool {
					return str(c.Data, "providerStatus") == payment.ProviderSucceeded
				},
			},
			{
				From:         payment.StatusHeldInEscrow,
				To:           payment.StatusReleased,
				AllowedRoles: []sm.Role{sm.RoleBusiness, sm.RoleAdmin, sm.RoleSystem},
			},
			{From: payment.StatusPending, To: payment.StatusFailed},
			{From: payment.StatusProcessing, To: payment.StatusFailed},
			{
				From:         payment.StatusHeldInEscrow,
				To:           payment.StatusRefunded,
				AllowedRoles: []sm.Role{sm.RoleBusiness, sm.RoleAdmin},
			},
			{
				From:         payment.StatusReleased,
				To:           payment.StatusRefunded,
				AllowedRoles: []sm.Role{sm.RoleAdmin},
			},
		},
		ValidationRules: []sm.ValidationRule{
			{
				State: payment.StatusHeldInEscrow,
				Validator: func(data map[string]any) bool {
					amount, ok := num(data, "amount")
					return ok && amount > 0 && str(data, "currency") != ""
				},
				ErrorMessage: "payment held in escrow requires a positive amount and a currency",
			},
			{
				State: payment.StatusReleased,
				Validator: func(data map[string]any) bool {
					return str(data, "creatorId") != "" && str(data, "transferId") != ""
				},
				ErrorMessage: "released payment requires a creator and a transfer id",
			},
		},
	}
}

func str(data map[string]any, path string) string {
	v, ok := document.Lookup(data, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func num(data map[string]any, path string) (float64, bool) {
	v, ok := document.Lookup(data, path)
	if !ok {
		return 0, false
	}
	return document.ToFloat(v)
}

// reached reports whether count has hit a positive limit.
func reached(data map[string]any, countField, limitField string) bool {
	limit, ok := num(data, limitField)
	if !ok || limit <= 0 {
		return false
	}
	count, _ := num(data, countField)
	return count >= limit
}

func millis(data map[string]any, path string) (time.Time, bool) {
	ms, ok := num(data, path)
	if !ok || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}
