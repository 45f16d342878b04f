package marketplace

import (
	"github.com/bountyhub/bountyhub/internal/domain/statemachine"
)

const (
	BountyCollection      = "bounties"
	ApplicationCollection = "applications"
	SubmissionCollection  = "submissions"
	UserCollection        = "users"
)

// Entity types used for state machines and audit records.
const (
	EntityBounty      = "bounty"
	EntityApplication = "application"
	EntitySubmission  = "submission"
	EntityUser        = "user"
)

// Bounty states.
const (
	BountyPending    statemachine.State = "pending"
	BountyActive     statemachine.State = "active"
	BountyInProgress statemachine.State = "in-progress"
	BountyCompleted  statemachine.State = "completed"
	BountyCancelled  statemachine.State = "cancelled"
)

// Application states.
const (
	ApplicationPending   statemachine.State = "pending"
	ApplicationAccepted  statemachine.State = "accepted"
	ApplicationRejected  statemachine.State = "rejected"
	ApplicationWithdrawn statemachine.State = "withdrawn"
)

// Submission verification outcomes.
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
	VerificationFailed   = "failed"
)

// Bounty is a business posting funded through escrow.
type Bounty struct {
	Title             string  `json:"title"`
	BusinessID        string  `json:"businessId"`
	Status            string  `json:"status"`
	PaymentStatus     string  `json:"paymentStatus"`
	EscrowPaymentID   string  `json:"escrowPaymentId"`
	Budget            float64 `json:"budget"`
	RemainingBudget   float64 `json:"remainingBudget"`
	MaxApplications   int     `json:"maxApplications"`
	MaxCreators       int     `json:"maxCreators"`
	ApplicationsCount int     `json:"applicationsCount"`
	AcceptedCount     int     `json:"acceptedCount"`
	PaidCreatorsCount int     `json:"paidCreatorsCount"`
	CreatedAt         int64   `json:"createdAt"`
}

// Application is a creator's request to work on a bounty.
type Application struct {
	BountyID  string `json:"bountyId"`
	CreatorID string `json:"creatorId"`
	Pitch     string `json:"pitch"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// Submission is content delivered against an accepted application.
type Submission struct {
	BountyID           string `json:"bountyId"`
	CreatorID          string `json:"creatorId"`
	ApplicationID      string `json:"applicationId"`
	ContentURL         string `json:"contentUrl"`
	Platform           string `json:"platform"`
	Caption            string `json:"caption"`
	Status             string `json:"status"`
	VerificationStatus string `json:"verificationStatus"`
	VerificationNotes  string `json:"verificationNotes,omitempty"`
}
