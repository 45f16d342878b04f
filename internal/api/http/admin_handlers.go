package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	appDispute "github.com/bountyhub/bountyhub/internal/application/dispute"
	appMarketplace "github.com/bountyhub/bountyhub/internal/application/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/dispute"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
)

// Dispute handlers

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeSvc.Get(r.Context(), chi.URLParam(r, "disputeId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type disputeStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) changeDisputeStatus(w http.ResponseWriter, r *http.Request) {
	var req disputeStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "status is required")
		return
	}
	d, err := s.disputeSvc.ChangeStatus(r.Context(), chi.URLParam(r, "disputeId"),
		dispute.Status(req.Status), actorFromContext(r.Context()), req.Reason)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type resolveAction struct {
	Type         string         `json:"type"`
	TargetUserID string         `json:"targetUserId,omitempty"`
	PaymentID    string         `json:"paymentId,omitempty"`
	Note         string         `json:"note,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

type resolveRequest struct {
	Outcome      string          `json:"outcome"`
	Summary      string          `json:"summary"`
	Actions      []resolveAction `json:"actions,omitempty"`
	Compensation float64         `json:"compensation,omitempty"`
	Penalties    []string        `json:"penalties,omitempty"`
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	in := appDispute.ResolveRequest{
		Outcome:      dispute.Outcome(req.Outcome),
		Summary:      req.Summary,
		Compensation: req.Compensation,
		Penalties:    req.Penalties,
		ResolvedBy:   actorFromContext(r.Context()),
	}
	for _, a := range req.Actions {
		in.Actions = append(in.Actions, appDispute.ActionInput{
			Type:         dispute.ActionType(a.Type),
			TargetUserID: a.TargetUserID,
			PaymentID:    a.PaymentID,
			Note:         a.Note,
			Params:       a.Params,
		})
	}
	d, err := s.disputeSvc.Resolve(r.Context(), chi.URLParam(r, "disputeId"), in)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// Marketplace handlers

type cancelBountyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelBounty(w http.ResponseWriter, r *http.Request) {
	var req cancelBountyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by admin"
	}
	id := chi.URLParam(r, "bountyId")
	if err := s.marketplaceSvc.CancelBounty(r.Context(), id, actorFromContext(r.Context()), sm.RoleAdmin, req.Reason); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"bountyId": id, "status": "cancelled"})
}

type releaseRequest struct {
	SubmissionID string `json:"submissionId,omitempty"`
	CreatorID    string `json:"creatorId,omitempty"`
}

func (s *Server) releasePayment(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	taskID, err := s.marketplaceSvc.RequestEscrowRelease(r.Context(), appMarketplace.ReleaseInput{
		PaymentID:    chi.URLParam(r, "paymentId"),
		SubmissionID: req.SubmissionID,
		CreatorID:    req.CreatorID,
		RequestedBy:  actorFromContext(r.Context()),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}
