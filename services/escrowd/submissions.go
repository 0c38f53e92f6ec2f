package escrowd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"taskpay/marketplace"
)

type submitWorkRequest struct {
	MilestoneID    *uuid.UUID `json:"milestone_id"`
	Content        string     `json:"content"`
	DeliverableURL string     `json:"deliverable_url"`
	WorkerWallet   string     `json:"worker_wallet"`
	EvidenceCount  int        `json:"evidence_count"`
}

// SubmitWork records delivered work from an accepted worker.
func (s *Server) SubmitWork(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing principal"))
		return
	}
	var req submitWorkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.AcceptedApplication(r.Context(), taskID, principal.UserID); err != nil {
		if errors.Is(err, marketplace.ErrNotFound) {
			writeError(w, fmt.Errorf("%w: worker has no accepted application", marketplace.ErrInvalidState))
			return
		}
		writeError(w, err)
		return
	}
	sub := &marketplace.Submission{
		TaskID:         taskID,
		MilestoneID:    req.MilestoneID,
		WorkerID:       principal.UserID,
		WorkerWallet:   req.WorkerWallet,
		Content:        req.Content,
		DeliverableURL: req.DeliverableURL,
		EvidenceCount:  req.EvidenceCount,
	}
	sub, err = s.engine.SubmitWork(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

type reviewRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

// ApproveSubmission accepts delivered work and queues its payout.
func (s *Server) ApproveSubmission(w http.ResponseWriter, r *http.Request) {
	sub, req, ok := s.loadReviewTarget(w, r)
	if !ok {
		return
	}
	if err := s.engine.ApproveSubmission(r.Context(), sub.ID, req.Notes); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetSubmission(r.Context(), sub.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// RejectSubmission declines delivered work, opening the dispute window.
func (s *Server) RejectSubmission(w http.ResponseWriter, r *http.Request) {
	sub, req, ok := s.loadReviewTarget(w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		writeErrorStatus(w, http.StatusBadRequest, errors.New("rejection reason required"))
		return
	}
	if err := s.engine.RejectSubmission(r.Context(), sub.ID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetSubmission(r.Context(), sub.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) loadReviewTarget(w http.ResponseWriter, r *http.Request) (*marketplace.Submission, reviewRequest, bool) {
	var req reviewRequest
	subID, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return nil, req, false
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return nil, req, false
	}
	sub, err := s.store.GetSubmission(r.Context(), subID)
	if err != nil {
		writeError(w, err)
		return nil, req, false
	}
	task, err := s.store.GetTask(r.Context(), sub.TaskID)
	if err != nil {
		writeError(w, err)
		return nil, req, false
	}
	if !s.requireTaskOwner(w, r, task) {
		return nil, req, false
	}
	return sub, req, true
}
