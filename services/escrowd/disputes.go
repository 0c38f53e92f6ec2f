package escrowd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"taskpay/jury"
	"taskpay/marketplace"
)

type fileDisputeRequest struct {
	Reason string `json:"reason"`
}

// FileDispute opens the single dispute allowed on a rejected submission and
// kicks off the jury review in the background. The response never waits on
// the jury.
func (s *Server) FileDispute(w http.ResponseWriter, r *http.Request) {
	subID, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing principal"))
		return
	}
	var req fileDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	sub, err := s.store.GetSubmission(r.Context(), subID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sub.WorkerID != principal.UserID {
		writeErrorStatus(w, http.StatusForbidden, fmt.Errorf("submission %s belongs to another worker", subID))
		return
	}
	dispute, err := s.engine.FileDispute(r.Context(), subID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	go s.runJury(dispute.ID)
	writeJSON(w, http.StatusCreated, dispute)
}

// runJury drives one dispute through jury review. Detached from the filing
// request so that slow evaluators never block the API; any failure leaves the
// dispute in a phase the operator can see and re-trigger.
func (s *Server) runJury(disputeID uuid.UUID) {
	ctx := context.Background()
	dispute, err := s.engine.StartJuryReview(ctx, disputeID)
	if err != nil {
		s.log.Error("jury review start failed", "dispute", disputeID, "err", err)
		return
	}
	sub, err := s.store.GetSubmission(ctx, dispute.SubmissionID)
	if err != nil {
		s.log.Error("jury case load failed", "dispute", disputeID, "err", err)
		return
	}
	task, err := s.store.GetTask(ctx, dispute.TaskID)
	if err != nil {
		s.log.Error("jury case load failed", "dispute", disputeID, "err", err)
		return
	}
	tally := s.jury.Evaluate(ctx, jury.BuildCase(task, sub, dispute))
	if err := s.engine.CompleteJuryReview(ctx, disputeID, tally.Verdict, tally.QuorumMet, tally.Votes); err != nil {
		s.log.Error("jury review completion failed", "dispute", disputeID, "err", err)
		return
	}
	verdict := "none"
	if tally.Verdict != nil {
		verdict = string(*tally.Verdict)
	}
	s.log.Info("jury review completed",
		"dispute", disputeID,
		"verdict", verdict,
		"quorum_met", tally.QuorumMet,
		"votes", len(tally.Votes),
		"abstained", tally.Abstained)
}

type disputeResponse struct {
	Dispute *marketplace.Dispute   `json:"dispute"`
	Votes   []marketplace.JuryVote `json:"votes,omitempty"`
}

// GetDispute returns one dispute with its recorded jury votes. Visible to the
// filing worker, the task creator and operators.
func (s *Server) GetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing principal"))
		return
	}
	dispute, err := s.store.GetDispute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if principal.Role != RoleOperator && principal.UserID != dispute.WorkerID {
		task, err := s.store.GetTask(r.Context(), dispute.TaskID)
		if err != nil {
			writeError(w, err)
			return
		}
		if task.CreatorID != principal.UserID {
			writeErrorStatus(w, http.StatusForbidden, fmt.Errorf("dispute %s is not visible to this user", id))
			return
		}
	}
	votes, err := s.store.ListVotes(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponse{Dispute: dispute, Votes: votes})
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

// ResolveDispute applies the operator's final decision exactly once.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing principal"))
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	decision := marketplace.DisputeOutcome(req.Decision)
	if !decision.Valid() {
		writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("unknown decision %q", req.Decision))
		return
	}
	if err := s.engine.ResolveDispute(r.Context(), id, decision, req.Notes, principal.UserID); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordDisputeResolved(string(decision))
	dispute, err := s.store.GetDispute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}
