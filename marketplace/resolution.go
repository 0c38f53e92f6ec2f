package marketplace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartJuryReview moves a freshly filed dispute into JURY_REVIEW. The caller
// then runs the jury and reports back via CompleteJuryReview.
func (e *Engine) StartJuryReview(ctx context.Context, disputeID uuid.UUID) (*Dispute, error) {
	dispute, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := ValidateDisputeTransition(dispute.Status, DisputeJuryReview); err != nil {
		return nil, err
	}
	if err := e.store.MarkJuryStarted(ctx, disputeID, e.now()); err != nil {
		return nil, err
	}
	return dispute, nil
}

// CompleteJuryReview records the jury outcome and hands the dispute to human
// review. A nil verdict with quorumMet=false means too few valid votes; a nil
// verdict with quorumMet=true means the jury split.
func (e *Engine) CompleteJuryReview(ctx context.Context, disputeID uuid.UUID, verdict *DisputeOutcome, quorumMet bool, votes []JuryVote) error {
	if verdict != nil && !verdict.Valid() {
		return fmt.Errorf("marketplace: invalid jury verdict %q", *verdict)
	}
	now := e.now()
	for i := range votes {
		if votes[i].ID == uuid.Nil {
			votes[i].ID = uuid.New()
		}
		votes[i].DisputeID = disputeID
		votes[i].CreatedAt = now
	}
	return e.store.CompleteJuryReview(ctx, disputeID, verdict, quorumMet, votes, now)
}

// ResolveDispute applies the human decision exactly once and cascades the
// financial side-effect. The RESOLVED flip is a conditional update on the
// HUMAN_REVIEW status, so of two concurrent attempts exactly one wins; the
// loser sees ErrAlreadyResolved and no second payout is ever dispatched.
func (e *Engine) ResolveDispute(ctx context.Context, disputeID uuid.UUID, decision DisputeOutcome, notes string, resolver uuid.UUID) error {
	if !decision.Valid() {
		return fmt.Errorf("marketplace: invalid resolution decision %q", decision)
	}
	dispute, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if err := e.store.ResolveDispute(ctx, disputeID, decision, notes, resolver, e.now()); err != nil {
		return err
	}

	sub, err := e.store.GetSubmission(ctx, dispute.SubmissionID)
	if err != nil {
		return fmt.Errorf("marketplace: dispute resolved but submission load failed: %w", err)
	}
	switch decision {
	case OutcomeWorkerPaid:
		amount, err := e.payoutAmount(ctx, sub)
		if err != nil {
			return fmt.Errorf("marketplace: dispute resolved but payout amount unavailable: %w", err)
		}
		if err := e.store.SetSubmissionReviewOutcome(ctx, sub.ID, SubmissionApproved, PayoutApproved, amount); err != nil {
			return fmt.Errorf("marketplace: dispute resolved but submission update failed: %w", err)
		}
		e.payouts.Dispatch(sub.ID)
	case OutcomeRejectionUpheld:
		// Funds stay in escrow for other workers or the eventual refund.
		if err := e.store.SetSubmissionReviewOutcome(ctx, sub.ID, SubmissionRejected, PayoutRefunded, sub.PayoutAmount); err != nil {
			return fmt.Errorf("marketplace: dispute resolved but submission update failed: %w", err)
		}
	}
	e.audit(ctx, &dispute.TaskID, resolver, "dispute.resolved", string(decision))
	e.notify(Notification{Type: "dispute.resolved", UserID: dispute.WorkerID, Link: "/disputes/" + disputeID.String()})
	return nil
}

// DisputeDeadline reports the end of the filing window for a rejection time.
func (e *Engine) DisputeDeadline(rejectedAt time.Time) time.Time {
	return rejectedAt.Add(e.disputeWindow)
}
