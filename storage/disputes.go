package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"taskpay/marketplace"
)

// CreateDispute opens the single dispute allowed for a submission. The
// submission flips REJECTED to DISPUTED in the same transaction, and the
// unique index on submission_id backs the duplicate check under races.
func (s *Store) CreateDispute(ctx context.Context, dispute *marketplace.Dispute) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&marketplace.Dispute{}).
			Where("submission_id = ?", dispute.SubmissionID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return marketplace.ErrDisputeAlreadyExists
		}
		res := tx.Model(&marketplace.Submission{}).
			Where("id = ? AND status = ?", dispute.SubmissionID, marketplace.SubmissionRejected).
			Updates(map[string]any{"status": marketplace.SubmissionDisputed, "updated_at": dispute.FiledAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: submission not in REJECTED", marketplace.ErrInvalidState)
		}
		if err := tx.Create(dispute).Error; err != nil {
			if isUniqueViolation(err) {
				return marketplace.ErrDisputeAlreadyExists
			}
			return err
		}
		return nil
	})
}

// GetDispute loads one dispute.
func (s *Store) GetDispute(ctx context.Context, id uuid.UUID) (*marketplace.Dispute, error) {
	var dispute marketplace.Dispute
	if err := s.db.WithContext(ctx).First(&dispute, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &dispute, nil
}

// GetDisputeBySubmission loads the dispute attached to a submission, if any.
func (s *Store) GetDisputeBySubmission(ctx context.Context, submissionID uuid.UUID) (*marketplace.Dispute, error) {
	var dispute marketplace.Dispute
	if err := s.db.WithContext(ctx).First(&dispute, "submission_id = ?", submissionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &dispute, nil
}

// MarkJuryStarted flips FILED to JURY_REVIEW. A concurrent second start loses
// the conditional update.
func (s *Store) MarkJuryStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Dispute{}).
		Where("id = ? AND status = ?", id, marketplace.DisputeFiled).
		Updates(map[string]any{
			"status":          marketplace.DisputeJuryReview,
			"jury_started_at": at.UTC(),
			"updated_at":      at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.disputeCASFailure(ctx, id, marketplace.DisputeFiled)
	}
	return nil
}

// CompleteJuryReview records votes and the tally result, handing the dispute
// to human review. Votes are immutable rows; a nil verdict is stored as NULL.
func (s *Store) CompleteJuryReview(ctx context.Context, id uuid.UUID, verdict *marketplace.DisputeOutcome, quorumMet bool, votes []marketplace.JuryVote, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&marketplace.Dispute{}).
			Where("id = ? AND status = ?", id, marketplace.DisputeJuryReview).
			Updates(map[string]any{
				"status":            marketplace.DisputeHumanReview,
				"jury_verdict":      verdict,
				"quorum_met":        quorumMet,
				"jury_completed_at": at.UTC(),
				"updated_at":        at.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.disputeCASFailure(ctx, id, marketplace.DisputeJuryReview)
		}
		for i := range votes {
			if err := tx.Create(&votes[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ResolveDispute applies the human decision exactly once: the RESOLVED flip is
// conditioned on HUMAN_REVIEW, so of two concurrent attempts one wins and the
// other observes ErrAlreadyResolved.
func (s *Store) ResolveDispute(ctx context.Context, id uuid.UUID, decision marketplace.DisputeOutcome, notes string, resolver uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Dispute{}).
		Where("id = ? AND status = ?", id, marketplace.DisputeHumanReview).
		Updates(map[string]any{
			"status":           marketplace.DisputeResolved,
			"human_decision":   decision,
			"outcome":          decision,
			"resolution_notes": notes,
			"resolved_by":      resolver,
			"resolved_at":      at.UTC(),
			"updated_at":       at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var dispute marketplace.Dispute
		if err := s.db.WithContext(ctx).First(&dispute, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if dispute.Status == marketplace.DisputeResolved {
			return marketplace.ErrAlreadyResolved
		}
		return fmt.Errorf("%w: dispute is %s, want %s", marketplace.ErrInvalidState, dispute.Status, marketplace.DisputeHumanReview)
	}
	return nil
}

// ListVotes returns the immutable jury votes for a dispute in juror order.
func (s *Store) ListVotes(ctx context.Context, disputeID uuid.UUID) ([]marketplace.JuryVote, error) {
	var votes []marketplace.JuryVote
	err := s.db.WithContext(ctx).
		Where("dispute_id = ?", disputeID).
		Order("juror_index asc").
		Find(&votes).Error
	return votes, err
}

func (s *Store) disputeCASFailure(ctx context.Context, id uuid.UUID, want marketplace.DisputeStatus) error {
	var dispute marketplace.Dispute
	if err := s.db.WithContext(ctx).First(&dispute, "id = ?", id).Error; err != nil {
		return notFound(err)
	}
	return fmt.Errorf("%w: dispute is %s, want %s", marketplace.ErrInvalidState, dispute.Status, want)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
