// Package storage persists marketplace entities through gorm. Every guarded
// lifecycle transition is a single conditional UPDATE keyed on the current
// status; the affected-row count decides which concurrent caller won.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskpay/marketplace"
)

// Store is the gorm-backed implementation of marketplace.Store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the database named by dsn. Postgres DSNs (postgres:// or
// key=value form) use the postgres driver; anything else is treated as a
// SQLite path, which keeps tests and single-node deployments dependency-free.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetNowFunc overrides the clock used for updated_at stamps in tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// DB exposes the underlying handle for migrations and service-level queries.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate applies the marketplace schema.
func (s *Store) Migrate() error { return marketplace.AutoMigrate(s.db) }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return marketplace.ErrNotFound
	}
	return err
}

// CreateTask persists the task and its milestone legs atomically.
func (s *Store) CreateTask(ctx context.Context, task *marketplace.Task, milestones []marketplace.Milestone) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		for i := range milestones {
			if err := tx.Create(&milestones[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask loads a task with its milestones.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*marketplace.Task, error) {
	var task marketplace.Task
	if err := s.db.WithContext(ctx).Preload("Milestones").First(&task, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// SetTaskWallet attaches the escrow wallet identity to a DRAFT task.
func (s *Store) SetTaskWallet(ctx context.Context, id uuid.UUID, walletID, address string) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Task{}).
		Where("id = ? AND status = ?", id, marketplace.TaskDraft).
		Updates(map[string]any{"wallet_id": walletID, "wallet_address": address, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.taskCASFailure(ctx, id, marketplace.TaskDraft)
	}
	return nil
}

// ActivateTask flips DRAFT to ACTIVE, recording the funding proof. Exactly one
// of any concurrent activations succeeds.
func (s *Store) ActivateTask(ctx context.Context, id uuid.UUID, chain, txHash string) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Task{}).
		Where("id = ? AND status = ?", id, marketplace.TaskDraft).
		Updates(map[string]any{
			"status":          marketplace.TaskActive,
			"funding_chain":   chain,
			"funding_tx_hash": txHash,
			"updated_at":      s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.taskCASFailure(ctx, id, marketplace.TaskDraft)
	}
	return nil
}

// TransitionTask performs a bare status CAS on the task.
func (s *Store) TransitionTask(ctx context.Context, id uuid.UUID, from, to marketplace.TaskStatus) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.taskCASFailure(ctx, id, from)
	}
	return nil
}

// CancelTask moves any pre-completion task to CANCELLED and returns the
// resulting snapshot for the refund path.
func (s *Store) CancelTask(ctx context.Context, id uuid.UUID) (*marketplace.Task, error) {
	cancellable := []marketplace.TaskStatus{marketplace.TaskDraft, marketplace.TaskActive, marketplace.TaskInProgress}
	res := s.db.WithContext(ctx).Model(&marketplace.Task{}).
		Where("id = ? AND status IN ?", id, cancellable).
		Updates(map[string]any{"status": marketplace.TaskCancelled, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var task marketplace.Task
		if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
			return nil, notFound(err)
		}
		return nil, fmt.Errorf("%w: task is %s", marketplace.ErrInvalidState, task.Status)
	}
	return s.GetTask(ctx, id)
}

// ListFundableTasks returns DRAFT tasks that already have an escrow wallet and
// were created after the cutoff. The funding watcher polls these for inbound
// deposits.
func (s *Store) ListFundableTasks(ctx context.Context, since time.Time, limit int) ([]marketplace.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []marketplace.Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND wallet_address <> '' AND created_at >= ?", marketplace.TaskDraft, since).
		Order("created_at asc").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) taskCASFailure(ctx context.Context, id uuid.UUID, want marketplace.TaskStatus) error {
	var task marketplace.Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return notFound(err)
	}
	return fmt.Errorf("%w: task is %s, want %s", marketplace.ErrInvalidState, task.Status, want)
}

var liveApplicationStatuses = []marketplace.ApplicationStatus{
	marketplace.ApplicationPending,
	marketplace.ApplicationAccepted,
	marketplace.ApplicationPaid,
	marketplace.ApplicationReleased,
}

// CreateApplication inserts a pending application, enforcing at most one live
// application per (task, worker) pair.
func (s *Store) CreateApplication(ctx context.Context, app *marketplace.Application) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&marketplace.Application{}).
			Where("task_id = ? AND worker_id = ? AND status IN ?", app.TaskID, app.WorkerID, liveApplicationStatuses).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return marketplace.ErrDuplicateApplication
		}
		return tx.Create(app).Error
	})
}

// GetApplication loads one application.
func (s *Store) GetApplication(ctx context.Context, id uuid.UUID) (*marketplace.Application, error) {
	var app marketplace.Application
	if err := s.db.WithContext(ctx).First(&app, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &app, nil
}

// AcceptedApplication loads the worker's accepted application for a task, if
// any.
func (s *Store) AcceptedApplication(ctx context.Context, taskID, workerID uuid.UUID) (*marketplace.Application, error) {
	var app marketplace.Application
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND worker_id = ? AND status = ?", taskID, workerID, marketplace.ApplicationAccepted).
		First(&app).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &app, nil
}

// AcceptApplication admits a pending worker. The worker-count increment and
// the application flip run in one transaction; each is a conditional update,
// so a racing accept for the last slot rolls back cleanly with
// ErrCapacityExceeded instead of overshooting capacity.
func (s *Store) AcceptApplication(ctx context.Context, id uuid.UUID) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app marketplace.Application
		if err := tx.First(&app, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		open := []marketplace.TaskStatus{marketplace.TaskActive, marketplace.TaskInProgress}
		res := tx.Model(&marketplace.Task{}).
			Where("id = ? AND status IN ? AND current_workers < max_workers", app.TaskID, open).
			Updates(map[string]any{"current_workers": gorm.Expr("current_workers + 1"), "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var task marketplace.Task
			if err := tx.First(&task, "id = ?", app.TaskID).Error; err != nil {
				return notFound(err)
			}
			if task.Status != marketplace.TaskActive && task.Status != marketplace.TaskInProgress {
				return fmt.Errorf("%w: task is %s", marketplace.ErrInvalidState, task.Status)
			}
			return fmt.Errorf("%w: %d/%d workers", marketplace.ErrCapacityExceeded, task.CurrentWorkers, task.MaxWorkers)
		}
		flip := tx.Model(&marketplace.Application{}).
			Where("id = ? AND status = ?", id, marketplace.ApplicationPending).
			Updates(map[string]any{"status": marketplace.ApplicationAccepted, "updated_at": now})
		if flip.Error != nil {
			return flip.Error
		}
		if flip.RowsAffected == 0 {
			return fmt.Errorf("%w: application is %s", marketplace.ErrInvalidState, app.Status)
		}
		return nil
	})
}

// TransitionApplication performs a bare status CAS on the application.
func (s *Store) TransitionApplication(ctx context.Context, id uuid.UUID, from, to marketplace.ApplicationStatus) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Application{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var app marketplace.Application
		if err := s.db.WithContext(ctx).First(&app, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		return fmt.Errorf("%w: application is %s, want %s", marketplace.ErrInvalidState, app.Status, from)
	}
	return nil
}

// ReleaseWorkerSlot returns one worker slot to the task.
func (s *Store) ReleaseWorkerSlot(ctx context.Context, taskID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&marketplace.Task{}).
		Where("id = ? AND current_workers > 0", taskID).
		Updates(map[string]any{"current_workers": gorm.Expr("current_workers - 1"), "updated_at": s.now().UTC()}).Error
}

// CreateSubmission inserts a freshly submitted unit of work.
func (s *Store) CreateSubmission(ctx context.Context, sub *marketplace.Submission) error {
	return s.db.WithContext(ctx).Create(sub).Error
}

// GetSubmission loads one submission.
func (s *Store) GetSubmission(ctx context.Context, id uuid.UUID) (*marketplace.Submission, error) {
	var sub marketplace.Submission
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// ApproveSubmission accepts delivered work and fixes its payout amount. The
// review flip and payout arming happen in one conditional update.
func (s *Store) ApproveSubmission(ctx context.Context, id uuid.UUID, notes string, amount float64) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Submission{}).
		Where("id = ? AND status = ?", id, marketplace.SubmissionSubmitted).
		Updates(map[string]any{
			"status":        marketplace.SubmissionApproved,
			"payout_status": marketplace.PayoutApproved,
			"payout_amount": amount,
			"review_notes":  notes,
			"updated_at":    s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.submissionCASFailure(ctx, id, marketplace.SubmissionSubmitted)
	}
	return nil
}

// RejectSubmission declines delivered work, stamping the rejection time that
// anchors the dispute window.
func (s *Store) RejectSubmission(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Submission{}).
		Where("id = ? AND status = ?", id, marketplace.SubmissionSubmitted).
		Updates(map[string]any{
			"status":        marketplace.SubmissionRejected,
			"reject_reason": reason,
			"rejected_at":   at.UTC(),
			"updated_at":    at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.submissionCASFailure(ctx, id, marketplace.SubmissionSubmitted)
	}
	return nil
}

// SetSubmissionReviewOutcome applies a resolution cascade to the submission.
func (s *Store) SetSubmissionReviewOutcome(ctx context.Context, id uuid.UUID, status marketplace.SubmissionStatus, payout marketplace.PayoutStatus, amount float64) error {
	res := s.db.WithContext(ctx).Model(&marketplace.Submission{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        status,
			"payout_status": payout,
			"payout_amount": amount,
			"updated_at":    s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return marketplace.ErrNotFound
	}
	return nil
}

// SetSubmissionPayout advances the payout status under the same conditional
// discipline as entity statuses, so a payout is never issued twice.
func (s *Store) SetSubmissionPayout(ctx context.Context, id uuid.UUID, from, to marketplace.PayoutStatus, txHash string) error {
	updates := map[string]any{"payout_status": to, "updated_at": s.now().UTC()}
	if txHash != "" {
		updates["payout_tx_hash"] = txHash
	}
	res := s.db.WithContext(ctx).Model(&marketplace.Submission{}).
		Where("id = ? AND payout_status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var sub marketplace.Submission
		if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		return fmt.Errorf("%w: payout is %s, want %s", marketplace.ErrInvalidState, sub.PayoutStatus, from)
	}
	return nil
}

// ConfirmSubmissionPaid finalises a settled payout: PROCESSING becomes PAID,
// the worker's application is marked paid, and a task whose accepted workers
// are all paid completes.
func (s *Store) ConfirmSubmissionPaid(ctx context.Context, id uuid.UUID, txHash string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub marketplace.Submission
		if err := tx.First(&sub, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		res := tx.Model(&marketplace.Submission{}).
			Where("id = ? AND payout_status = ?", id, marketplace.PayoutProcessing).
			Updates(map[string]any{"payout_status": marketplace.PayoutPaid, "payout_tx_hash": txHash, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: payout is %s, want %s", marketplace.ErrInvalidState, sub.PayoutStatus, marketplace.PayoutProcessing)
		}
		if sub.MilestoneID == nil {
			if err := tx.Model(&marketplace.Application{}).
				Where("task_id = ? AND worker_id = ? AND status = ?", sub.TaskID, sub.WorkerID, marketplace.ApplicationAccepted).
				Updates(map[string]any{"status": marketplace.ApplicationPaid, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		var owed int64
		if err := tx.Model(&marketplace.Application{}).
			Where("task_id = ? AND status = ?", sub.TaskID, marketplace.ApplicationAccepted).
			Count(&owed).Error; err != nil {
			return err
		}
		if owed == 0 {
			tx.Model(&marketplace.Task{}).
				Where("id = ? AND status = ?", sub.TaskID, marketplace.TaskInProgress).
				Updates(map[string]any{"status": marketplace.TaskCompleted, "updated_at": now})
		}
		return nil
	})
}

// ListPayoutsOwed returns approved-but-unpaid submissions for the retry sweep,
// oldest first.
func (s *Store) ListPayoutsOwed(ctx context.Context, limit int) ([]marketplace.Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	var subs []marketplace.Submission
	err := s.db.WithContext(ctx).
		Where("payout_status = ?", marketplace.PayoutApproved).
		Order("updated_at asc").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// SumPaidAmount totals the payouts already settled for a task.
func (s *Store) SumPaidAmount(ctx context.Context, taskID uuid.UUID) (float64, error) {
	return s.sumPayouts(ctx, taskID, marketplace.PayoutPaid)
}

// SumCommittedAmount totals the payouts a task's escrow can no longer refund:
// settled units plus approved-but-unpaid ones still owed to workers. Sizing
// the refundable remainder against this keeps a failed transfer's owed unit
// payable after cancellation.
func (s *Store) SumCommittedAmount(ctx context.Context, taskID uuid.UUID) (float64, error) {
	return s.sumPayouts(ctx, taskID,
		marketplace.PayoutPaid, marketplace.PayoutApproved, marketplace.PayoutProcessing)
}

func (s *Store) sumPayouts(ctx context.Context, taskID uuid.UUID, statuses ...marketplace.PayoutStatus) (float64, error) {
	var total *float64
	err := s.db.WithContext(ctx).Model(&marketplace.Submission{}).
		Where("task_id = ? AND payout_status IN ?", taskID, statuses).
		Select("SUM(payout_amount)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

func (s *Store) submissionCASFailure(ctx context.Context, id uuid.UUID, want marketplace.SubmissionStatus) error {
	var sub marketplace.Submission
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		return notFound(err)
	}
	return fmt.Errorf("%w: submission is %s, want %s", marketplace.ErrInvalidState, sub.Status, want)
}

// GetMilestone loads one milestone leg.
func (s *Store) GetMilestone(ctx context.Context, id uuid.UUID) (*marketplace.Milestone, error) {
	var ms marketplace.Milestone
	if err := s.db.WithContext(ctx).First(&ms, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ms, nil
}

// TransitionMilestone performs a status CAS on the milestone, optionally
// attaching reviewer feedback.
func (s *Store) TransitionMilestone(ctx context.Context, id uuid.UUID, from, to marketplace.MilestoneStatus, feedback string) error {
	updates := map[string]any{"status": to, "updated_at": s.now().UTC()}
	if feedback != "" {
		updates["feedback"] = feedback
	}
	res := s.db.WithContext(ctx).Model(&marketplace.Milestone{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var ms marketplace.Milestone
		if err := s.db.WithContext(ctx).First(&ms, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		return fmt.Errorf("%w: milestone is %s, want %s", marketplace.ErrInvalidState, ms.Status, from)
	}
	return nil
}

// AppendEvent writes one audit row.
func (s *Store) AppendEvent(ctx context.Context, evt marketplace.Event) error {
	return s.db.WithContext(ctx).Create(&evt).Error
}
