package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultDisputeWindow is how long after a rejection the worker may still file
// a dispute.
const DefaultDisputeWindow = 48 * time.Hour

// Store is the persistence boundary the engine drives. Guarded transitions are
// conditional updates keyed on the current status; an update that matches zero
// rows loses the race and surfaces the corresponding taxonomy error.
type Store interface {
	CreateTask(ctx context.Context, task *Task, milestones []Milestone) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	SetTaskWallet(ctx context.Context, id uuid.UUID, walletID, address string) error
	ActivateTask(ctx context.Context, id uuid.UUID, chain, txHash string) error
	TransitionTask(ctx context.Context, id uuid.UUID, from, to TaskStatus) error
	CancelTask(ctx context.Context, id uuid.UUID) (*Task, error)

	CreateApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*Application, error)
	AcceptApplication(ctx context.Context, id uuid.UUID) error
	TransitionApplication(ctx context.Context, id uuid.UUID, from, to ApplicationStatus) error
	ReleaseWorkerSlot(ctx context.Context, id uuid.UUID) error

	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error)
	ApproveSubmission(ctx context.Context, id uuid.UUID, notes string, amount float64) error
	RejectSubmission(ctx context.Context, id uuid.UUID, reason string, at time.Time) error

	GetMilestone(ctx context.Context, id uuid.UUID) (*Milestone, error)
	TransitionMilestone(ctx context.Context, id uuid.UUID, from, to MilestoneStatus, feedback string) error

	CreateDispute(ctx context.Context, dispute *Dispute) error
	GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error)
	MarkJuryStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	CompleteJuryReview(ctx context.Context, id uuid.UUID, verdict *DisputeOutcome, quorumMet bool, votes []JuryVote, at time.Time) error
	ResolveDispute(ctx context.Context, id uuid.UUID, decision DisputeOutcome, notes string, resolver uuid.UUID, at time.Time) error

	SetSubmissionReviewOutcome(ctx context.Context, id uuid.UUID, status SubmissionStatus, payout PayoutStatus, amount float64) error

	AppendEvent(ctx context.Context, evt Event) error
}

// PayoutDispatcher accepts an approved unit of work for asynchronous fund
// movement. Dispatch must not block; payout failure never rolls back the
// approval that triggered it.
type PayoutDispatcher interface {
	Dispatch(submissionID uuid.UUID)
}

// Notification is the fire-and-forget event emitted toward external delivery.
type Notification struct {
	Type   string
	UserID uuid.UUID
	Link   string
}

// Notifier receives notifications. Failures are the notifier's own problem and
// never propagate into the operation that raised the event.
type Notifier interface {
	Notify(evt Notification)
}

type noopNotifier struct{}

func (noopNotifier) Notify(Notification) {}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(uuid.UUID) {}

// Engine is the single authority for lifecycle transitions of tasks,
// applications, submissions, milestones and disputes.
type Engine struct {
	store         Store
	payouts       PayoutDispatcher
	notifier      Notifier
	log           *slog.Logger
	disputeWindow time.Duration
	nowFn         func() time.Time
}

// EngineOption customises the engine instance.
type EngineOption func(*Engine)

// WithPayoutDispatcher supplies the asynchronous payout trigger.
func WithPayoutDispatcher(d PayoutDispatcher) EngineOption {
	return func(e *Engine) {
		if d != nil {
			e.payouts = d
		}
	}
}

// WithNotifier supplies the notification sink.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithDisputeWindow overrides the dispute filing window.
func WithDisputeWindow(window time.Duration) EngineOption {
	return func(e *Engine) {
		if window > 0 {
			e.disputeWindow = window
		}
	}
}

// WithClock overrides the time source. Primarily intended for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine constructs a lifecycle engine over the supplied store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         store,
		payouts:       noopDispatcher{},
		notifier:      noopNotifier{},
		log:           slog.Default(),
		disputeWindow: DefaultDisputeWindow,
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

func (e *Engine) notify(evt Notification) {
	// Fire and forget: delivery problems are logged by the sink, never here.
	e.notifier.Notify(evt)
}

func (e *Engine) audit(ctx context.Context, taskID *uuid.UUID, actor uuid.UUID, action, details string) {
	evt := Event{ID: uuid.New(), TaskID: taskID, ActorID: actor, Action: action, Details: details, CreatedAt: e.now()}
	if err := e.store.AppendEvent(ctx, evt); err != nil {
		e.log.Warn("audit append failed", "action", action, "err", err)
	}
}

// CreateTask validates and persists a new task in DRAFT. MILESTONE-mode tasks
// must carry milestones whose percentages sum to exactly 100; the escrow
// wallet is provisioned separately so a wallet-service outage never fails
// task creation.
func (e *Engine) CreateTask(ctx context.Context, task *Task, milestones []Milestone) (*Task, error) {
	if task == nil {
		return nil, errors.New("marketplace: nil task")
	}
	if task.TotalBudget <= 0 {
		return nil, errors.New("marketplace: total budget must be positive")
	}
	if task.MaxWorkers <= 0 {
		task.MaxWorkers = 1
	}
	switch task.PaymentMode {
	case PaymentFixed:
		if task.PaymentPerWorker <= 0 {
			return nil, errors.New("marketplace: payment per worker must be positive")
		}
		if len(milestones) > 0 {
			return nil, errors.New("marketplace: fixed-mode tasks carry no milestones")
		}
	case PaymentMilestone:
		prepared, err := PrepareMilestones(task.TotalBudget, milestones)
		if err != nil {
			return nil, err
		}
		milestones = prepared
	default:
		return nil, fmt.Errorf("marketplace: unsupported payment mode %q", task.PaymentMode)
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := e.now()
	task.Status = TaskDraft
	task.CurrentWorkers = 0
	task.CreatedAt = now
	task.UpdatedAt = now
	for i := range milestones {
		milestones[i].TaskID = task.ID
		milestones[i].CreatedAt = now
		milestones[i].UpdatedAt = now
	}
	if err := e.store.CreateTask(ctx, task, milestones); err != nil {
		return nil, err
	}
	e.audit(ctx, &task.ID, task.CreatorID, "task.created", task.Title)
	return task, nil
}

// AttachWallet records the provisioned escrow wallet on a DRAFT task. Retried
// safely when an earlier wallet-creation attempt failed.
func (e *Engine) AttachWallet(ctx context.Context, taskID uuid.UUID, walletID, address string) error {
	if strings.TrimSpace(walletID) == "" || strings.TrimSpace(address) == "" {
		return errors.New("marketplace: wallet identity required")
	}
	return e.store.SetTaskWallet(ctx, taskID, walletID, address)
}

// ActivateTask transitions a DRAFT task to ACTIVE once funding has been
// verified on chain. The proof is recorded with the task; a second activation
// attempt loses the conditional update and reports ErrInvalidState.
func (e *Engine) ActivateTask(ctx context.Context, taskID uuid.UUID, chain, txHash string) error {
	if strings.TrimSpace(txHash) == "" {
		return errors.New("marketplace: funding proof required")
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.WalletAddress == "" {
		return ErrNoEscrowWallet
	}
	if err := ValidateTaskTransition(task.Status, TaskActive); err != nil {
		return err
	}
	if err := e.store.ActivateTask(ctx, taskID, chain, txHash); err != nil {
		return err
	}
	e.audit(ctx, &taskID, task.CreatorID, "task.activated", txHash)
	return nil
}

// Apply records a worker's pending application. The store enforces at most one
// live application per (task, worker) pair.
func (e *Engine) Apply(ctx context.Context, taskID, workerID uuid.UUID, message string) (*Application, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskActive && task.Status != TaskInProgress {
		return nil, fmt.Errorf("%w: task %s not accepting applications", ErrInvalidState, task.Status)
	}
	now := e.now()
	app := &Application{
		ID:        uuid.New(),
		TaskID:    taskID,
		WorkerID:  workerID,
		Message:   message,
		Status:    ApplicationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateApplication(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// AcceptApplication admits a pending worker, incrementing the task's worker
// count exactly once. Two racing accepts for the last slot are serialized by
// the store's conditional update; the loser sees ErrCapacityExceeded.
func (e *Engine) AcceptApplication(ctx context.Context, appID uuid.UUID) error {
	app, err := e.store.GetApplication(ctx, appID)
	if err != nil {
		return err
	}
	if err := ValidateApplicationTransition(app.Status, ApplicationAccepted); err != nil {
		return err
	}
	if err := e.store.AcceptApplication(ctx, appID); err != nil {
		return err
	}
	e.audit(ctx, &app.TaskID, app.WorkerID, "application.accepted", appID.String())
	e.notify(Notification{Type: "application.accepted", UserID: app.WorkerID, Link: "/tasks/" + app.TaskID.String()})
	return nil
}

// WithdrawApplication lets a worker retract a pending or accepted application.
// Withdrawing an accepted application frees its worker slot.
func (e *Engine) WithdrawApplication(ctx context.Context, appID uuid.UUID) error {
	app, err := e.store.GetApplication(ctx, appID)
	if err != nil {
		return err
	}
	if err := ValidateApplicationTransition(app.Status, ApplicationWithdrawn); err != nil {
		return err
	}
	wasAccepted := app.Status == ApplicationAccepted
	if err := e.store.TransitionApplication(ctx, appID, app.Status, ApplicationWithdrawn); err != nil {
		return err
	}
	if wasAccepted {
		if err := e.store.ReleaseWorkerSlot(ctx, app.TaskID); err != nil {
			e.log.Warn("release worker slot failed", "task", app.TaskID, "err", err)
		}
	}
	return nil
}

// SubmitWork records delivered work for an accepted worker. For MILESTONE
// tasks the milestone moves to UNDER_REVIEW alongside.
func (e *Engine) SubmitWork(ctx context.Context, sub *Submission) (*Submission, error) {
	if sub == nil {
		return nil, errors.New("marketplace: nil submission")
	}
	task, err := e.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskActive && task.Status != TaskInProgress {
		return nil, fmt.Errorf("%w: task %s not accepting submissions", ErrInvalidState, task.Status)
	}
	if sub.MilestoneID != nil {
		if task.PaymentMode != PaymentMilestone {
			return nil, fmt.Errorf("%w: task %s has no milestones", ErrInvalidState, task.ID)
		}
		ms, err := e.store.GetMilestone(ctx, *sub.MilestoneID)
		if err != nil {
			return nil, err
		}
		if ms.TaskID != task.ID {
			return nil, fmt.Errorf("%w: milestone %s belongs to another task", ErrInvalidState, ms.ID)
		}
		if err := e.store.TransitionMilestone(ctx, ms.ID, MilestonePending, MilestoneUnderReview, ""); err != nil {
			return nil, err
		}
	}
	now := e.now()
	sub.ID = uuid.New()
	sub.Status = SubmissionSubmitted
	sub.PayoutStatus = PayoutPending
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if err := e.store.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	if task.Status == TaskActive {
		// First delivery moves the task into IN_PROGRESS; losing this race to
		// another submission is harmless.
		if err := e.store.TransitionTask(ctx, task.ID, TaskActive, TaskInProgress); err != nil && !errors.Is(err, ErrInvalidState) {
			e.log.Warn("task progress transition failed", "task", task.ID, "err", err)
		}
	}
	return sub, nil
}

// ApproveSubmission accepts delivered work, fixes its payout amount and hands
// it to the payout dispatcher. Approval is final: a later payout failure keeps
// the unit visibly owed (payout status APPROVED) and retryable.
func (e *Engine) ApproveSubmission(ctx context.Context, subID uuid.UUID, notes string) error {
	sub, err := e.store.GetSubmission(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status != SubmissionSubmitted {
		return fmt.Errorf("%w: submission is %s", ErrInvalidState, sub.Status)
	}
	amount, err := e.payoutAmount(ctx, sub)
	if err != nil {
		return err
	}
	if err := e.store.ApproveSubmission(ctx, subID, notes, amount); err != nil {
		return err
	}
	if sub.MilestoneID != nil {
		if err := e.store.TransitionMilestone(ctx, *sub.MilestoneID, MilestoneUnderReview, MilestoneCompleted, notes); err != nil {
			e.log.Warn("milestone completion failed", "milestone", *sub.MilestoneID, "err", err)
		}
	}
	e.audit(ctx, &sub.TaskID, sub.WorkerID, "submission.approved", subID.String())
	e.notify(Notification{Type: "submission.approved", UserID: sub.WorkerID, Link: "/submissions/" + subID.String()})
	e.payouts.Dispatch(subID)
	return nil
}

// RejectSubmission declines delivered work, opening the dispute window. For
// milestone submissions the milestone returns to PENDING with feedback.
func (e *Engine) RejectSubmission(ctx context.Context, subID uuid.UUID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return errors.New("marketplace: rejection reason required")
	}
	sub, err := e.store.GetSubmission(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status != SubmissionSubmitted {
		return fmt.Errorf("%w: submission is %s", ErrInvalidState, sub.Status)
	}
	if err := e.store.RejectSubmission(ctx, subID, reason, e.now()); err != nil {
		return err
	}
	if sub.MilestoneID != nil {
		if err := e.store.TransitionMilestone(ctx, *sub.MilestoneID, MilestoneUnderReview, MilestonePending, reason); err != nil {
			e.log.Warn("milestone reset failed", "milestone", *sub.MilestoneID, "err", err)
		}
	}
	e.audit(ctx, &sub.TaskID, sub.WorkerID, "submission.rejected", reason)
	e.notify(Notification{Type: "submission.rejected", UserID: sub.WorkerID, Link: "/submissions/" + subID.String()})
	return nil
}

// FileDispute opens the single dispute allowed for a rejected submission,
// provided the filing window has not lapsed.
func (e *Engine) FileDispute(ctx context.Context, subID uuid.UUID, reason string) (*Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("marketplace: dispute reason required")
	}
	sub, err := e.store.GetSubmission(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != SubmissionRejected {
		return nil, fmt.Errorf("%w: submission is %s", ErrInvalidState, sub.Status)
	}
	if sub.RejectedAt == nil {
		return nil, fmt.Errorf("%w: submission has no rejection timestamp", ErrInvalidState)
	}
	now := e.now()
	if now.After(sub.RejectedAt.Add(e.disputeWindow)) {
		return nil, fmt.Errorf("%w: dispute filing closed at %s", ErrWindowExpired, sub.RejectedAt.Add(e.disputeWindow).Format(time.RFC3339))
	}
	dispute := &Dispute{
		ID:           uuid.New(),
		SubmissionID: subID,
		TaskID:       sub.TaskID,
		WorkerID:     sub.WorkerID,
		Reason:       reason,
		Status:       DisputeFiled,
		FiledAt:      now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateDispute(ctx, dispute); err != nil {
		return nil, err
	}
	e.audit(ctx, &sub.TaskID, sub.WorkerID, "dispute.filed", dispute.ID.String())
	return dispute, nil
}

// CancelTask moves any pre-completion task to CANCELLED and returns the task
// snapshot for the refund path. Funds already owed to workers are untouched.
func (e *Engine) CancelTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	task, err := e.store.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.audit(ctx, &taskID, task.CreatorID, "task.cancelled", "")
	return task, nil
}

func (e *Engine) payoutAmount(ctx context.Context, sub *Submission) (float64, error) {
	if sub.MilestoneID != nil {
		ms, err := e.store.GetMilestone(ctx, *sub.MilestoneID)
		if err != nil {
			return 0, err
		}
		if ms.TaskID != sub.TaskID {
			return 0, fmt.Errorf("%w: milestone %s belongs to another task", ErrInvalidState, ms.ID)
		}
		return ms.Amount, nil
	}
	task, err := e.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return 0, err
	}
	return task.PaymentPerWorker, nil
}
