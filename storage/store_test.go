package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskpay/marketplace"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sqlDB, err := store.DB().DB()
	if err != nil {
		t.Fatalf("raw handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func seedTask(t *testing.T, store *Store, status marketplace.TaskStatus, maxWorkers int) *marketplace.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &marketplace.Task{
		ID:               uuid.New(),
		CreatorID:        uuid.New(),
		CreatorWallet:    "0xcreator",
		Title:            "task",
		TotalBudget:      100,
		PaymentMode:      marketplace.PaymentFixed,
		PaymentPerWorker: 50,
		MaxWorkers:       maxWorkers,
		Status:           status,
		WalletID:         "w-1",
		WalletAddress:    "0xescrow",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateTask(context.Background(), task, nil); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func seedApplication(t *testing.T, store *Store, taskID uuid.UUID, status marketplace.ApplicationStatus) *marketplace.Application {
	t.Helper()
	now := time.Now().UTC()
	app := &marketplace.Application{
		ID:        uuid.New(),
		TaskID:    taskID,
		WorkerID:  uuid.New(),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateApplication(context.Background(), app); err != nil {
		t.Fatalf("seed application: %v", err)
	}
	return app
}

func seedSubmission(t *testing.T, store *Store, taskID uuid.UUID, status marketplace.SubmissionStatus, payout marketplace.PayoutStatus) *marketplace.Submission {
	t.Helper()
	now := time.Now().UTC()
	sub := &marketplace.Submission{
		ID:           uuid.New(),
		TaskID:       taskID,
		WorkerID:     uuid.New(),
		WorkerWallet: "0xworker",
		Status:       status,
		PayoutStatus: payout,
		PayoutAmount: 50,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateSubmission(context.Background(), sub); err != nil {
		t.Fatalf("seed submission: %v", err)
	}
	return sub
}

func TestAcceptApplicationCapacity(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	task := seedTask(t, store, marketplace.TaskActive, 1)

	first := seedApplication(t, store, task.ID, marketplace.ApplicationPending)
	second := seedApplication(t, store, task.ID, marketplace.ApplicationPending)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		wg.Add(1)
		go func(appID uuid.UUID) {
			defer wg.Done()
			errs <- store.AcceptApplication(ctx, appID)
		}(id)
	}
	wg.Wait()
	close(errs)

	var accepted, rejected int
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, marketplace.ErrCapacityExceeded):
			rejected++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if accepted != 1 || rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d, want 1/1", accepted, rejected)
	}

	loaded, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if loaded.CurrentWorkers != 1 {
		t.Fatalf("current workers %d, want 1", loaded.CurrentWorkers)
	}
}

func TestAcceptApplicationRequiresOpenTask(t *testing.T) {
	store := setupStore(t)
	task := seedTask(t, store, marketplace.TaskCancelled, 3)
	app := seedApplication(t, store, task.ID, marketplace.ApplicationPending)
	if err := store.AcceptApplication(context.Background(), app.ID); !errors.Is(err, marketplace.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDuplicateApplication(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	task := seedTask(t, store, marketplace.TaskActive, 2)
	app := seedApplication(t, store, task.ID, marketplace.ApplicationPending)

	dup := &marketplace.Application{ID: uuid.New(), TaskID: task.ID, WorkerID: app.WorkerID, Status: marketplace.ApplicationPending}
	if err := store.CreateApplication(ctx, dup); !errors.Is(err, marketplace.ErrDuplicateApplication) {
		t.Fatalf("expected ErrDuplicateApplication, got %v", err)
	}

	// A withdrawn application does not block a new one.
	if err := store.TransitionApplication(ctx, app.ID, marketplace.ApplicationPending, marketplace.ApplicationWithdrawn); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := store.CreateApplication(ctx, dup); err != nil {
		t.Fatalf("re-apply after withdrawal: %v", err)
	}
}

func TestCancelTaskStates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for _, status := range []marketplace.TaskStatus{marketplace.TaskDraft, marketplace.TaskActive, marketplace.TaskInProgress} {
		task := seedTask(t, store, status, 1)
		cancelled, err := store.CancelTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("cancel %s task: %v", status, err)
		}
		if cancelled.Status != marketplace.TaskCancelled {
			t.Fatalf("status %s, want CANCELLED", cancelled.Status)
		}
	}

	done := seedTask(t, store, marketplace.TaskCompleted, 1)
	if _, err := store.CancelTask(ctx, done.ID); !errors.Is(err, marketplace.ErrInvalidState) {
		t.Fatalf("cancelling a completed task should fail, got %v", err)
	}
}

func TestDisputeUniquePerSubmission(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	task := seedTask(t, store, marketplace.TaskInProgress, 1)
	sub := seedSubmission(t, store, task.ID, marketplace.SubmissionRejected, marketplace.PayoutPending)

	dispute := &marketplace.Dispute{
		ID:           uuid.New(),
		SubmissionID: sub.ID,
		TaskID:       task.ID,
		WorkerID:     sub.WorkerID,
		Status:       marketplace.DisputeFiled,
		FiledAt:      time.Now().UTC(),
	}
	if err := store.CreateDispute(ctx, dispute); err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	second := &marketplace.Dispute{ID: uuid.New(), SubmissionID: sub.ID, TaskID: task.ID, WorkerID: sub.WorkerID, Status: marketplace.DisputeFiled}
	if err := store.CreateDispute(ctx, second); !errors.Is(err, marketplace.ErrDisputeAlreadyExists) {
		t.Fatalf("expected ErrDisputeAlreadyExists, got %v", err)
	}

	loaded, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if loaded.Status != marketplace.SubmissionDisputed {
		t.Fatalf("submission status %s, want DISPUTED", loaded.Status)
	}
}

func TestSetSubmissionPayoutCAS(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	task := seedTask(t, store, marketplace.TaskInProgress, 1)
	sub := seedSubmission(t, store, task.ID, marketplace.SubmissionApproved, marketplace.PayoutApproved)

	if err := store.SetSubmissionPayout(ctx, sub.ID, marketplace.PayoutApproved, marketplace.PayoutProcessing, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetSubmissionPayout(ctx, sub.ID, marketplace.PayoutApproved, marketplace.PayoutProcessing, ""); !errors.Is(err, marketplace.ErrInvalidState) {
		t.Fatalf("second claim should lose, got %v", err)
	}
	if err := store.SetSubmissionPayout(ctx, sub.ID, marketplace.PayoutProcessing, marketplace.PayoutApproved, ""); err != nil {
		t.Fatalf("restore: %v", err)
	}
}

func TestConfirmSubmissionPaidCompletesTask(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	task := seedTask(t, store, marketplace.TaskInProgress, 1)

	app := seedApplication(t, store, task.ID, marketplace.ApplicationPending)
	if err := store.AcceptApplication(ctx, app.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sub := seedSubmission(t, store, task.ID, marketplace.SubmissionApproved, marketplace.PayoutProcessing)
	if err := store.DB().Model(&marketplace.Submission{}).Where("id = ?", sub.ID).Update("worker_id", app.WorkerID).Error; err != nil {
		t.Fatalf("align worker: %v", err)
	}

	if err := store.ConfirmSubmissionPaid(ctx, sub.ID, "0xproof"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	paid, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if paid.PayoutStatus != marketplace.PayoutPaid || paid.PayoutTxHash != "0xproof" {
		t.Fatalf("payout %s/%s, want PAID/0xproof", paid.PayoutStatus, paid.PayoutTxHash)
	}

	loadedApp, err := store.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if loadedApp.Status != marketplace.ApplicationPaid {
		t.Fatalf("application status %s, want PAID", loadedApp.Status)
	}

	loadedTask, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if loadedTask.Status != marketplace.TaskCompleted {
		t.Fatalf("task status %s, want COMPLETED", loadedTask.Status)
	}

	total, err := store.SumPaidAmount(ctx, task.ID)
	if err != nil {
		t.Fatalf("sum paid: %v", err)
	}
	if total != 50 {
		t.Fatalf("paid total %.2f, want 50.00", total)
	}
}

func TestResolveDisputeCAS(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	task := seedTask(t, store, marketplace.TaskInProgress, 1)
	sub := seedSubmission(t, store, task.ID, marketplace.SubmissionRejected, marketplace.PayoutPending)

	dispute := &marketplace.Dispute{
		ID:           uuid.New(),
		SubmissionID: sub.ID,
		TaskID:       task.ID,
		WorkerID:     sub.WorkerID,
		Status:       marketplace.DisputeFiled,
		FiledAt:      time.Now().UTC(),
	}
	if err := store.CreateDispute(ctx, dispute); err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now().UTC()
	if err := store.MarkJuryStarted(ctx, dispute.ID, now); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	verdict := marketplace.OutcomeRejectionUpheld
	votes := []marketplace.JuryVote{
		{ID: uuid.New(), DisputeID: dispute.ID, JurorIndex: 0, Persona: "strict", Vote: verdict, CreatedAt: now},
		{ID: uuid.New(), DisputeID: dispute.ID, JurorIndex: 1, Persona: "technical", Vote: verdict, CreatedAt: now},
	}
	if err := store.CompleteJuryReview(ctx, dispute.ID, &verdict, true, votes, now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	resolver := uuid.New()
	if err := store.ResolveDispute(ctx, dispute.ID, verdict, "agreed", resolver, now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveDispute(ctx, dispute.ID, verdict, "again", resolver, now); !errors.Is(err, marketplace.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	recorded, err := store.ListVotes(ctx, dispute.ID)
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	if len(recorded) != 2 {
		t.Fatalf("recorded %d votes, want 2", len(recorded))
	}
}

func TestListFundableTasks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	fresh := seedTask(t, store, marketplace.TaskDraft, 1)
	seedTask(t, store, marketplace.TaskActive, 1)
	noWallet := seedTask(t, store, marketplace.TaskDraft, 1)
	if err := store.DB().Model(&marketplace.Task{}).Where("id = ?", noWallet.ID).Update("wallet_address", "").Error; err != nil {
		t.Fatalf("clear wallet: %v", err)
	}

	tasks, err := store.ListFundableTasks(ctx, time.Now().UTC().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != fresh.ID {
		t.Fatalf("fundable tasks %v, want just %s", tasks, fresh.ID)
	}

	// Outside the funding budget nothing is returned.
	tasks, err = store.ListFundableTasks(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list future cutoff: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty sweep, got %d", len(tasks))
	}
}
