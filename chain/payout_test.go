package chain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskpay/chain"
	"taskpay/marketplace"
	"taskpay/storage"
)

type scriptedPayoutClient struct {
	mu        sync.Mutex
	calls     []chain.TransferRequest
	failNext  int
	proofSeed int
}

func (c *scriptedPayoutClient) Transfer(_ context.Context, _ string, req chain.TransferRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.failNext > 0 {
		c.failNext--
		return "", errors.New("provider timeout")
	}
	c.proofSeed++
	return fmt.Sprintf("0xproof%d", c.proofSeed), nil
}

func (c *scriptedPayoutClient) transferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedPayoutClient) lastCall() chain.TransferRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

func setupPayout(t *testing.T, client chain.PayoutClient) (*chain.PayoutEngine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
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
	engine := chain.NewPayoutEngine(client, store, "USDC", "0xplatform")
	return engine, store
}

func seedPayableSubmission(t *testing.T, store *storage.Store, amount float64) *marketplace.Submission {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	task := &marketplace.Task{
		ID:            uuid.New(),
		CreatorID:     uuid.New(),
		CreatorWallet: "0xcreator",
		TotalBudget:   100,
		PaymentMode:   marketplace.PaymentFixed,
		MaxWorkers:    1,
		Status:        marketplace.TaskInProgress,
		WalletID:      "w-1",
		WalletAddress: "0xescrow",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateTask(ctx, task, nil); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	sub := &marketplace.Submission{
		ID:           uuid.New(),
		TaskID:       task.ID,
		WorkerID:     uuid.New(),
		WorkerWallet: "0xworker",
		Status:       marketplace.SubmissionApproved,
		PayoutStatus: marketplace.PayoutApproved,
		PayoutAmount: amount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("seed submission: %v", err)
	}
	return sub
}

func TestPaySubmissionExactlyOnce(t *testing.T) {
	client := &scriptedPayoutClient{}
	engine, store := setupPayout(t, client)
	sub := seedPayableSubmission(t, store, 50)
	ctx := context.Background()

	if err := engine.PaySubmission(ctx, sub.ID); err != nil {
		t.Fatalf("pay: %v", err)
	}
	// Replays are no-ops once settled.
	if err := engine.PaySubmission(ctx, sub.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if client.transferCount() != 1 {
		t.Fatalf("transfer called %d times, want 1", client.transferCount())
	}

	paid, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if paid.PayoutStatus != marketplace.PayoutPaid || paid.PayoutTxHash == "" {
		t.Fatalf("payout %s/%q, want PAID with proof", paid.PayoutStatus, paid.PayoutTxHash)
	}

	req := client.lastCall()
	if len(req.Outputs) != 1 || req.Outputs[0].Recipient != "0xworker" || req.Outputs[0].Amount != 50 {
		t.Fatalf("unexpected transfer outputs %+v", req.Outputs)
	}
	if !req.CreateRecipient {
		t.Fatal("payout must create the recipient account if missing")
	}
}

func TestPaySubmissionFailureStaysOwed(t *testing.T) {
	client := &scriptedPayoutClient{failNext: 1}
	engine, store := setupPayout(t, client)
	sub := seedPayableSubmission(t, store, 50)
	ctx := context.Background()

	if err := engine.PaySubmission(ctx, sub.ID); !errors.Is(err, chain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	owed, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if owed.PayoutStatus != marketplace.PayoutApproved {
		t.Fatalf("payout status %s after failure, want APPROVED", owed.PayoutStatus)
	}
	if owed.Status != marketplace.SubmissionApproved {
		t.Fatalf("approval must survive payout failure, submission is %s", owed.Status)
	}

	// The sweep settles it on the next pass.
	if settled := engine.RetrySweep(ctx, 10); settled != 1 {
		t.Fatalf("sweep settled %d, want 1", settled)
	}
	paid, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if paid.PayoutStatus != marketplace.PayoutPaid {
		t.Fatalf("payout status %s after sweep, want PAID", paid.PayoutStatus)
	}
}

func TestPaySubmissionRequiresWorkerWallet(t *testing.T) {
	client := &scriptedPayoutClient{}
	engine, store := setupPayout(t, client)
	sub := seedPayableSubmission(t, store, 50)
	ctx := context.Background()
	if err := store.DB().Model(&marketplace.Submission{}).Where("id = ?", sub.ID).Update("worker_wallet", "").Error; err != nil {
		t.Fatalf("clear wallet: %v", err)
	}
	if err := engine.PaySubmission(ctx, sub.ID); !errors.Is(err, chain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if client.transferCount() != 0 {
		t.Fatal("no transfer should be attempted without a destination")
	}
}

// holdTaskOpen parks an accepted worker on the task so a settled payout does
// not auto-complete it before the cancellation under test.
func holdTaskOpen(t *testing.T, store *storage.Store, taskID uuid.UUID) {
	t.Helper()
	app := &marketplace.Application{
		ID:        uuid.New(),
		TaskID:    taskID,
		WorkerID:  uuid.New(),
		Status:    marketplace.ApplicationAccepted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateApplication(context.Background(), app); err != nil {
		t.Fatalf("seed accepted application: %v", err)
	}
}

func TestRefundTaskSplitsFee(t *testing.T) {
	client := &scriptedPayoutClient{}
	engine, store := setupPayout(t, client)
	sub := seedPayableSubmission(t, store, 50)
	holdTaskOpen(t, store, sub.TaskID)
	ctx := context.Background()

	if err := engine.PaySubmission(ctx, sub.ID); err != nil {
		t.Fatalf("pay: %v", err)
	}
	task, err := store.GetTask(ctx, sub.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	task, err = store.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	result, err := engine.RefundTask(ctx, task)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	// 100 budget, 50 paid out, 5% fee on the remaining 50.
	if result.CreatorAmount != 47.50 || result.FeeAmount != 2.50 {
		t.Fatalf("refund split %.2f/%.2f, want 47.50/2.50", result.CreatorAmount, result.FeeAmount)
	}
	if result.TxHash == "" {
		t.Fatal("refund must carry a proof")
	}

	req := client.lastCall()
	if len(req.Outputs) != 2 {
		t.Fatalf("refund outputs %d, want creator and platform legs", len(req.Outputs))
	}
	if req.Outputs[0].Recipient != "0xcreator" || req.Outputs[1].Recipient != "0xplatform" {
		t.Fatalf("unexpected refund recipients %+v", req.Outputs)
	}
	if req.Outputs[0].Amount+req.Outputs[1].Amount != 50 {
		t.Fatalf("refund legs sum to %.2f, want 50.00", req.Outputs[0].Amount+req.Outputs[1].Amount)
	}
}

func TestRefundTaskExcludesOwedPayouts(t *testing.T) {
	client := &scriptedPayoutClient{failNext: 1}
	engine, store := setupPayout(t, client)
	sub := seedPayableSubmission(t, store, 50)
	ctx := context.Background()

	// The transfer fails, leaving the unit APPROVED and owed.
	if err := engine.PaySubmission(ctx, sub.ID); !errors.Is(err, chain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	task, err := store.CancelTask(ctx, sub.TaskID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	result, err := engine.RefundTask(ctx, task)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	// 100 budget, 50 still owed: only the uncommitted 50 may leave escrow.
	if result.CreatorAmount != 47.50 || result.FeeAmount != 2.50 {
		t.Fatalf("refund split %.2f/%.2f, want 47.50/2.50", result.CreatorAmount, result.FeeAmount)
	}

	// The owed unit stays payable from what the refund left behind.
	if settled := engine.RetrySweep(ctx, 10); settled != 1 {
		t.Fatalf("sweep settled %d, want 1", settled)
	}
	paid, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if paid.PayoutStatus != marketplace.PayoutPaid || paid.PayoutAmount != 50 {
		t.Fatalf("owed unit %s/%.2f after sweep, want PAID/50.00", paid.PayoutStatus, paid.PayoutAmount)
	}

	// Settled transfers are everything after the scripted failure: the
	// refund batch and the retried payout must sum to exactly the budget.
	var outflow float64
	client.mu.Lock()
	for _, call := range client.calls[1:] {
		for _, out := range call.Outputs {
			outflow += out.Amount
		}
	}
	client.mu.Unlock()
	if outflow != 100 {
		t.Fatalf("escrow outflow %.2f, want exactly the 100.00 budget", outflow)
	}
}

func TestRefundTaskNothingRemaining(t *testing.T) {
	client := &scriptedPayoutClient{}
	engine, store := setupPayout(t, client)
	sub := seedPayableSubmission(t, store, 100)
	holdTaskOpen(t, store, sub.TaskID)
	ctx := context.Background()

	if err := engine.PaySubmission(ctx, sub.ID); err != nil {
		t.Fatalf("pay: %v", err)
	}
	task, err := store.CancelTask(ctx, sub.TaskID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	transfersBefore := client.transferCount()
	result, err := engine.RefundTask(ctx, task)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.CreatorAmount != 0 || result.FeeAmount != 0 || result.TxHash != "" {
		t.Fatalf("empty escrow should refund nothing, got %+v", result)
	}
	if client.transferCount() != transfersBefore {
		t.Fatal("no transfer should be submitted for an empty escrow")
	}
}

func TestRefundTaskRequiresCancellation(t *testing.T) {
	client := &scriptedPayoutClient{}
	engine, store := setupPayout(t, client)
	sub := seedPayableSubmission(t, store, 50)
	task, err := store.GetTask(context.Background(), sub.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if _, err := engine.RefundTask(context.Background(), task); !errors.Is(err, marketplace.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
