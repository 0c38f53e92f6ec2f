package escrowd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"taskpay/chain"
	"taskpay/marketplace"
	"taskpay/observability/logging"
	"taskpay/storage"
)

// FundingWatcher polls the chain for escrow deposits so that tasks activate
// even when the creator never calls the fund endpoint. Each pass scans DRAFT
// tasks with wallets created within the funding budget and checks for a
// transfer carrying the task's reference key.
type FundingWatcher struct {
	store    *storage.Store
	engine   *marketplace.Engine
	verifier *chain.Verifier

	chainType string
	mint      string
	interval  time.Duration
	budget    time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewFundingWatcher builds a watcher over the store and verifier.
func NewFundingWatcher(store *storage.Store, engine *marketplace.Engine, verifier *chain.Verifier, chainType, mint string, interval, budget time.Duration, log *slog.Logger) *FundingWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if budget <= 0 {
		budget = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &FundingWatcher{
		store:     store,
		engine:    engine,
		verifier:  verifier,
		chainType: chainType,
		mint:      mint,
		interval:  interval,
		budget:    budget,
		log:       log,
		now:       time.Now,
	}
}

// Run polls until the context is cancelled.
func (w *FundingWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *FundingWatcher) sweep(ctx context.Context) {
	cutoff := w.now().UTC().Add(-w.budget)
	tasks, err := w.store.ListFundableTasks(ctx, cutoff, 50)
	if err != nil {
		w.log.Warn("funding sweep query failed", "err", err)
		return
	}
	for i := range tasks {
		task := &tasks[i]
		expected := chain.ExpectedPayment{
			Recipient: task.WalletAddress,
			Mint:      w.mint,
			Amount:    task.TotalBudget,
		}
		proof, err := w.verifier.VerifyReference(ctx, expected, chain.FundingReference(task.ID))
		if err != nil {
			if !errors.Is(err, chain.ErrNoMatchingTransfer) {
				w.log.Warn("funding verification unavailable", "task", task.ID, "err", err)
			}
			continue
		}
		err = w.engine.ActivateTask(ctx, task.ID, w.chainType, proof.TxHash)
		switch {
		case err == nil:
			w.log.Info("task activated by funding watcher", "task", task.ID, "tx", proof.TxHash,
				logging.MaskField("wallet", task.WalletAddress))
		case errors.Is(err, marketplace.ErrInvalidState):
			// Someone activated it first. Nothing to do.
		default:
			w.log.Warn("watcher activation failed", "task", task.ID, "err", err)
		}
	}
}

// PayoutSweeper periodically re-dispatches approved payouts whose earlier
// transfer attempt failed or whose dispatch queue overflowed.
type PayoutSweeper struct {
	payouts  *chain.PayoutEngine
	interval time.Duration
	log      *slog.Logger
}

// NewPayoutSweeper builds a sweeper over the payout engine.
func NewPayoutSweeper(payouts *chain.PayoutEngine, interval time.Duration, log *slog.Logger) *PayoutSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &PayoutSweeper{payouts: payouts, interval: interval, log: log}
}

// Run sweeps until the context is cancelled.
func (p *PayoutSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.payouts.RetrySweep(ctx, 50); n > 0 {
				p.log.Info("payout retry sweep", "paid", n)
			}
		}
	}
}
