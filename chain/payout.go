package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"taskpay/marketplace"
	"taskpay/observability"
)

// DefaultPlatformFeePercent is deducted from the remaining escrow balance on
// refund.
const DefaultPlatformFeePercent = 5.0

// TransferOutput is one leg of a transfer batch.
type TransferOutput struct {
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
}

// TransferRequest moves value out of an escrow wallet. CreateRecipient asks
// the ledger to open the receiving account within the same atomic transfer
// when it does not exist yet. Reference makes retried submissions
// recognisable downstream.
type TransferRequest struct {
	SourceAddress   string           `json:"sourceAddress"`
	Mint            string           `json:"mint"`
	Outputs         []TransferOutput `json:"outputs"`
	CreateRecipient bool             `json:"createRecipient"`
	Reference       string           `json:"reference"`
}

// PayoutClient submits a signed transfer and returns the transaction proof.
// Two implementations exist: a real one backed by the custodial wallet
// provider and a simulated one for offline environments. Callers cannot tell
// them apart except by proof format.
type PayoutClient interface {
	Transfer(ctx context.Context, walletID string, req TransferRequest) (string, error)
}

// WalletPayoutClient signs and submits through the custodial wallet provider.
type WalletPayoutClient struct {
	wallets WalletService
}

// NewWalletPayoutClient wraps the wallet service as a payout client.
func NewWalletPayoutClient(wallets WalletService) *WalletPayoutClient {
	return &WalletPayoutClient{wallets: wallets}
}

// Transfer delegates to the provider's sign-and-submit endpoint.
func (c *WalletPayoutClient) Transfer(ctx context.Context, walletID string, req TransferRequest) (string, error) {
	return c.wallets.SignAndSubmit(ctx, walletID, req)
}

// SimulatedPayoutClient settles transfers offline after a fixed delay,
// returning a synthetic proof.
type SimulatedPayoutClient struct {
	delay time.Duration
}

// NewSimulatedPayoutClient constructs the offline client.
func NewSimulatedPayoutClient(delay time.Duration) *SimulatedPayoutClient {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &SimulatedPayoutClient{delay: delay}
}

// Transfer waits the configured delay and fabricates a deterministic proof.
func (c *SimulatedPayoutClient) Transfer(ctx context.Context, walletID string, req TransferRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.delay):
	}
	digest := ethcrypto.Keccak256([]byte(walletID + "/" + req.Reference))
	return "sim-" + hexutil.Encode(digest)[2:], nil
}

// PayoutStore is the persistence slice the payout engine needs.
type PayoutStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*marketplace.Task, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*marketplace.Submission, error)
	SetSubmissionPayout(ctx context.Context, id uuid.UUID, from, to marketplace.PayoutStatus, txHash string) error
	ConfirmSubmissionPaid(ctx context.Context, id uuid.UUID, txHash string) error
	ListPayoutsOwed(ctx context.Context, limit int) ([]marketplace.Submission, error)
	SumCommittedAmount(ctx context.Context, taskID uuid.UUID) (float64, error)
}

// PayoutEngine moves funds out of escrow wallets exactly once per approved
// unit of work. The payout status walks APPROVED -> PROCESSING -> PAID under
// conditional updates, so a retried or concurrent payout of the same unit can
// never double-spend.
type PayoutEngine struct {
	client         PayoutClient
	store          PayoutStore
	mint           string
	platformWallet string
	feePercent     float64
	metrics        *observability.EscrowdMetrics
	log            *slog.Logger
	now            func() time.Time
}

// PayoutOption customises the payout engine.
type PayoutOption func(*PayoutEngine)

// WithFeePercent overrides the platform refund fee.
func WithFeePercent(pct float64) PayoutOption {
	return func(e *PayoutEngine) {
		if pct >= 0 && pct < 100 {
			e.feePercent = pct
		}
	}
}

// WithPayoutLogger supplies the structured logger.
func WithPayoutLogger(log *slog.Logger) PayoutOption {
	return func(e *PayoutEngine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithPayoutClock overrides the time source. Test use.
func WithPayoutClock(now func() time.Time) PayoutOption {
	return func(e *PayoutEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewPayoutEngine builds the engine over a payout client and store.
func NewPayoutEngine(client PayoutClient, store PayoutStore, mint, platformWallet string, opts ...PayoutOption) *PayoutEngine {
	e := &PayoutEngine{
		client:         client,
		store:          store,
		mint:           mint,
		platformWallet: platformWallet,
		feePercent:     DefaultPlatformFeePercent,
		metrics:        observability.Escrowd(),
		log:            slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PaySubmission settles one approved unit of work from its task's escrow
// wallet to the worker's wallet. Idempotent: an already-paid submission is a
// no-op, and a unit another caller is processing loses the conditional claim.
// Transfer failure restores the payout to APPROVED so the unit stays visibly
// owed and retryable.
func (e *PayoutEngine) PaySubmission(ctx context.Context, subID uuid.UUID) error {
	sub, err := e.store.GetSubmission(ctx, subID)
	if err != nil {
		return err
	}
	if sub.PayoutStatus == marketplace.PayoutPaid {
		return nil
	}
	if strings.TrimSpace(sub.WorkerWallet) == "" {
		return fmt.Errorf("%w: submission %s has no worker wallet", ErrTransferFailed, subID)
	}
	task, err := e.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return err
	}
	if task.WalletID == "" || task.WalletAddress == "" {
		return marketplace.ErrNoEscrowWallet
	}
	if err := e.store.SetSubmissionPayout(ctx, subID, marketplace.PayoutApproved, marketplace.PayoutProcessing, ""); err != nil {
		return err
	}
	started := e.now()
	req := TransferRequest{
		SourceAddress:   task.WalletAddress,
		Mint:            e.mint,
		Outputs:         []TransferOutput{{Recipient: sub.WorkerWallet, Amount: sub.PayoutAmount}},
		CreateRecipient: true,
		Reference:       payoutReference(subID),
	}
	txHash, err := e.client.Transfer(ctx, task.WalletID, req)
	if err != nil {
		e.metrics.RecordPayout("failed", 0)
		if restoreErr := e.store.SetSubmissionPayout(ctx, subID, marketplace.PayoutProcessing, marketplace.PayoutApproved, ""); restoreErr != nil {
			e.log.Error("payout restore failed", "submission", subID, "err", restoreErr)
		}
		if errors.Is(err, ErrTransferFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.store.ConfirmSubmissionPaid(ctx, subID, txHash); err != nil {
		// The transfer settled; the confirm retries against the recorded proof.
		e.log.Error("payout settled but confirmation failed", "submission", subID, "tx", txHash, "err", err)
		return err
	}
	e.metrics.RecordPayout("paid", e.now().Sub(started).Seconds())
	e.log.Info("payout settled", "submission", subID, "tx", txHash, "amount", sub.PayoutAmount)
	return nil
}

// RefundResult describes one executed refund split.
type RefundResult struct {
	CreatorAmount float64
	FeeAmount     float64
	TxHash        string
}

// RefundTask returns the remaining escrow balance of a cancelled task to its
// creator, less the platform fee, both legs in one transfer batch. The
// remainder excludes every committed payout, settled or still owed, so the
// retry sweep can settle an owed unit from the same escrow after the refund.
// Amounts are split in integer cents so fee plus refund always reconstructs
// the balance exactly.
func (e *PayoutEngine) RefundTask(ctx context.Context, task *marketplace.Task) (*RefundResult, error) {
	if task == nil {
		return nil, errors.New("chain: nil task")
	}
	if task.Status != marketplace.TaskCancelled {
		return nil, fmt.Errorf("%w: refund requires a cancelled task", marketplace.ErrInvalidState)
	}
	if task.WalletID == "" || task.WalletAddress == "" {
		return nil, marketplace.ErrNoEscrowWallet
	}
	committed, err := e.store.SumCommittedAmount(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	remainingCents := int64(math.Round(task.TotalBudget*100)) - int64(math.Round(committed*100))
	if remainingCents <= 0 {
		return &RefundResult{}, nil
	}
	feeCents := int64(math.Round(float64(remainingCents) * e.feePercent / 100))
	creatorCents := remainingCents - feeCents
	result := &RefundResult{
		CreatorAmount: float64(creatorCents) / 100,
		FeeAmount:     float64(feeCents) / 100,
	}
	outputs := []TransferOutput{{Recipient: task.CreatorWallet, Amount: result.CreatorAmount}}
	if feeCents > 0 {
		outputs = append(outputs, TransferOutput{Recipient: e.platformWallet, Amount: result.FeeAmount})
	}
	req := TransferRequest{
		SourceAddress:   task.WalletAddress,
		Mint:            e.mint,
		Outputs:         outputs,
		CreateRecipient: true,
		Reference:       refundReference(task.ID),
	}
	txHash, err := e.client.Transfer(ctx, task.WalletID, req)
	if err != nil {
		e.metrics.RecordPayout("refund_failed", 0)
		if errors.Is(err, ErrTransferFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	result.TxHash = txHash
	e.metrics.RecordPayout("refunded", 0)
	e.log.Info("task refunded", "task", task.ID, "creator", result.CreatorAmount, "fee", result.FeeAmount, "tx", txHash)
	return result, nil
}

// RetrySweep re-attempts units left in APPROVED by earlier failures. Returns
// how many settled this pass.
func (e *PayoutEngine) RetrySweep(ctx context.Context, limit int) int {
	owed, err := e.store.ListPayoutsOwed(ctx, limit)
	if err != nil {
		e.log.Warn("payout sweep query failed", "err", err)
		return 0
	}
	settled := 0
	for _, sub := range owed {
		if ctx.Err() != nil {
			return settled
		}
		if err := e.PaySubmission(ctx, sub.ID); err != nil {
			e.log.Warn("payout retry failed", "submission", sub.ID, "err", err)
			continue
		}
		settled++
	}
	return settled
}

func payoutReference(subID uuid.UUID) string {
	digest := ethcrypto.Keccak256([]byte("payout/" + subID.String()))
	return hexutil.Encode(digest)
}

func refundReference(taskID uuid.UUID) string {
	digest := ethcrypto.Keccak256([]byte("refund/" + taskID.String()))
	return hexutil.Encode(digest)
}

// Dispatcher decouples approval from fund movement: Dispatch never blocks the
// approving request, and anything the buffer cannot hold is picked up by the
// retry sweep because the unit stays in APPROVED.
type Dispatcher struct {
	engine *PayoutEngine
	log    *slog.Logger
	ch     chan uuid.UUID
}

// NewDispatcher builds a dispatcher with the given buffer size.
func NewDispatcher(engine *PayoutEngine, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		engine: engine,
		log:    slog.Default(),
		ch:     make(chan uuid.UUID, buffer),
	}
}

// Dispatch queues a submission for payout without blocking.
func (d *Dispatcher) Dispatch(submissionID uuid.UUID) {
	select {
	case d.ch <- submissionID:
	default:
		d.log.Warn("payout queue full, deferring to retry sweep", "submission", submissionID)
	}
}

// Run consumes the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.ch:
			if err := d.engine.PaySubmission(ctx, id); err != nil {
				d.log.Warn("dispatched payout failed", "submission", id, "err", err)
			}
		}
	}
}
