package escrowd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskpay/chain"
	"taskpay/marketplace"
)

type milestoneRequest struct {
	Title      string `json:"title"`
	Percentage int    `json:"percentage"`
}

type createTaskRequest struct {
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	Category         string             `json:"category"`
	Skills           string             `json:"skills"`
	TotalBudget      float64            `json:"total_budget"`
	PaymentMode      string             `json:"payment_mode"`
	PaymentPerWorker float64            `json:"payment_per_worker"`
	MaxWorkers       int                `json:"max_workers"`
	CreatorWallet    string             `json:"creator_wallet"`
	Deadline         *time.Time         `json:"deadline"`
	Milestones       []milestoneRequest `json:"milestones"`
}

type taskResponse struct {
	Task        *marketplace.Task `json:"task"`
	PayIntent   *chain.PayIntent  `json:"pay_intent,omitempty"`
	WalletError string            `json:"wallet_error,omitempty"`
}

// CreateTask persists a DRAFT task and provisions its escrow wallet. Wallet
// provisioning is best effort: on failure the task stays in DRAFT and the
// caller retries via the wallet endpoint.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing principal"))
		return
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	task := &marketplace.Task{
		CreatorID:        principal.UserID,
		CreatorWallet:    req.CreatorWallet,
		Title:            req.Title,
		Description:      req.Description,
		Category:         req.Category,
		Skills:           req.Skills,
		TotalBudget:      req.TotalBudget,
		PaymentMode:      marketplace.PaymentMode(req.PaymentMode),
		PaymentPerWorker: req.PaymentPerWorker,
		MaxWorkers:       req.MaxWorkers,
		Deadline:         req.Deadline,
	}
	milestones := make([]marketplace.Milestone, 0, len(req.Milestones))
	for i, m := range req.Milestones {
		milestones = append(milestones, marketplace.Milestone{
			Ordinal:    i,
			Title:      m.Title,
			Percentage: m.Percentage,
		})
	}
	task, err := s.engine.CreateTask(r.Context(), task, milestones)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := taskResponse{Task: task}
	if walletErr := s.provisionWallet(r.Context(), task); walletErr != nil {
		s.log.Warn("escrow wallet provisioning failed", "task", task.ID, "err", walletErr)
		resp.WalletError = walletErr.Error()
	} else if refreshed, err := s.store.GetTask(r.Context(), task.ID); err == nil {
		resp.Task = refreshed
		intent := s.intents.Build(refreshed.ID, refreshed.WalletAddress, s.mint, refreshed.TotalBudget)
		resp.PayIntent = &intent
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) provisionWallet(ctx context.Context, task *marketplace.Task) error {
	wallet, err := s.wallets.CreateWallet(ctx, s.chainType)
	if err != nil {
		return err
	}
	return s.engine.AttachWallet(ctx, task.ID, wallet.ID, wallet.Address)
}

// RetryWallet re-runs escrow wallet provisioning for a DRAFT task whose first
// attempt failed. Idempotent once a wallet is attached.
func (s *Server) RetryWallet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.requireTaskOwner(w, r, task) {
		return
	}
	if task.WalletAddress == "" {
		if err := s.provisionWallet(r.Context(), task); err != nil {
			writeErrorStatus(w, http.StatusBadGateway, err)
			return
		}
		if task, err = s.store.GetTask(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	intent := s.intents.Build(task.ID, task.WalletAddress, s.mint, task.TotalBudget)
	writeJSON(w, http.StatusOK, taskResponse{Task: task, PayIntent: &intent})
}

// GetTask returns one task with its milestones.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetPayIntent returns the funding instructions for a task's escrow wallet,
// as JSON or as a QR PNG when format=png.
func (s *Server) GetPayIntent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.WalletAddress == "" {
		writeError(w, marketplace.ErrNoEscrowWallet)
		return
	}
	intent := s.intents.Build(task.ID, task.WalletAddress, s.mint, task.TotalBudget)
	if r.URL.Query().Get("format") == "png" {
		png, err := s.intents.QRPNG(intent, 0)
		if err != nil {
			writeErrorStatus(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type fundTaskRequest struct {
	TxHash string `json:"tx_hash"`
	Wait   bool   `json:"wait"`
}

// syncFundWait bounds how long a wait=true funding request may hold its
// connection open while polling for the deposit.
const syncFundWait = 90 * time.Second

// FundTask verifies the escrow deposit on chain and activates the task. With a
// transaction id it checks that transaction directly; without one it scans for
// the task's reference key, then for any matching recent transfer. Setting
// wait polls the scan at a limiter-paced interval until the deposit lands or
// the wait budget lapses.
func (s *Server) FundTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	var req fundTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.requireTaskOwner(w, r, task) {
		return
	}
	if task.WalletAddress == "" {
		writeError(w, marketplace.ErrNoEscrowWallet)
		return
	}
	expected := chain.ExpectedPayment{
		Recipient: task.WalletAddress,
		Mint:      s.mint,
		Amount:    task.TotalBudget,
	}
	var proof *chain.Proof
	switch {
	case req.TxHash != "":
		proof, err = s.verifier.VerifyTransaction(r.Context(), expected, req.TxHash)
	case req.Wait:
		proof, err = s.verifier.PollRecent(r.Context(), expected, chain.FundingReference(task.ID), syncFundWait, 0)
	default:
		proof, err = s.verifier.VerifyReference(r.Context(), expected, chain.FundingReference(task.ID))
		if errors.Is(err, chain.ErrNoMatchingTransfer) {
			proof, err = s.verifier.VerifyRecent(r.Context(), expected)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.ActivateTask(r.Context(), id, s.chainType, proof.TxHash); err != nil {
		writeError(w, err)
		return
	}
	task, err = s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type cancelResponse struct {
	Task        *marketplace.Task   `json:"task"`
	Refund      *chain.RefundResult `json:"refund,omitempty"`
	RefundError string              `json:"refund_error,omitempty"`
}

// CancelTask cancels a pre-completion task and refunds the unspent escrow
// balance minus the platform fee. A refund transfer failure does not undo the
// cancellation; the refund is reported as pending for manual retry.
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.requireTaskOwner(w, r, task) {
		return
	}
	task, err = s.engine.CancelTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := cancelResponse{Task: task}
	refund, err := s.payouts.RefundTask(r.Context(), task)
	if err != nil {
		s.log.Error("refund failed after cancellation", "task", id, "err", err)
		resp.RefundError = err.Error()
	} else {
		resp.Refund = refund
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireTaskOwner rejects callers who neither created the task nor hold the
// operator role.
func (s *Server) requireTaskOwner(w http.ResponseWriter, r *http.Request, task *marketplace.Task) bool {
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeErrorStatus(w, http.StatusUnauthorized, errors.New("missing principal"))
		return false
	}
	if principal.Role == RoleOperator || principal.UserID == task.CreatorID {
		return true
	}
	writeErrorStatus(w, http.StatusForbidden, fmt.Errorf("task %s belongs to another creator", task.ID))
	return false
}
