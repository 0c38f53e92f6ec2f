package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"taskpay/observability"
)

const (
	// DefaultTolerance absorbs rounding noise between what the payer's wallet
	// shows and what the chain records.
	DefaultTolerance = 0.01
	// DefaultScanWindow bounds how far back the recent-transfer strategy looks.
	DefaultScanWindow = 600 * time.Second
	// DefaultScanLimit caps how many signatures the recent scan inspects.
	DefaultScanLimit = 100
)

// ExpectedPayment describes the inbound payment a caller is waiting for.
type ExpectedPayment struct {
	Recipient string
	Mint      string
	Amount    float64
}

// Proof is the chain fact a successful verification yields.
type Proof struct {
	TxHash string
}

// Verifier converts an off-chain payment claim into a verified fact. All
// strategies are read-only and idempotent; the caller owns any state change
// that follows a successful proof.
type Verifier struct {
	client    Client
	tolerance float64
	window    time.Duration
	scanLimit int
	metrics   *observability.EscrowdMetrics
	now       func() time.Time
}

// VerifierOption customises the verifier.
type VerifierOption func(*Verifier)

// WithTolerance overrides the absolute amount tolerance.
func WithTolerance(tolerance float64) VerifierOption {
	return func(v *Verifier) {
		if tolerance >= 0 {
			v.tolerance = tolerance
		}
	}
}

// WithScanWindow overrides how far back the recent-transfer scan reaches.
func WithScanWindow(window time.Duration) VerifierOption {
	return func(v *Verifier) {
		if window > 0 {
			v.window = window
		}
	}
}

// WithScanLimit overrides the signature budget for recent scans.
func WithScanLimit(limit int) VerifierOption {
	return func(v *Verifier) {
		if limit > 0 {
			v.scanLimit = limit
		}
	}
}

// WithVerifierClock overrides the time source. Test use.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a verifier over the supplied read client.
func NewVerifier(client Client, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		client:    client,
		tolerance: DefaultTolerance,
		window:    DefaultScanWindow,
		scanLimit: DefaultScanLimit,
		metrics:   observability.Escrowd(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyTransaction checks a caller-supplied transaction id against the
// expected recipient, mint and amount.
func (v *Verifier) VerifyTransaction(ctx context.Context, expected ExpectedPayment, txHash string) (*Proof, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, fmt.Errorf("%w: empty transaction id", ErrNoMatchingTransfer)
	}
	transfers, err := v.client.TransactionTransfers(ctx, txHash)
	if err != nil {
		return v.outcome("transaction", nil, err)
	}
	for _, t := range transfers {
		if v.matches(expected, t) {
			return v.outcome("transaction", &Proof{TxHash: t.TxHash}, nil)
		}
	}
	return v.outcome("transaction", nil, fmt.Errorf("%w: tx %s", ErrNoMatchingTransfer, txHash))
}

// VerifyRecent scans the recipient's latest inbound transfers for a match
// within the scan window. Used when the payer supplied no transaction id.
func (v *Verifier) VerifyRecent(ctx context.Context, expected ExpectedPayment) (*Proof, error) {
	transfers, err := v.client.RecentTransfers(ctx, expected.Recipient, v.scanLimit)
	if err != nil {
		return v.outcome("recent", nil, err)
	}
	cutoff := v.now().UTC().Add(-v.window)
	for _, t := range transfers {
		if t.BlockTime.Before(cutoff) {
			continue
		}
		if v.matches(expected, t) {
			return v.outcome("recent", &Proof{TxHash: t.TxHash}, nil)
		}
	}
	return v.outcome("recent", nil, fmt.Errorf("%w: no transfer within %s", ErrNoMatchingTransfer, v.window))
}

// VerifyReference scans for a transfer carrying the one-time reference key
// embedded in a payment request. Reference matches ignore the time window:
// the key is single-use, so age does not matter.
func (v *Verifier) VerifyReference(ctx context.Context, expected ExpectedPayment, reference string) (*Proof, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrNoMatchingTransfer)
	}
	transfers, err := v.client.RecentTransfers(ctx, expected.Recipient, v.scanLimit)
	if err != nil {
		return v.outcome("reference", nil, err)
	}
	for _, t := range transfers {
		if !strings.EqualFold(strings.TrimSpace(t.Reference), strings.TrimSpace(reference)) {
			continue
		}
		if v.matches(expected, t) {
			return v.outcome("reference", &Proof{TxHash: t.TxHash}, nil)
		}
	}
	return v.outcome("reference", nil, fmt.Errorf("%w: reference %s", ErrNoMatchingTransfer, reference))
}

// PollRecent repeatedly runs the recent-scan strategy until a proof appears or
// the budget lapses. Attempts are paced by a limiter so a slow chain index is
// not hammered; chain-read outages surface immediately as retryable errors on
// the final attempt only.
func (v *Verifier) PollRecent(ctx context.Context, expected ExpectedPayment, reference string, budget, interval time.Duration) (*Proof, error) {
	if budget <= 0 {
		budget = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	deadline := v.now().Add(budget)
	var lastErr error = ErrNoMatchingTransfer
	for v.now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var proof *Proof
		var err error
		if reference != "" {
			proof, err = v.VerifyReference(ctx, expected, reference)
		} else {
			proof, err = v.VerifyRecent(ctx, expected)
		}
		if err == nil {
			return proof, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (v *Verifier) matches(expected ExpectedPayment, t TokenTransfer) bool {
	if NormalizeAddress(t.To) != NormalizeAddress(expected.Recipient) {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(t.Mint), strings.TrimSpace(expected.Mint)) {
		return false
	}
	return math.Abs(t.Amount-expected.Amount) <= v.tolerance+1e-9
}

func (v *Verifier) outcome(strategy string, proof *Proof, err error) (*Proof, error) {
	switch {
	case err == nil:
		v.metrics.RecordVerification(strategy, "verified")
	case errors.Is(err, ErrNoMatchingTransfer):
		v.metrics.RecordVerification(strategy, "not_found")
	default:
		v.metrics.RecordVerification(strategy, "unavailable")
	}
	return proof, err
}
