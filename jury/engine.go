// Package jury produces a non-binding automated verdict on a disputed
// submission. N evaluators judge a blinded case concurrently; failures become
// abstentions, and a verdict needs a strict majority of the valid votes.
// Resolution authority stays with the human reviewer downstream.
package jury

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"taskpay/marketplace"
	"taskpay/observability"
)

const (
	// DefaultQuorum is the minimum number of valid votes a tally needs.
	DefaultQuorum = 2
	// DefaultTimeout bounds each evaluator call so one hung judge cannot
	// stall the tally.
	DefaultTimeout = 60 * time.Second
)

// Tally is the aggregated jury result. Verdict is nil either when fewer than
// quorum evaluators voted (QuorumMet false) or when the valid votes produced
// no strict majority (QuorumMet true); callers must keep the two apart.
type Tally struct {
	Votes     []marketplace.JuryVote
	Abstained int
	Verdict   *marketplace.DisputeOutcome
	QuorumMet bool
}

// Engine fans a case out to its evaluators and tallies the votes.
type Engine struct {
	evaluators []Evaluator
	quorum     int
	timeout    time.Duration
	metrics    *observability.EscrowdMetrics
	log        *slog.Logger
}

// Option customises the engine.
type Option func(*Engine)

// WithQuorum overrides the minimum valid-vote count.
func WithQuorum(quorum int) Option {
	return func(e *Engine) {
		if quorum > 0 {
			e.quorum = quorum
		}
	}
}

// WithTimeout overrides the per-evaluator deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine builds a jury over the supplied evaluators.
func NewEngine(evaluators []Evaluator, opts ...Option) *Engine {
	e := &Engine{
		evaluators: evaluators,
		quorum:     DefaultQuorum,
		timeout:    DefaultTimeout,
		metrics:    observability.Escrowd(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type juryResult struct {
	verdict Verdict
	err     error
}

// Evaluate runs every evaluator concurrently and waits for all of them to
// settle. An evaluator that errors, times out or returns an invalid verdict
// contributes an abstention, never a default vote.
func (e *Engine) Evaluate(ctx context.Context, c Case) Tally {
	results := make([]juryResult, len(e.evaluators))
	var wg sync.WaitGroup
	for i, evaluator := range e.evaluators {
		wg.Add(1)
		go func(idx int, ev Evaluator) {
			defer wg.Done()
			evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			verdict, err := ev.Judge(evalCtx, c)
			results[idx] = juryResult{verdict: verdict, err: err}
		}(i, evaluator)
	}
	wg.Wait()

	tally := Tally{}
	counts := map[marketplace.DisputeOutcome]int{}
	for i, res := range results {
		persona := e.evaluators[i].Persona()
		if res.err != nil || !res.verdict.Outcome.Valid() {
			tally.Abstained++
			e.metrics.RecordJuryAbstention()
			if res.err != nil {
				e.log.Warn("juror abstained", "juror", i, "persona", persona, "err", res.err)
			} else {
				e.log.Warn("juror returned invalid outcome", "juror", i, "persona", persona)
			}
			continue
		}
		counts[res.verdict.Outcome]++
		e.metrics.RecordJuryVote(string(res.verdict.Outcome))
		tally.Votes = append(tally.Votes, marketplace.JuryVote{
			JurorIndex: i,
			Persona:    persona,
			Vote:       res.verdict.Outcome,
			Reasoning:  res.verdict.Reasoning,
			Confidence: clampConfidence(res.verdict.Confidence),
		})
	}

	valid := len(tally.Votes)
	if valid < e.quorum {
		return tally
	}
	tally.QuorumMet = true
	// Strict majority of the valid votes, not of N. An even split leaves the
	// verdict nil and the human reviewer decides.
	for outcome, n := range counts {
		if n*2 > valid {
			v := outcome
			tally.Verdict = &v
			break
		}
	}
	return tally
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
