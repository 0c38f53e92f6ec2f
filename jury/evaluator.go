package jury

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskpay/marketplace"
)

// ErrInvalidVerdict marks an evaluator response that could not be parsed into
// a structured verdict. It is absorbed as an abstention, never rethrown at
// the tally.
var ErrInvalidVerdict = errors.New("jury: invalid verdict")

// Case is the blinded payload an evaluator judges: task requirements and the
// disputed delivery, with no party identities and no creator rejection text
// beyond what the worker themselves disputes.
type Case struct {
	TaskTitle       string `json:"taskTitle"`
	TaskDescription string `json:"taskDescription"`
	Category        string `json:"category"`
	Skills          string `json:"skills"`
	Content         string `json:"content"`
	DeliverableURL  string `json:"deliverableUrl"`
	EvidenceCount   int    `json:"evidenceCount"`
	WorkerStatement string `json:"workerStatement"`
}

// BuildCase blinds a dispute for jury review.
func BuildCase(task *marketplace.Task, sub *marketplace.Submission, dispute *marketplace.Dispute) Case {
	return Case{
		TaskTitle:       task.Title,
		TaskDescription: task.Description,
		Category:        task.Category,
		Skills:          task.Skills,
		Content:         sub.Content,
		DeliverableURL:  sub.DeliverableURL,
		EvidenceCount:   sub.EvidenceCount,
		WorkerStatement: dispute.Reason,
	}
}

// Verdict is one evaluator's structured judgment.
type Verdict struct {
	Outcome    marketplace.DisputeOutcome `json:"outcome"`
	Reasoning  string                     `json:"reasoning"`
	Confidence float64                    `json:"confidence"`
}

// Evaluator is the external judging boundary. Implementations must surface
// malformed responses as errors rather than fabricating an outcome.
type Evaluator interface {
	Persona() string
	Judge(ctx context.Context, c Case) (Verdict, error)
}

// Persona parameterizes an evaluator with a distinct judging disposition so N
// jurors do not reason identically.
type Persona struct {
	Name   string
	Prompt string
}

// DefaultPersonas returns the stock three-judge panel.
func DefaultPersonas() []Persona {
	return []Persona{
		{
			Name:   "strict-literal",
			Prompt: "Judge strictly against the written task requirements. Work that deviates from the letter of the requirements does not qualify, regardless of effort or quality.",
		},
		{
			Name:   "effort-empathetic",
			Prompt: "Weigh the worker's demonstrated effort and good-faith interpretation of the requirements. Substantial honest work that addresses the task intent qualifies even with minor gaps.",
		},
		{
			Name:   "technical-quality",
			Prompt: "Assess the technical quality and completeness of the delivered work itself. Judge whether a competent professional would consider the deliverable acceptable for the stated task.",
		},
	}
}

// HTTPEvaluator reaches an external judging service. The service receives the
// persona prompt and the blinded case and answers with a structured verdict.
type HTTPEvaluator struct {
	endpoint string
	apiKey   string
	persona  Persona
	http     *http.Client
}

// NewHTTPEvaluator constructs an evaluator for one persona.
func NewHTTPEvaluator(endpoint, apiKey string, persona Persona) *HTTPEvaluator {
	return &HTTPEvaluator{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		persona:  persona,
		http: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// Persona names the evaluator's judging disposition.
func (e *HTTPEvaluator) Persona() string { return e.persona.Name }

// Judge submits the case and decodes the verdict. Any malformed answer is
// reported as ErrInvalidVerdict so the tally records an abstention.
func (e *HTTPEvaluator) Judge(ctx context.Context, c Case) (Verdict, error) {
	payload := struct {
		Persona string `json:"persona"`
		Prompt  string `json:"prompt"`
		Case    Case   `json:"case"`
	}{Persona: e.persona.Name, Prompt: e.persona.Prompt, Case: c}
	body, err := json.Marshal(payload)
	if err != nil {
		return Verdict{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/judgments", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("jury: evaluator status %d", resp.StatusCode)
	}
	var verdict Verdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	if !verdict.Outcome.Valid() {
		return Verdict{}, fmt.Errorf("%w: outcome %q", ErrInvalidVerdict, verdict.Outcome)
	}
	return verdict, nil
}
