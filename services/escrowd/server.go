// Package escrowd is the HTTP front-end of the marketplace escrow engine. It
// wires the lifecycle engine, chain verifier, payout engine, jury and
// notification queue behind a role-gated JSON API.
package escrowd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpay/chain"
	"taskpay/jury"
	"taskpay/marketplace"
	"taskpay/notify"
	"taskpay/observability"
	"taskpay/storage"
)

// Server bundles the service dependencies behind the HTTP router.
type Server struct {
	store    *storage.Store
	engine   *marketplace.Engine
	verifier *chain.Verifier
	payouts  *chain.PayoutEngine
	wallets  chain.WalletService
	jury     *jury.Engine
	intents  *chain.PayIntentBuilder
	queue    *notify.Queue
	auth     *Authenticator
	metrics  *observability.EscrowdMetrics
	log      *slog.Logger

	chainType     string
	mint          string
	fundingBudget time.Duration
	nowFn         func() time.Time

	router http.Handler
}

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	Store         *storage.Store
	Engine        *marketplace.Engine
	Verifier      *chain.Verifier
	Payouts       *chain.PayoutEngine
	Wallets       chain.WalletService
	Jury          *jury.Engine
	Intents       *chain.PayIntentBuilder
	Queue         *notify.Queue
	Auth          *Authenticator
	Logger        *slog.Logger
	ChainType     string
	Mint          string
	FundingBudget time.Duration
}

// NewServer constructs a configured router.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		store:         cfg.Store,
		engine:        cfg.Engine,
		verifier:      cfg.Verifier,
		payouts:       cfg.Payouts,
		wallets:       cfg.Wallets,
		jury:          cfg.Jury,
		intents:       cfg.Intents,
		queue:         cfg.Queue,
		auth:          cfg.Auth,
		metrics:       observability.Escrowd(),
		log:           cfg.Logger,
		chainType:     cfg.ChainType,
		mint:          cfg.Mint,
		fundingBudget: cfg.FundingBudget,
		nowFn:         time.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.intents == nil {
		s.intents = chain.NewPayIntentBuilder("")
	}
	if s.fundingBudget <= 0 {
		s.fundingBudget = 10 * time.Minute
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)

		api.With(RequireRole(RoleCreator, RoleOperator)).Post("/tasks", s.CreateTask)
		api.Get("/tasks/{id}", s.GetTask)
		api.Get("/tasks/{id}/payintent", s.GetPayIntent)
		api.With(RequireRole(RoleCreator, RoleOperator)).Post("/tasks/{id}/wallet", s.RetryWallet)
		api.With(RequireRole(RoleCreator, RoleOperator)).Post("/tasks/{id}/fund", s.FundTask)
		api.With(RequireRole(RoleCreator, RoleOperator)).Post("/tasks/{id}/cancel", s.CancelTask)

		api.With(RequireRole(RoleWorker)).Post("/tasks/{id}/applications", s.Apply)
		api.With(RequireRole(RoleCreator, RoleOperator)).Post("/applications/{id}/accept", s.AcceptApplication)
		api.With(RequireRole(RoleWorker)).Post("/applications/{id}/withdraw", s.WithdrawApplication)

		api.With(RequireRole(RoleWorker)).Post("/tasks/{id}/submissions", s.SubmitWork)
		api.With(RequireRole(RoleCreator, RoleOperator)).Post("/submissions/{id}/approve", s.ApproveSubmission)
		api.With(RequireRole(RoleCreator, RoleOperator)).Post("/submissions/{id}/reject", s.RejectSubmission)
		api.With(RequireRole(RoleWorker)).Post("/submissions/{id}/dispute", s.FileDispute)

		api.Get("/disputes/{id}", s.GetDispute)
		api.With(RequireRole(RoleOperator)).Post("/disputes/{id}/resolve", s.ResolveDispute)
	})
	return r
}

func (s *Server) now() time.Time { return s.nowFn().UTC() }

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeError maps the error taxonomy onto HTTP statuses. Deterministic
// entity-state failures are client errors; chain-read outages are gateway
// errors the caller may retry.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, marketplace.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, marketplace.ErrCapacityExceeded),
		errors.Is(err, marketplace.ErrAlreadyResolved),
		errors.Is(err, marketplace.ErrDisputeAlreadyExists),
		errors.Is(err, marketplace.ErrDuplicateApplication):
		status = http.StatusConflict
	case errors.Is(err, marketplace.ErrWindowExpired):
		status = http.StatusGone
	case errors.Is(err, marketplace.ErrInvalidState),
		errors.Is(err, marketplace.ErrMilestoneSum),
		errors.Is(err, marketplace.ErrNoEscrowWallet):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, chain.ErrNoMatchingTransfer):
		status = http.StatusPaymentRequired
	case errors.Is(err, chain.ErrVerificationUnavailable),
		errors.Is(err, chain.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	writeErrorStatus(w, status, err)
}
