package escrowd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskpay/chain"
	"taskpay/jury"
	"taskpay/marketplace"
	"taskpay/notify"
	"taskpay/observability/logging"
	"taskpay/observability/otel"
	"taskpay/storage"
)

// Main initialises and runs the escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/escrowd/config.yaml", "path to escrowd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TASKPAY_ENV"))
	logging.Setup("escrowd", env)
	log := slog.Default()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "escrowd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var wallets chain.WalletService
	var payoutClient chain.PayoutClient
	if cfg.Wallet.Simulated {
		wallets = chain.NewSimulatedWalletService()
		payoutClient = chain.NewSimulatedPayoutClient(cfg.Payout.SimulatedDelay.Duration)
	} else {
		svc := chain.NewHTTPWalletService(cfg.Wallet.ProviderURL, cfg.Wallet.Credential)
		wallets = svc
		payoutClient = chain.NewWalletPayoutClient(svc)
	}

	verifierOpts := []chain.VerifierOption{chain.WithScanWindow(cfg.Chain.ScanWindow.Duration)}
	if cfg.Chain.Tolerance > 0 {
		verifierOpts = append(verifierOpts, chain.WithTolerance(cfg.Chain.Tolerance))
	}
	if cfg.Chain.ScanLimit > 0 {
		verifierOpts = append(verifierOpts, chain.WithScanLimit(cfg.Chain.ScanLimit))
	}
	verifier := chain.NewVerifier(chain.NewRPCClient(cfg.Chain.RPCURL, cfg.Chain.RPCToken), verifierOpts...)

	payouts := chain.NewPayoutEngine(payoutClient, store, cfg.Chain.Mint, cfg.Payout.PlatformWallet,
		chain.WithFeePercent(cfg.Payout.FeePercent))
	dispatcher := chain.NewDispatcher(payouts, cfg.Payout.QueueSize)

	queue := notify.NewQueue()
	engine := marketplace.NewEngine(store,
		marketplace.WithPayoutDispatcher(dispatcher),
		marketplace.WithNotifier(NewQueueNotifier(queue)),
		marketplace.WithDisputeWindow(cfg.DisputeWindow.Duration),
		marketplace.WithLogger(log),
	)

	evaluators := make([]jury.Evaluator, 0, 3)
	for _, persona := range jury.DefaultPersonas() {
		evaluators = append(evaluators, jury.NewHTTPEvaluator(cfg.Jury.EvaluatorURL, cfg.Jury.APIKey, persona))
	}
	juryEngine := jury.NewEngine(evaluators,
		jury.WithQuorum(cfg.Jury.Quorum),
		jury.WithTimeout(cfg.Jury.Timeout.Duration),
		jury.WithLogger(log),
	)

	auth, err := NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	srv := NewServer(ServerConfig{
		Store:         store,
		Engine:        engine,
		Verifier:      verifier,
		Payouts:       payouts,
		Wallets:       wallets,
		Jury:          juryEngine,
		Intents:       chain.NewPayIntentBuilder(""),
		Queue:         queue,
		Auth:          auth,
		Logger:        log,
		ChainType:     cfg.Chain.ChainType,
		Mint:          cfg.Chain.Mint,
		FundingBudget: cfg.Funding.Budget.Duration,
	})

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(stopCtx)
	go notify.NewDispatcher(queue, nil, log).Run(stopCtx)
	watcher := NewFundingWatcher(store, engine, verifier, cfg.Chain.ChainType, cfg.Chain.Mint,
		cfg.Funding.PollInterval.Duration, cfg.Funding.Budget.Duration, log)
	go watcher.Run(stopCtx)
	go NewPayoutSweeper(payouts, cfg.Payout.RetryInterval.Duration, log).Run(stopCtx)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("escrowd listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
