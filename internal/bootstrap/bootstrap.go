// Package bootstrap wires every component into the worker process in
// the order the trust model requires: hardening and attestation must
// succeed before any key material is loaded, and the key material must
// exist before anything that depends on it is constructed.
//
// The ordered construct-then-serve-then-drain shape follows the
// teacher's marble command entry point (cmd/marble/main.go): build
// dependencies top to bottom, start the listener, block on a signal,
// shut down with a bounded deadline.
package bootstrap

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sev-custody/enclaveworker/infrastructure/config"
	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	"github.com/sev-custody/enclaveworker/internal/aggregator"
	"github.com/sev-custody/enclaveworker/internal/attestation"
	"github.com/sev-custody/enclaveworker/internal/memguard"
	"github.com/sev-custody/enclaveworker/internal/ratelimiter"
	"github.com/sev-custody/enclaveworker/internal/registry"
	"github.com/sev-custody/enclaveworker/internal/reportcache"
	"github.com/sev-custody/enclaveworker/internal/repository/memory"
	"github.com/sev-custody/enclaveworker/internal/rpcserver"
	"github.com/sev-custody/enclaveworker/internal/scheduler"
	"github.com/sev-custody/enclaveworker/internal/vault"
)

// Exit codes distinguish why the process stopped, for the orchestrator
// restarting it to tell a startup defect from a normal shutdown.
const (
	ExitOK             = 0
	ExitStartupFailure = 1
	ExitShutdownFailed = 2
)

// Worker is the fully wired, running process. Run blocks until a
// termination signal arrives or a component fails fatally.
type Worker struct {
	cfg *config.Config

	guard      *memguard.Guard
	attestor   *attestation.Attestor
	vault      *vault.Vault
	repo       *memory.Repository
	registry   *registry.Registry
	aggregator *aggregator.Aggregator
	limiter    *ratelimiter.Limiter
	scheduler  *scheduler.Scheduler
	rpcServer  *rpcserver.Server
	health     *rpcserver.HealthListener
	logger     *logging.Logger
}

// New constructs every component in dependency order but starts
// nothing. cfg must already have passed Validate.
func New(cfg *config.Config) (*Worker, error) {
	logger := logging.New("enclaveworker", cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	guard := memguard.New(logger)
	guard.Start(ctx)

	attestor := attestation.New(logger, cfg.VCEKCachePath)
	if err := selfAttest(ctx, attestor, logger, cfg); err != nil {
		return nil, err
	}

	masterKey, err := hex.DecodeString(cfg.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("MASTER_KEY is not valid hex: %w", err)
	}
	guard.Register(masterKey)

	v, err := vault.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("construct vault: %w", err)
	}

	repo := memory.New()
	cache := reportcache.New()
	reg := registry.New(defaultVenueEndpoints(), v, cache, logger)

	connSource := newConnectorSource(repo, v, reg)
	agg := aggregator.New(repo, connSource, logger, nil)

	limiter := ratelimiter.New(repo)
	sched := scheduler.New(repo, agg, limiter, logger)

	handlers := rpcserver.NewHandlers(v, repo, agg, limiter)
	tlsConfig := rpcserver.TLSConfig{
		ServerCertPath:    cfg.TLSServerCertPath,
		ServerKeyPath:     cfg.TLSServerKeyPath,
		CACertPath:        cfg.TLSCACertPath,
		RequireClientCert: cfg.RequireClientCert,
	}
	srv, err := rpcserver.New(fmt.Sprintf(":%d", cfg.RPCPort), tlsConfig, handlers, logger)
	if err != nil {
		return nil, fmt.Errorf("construct RPC server: %w", err)
	}

	health := rpcserver.NewHealthListener(fmt.Sprintf("127.0.0.1:%d", cfg.RPCPort+1))

	return &Worker{
		cfg:        cfg,
		guard:      guard,
		attestor:   attestor,
		vault:      v,
		repo:       repo,
		registry:   reg,
		aggregator: agg,
		limiter:    limiter,
		scheduler:  sched,
		rpcServer:  srv,
		health:     health,
		logger:     logger,
	}, nil
}

// selfAttest produces and verifies one attestation report at startup.
// Outside development mode a failure here is fatal: the enclave must
// prove its own identity before it is trusted to hold key material.
func selfAttest(ctx context.Context, attestor *attestation.Attestor, logger *logging.Logger, cfg *config.Config) error {
	nonce := []byte(cfg.SchedulerTimezone + ":startup")
	report, err := attestor.Produce(ctx, nonce)
	if err != nil {
		if attestation.DevModeAllowed() {
			logger.Warn(ctx, "attestation unavailable, continuing in development mode", map[string]any{"error": err.Error()})
			return nil
		}
		return fmt.Errorf("produce attestation report: %w", err)
	}

	result, err := attestor.Verify(ctx, report)
	if err != nil || !result.Verified {
		if attestation.DevModeAllowed() {
			logger.Warn(ctx, "attestation verification failed, continuing in development mode", map[string]any{"error": err})
			return nil
		}
		return fmt.Errorf("verify attestation report: %w", err)
	}

	logger.Info(ctx, "attestation verified", map[string]any{
		"measurement": result.Measurement,
		"chip_id":     result.ChipID,
	})
	return nil
}

// Run starts every background component and blocks until ctx is
// cancelled or a termination signal arrives, then drains with a bounded
// deadline.
func (w *Worker) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.scheduler.Start(runCtx); err != nil {
		w.logger.Error(runCtx, "scheduler failed to start", err, nil)
		return ExitStartupFailure
	}

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- w.rpcServer.Serve(runCtx) }()

	go func() {
		if err := w.health.Serve(runCtx); err != nil {
			w.logger.Warn(runCtx, "health listener stopped", map[string]any{"error": err.Error()})
		}
	}()
	w.health.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		w.logger.Info(runCtx, "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErrCh:
		if err != nil {
			w.logger.Error(runCtx, "RPC server stopped unexpectedly", err, nil)
		}
	}

	w.health.SetReady(false)
	return w.shutdown(ctx)
}

func (w *Worker) shutdown(ctx context.Context) int {
	shutdownCtx, cancel := context.WithTimeout(ctx, w.cfg.ShutdownGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.scheduler.Stop()
		_ = w.rpcServer.Close()
		w.registry.CloseAll()
		w.vault.Close()
		w.guard.WipeAll()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info(ctx, "shutdown complete", nil)
		return ExitOK
	case <-shutdownCtx.Done():
		w.logger.Error(ctx, "shutdown exceeded grace period", shutdownCtx.Err(), nil)
		return ExitShutdownFailed
	}
}
