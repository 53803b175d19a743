package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/oversight/pkg/authgate"
	"github.com/Mindburn-Labs/oversight/pkg/config"
	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
	"github.com/Mindburn-Labs/oversight/pkg/governance"
	"github.com/Mindburn-Labs/oversight/pkg/observability"
	"github.com/Mindburn-Labs/oversight/pkg/review"
	"github.com/Mindburn-Labs/oversight/pkg/store"
)

// runServeCmd implements `oversight serve`, the audit watchdog for the
// stored event log. Operations are submitted by processes that embed the
// governance package; serve has no submission surface of its own.
//
// It restores the stored log, clears the Redis review queue of requests
// that did not survive a restart when REDIS_ADDR is set, and every sweep
// interval runs the Governor sweep, saves the log if it changed and
// re-verifies the copy held by the database.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := setupLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "oversight stopped")
	return 0
}

//nolint:gocognit
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}

	telemetry := &observability.Provider{}
	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.OTLPEndpoint = cfg.OTelEndpoint
		oc.Insecure = cfg.OTelInsecure
		oc.ServiceVersion = version
		p, err := observability.New(ctx, oc)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		telemetry = p
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(shutdownCtx)
		}()
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	classifier, err := policy.Classifier()
	if err != nil {
		return err
	}

	dialect, err := store.ParseDialect(cfg.StoreDriver)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	log := eventlog.New()
	snap, err := st.Load(ctx)
	switch {
	case errors.Is(err, store.ErrEmpty):
		logger.Info("no stored event log, starting empty")
	case err != nil:
		// A stored log that fails verification must be reconciled by an
		// operator; refuse to start on top of it.
		return err
	default:
		if err := log.Restore(snap); err != nil {
			return err
		}
	}

	gate := authgate.New().WithTimeout(cfg.AuthzTimeout)
	if cfg.RedisAddr != "" {
		mirror, client := review.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = client.Close() }()
		mirror.Start(ctx)
		defer mirror.Close()
		gate.OnDecision(mirror.Handle)
		if err := mirror.Sync(ctx, gate.Pending()); err != nil {
			logger.Warn("review queue sync failed", "error", err)
		}
		logger.Info("review queue mirrored to redis", "addr", cfg.RedisAddr)
	}

	gov := governance.New(classifier, log, gate).
		WithTelemetry(telemetry).
		WithCommitTimeout(cfg.PendingCommitTimeout).
		WithRateLimit(rate.Limit(cfg.SubmitRPS), cfg.SubmitBurst)

	go func() {
		if err := gov.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	logger.Info("oversight ready",
		"store", cfg.StoreDriver,
		"events", log.Len(),
		"sweep_interval", cfg.SweepInterval,
		"policy_tables", classifier.Tables(),
	)

	w := newWatchdog(st, gov, telemetry, logger)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			// ctx is done; the final save gets its own deadline.
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return w.persist(saveCtx)
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				logger.Error("watchdog check failed", "error", err)
			}
		}
	}
}

// watchdog keeps the stored copy of the log in step with the Governor and
// detects edits made to the database behind its back.
type watchdog struct {
	store     *store.SnapshotStore
	gov       *governance.Governor
	telemetry *observability.Provider
	logger    *slog.Logger
	savedHash string
}

func newWatchdog(st *store.SnapshotStore, gov *governance.Governor, telemetry *observability.Provider, logger *slog.Logger) *watchdog {
	return &watchdog{
		store:     st,
		gov:       gov,
		telemetry: telemetry,
		logger:    logger,
		savedHash: gov.Log().Hash(),
	}
}

// persist saves the log unless the stored copy already has its hash.
func (w *watchdog) persist(ctx context.Context) error {
	h := w.gov.Log().Hash()
	if h == w.savedHash {
		return nil
	}
	if err := w.gov.Persist(ctx, w.store); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	w.savedHash = h
	return nil
}

func (w *watchdog) tick(ctx context.Context) error {
	if err := w.persist(ctx); err != nil {
		return err
	}
	_, err := w.store.Load(ctx)
	switch {
	case err == nil, errors.Is(err, store.ErrEmpty):
		return nil
	case errors.Is(err, eventlog.ErrIntegrityViolation):
		w.telemetry.RecordIntegrityViolation(ctx)
		return fmt.Errorf("stored log: %w", err)
	default:
		return fmt.Errorf("stored log: %w", err)
	}
}
