package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/oversight/pkg/authgate"
	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
	"github.com/Mindburn-Labs/oversight/pkg/ticket"
)

// checkIntegrity verifies the log and latches the halt on failure. The
// returned error wraps both ErrHalted and eventlog.ErrIntegrityViolation.
func (g *Governor) checkIntegrity(ctx context.Context) error {
	if g.Halted() {
		return g.haltError()
	}
	if err := g.verify(); err != nil {
		g.halt(ctx, err)
		return g.haltError()
	}
	return nil
}

func (g *Governor) halt(ctx context.Context, cause error) {
	g.haltMu.Lock()
	first := !g.halted
	g.halted = true
	if first {
		g.haltErr = cause
	}
	g.haltMu.Unlock()

	g.telemetry.RecordIntegrityViolation(ctx)
	if first {
		g.logger.ErrorContext(ctx, "event log integrity violation, admissions halted until reconciled",
			"error", cause, "log_length", g.log.Len())
	}
}

func (g *Governor) haltError() error {
	g.haltMu.Lock()
	defer g.haltMu.Unlock()
	return fmt.Errorf("%w: %w", ErrHalted, g.haltErr)
}

// Halted reports whether an integrity violation has stopped admissions.
func (g *Governor) Halted() bool {
	g.haltMu.Lock()
	defer g.haltMu.Unlock()
	return g.halted
}

// CheckIntegrity verifies the event log now. A failure halts the Governor:
// Submit, Commit, Rollback, Grant and Deny are refused until Reconcile.
// The returned error wraps eventlog.ErrIntegrityViolation.
func (g *Governor) CheckIntegrity(ctx context.Context) error {
	if err := g.verify(); err != nil {
		g.halt(ctx, err)
		return err
	}
	return nil
}

// Reconcile replaces the log with a verified snapshot and lifts the halt.
// It is the operator's recovery path after an integrity violation; ticket
// states are left as they are and must be reviewed by the operator.
func (g *Governor) Reconcile(ctx context.Context, snap eventlog.Snapshot) error {
	if err := g.log.Restore(snap); err != nil {
		return fmt.Errorf("governance: reconcile: %w", err)
	}
	if err := g.verify(); err != nil {
		return fmt.Errorf("governance: reconcile: %w", err)
	}

	g.haltMu.Lock()
	wasHalted := g.halted
	g.halted = false
	g.haltErr = nil
	g.haltMu.Unlock()

	g.logger.WarnContext(ctx, "event log reconciled from snapshot",
		"was_halted", wasHalted,
		"events", len(snap.Events),
		"log_hash", snap.LogHash,
	)
	return nil
}

// SweepReport is the outcome of one Sweep.
type SweepReport struct {
	IntegrityErr error
	Expired      []authgate.Request
	// Stale lists tickets EXECUTED for longer than the commit timeout.
	Stale []string
}

// Sweep runs the periodic audit: an integrity check, expiry of timed-out
// authorization requests, and a report of tickets stuck in EXECUTED.
func (g *Governor) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	report.IntegrityErr = g.CheckIntegrity(ctx)
	report.Expired = g.gate.ExpireStale(ctx)

	if g.commitTimeout > 0 {
		now := g.clock()
		g.mu.Lock()
		for _, t := range g.tickets {
			if t.State == ticket.StateExecuted && now.Sub(t.UpdatedAt) > g.commitTimeout {
				report.Stale = append(report.Stale, t.ID)
			}
		}
		g.mu.Unlock()
		for _, id := range report.Stale {
			g.logger.WarnContext(ctx, "ticket executed but never confirmed or rolled back",
				"ticket_id", id, "timeout", g.commitTimeout)
		}
		g.telemetry.RecordStaleTickets(ctx, len(report.Stale))
	}
	return report
}

// Run sweeps every interval until ctx is done.
func (g *Governor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.logger.InfoContext(ctx, "sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			g.logger.InfoContext(ctx, "sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}
