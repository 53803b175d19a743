package governance

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/oversight/pkg/archive"
	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
)

// SnapshotSaver persists a log snapshot. *store.SnapshotStore satisfies it.
type SnapshotSaver interface {
	Save(ctx context.Context, snap eventlog.Snapshot) error
}

// Snapshot returns the log's persisted layout after verifying it. A log
// that fails verification is never snapshotted.
func (g *Governor) Snapshot(ctx context.Context) (eventlog.Snapshot, error) {
	if err := g.CheckIntegrity(ctx); err != nil {
		return eventlog.Snapshot{}, err
	}
	return g.log.Snapshot(), nil
}

// Persist saves a verified snapshot of the log.
func (g *Governor) Persist(ctx context.Context, s SnapshotSaver) error {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := s.Save(ctx, snap); err != nil {
		return fmt.Errorf("governance: persist: %w", err)
	}
	g.logger.InfoContext(ctx, "event log persisted", "events", len(snap.Events), "log_hash", snap.LogHash)
	return nil
}

// Export writes a verified snapshot to the archive and returns its content
// hash.
func (g *Governor) Export(ctx context.Context, a archive.Store) (string, error) {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	hash, err := archive.PutSnapshot(ctx, a, snap)
	if err != nil {
		return "", fmt.Errorf("governance: export: %w", err)
	}
	g.logger.InfoContext(ctx, "event log exported", "archive_hash", hash, "events", len(snap.Events))
	return hash, nil
}
