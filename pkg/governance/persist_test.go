package governance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/oversight/pkg/archive"
	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
)

type recordingSaver struct {
	saved []eventlog.Snapshot
	err   error
}

func (s *recordingSaver) Save(_ context.Context, snap eventlog.Snapshot) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, snap)
	return nil
}

func TestPersist(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(t)

	_, err := g.Submit(ctx, Submission{Caller: "planner", OperationKind: "log_note"})
	require.NoError(t, err)

	saver := &recordingSaver{}
	require.NoError(t, g.Persist(ctx, saver))
	require.Len(t, saver.saved, 1)
	assert.Equal(t, g.Log().Hash(), saver.saved[0].LogHash)
	assert.NoError(t, eventlog.VerifySnapshot(saver.saved[0]))

	failing := &recordingSaver{err: errors.New("disk full")}
	err = g.Persist(ctx, failing)
	assert.ErrorContains(t, err, "disk full")
}

func TestPersist_RefusesCorruptLog(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(t)
	g.verify = func() error { return fmt.Errorf("%w: forged", eventlog.ErrIntegrityViolation) }

	saver := &recordingSaver{}
	err := g.Persist(ctx, saver)
	assert.ErrorIs(t, err, eventlog.ErrIntegrityViolation)
	assert.Empty(t, saver.saved)
	assert.True(t, g.Halted())
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(t)

	tk, err := g.Submit(ctx, Submission{Caller: "planner", OperationKind: "log_note"})
	require.NoError(t, err)
	_, err = g.Commit(ctx, tk.ID, CommitSpec{Kind: eventlog.KindDiscoveryRecorded, Payload: map[string]any{"finding": "x"}})
	require.NoError(t, err)

	fs, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)

	hash, err := g.Export(ctx, fs)
	require.NoError(t, err)

	snap, err := archive.GetSnapshot(ctx, fs, hash)
	require.NoError(t, err)
	assert.Len(t, snap.Events, 2)
	assert.Equal(t, g.Log().Hash(), snap.LogHash)

	again, err := g.Export(ctx, fs)
	require.NoError(t, err)
	assert.Equal(t, hash, again, "content addressed")
}
