package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
)

func sampleLog(t *testing.T) *eventlog.Log {
	t.Helper()
	now := time.Date(2026, 2, 1, 9, 30, 0, 123456789, time.UTC)
	l := eventlog.New().WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	_, err := l.Append(eventlog.KindOperationSubmitted, "t-1", map[string]any{"caller": "evolution", "resources": 3})
	require.NoError(t, err)
	_, err = l.CreateRollbackPoint("t-1/pre-commit", "before evolution", map[string]any{"generation": 7})
	require.NoError(t, err)
	_, err = l.Append(eventlog.KindEvolutionApplied, "t-1", map[string]any{"fitness": 0.93, "big": int64(1) << 60})
	require.NoError(t, err)
	return l
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b, c) VALUES (?, ?, ?)"
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)", DialectPostgres.rebind(q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)
	d, err = ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)
	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

func TestSave_SQLMockPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSnapshotStore(db, DialectPostgres)
	snap := sampleLog(t).Snapshot()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM log_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM log_rollback_points").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM log_meta").WillReturnResult(sqlmock.NewResult(0, 0))
	for _, e := range snap.Events {
		mock.ExpectExec(`INSERT INTO log_events .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`).
			WithArgs(e.Sequence, string(e.Kind), e.TicketID, sqlmock.AnyArg(), sqlmock.AnyArg(), e.ContentHash).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectExec("INSERT INTO log_rollback_points").
		WithArgs("t-1/pre-commit", 1, "before evolution", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO log_meta \(key, value\) VALUES \(\$1, \$2\)`).
		WithArgs("log_hash", snap.LogHash).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Save(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSnapshotStore(db, DialectSQLite)
	snap := sampleLog(t).Snapshot()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM log_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM log_rollback_points").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM log_meta").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO log_events").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.Save(context.Background(), snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_RefusesUnverifiedSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	snap := sampleLog(t).Snapshot()
	snap.Events[0].Payload["caller"] = "forged"

	err = NewSnapshotStore(db, DialectSQLite).Save(context.Background(), snap)
	assert.ErrorIs(t, err, eventlog.ErrIntegrityViolation)
	// No statement may reach the database.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT value FROM log_meta").
		WithArgs("log_hash").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err = NewSnapshotStore(db, DialectSQLite).Load(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func openSQLite(t *testing.T) *SnapshotStore {
	t.Helper()
	s, err := Open(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "oversight.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	l := sampleLog(t)

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, s.Save(ctx, l.Snapshot()))
	snap, err := s.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, l.Hash(), snap.LogHash)
	require.Len(t, snap.Events, 2)
	require.Len(t, snap.RollbackPoints, 1)
	assert.Equal(t, 1, snap.RollbackPoints[0].Length)

	restored, err := eventlog.FromSnapshot(snap)
	require.NoError(t, err)
	assert.True(t, restored.VerifyIntegrity())
	assert.True(t, restored.RollbackTo("t-1/pre-commit"))
	assert.Equal(t, 1, restored.Len())

	// Saving again replaces rather than appends.
	_, err = l.Append(eventlog.KindDiscoveryRecorded, "t-2", nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, l.Snapshot()))
	snap, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Events, 3)
	assert.Equal(t, l.Hash(), snap.LogHash)
}

func TestSQLite_LoadDetectsOutOfBandEdit(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	require.NoError(t, s.Save(ctx, sampleLog(t).Snapshot()))

	_, err := s.db.ExecContext(ctx, `UPDATE log_events SET payload = '{"caller":"mallory","resources":3}' WHERE sequence_index = 0`)
	require.NoError(t, err)

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, eventlog.ErrIntegrityViolation)
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}
