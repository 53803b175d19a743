package eventlog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTripThroughJSON(t *testing.T) {
	l := New().WithClock(fixedClock())
	appendN(t, l, 3)
	_, err := l.Append(KindSelfModificationApplied, "t-big", map[string]any{
		"big":    int64(1) << 60,
		"ratio":  0.25,
		"labels": []string{"a", "b"},
	})
	require.NoError(t, err)
	_, err = l.CreateRollbackPoint("p1", "before tuning", map[string]any{"weights": "v7"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeSnapshot(&buf, l.Snapshot()))

	decoded, err := DecodeSnapshot(&buf)
	require.NoError(t, err)
	require.NoError(t, VerifySnapshot(decoded))

	restored, err := FromSnapshot(decoded)
	require.NoError(t, err)
	assert.Equal(t, l.Hash(), restored.Hash())
	assert.Equal(t, 4, restored.Len())
	assert.True(t, restored.VerifyIntegrity())

	p, ok := restored.RollbackPoint("p1")
	require.True(t, ok)
	assert.Equal(t, 4, p.Length)
	assert.Equal(t, "before tuning", p.Description)
}

func TestVerifySnapshot_DetectsTampering(t *testing.T) {
	l := New()
	appendN(t, l, 3)

	s := l.Snapshot()
	s.Events[1].TicketID = "someone-else"
	assert.ErrorIs(t, VerifySnapshot(s), ErrIntegrityViolation)

	s = l.Snapshot()
	s.LogHash = "sha256:" + string(bytes.Repeat([]byte("0"), 64))
	assert.ErrorIs(t, VerifySnapshot(s), ErrIntegrityViolation)

	s = l.Snapshot()
	s.RollbackPoints = []RollbackPoint{{ID: "x"}, {ID: "x"}}
	assert.ErrorIs(t, VerifySnapshot(s), ErrIntegrityViolation)
}

func TestRestore_RejectsBadSnapshotAndKeepsState(t *testing.T) {
	l := New()
	appendN(t, l, 2)
	hash := l.Hash()

	bad := l.Snapshot()
	bad.Events = bad.Events[:1]
	assert.ErrorIs(t, l.Restore(bad), ErrIntegrityViolation)
	assert.Equal(t, hash, l.Hash())
	assert.Equal(t, 2, l.Len())
}

func TestSnapshot_EmptyLog(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSnapshot(&buf, New().Snapshot()))

	s, err := DecodeSnapshot(&buf)
	require.NoError(t, err)
	assert.Empty(t, s.Events)
	assert.NoError(t, VerifySnapshot(s))
}
