package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
	"github.com/Mindburn-Labs/oversight/pkg/observability"
	"github.com/Mindburn-Labs/oversight/pkg/safety"
)

func spanEvents(s sdktrace.ReadOnlySpan) []string {
	var names []string
	for _, e := range s.Events() {
		names = append(names, e.Name)
	}
	return names
}

func TestTelemetry_SpansCarryRequestAndTicket(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	p, err := observability.NewWithReader(sdkmetric.NewManualReader(), sdktrace.WithSpanProcessor(sr))
	require.NoError(t, err)
	g, _, _ := newTestGovernor(t)
	g.WithTelemetry(p)

	tk, err := g.Submit(ctx, Submission{Caller: "planner", OperationKind: "retrain", SafetyHint: safety.LevelCritical})
	require.NoError(t, err)
	_, ok := g.Grant(ctx, tk.RequestID, "alice")
	require.True(t, ok)
	_, ok = g.Grant(ctx, tk.RequestID, "bob")
	require.True(t, ok)
	_, err = g.Commit(ctx, tk.ID, CommitSpec{Kind: eventlog.KindSelfModificationApplied, Reversible: true})
	require.NoError(t, err)
	require.NoError(t, g.Rollback(ctx, tk.ID, ""))

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}

	require.Len(t, byName["governance.submit"], 1)
	assert.Equal(t, []string{"authorization.requested"}, spanEvents(byName["governance.submit"][0]))

	grants := byName["governance.grant"]
	require.Len(t, grants, 2)
	for _, s := range grants {
		assert.Contains(t, s.Attributes(), observability.AttrRequestID.String(tk.RequestID))
	}
	assert.Equal(t, []string{"authorization.granted"}, spanEvents(grants[0]))
	assert.Equal(t, []string{"authorization.granted", "authorization.approved"}, spanEvents(grants[1]))

	require.Len(t, byName["governance.commit"], 1)
	commitEvents := byName["governance.commit"][0].Events()
	require.Len(t, commitEvents, 1)
	assert.Equal(t, "ticket.executed", commitEvents[0].Name)
	assert.Contains(t, commitEvents[0].Attributes, observability.AttrOperationKind.String("retrain"))
	assert.Contains(t, commitEvents[0].Attributes, observability.AttrTicketID.String(tk.ID))

	require.Len(t, byName["governance.rollback"], 1)
	assert.Equal(t, []string{"ticket.rolled_back"}, spanEvents(byName["governance.rollback"][0]))
}

func TestTelemetry_DenySpanWhileHalted(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	p, err := observability.NewWithReader(sdkmetric.NewManualReader(), sdktrace.WithSpanProcessor(sr))
	require.NoError(t, err)
	g, _, _ := newTestGovernor(t)
	g.WithTelemetry(p)

	tk, err := g.Submit(ctx, Submission{Caller: "planner", OperationKind: "retrain", SafetyHint: safety.LevelSensitive})
	require.NoError(t, err)
	g.verify = func() error { return eventlog.ErrIntegrityViolation }
	require.Error(t, g.CheckIntegrity(ctx))

	_, ok := g.Deny(ctx, tk.RequestID, "alice", "no")
	assert.False(t, ok)

	var deny sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "governance.deny" {
			deny = s
		}
	}
	require.NotNil(t, deny)
	assert.Contains(t, deny.Attributes(), observability.AttrRequestID.String(tk.RequestID))
	assert.Equal(t, []string{"exception"}, spanEvents(deny), "refusal is recorded as an error")
}
