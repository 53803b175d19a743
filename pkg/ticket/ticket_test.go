package ticket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/oversight/pkg/canonicalize"
	"github.com/Mindburn-Labs/oversight/pkg/safety"
)

type authorizerFunc func(string) bool

func (f authorizerFunc) IsAuthorized(id string) bool { return f(id) }

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTicket(t *testing.T, level safety.Level) *Ticket {
	t.Helper()
	tk, err := New(Spec{
		Caller:            "self_improvement",
		OperationKind:     "Update_Weights",
		Level:             level,
		Requirement:       safety.RequirementFor(level),
		Payload:           map[string]any{"delta": 0.25, "layers": []any{"a", "b"}},
		AffectedResources: []string{"model/a", "model/b"},
	}, t0)
	require.NoError(t, err)
	return tk
}

func TestNormalizeKind(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"reasoning", "reasoning", false},
		{"  Goal_Proposal ", "goal_proposal", false},
		{"evolution.apply", "evolution.apply", false},
		{"paradigm/shift-v2", "paradigm/shift-v2", false},
		{"café", "", true},
		{"", "", true},
		{"   ", "", true},
		{"9lives", "", true},
		{"drop table", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeKind(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrMalformedKind, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := NormalizeKind("a" + string(make([]byte, maxKindLength)))
	assert.ErrorIs(t, err, ErrMalformedKind)
}

func TestNew(t *testing.T) {
	tk := newTicket(t, safety.LevelSensitive)

	assert.NotEmpty(t, tk.ID)
	assert.NotEmpty(t, tk.RequestID)
	assert.NotEqual(t, tk.ID, tk.RequestID)
	assert.Equal(t, "update_weights", tk.OperationKind)
	assert.Equal(t, StateCreated, tk.State)
	assert.Equal(t, safety.RequirementSingle, tk.Requirement)
	assert.Equal(t, t0, tk.CreatedAt)
	assert.True(t, tk.VerifyHash())
	_, err := canonicalize.ParseHash(tk.ContentHash)
	assert.NoError(t, err)
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Spec{OperationKind: "!!", Level: safety.LevelRoutine}, t0)
	assert.ErrorIs(t, err, ErrMalformedKind)

	_, err = New(Spec{OperationKind: "ok", Level: safety.LevelUnspecified}, t0)
	assert.Error(t, err)

	_, err = New(Spec{OperationKind: "ok", Level: safety.LevelRoutine, Payload: map[string]any{"ch": make(chan int)}}, t0)
	assert.Error(t, err)
}

func TestNew_DetachesCallerValues(t *testing.T) {
	payload := map[string]any{"k": "v"}
	resources := []string{"r1"}
	tk, err := New(Spec{
		OperationKind:     "reasoning",
		Level:             safety.LevelRoutine,
		Payload:           payload,
		AffectedResources: resources,
	}, t0)
	require.NoError(t, err)

	payload["k"] = "changed"
	resources[0] = "changed"
	assert.Equal(t, "v", tk.Payload["k"])
	assert.Equal(t, "r1", tk.AffectedResources[0])
	assert.True(t, tk.VerifyHash())
}

func TestVerifyHash_DetectsTampering(t *testing.T) {
	tk := newTicket(t, safety.LevelCritical)
	tk.Level = safety.LevelRoutine
	assert.False(t, tk.VerifyHash())
}

func TestNew_RejectsImpreciseNumbers(t *testing.T) {
	_, err := New(Spec{
		OperationKind: "reasoning",
		Level:         safety.LevelRoutine,
		Flags:         map[string]any{"budget": json.Number("9007199254740993")},
	}, t0)
	assert.ErrorIs(t, err, canonicalize.ErrNumberPrecision)
}

func TestVerifyHash_DetectsLargeIntegerOverwrite(t *testing.T) {
	tk, err := New(Spec{
		OperationKind: "reasoning",
		Level:         safety.LevelRoutine,
		Payload:       map[string]any{"budget": int64(1 << 53)},
	}, t0)
	require.NoError(t, err)
	require.True(t, tk.VerifyHash())

	tk.Payload["budget"] = int64(1<<53 + 1)
	assert.False(t, tk.VerifyHash())
}

func TestVerifyHash_IgnoresState(t *testing.T) {
	tk := newTicket(t, safety.LevelRoutine)
	require.NoError(t, tk.Admit(t0.Add(time.Second)))
	assert.True(t, tk.VerifyHash())
}

func TestValidate(t *testing.T) {
	routine := newTicket(t, safety.LevelRoutine)
	assert.True(t, routine.Validate(nil))

	sensitive := newTicket(t, safety.LevelSensitive)
	assert.False(t, sensitive.Validate(nil))

	approved := map[string]bool{}
	auth := authorizerFunc(func(id string) bool { return approved[id] })
	assert.False(t, sensitive.Validate(auth))
	approved[sensitive.RequestID] = true
	assert.True(t, sensitive.Validate(auth))

	// Validate is a predicate; it never moves the ticket.
	assert.Equal(t, StateCreated, sensitive.State)
}

func TestAdmit(t *testing.T) {
	routine := newTicket(t, safety.LevelRoutine)
	require.NoError(t, routine.Admit(t0))
	assert.Equal(t, StateAdmitted, routine.State)

	critical := newTicket(t, safety.LevelCritical)
	require.NoError(t, critical.Admit(t0))
	assert.Equal(t, StateAuthorizationPending, critical.State)

	assert.ErrorIs(t, critical.Admit(t0), ErrInvalidTransition)
}

func TestTransition_Lifecycle(t *testing.T) {
	tk := newTicket(t, safety.LevelElevated)
	later := t0.Add(time.Minute)

	require.NoError(t, tk.Admit(t0))
	assert.ErrorIs(t, tk.Transition(StateExecuted, later), ErrInvalidTransition)
	require.NoError(t, tk.Transition(StateAdmitted, later))
	assert.ErrorIs(t, tk.Transition(StateValidated, later), ErrInvalidTransition)
	require.NoError(t, tk.Transition(StateExecuted, later))
	require.NoError(t, tk.Transition(StateRolledBack, later))
	assert.True(t, tk.State.Terminal())
	assert.Equal(t, later, tk.UpdatedAt)

	for _, s := range []State{StateCreated, StateAdmitted, StateExecuted, StateValidated} {
		assert.ErrorIs(t, tk.Transition(s, later), ErrInvalidTransition)
	}
}

func TestStateTable(t *testing.T) {
	assert.True(t, StateCreated.CanTransition(StateAdmitted))
	assert.True(t, StateAuthorizationPending.CanTransition(StateRejected))
	assert.False(t, StateCreated.CanTransition(StateExecuted))
	assert.False(t, StateAuthorizationPending.CanTransition(StateExecuted))
	assert.False(t, StateAdmitted.CanTransition(StateValidated))

	for _, s := range []State{StateRejected, StateValidated, StateRolledBack} {
		assert.True(t, s.Terminal())
		assert.Empty(t, transitions[s])
	}
	assert.True(t, StateExecuted.Valid())
	assert.False(t, State("DONE").Valid())
}

func TestClone(t *testing.T) {
	tk := newTicket(t, safety.LevelRoutine)
	c := tk.Clone()
	c.Payload["delta"] = "x"
	c.Payload["layers"].([]any)[0] = "z"
	c.AffectedResources[0] = "y"

	assert.NotEqual(t, "x", tk.Payload["delta"])
	assert.Equal(t, "a", tk.Payload["layers"].([]any)[0])
	assert.Equal(t, "model/a", tk.AffectedResources[0])
}
