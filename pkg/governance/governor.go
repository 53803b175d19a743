// Package governance is the entry point feature modules use to run an
// operation under oversight.
//
// A caller submits an operation and receives a ticket. The Governor
// classifies the operation, opens an authorization request when the safety
// level demands one, and records every step in the event log. The caller
// asks Validate before acting, performs its own effect, then reports it with
// Commit and finally Confirm or Rollback. The Governor never executes the
// operation itself.
//
// Tickets left in EXECUTED without a Confirm or Rollback are a caller bug.
// Sweep reports them once they exceed the pending-commit timeout.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/oversight/pkg/authgate"
	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
	"github.com/Mindburn-Labs/oversight/pkg/observability"
	"github.com/Mindburn-Labs/oversight/pkg/safety"
	"github.com/Mindburn-Labs/oversight/pkg/ticket"
)

var (
	// ErrAdmission wraps every reason a submission is refused before any
	// state changes. The caller may retry.
	ErrAdmission      = errors.New("governance: admission rejected")
	ErrRateLimited    = errors.New("governance: submission rate exceeded")
	ErrHalted         = errors.New("governance: halted after integrity violation")
	ErrNotAuthorized  = errors.New("governance: ticket is not authorized")
	ErrTicketNotFound = errors.New("governance: ticket not found")
)

func admission(cause error) error {
	return fmt.Errorf("%w: %w", ErrAdmission, cause)
}

// DefaultCommitTimeout is how long a ticket may stay EXECUTED before Sweep
// reports it.
const DefaultCommitTimeout = 10 * time.Minute

// Submission describes an operation a feature module wants to perform.
type Submission struct {
	Caller            string
	OperationKind     string
	SafetyHint        safety.Level // LevelUnspecified when the caller has no opinion
	Payload           map[string]any
	AffectedResources []string
	Flags             map[string]any
	Justification     string
	// MinRequirement forces a stricter authorization requirement than the
	// level implies, e.g. EXTERNAL review.
	MinRequirement safety.Requirement
}

// CommitSpec describes the event a caller records after executing its
// effect.
type CommitSpec struct {
	Kind    eventlog.Kind
	Payload map[string]any
	// Reversible creates a rollback point before the event is appended.
	Reversible bool
	// RollbackID names the rollback point; defaults to "<ticket-id>/pre-commit".
	RollbackID  string
	Description string
	Snapshot    any
}

// Governor ties the classifier, the authorization gate and the event log
// together.
type Governor struct {
	classifier    *safety.Classifier
	log           *eventlog.Log
	gate          *authgate.Gate
	telemetry     *observability.Provider
	limiter       *callerLimiter
	logger        *slog.Logger
	clock         func() time.Time
	commitTimeout time.Duration
	verify        func() error

	mu           sync.Mutex
	tickets      map[string]*ticket.Ticket
	byRequest    map[string]string
	commitPoints map[string]string
	// recordErrs carries a failed submission record from the REQUESTED
	// handler back to Submit, keyed by request id.
	recordErrs map[string]error

	haltMu  sync.Mutex
	halted  bool
	haltErr error
}

// New creates a Governor. classifier must not be nil; a nil log or gate is
// replaced by an empty one. The Governor subscribes to the gate's decisions
// so that grants and denials reach the event log and ticket state.
func New(classifier *safety.Classifier, log *eventlog.Log, gate *authgate.Gate) *Governor {
	if log == nil {
		log = eventlog.New()
	}
	if gate == nil {
		gate = authgate.New()
	}
	g := &Governor{
		classifier:    classifier,
		log:           log,
		gate:          gate,
		telemetry:     &observability.Provider{},
		logger:        slog.Default().With("component", "governance"),
		clock:         time.Now,
		commitTimeout: DefaultCommitTimeout,
		verify:        log.Verify,
		tickets:       make(map[string]*ticket.Ticket),
		byRequest:     make(map[string]string),
		commitPoints:  make(map[string]string),
		recordErrs:    make(map[string]error),
	}
	gate.OnDecision(g.onDecision)
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// WithLogger replaces the structured logger.
func (g *Governor) WithLogger(logger *slog.Logger) *Governor {
	g.logger = logger.With("component", "governance")
	return g
}

// WithTelemetry records traces and metrics through p.
func (g *Governor) WithTelemetry(p *observability.Provider) *Governor {
	if p != nil {
		g.telemetry = p
	}
	return g
}

// WithRateLimit limits submissions per caller. A zero limit disables it.
func (g *Governor) WithRateLimit(limit rate.Limit, burst int) *Governor {
	if limit <= 0 {
		g.limiter = nil
		return g
	}
	g.limiter = newCallerLimiter(limit, burst)
	return g
}

// WithCommitTimeout sets how long a ticket may stay EXECUTED before Sweep
// reports it. Zero disables the report.
func (g *Governor) WithCommitTimeout(d time.Duration) *Governor {
	g.commitTimeout = d
	return g
}

// Log returns the underlying event log.
func (g *Governor) Log() *eventlog.Log { return g.log }

// Submit classifies an operation and issues a ticket for it. The ticket is
// ADMITTED when no authorization is required and AUTHORIZATION_PENDING
// otherwise; in that case the caller must not act until Validate is true.
//
// Every refusal wraps ErrAdmission and happens before the log, the gate or
// the ticket table change.
func (g *Governor) Submit(ctx context.Context, sub Submission) (_ *ticket.Ticket, err error) {
	ctx, finish := g.telemetry.TrackOperation(ctx, "governance.submit", observability.AttrCaller.String(sub.Caller))
	defer func() { finish(err) }()

	if g.Halted() {
		return nil, admission(ErrHalted)
	}
	if g.limiter != nil && !g.limiter.allow(sub.Caller, g.clock()) {
		return nil, admission(fmt.Errorf("%w: caller %q", ErrRateLimited, sub.Caller))
	}
	kind, err := ticket.NormalizeKind(sub.OperationKind)
	if err != nil {
		return nil, admission(err)
	}
	classified, err := g.classifier.Classify(safety.Input{
		Caller:        sub.Caller,
		Kind:          kind,
		ResourceCount: len(sub.AffectedResources),
		Flags:         sub.Flags,
	})
	if err != nil {
		return nil, admission(err)
	}
	level := classified
	if sub.SafetyHint.Valid() {
		level = safety.Max(level, sub.SafetyHint)
	}
	requirement := safety.RequirementFor(level)
	if sub.MinRequirement.Valid() && sub.MinRequirement > requirement {
		requirement = sub.MinRequirement
	}

	now := g.clock()
	t, err := ticket.New(ticket.Spec{
		Caller:            sub.Caller,
		OperationKind:     kind,
		Level:             level,
		Requirement:       requirement,
		Payload:           sub.Payload,
		AffectedResources: sub.AffectedResources,
		Flags:             sub.Flags,
	}, now)
	if err != nil {
		return nil, admission(err)
	}
	if err := t.Admit(now); err != nil {
		return nil, err
	}
	if err := g.checkIntegrity(ctx); err != nil {
		return nil, admission(err)
	}

	g.mu.Lock()
	g.tickets[t.ID] = t
	if t.NeedsAuthorization() {
		g.byRequest[t.RequestID] = t.ID
	}
	g.mu.Unlock()

	// A gated submission is recorded by the REQUESTED decision handler, so
	// it reaches the log before any grant on the new request can.
	if t.NeedsAuthorization() {
		_, err = g.gate.Request(ctx, authgate.Spec{
			ID:             t.RequestID,
			OperationKind:  kind,
			Level:          level,
			Requester:      sub.Caller,
			Justification:  sub.Justification,
			MinRequirement: requirement,
		})
		if err != nil {
			g.forget(t)
			return nil, admission(err)
		}
		err = g.takeRecordErr(t.RequestID)
	} else {
		err = g.recordSubmission(ctx, t, authgate.Request{})
	}
	if err != nil {
		// Only a concurrent integrity failure gets here. The request must
		// not outlive the ticket that owns it.
		if t.NeedsAuthorization() {
			g.gate.Deny(ctx, t.RequestID, "governor", "admission aborted")
		}
		g.forget(t)
		return nil, admission(err)
	}

	g.telemetry.RecordAdmission(ctx, sub.Caller, level.String(), string(t.State))
	g.logger.InfoContext(ctx, "operation submitted",
		"ticket_id", t.ID,
		"caller", sub.Caller,
		"operation_kind", kind,
		"classified_level", classified.String(),
		"safety_level", level.String(),
		"requirement", requirement.String(),
		"state", t.State,
	)

	g.mu.Lock()
	defer g.mu.Unlock()
	return t.Clone(), nil
}

func (g *Governor) recordSubmission(ctx context.Context, t *ticket.Ticket, req authgate.Request) error {
	resources := make([]any, len(t.AffectedResources))
	for i, r := range t.AffectedResources {
		resources[i] = r
	}
	if _, err := g.appendEvent(ctx, eventlog.KindOperationSubmitted, t.ID, map[string]any{
		"caller":             t.Caller,
		"operation_kind":     t.OperationKind,
		"safety_level":       t.Level.String(),
		"requirement":        t.Requirement.String(),
		"affected_resources": resources,
		"content_hash":       t.ContentHash,
	}); err != nil {
		return err
	}
	if !t.NeedsAuthorization() {
		return nil
	}
	_, err := g.appendEvent(ctx, eventlog.KindAuthorizationRequested, t.ID, map[string]any{
		"request_id":     req.ID,
		"requirement":    req.Requirement.String(),
		"required_count": req.RequiredCount,
		"requester":      req.Requester,
		"justification":  req.Justification,
	})
	return err
}

func (g *Governor) takeRecordErr(requestID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.recordErrs[requestID]
	delete(g.recordErrs, requestID)
	return err
}

func (g *Governor) forget(t *ticket.Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tickets, t.ID)
	delete(g.byRequest, t.RequestID)
}

// onDecision mirrors gate state changes into the event log and the owning
// ticket. Requests not opened by this Governor are ignored.
func (g *Governor) onDecision(ctx context.Context, d authgate.Decision, r authgate.Request) {
	g.mu.Lock()
	ticketID, ok := g.byRequest[r.ID]
	t := g.tickets[ticketID]
	g.mu.Unlock()
	if !ok {
		return
	}
	observability.AddSpanEvent(ctx, "authorization."+strings.ToLower(string(d)),
		observability.AttrRequestID.String(r.ID),
		observability.AttrTicketID.String(ticketID),
		observability.AttrAuthzDecision.String(string(d)),
	)
	if d == authgate.DecisionRequested {
		if t == nil {
			return
		}
		if err := g.recordSubmission(ctx, t, r); err != nil {
			g.mu.Lock()
			g.recordErrs[r.ID] = err
			g.mu.Unlock()
		}
		return
	}

	var (
		kind    eventlog.Kind
		payload = map[string]any{"request_id": r.ID}
		next    ticket.State
	)
	switch d {
	case authgate.DecisionGranted:
		kind = eventlog.KindAuthorizationGranted
		payload["approver"] = r.Approvers[len(r.Approvers)-1]
		payload["approvals"] = len(r.Approvers)
		payload["required_count"] = r.RequiredCount
	case authgate.DecisionApproved:
		kind = eventlog.KindAuthorizationApproved
		approvers := make([]any, len(r.Approvers))
		for i, a := range r.Approvers {
			approvers[i] = a
		}
		payload["approvers"] = approvers
		next = ticket.StateAdmitted
	case authgate.DecisionDenied:
		kind = eventlog.KindAuthorizationDenied
		payload["denied_by"] = r.DeniedBy
		payload["reason"] = r.DenyReason
		next = ticket.StateRejected
	default:
		return
	}
	g.telemetry.RecordDecision(ctx, string(d), r.Level.String())

	if _, err := g.appendEvent(ctx, kind, ticketID, payload); err != nil {
		g.logger.ErrorContext(ctx, "authorization decision not recorded",
			"request_id", r.ID, "decision", d, "error", err)
	}
	if next == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok = g.tickets[ticketID]
	if !ok || t.State != ticket.StateAuthorizationPending {
		return
	}
	if err := t.Transition(next, g.clock()); err != nil {
		g.logger.ErrorContext(ctx, "ticket transition failed", "ticket_id", ticketID, "error", err)
	}
}

// PendingRequests lists authorization requests awaiting a decision, oldest
// first.
func (g *Governor) PendingRequests() []authgate.Request {
	return g.gate.Pending()
}

// Grant records identity's approval of a pending request. It returns false
// when the request is unknown or already decided, or while the Governor is
// halted.
func (g *Governor) Grant(ctx context.Context, requestID, identity string) (authgate.Request, bool) {
	ctx, finish := g.telemetry.TrackOperation(ctx, "governance.grant", observability.AttrRequestID.String(requestID))
	if g.Halted() {
		finish(ErrHalted)
		g.logger.WarnContext(ctx, "grant refused while halted", "request_id", requestID, "identity", identity)
		return authgate.Request{}, false
	}
	defer finish(nil)
	return g.gate.Grant(ctx, requestID, identity)
}

// Deny rejects a pending request. Same return contract as Grant.
func (g *Governor) Deny(ctx context.Context, requestID, identity, reason string) (authgate.Request, bool) {
	ctx, finish := g.telemetry.TrackOperation(ctx, "governance.deny", observability.AttrRequestID.String(requestID))
	if g.Halted() {
		finish(ErrHalted)
		g.logger.WarnContext(ctx, "deny refused while halted", "request_id", requestID, "identity", identity)
		return authgate.Request{}, false
	}
	defer finish(nil)
	return g.gate.Deny(ctx, requestID, identity, reason)
}

// Validate reports whether the ticket's operation may proceed.
func (g *Governor) Validate(ticketID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tickets[ticketID]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrTicketNotFound, ticketID)
	}
	return t.Validate(g.gate), nil
}

// Commit records that the caller executed the ticket's operation. The
// ticket must be authorized and not yet executed. With Reversible set, a
// rollback point is created at the current log length first, so Rollback
// can discard the commit event and everything after it.
func (g *Governor) Commit(ctx context.Context, ticketID string, spec CommitSpec) (_ eventlog.Event, err error) {
	ctx, finish := g.telemetry.TrackOperation(ctx, "governance.commit", observability.AttrTicketID.String(ticketID))
	defer func() { finish(err) }()

	if !spec.Kind.Valid() {
		return eventlog.Event{}, fmt.Errorf("%w: %q", eventlog.ErrUnknownKind, spec.Kind)
	}
	if _, err := json.Marshal(spec.Payload); err != nil {
		return eventlog.Event{}, fmt.Errorf("governance: commit payload: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[ticketID]
	if !ok {
		return eventlog.Event{}, fmt.Errorf("%w: %q", ErrTicketNotFound, ticketID)
	}
	if !t.Validate(g.gate) {
		return eventlog.Event{}, fmt.Errorf("%w: ticket %s is %s", ErrNotAuthorized, t.ID, t.State)
	}
	now := g.clock()
	if t.State == ticket.StateAuthorizationPending {
		// Approved at the gate; the decision handler has not run yet.
		if err := t.Transition(ticket.StateAdmitted, now); err != nil {
			return eventlog.Event{}, err
		}
	}
	if !t.State.CanTransition(ticket.StateExecuted) {
		return eventlog.Event{}, fmt.Errorf("%w: ticket %s is %s", ticket.ErrInvalidTransition, t.ID, t.State)
	}
	if err := g.checkIntegrity(ctx); err != nil {
		return eventlog.Event{}, err
	}

	rollbackID := ""
	if spec.Reversible {
		rollbackID = spec.RollbackID
		if rollbackID == "" {
			rollbackID = t.ID + "/pre-commit"
		}
		desc := spec.Description
		if desc == "" {
			desc = fmt.Sprintf("before %s commit of %s", t.OperationKind, t.ID)
		}
		if _, err := g.log.CreateRollbackPoint(rollbackID, desc, spec.Snapshot); err != nil {
			return eventlog.Event{}, err
		}
	}

	ev, err := g.log.Append(spec.Kind, t.ID, spec.Payload)
	if err != nil {
		return eventlog.Event{}, err
	}
	if err := t.Transition(ticket.StateExecuted, now); err != nil {
		return eventlog.Event{}, err
	}
	if rollbackID != "" {
		g.commitPoints[t.ID] = rollbackID
	}
	observability.AddSpanEvent(ctx, "ticket.executed", observability.TicketOperation(t.ID, t.OperationKind)...)

	g.logger.InfoContext(ctx, "operation committed",
		"ticket_id", t.ID,
		"event_kind", ev.Kind,
		"sequence_index", ev.Sequence,
		"rollback_point", rollbackID,
	)
	return ev, nil
}

// Confirm records that the caller's post-execution validation passed.
func (g *Governor) Confirm(ctx context.Context, ticketID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[ticketID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTicketNotFound, ticketID)
	}
	if err := t.Transition(ticket.StateValidated, g.clock()); err != nil {
		return err
	}
	g.logger.InfoContext(ctx, "operation validated", "ticket_id", t.ID)
	return nil
}

// Rollback truncates the log to rollbackID and marks the ticket ROLLED_BACK.
// An empty rollbackID selects the point created by the ticket's reversible
// commit. Events appended by other tickets after that point are discarded
// too. No event records the rollback itself, so the log length equals the
// point's recorded length afterwards.
func (g *Governor) Rollback(ctx context.Context, ticketID, rollbackID string) (err error) {
	ctx, finish := g.telemetry.TrackOperation(ctx, "governance.rollback", observability.AttrTicketID.String(ticketID))
	defer func() { finish(err) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[ticketID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTicketNotFound, ticketID)
	}
	if !t.State.CanTransition(ticket.StateRolledBack) {
		return fmt.Errorf("%w: ticket %s is %s", ticket.ErrInvalidTransition, t.ID, t.State)
	}
	if rollbackID == "" {
		rollbackID = g.commitPoints[t.ID]
		if rollbackID == "" {
			return fmt.Errorf("%w: ticket %s was committed without a rollback point", eventlog.ErrRollbackNotFound, t.ID)
		}
	}
	if _, ok := g.log.RollbackPoint(rollbackID); !ok {
		return fmt.Errorf("%w: %q", eventlog.ErrRollbackNotFound, rollbackID)
	}
	// Truncation rehashes the log; verify first so it cannot hide tampering.
	if err := g.checkIntegrity(ctx); err != nil {
		return err
	}
	before := g.log.Len()
	if !g.log.RollbackTo(rollbackID) {
		g.telemetry.RecordRollback(ctx, false)
		return fmt.Errorf("%w: %q lies beyond the current log", eventlog.ErrRollbackNotFound, rollbackID)
	}
	if err := t.Transition(ticket.StateRolledBack, g.clock()); err != nil {
		return err
	}
	g.telemetry.RecordRollback(ctx, true)
	observability.AddSpanEvent(ctx, "ticket.rolled_back",
		append(observability.TicketOperation(t.ID, t.OperationKind), observability.AttrRollbackOK.Bool(true))...)
	g.logger.InfoContext(ctx, "operation rolled back",
		"ticket_id", t.ID,
		"rollback_point", rollbackID,
		"discarded_events", before-g.log.Len(),
	)
	return nil
}

// Ticket returns a copy of a ticket.
func (g *Governor) Ticket(id string) (*ticket.Ticket, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tickets[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tickets returns copies of all tickets, oldest first.
func (g *Governor) Tickets() []*ticket.Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ticket.Ticket, 0, len(g.tickets))
	for _, t := range g.tickets {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Events returns the audit events with sequence index >= since.
func (g *Governor) Events(since int) []eventlog.Event {
	return g.log.EventsSince(since)
}

func (g *Governor) appendEvent(ctx context.Context, kind eventlog.Kind, ticketID string, payload map[string]any) (eventlog.Event, error) {
	// Append rehashes the whole log, which would launder an unsanctioned
	// mutation. Verify first.
	if err := g.checkIntegrity(ctx); err != nil {
		return eventlog.Event{}, err
	}
	return g.log.Append(kind, ticketID, payload)
}
