// Package authgate provides the Authorization Gate: threshold-counted,
// multi-party approval of operations before they take effect.
//
// A request is created PENDING with a required count of distinct approvers
// derived from its safety level. Grants accumulate with set semantics; the
// grant that reaches the count moves the request to APPROVED exactly once.
// A single deny moves it to DENIED. Both outcomes are terminal. Request ids
// are unique across all three states for the lifetime of the gate.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/oversight/pkg/safety"
)

var (
	ErrDuplicateRequest = errors.New("authgate: request id already exists")
	ErrInvalidRequest   = errors.New("authgate: invalid request")
)

// ExpiredReason is the deny reason recorded when a request times out.
const ExpiredReason = "expired"

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
)

// Decision names what happened to a request, for handlers.
type Decision string

const (
	DecisionRequested Decision = "REQUESTED"
	DecisionGranted   Decision = "GRANTED"
	DecisionApproved  Decision = "APPROVED"
	DecisionDenied    Decision = "DENIED"
)

// Request is a snapshot of an authorization request. Values handed out by
// the gate are copies.
type Request struct {
	ID            string             `json:"id"`
	OperationKind string             `json:"operation_kind"`
	Level         safety.Level       `json:"safety_level"`
	Requirement   safety.Requirement `json:"authorization_requirement"`
	RequiredCount int                `json:"required_count"`
	Requester     string             `json:"requester"`
	Justification string             `json:"justification,omitempty"`
	Approvers     []string           `json:"approvers"`
	Status        Status             `json:"status"`
	DeniedBy      string             `json:"denied_by,omitempty"`
	DenyReason    string             `json:"deny_reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	ExpiresAt     time.Time          `json:"expires_at,omitempty"`
	DecidedAt     time.Time          `json:"decided_at,omitempty"`
}

// Spec describes a new request. MinRequirement can make the request
// stricter than its level implies (this is how EXTERNAL is reached); a
// weaker value is ignored.
type Spec struct {
	ID             string
	OperationKind  string
	Level          safety.Level
	Requester      string
	Justification  string
	MinRequirement safety.Requirement
}

// DecisionHandler observes every state change. It runs after the gate's
// lock is released and must not block.
type DecisionHandler func(ctx context.Context, d Decision, r Request)

type entry struct {
	req       Request
	approvers map[string]struct{}
}

func (e *entry) snapshot() Request {
	r := e.req
	r.Approvers = append([]string(nil), e.req.Approvers...)
	return r
}

// Gate holds pending, approved and denied requests. All state changes are
// serialized by one mutex, so two grants racing past the threshold yield
// exactly one APPROVED transition and no lost grant.
//
// Handlers see decisions in the order they happened across all callers:
// deliverMu is taken before mu and held until the handlers return. A
// handler may read the gate but must not call Request, Grant, Deny or
// ExpireStale.
type Gate struct {
	deliverMu sync.Mutex
	mu        sync.Mutex
	pending   map[string]*entry
	approved  map[string]*entry
	denied    map[string]*entry
	timeout   time.Duration
	clock     func() time.Time
	handlers  []DecisionHandler
	logger    *slog.Logger
}

// New creates an empty gate. Requests never expire unless WithTimeout is set.
func New() *Gate {
	return &Gate{
		pending:  make(map[string]*entry),
		approved: make(map[string]*entry),
		denied:   make(map[string]*entry),
		clock:    time.Now,
		logger:   slog.Default().With("component", "authgate"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithTimeout makes new requests expire after d. Zero disables expiry.
func (g *Gate) WithTimeout(d time.Duration) *Gate {
	g.timeout = d
	return g
}

// WithLogger replaces the structured logger.
func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	g.logger = logger.With("component", "authgate")
	return g
}

// OnDecision registers a handler for request state changes.
func (g *Gate) OnDecision(h DecisionHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
}

type notification struct {
	d Decision
	r Request
}

func (g *Gate) notify(ctx context.Context, handlers []DecisionHandler, ns []notification) {
	for _, n := range ns {
		for _, h := range handlers {
			h(ctx, n.d, n.r)
		}
	}
}

func (g *Gate) known(id string) bool {
	_, p := g.pending[id]
	_, a := g.approved[id]
	_, d := g.denied[id]
	return p || a || d
}

// Request opens a PENDING authorization request. The requirement comes
// from the fixed level mapping. A duplicate id is rejected before any
// state changes. A request whose requirement needs no approvers is
// approved on creation.
func (g *Gate) Request(ctx context.Context, spec Spec) (Request, error) {
	if spec.ID == "" {
		return Request{}, fmt.Errorf("%w: empty id", ErrInvalidRequest)
	}
	if !spec.Level.Valid() {
		return Request{}, fmt.Errorf("%w: safety level %s", ErrInvalidRequest, spec.Level)
	}

	req := safety.RequirementFor(spec.Level)
	if spec.MinRequirement.Valid() && spec.MinRequirement > req {
		req = spec.MinRequirement
	}

	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	g.mu.Lock()
	if g.known(spec.ID) {
		g.mu.Unlock()
		return Request{}, fmt.Errorf("%w: %q", ErrDuplicateRequest, spec.ID)
	}

	now := g.clock()
	e := &entry{
		req: Request{
			ID:            spec.ID,
			OperationKind: spec.OperationKind,
			Level:         spec.Level,
			Requirement:   req,
			RequiredCount: req.RequiredApprovals(),
			Requester:     spec.Requester,
			Justification: spec.Justification,
			Approvers:     []string{},
			Status:        StatusPending,
			CreatedAt:     now,
		},
		approvers: make(map[string]struct{}),
	}
	if g.timeout > 0 {
		e.req.ExpiresAt = now.Add(g.timeout)
	}

	ns := []notification{{DecisionRequested, Request{}}}
	if e.req.RequiredCount == 0 {
		e.req.Status = StatusApproved
		e.req.DecidedAt = now
		g.approved[spec.ID] = e
		ns = append(ns, notification{DecisionApproved, Request{}})
	} else {
		g.pending[spec.ID] = e
	}
	out := e.snapshot()
	for i := range ns {
		ns[i].r = out
	}
	handlers := g.handlers
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "authorization requested",
		"request_id", out.ID,
		"operation_kind", out.OperationKind,
		"safety_level", out.Level.String(),
		"requirement", out.Requirement.String(),
		"required_count", out.RequiredCount,
	)
	g.notify(ctx, handlers, ns)
	return out, nil
}

// Grant records identity's approval. It returns false when id is not
// pending (unknown, already decided, or just expired) or identity is
// empty; that is an expected outcome when approvers race, not an error.
// Granting twice as the same identity counts once.
func (g *Gate) Grant(ctx context.Context, id, identity string) (Request, bool) {
	if identity == "" {
		return Request{}, false
	}

	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	g.mu.Lock()
	e, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		g.logger.DebugContext(ctx, "grant on request that is not pending", "request_id", id, "identity", identity)
		return Request{}, false
	}
	now := g.clock()
	if g.expiredLocked(e, now) {
		expired := g.denyLocked(e, "", ExpiredReason, now)
		handlers := g.handlers
		g.mu.Unlock()
		g.notify(ctx, handlers, []notification{{DecisionDenied, expired}})
		return Request{}, false
	}

	var ns []notification
	if _, dup := e.approvers[identity]; !dup {
		e.approvers[identity] = struct{}{}
		e.req.Approvers = append(e.req.Approvers, identity)
		ns = append(ns, notification{DecisionGranted, e.snapshot()})

		if len(e.approvers) >= e.req.RequiredCount {
			e.req.Status = StatusApproved
			e.req.DecidedAt = now
			delete(g.pending, id)
			g.approved[id] = e
			ns = append(ns, notification{DecisionApproved, e.snapshot()})
		}
	}
	out := e.snapshot()
	handlers := g.handlers
	g.mu.Unlock()

	if out.Status == StatusApproved {
		g.logger.InfoContext(ctx, "authorization approved", "request_id", id, "approvers", out.Approvers)
	} else {
		g.logger.InfoContext(ctx, "authorization granted",
			"request_id", id, "identity", identity,
			"approvals", len(out.Approvers), "required_count", out.RequiredCount)
	}
	g.notify(ctx, handlers, ns)
	return out, true
}

// Deny moves a pending request to DENIED. It returns false when id is not
// pending.
func (g *Gate) Deny(ctx context.Context, id, identity, reason string) (Request, bool) {
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	g.mu.Lock()
	e, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		g.logger.DebugContext(ctx, "deny on request that is not pending", "request_id", id, "identity", identity)
		return Request{}, false
	}
	out := g.denyLocked(e, identity, reason, g.clock())
	handlers := g.handlers
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "authorization denied", "request_id", id, "identity", identity, "reason", reason)
	g.notify(ctx, handlers, []notification{{DecisionDenied, out}})
	return out, true
}

func (g *Gate) expiredLocked(e *entry, now time.Time) bool {
	return !e.req.ExpiresAt.IsZero() && now.After(e.req.ExpiresAt)
}

func (g *Gate) denyLocked(e *entry, identity, reason string, now time.Time) Request {
	e.req.Status = StatusDenied
	e.req.DeniedBy = identity
	e.req.DenyReason = reason
	e.req.DecidedAt = now
	delete(g.pending, e.req.ID)
	g.denied[e.req.ID] = e
	return e.snapshot()
}

// ExpireStale denies every pending request past its deadline and returns
// them.
func (g *Gate) ExpireStale(ctx context.Context) []Request {
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	g.mu.Lock()
	now := g.clock()
	var expired []Request
	for _, e := range g.pending {
		if g.expiredLocked(e, now) {
			expired = append(expired, g.denyLocked(e, "", ExpiredReason, now))
		}
	}
	handlers := g.handlers
	g.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	ns := make([]notification, 0, len(expired))
	for _, r := range expired {
		g.logger.InfoContext(ctx, "authorization expired", "request_id", r.ID)
		ns = append(ns, notification{DecisionDenied, r})
	}
	g.notify(ctx, handlers, ns)
	return expired
}

// IsAuthorized reports whether id has been approved.
func (g *Gate) IsAuthorized(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.approved[id]
	return ok
}

// Get returns any known request by id.
func (g *Gate) Get(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, set := range []map[string]*entry{g.pending, g.approved, g.denied} {
		if e, ok := set[id]; ok {
			return e.snapshot(), true
		}
	}
	return Request{}, false
}

// Pending lists all PENDING requests, oldest first, for review queues.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Request, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCount returns the number of pending requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
