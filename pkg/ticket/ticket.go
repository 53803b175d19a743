// Package ticket defines the Operation Ticket: the admission object that
// binds a proposed operation to its safety level, its authorization
// requirement and its decision state.
//
// A ticket does not execute anything. Its holder asks Validate whether the
// operation may proceed, performs the effect itself, and reports back
// through the governance layer.
package ticket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/oversight/pkg/canonicalize"
	"github.com/Mindburn-Labs/oversight/pkg/safety"
)

// ErrMalformedKind is returned for operation kinds that are empty, too long
// or contain characters outside the kind alphabet.
var ErrMalformedKind = errors.New("ticket: malformed operation kind")

const maxKindLength = 128

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_.:/-]*$`)

// NormalizeKind returns the canonical form of an operation kind: NFC,
// trimmed and lower-cased. Two spellings that normalize equally are the
// same kind for classification and audit.
func NormalizeKind(kind string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(norm.NFC.String(kind)))
	if k == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformedKind)
	}
	if len(k) > maxKindLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrMalformedKind, maxKindLength)
	}
	if !kindPattern.MatchString(k) {
		return "", fmt.Errorf("%w: %q", ErrMalformedKind, k)
	}
	return k, nil
}

// Authorizer answers whether an authorization request has been approved.
// *authgate.Gate satisfies it.
type Authorizer interface {
	IsAuthorized(requestID string) bool
}

// Spec describes an operation being submitted.
type Spec struct {
	Caller            string
	OperationKind     string
	Level             safety.Level
	Requirement       safety.Requirement
	Payload           map[string]any
	AffectedResources []string
	Flags             map[string]any
}

// Ticket is an admitted or pending operation. The fields covered by
// ContentHash never change after New; only State and UpdatedAt move.
type Ticket struct {
	ID                string             `json:"id"`
	Caller            string             `json:"caller"`
	OperationKind     string             `json:"operation_kind"`
	Level             safety.Level       `json:"safety_level"`
	Requirement       safety.Requirement `json:"authorization_requirement"`
	RequestID         string             `json:"request_id"`
	Payload           map[string]any     `json:"payload"`
	AffectedResources []string           `json:"affected_resources"`
	Flags             map[string]any     `json:"flags,omitempty"`
	State             State              `json:"decision_state"`
	ContentHash       string             `json:"content_hash"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// hashedFields is the immutable part of a ticket.
type hashedFields struct {
	ID                string             `json:"id"`
	Caller            string             `json:"caller"`
	OperationKind     string             `json:"operation_kind"`
	Level             safety.Level       `json:"safety_level"`
	Requirement       safety.Requirement `json:"authorization_requirement"`
	RequestID         string             `json:"request_id"`
	Payload           map[string]any     `json:"payload"`
	AffectedResources []string           `json:"affected_resources"`
	Flags             map[string]any     `json:"flags"`
	CreatedAt         time.Time          `json:"created_at"`
}

// New builds a CREATED ticket with fresh ticket and request ids. The kind is
// normalized and the payload, resources and flags are detached from the
// caller's values.
func New(spec Spec, now time.Time) (*Ticket, error) {
	kind, err := NormalizeKind(spec.OperationKind)
	if err != nil {
		return nil, err
	}
	if !spec.Level.Valid() {
		return nil, fmt.Errorf("ticket: invalid safety level %s", spec.Level)
	}
	if !spec.Requirement.Valid() {
		return nil, fmt.Errorf("ticket: invalid authorization requirement %s", spec.Requirement)
	}
	payload, err := detach(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("ticket: payload: %w", err)
	}
	flags, err := detach(spec.Flags)
	if err != nil {
		return nil, fmt.Errorf("ticket: flags: %w", err)
	}
	resources := append([]string{}, spec.AffectedResources...)

	t := &Ticket{
		ID:                uuid.NewString(),
		Caller:            spec.Caller,
		OperationKind:     kind,
		Level:             spec.Level,
		Requirement:       spec.Requirement,
		RequestID:         uuid.NewString(),
		Payload:           payload,
		AffectedResources: resources,
		Flags:             flags,
		State:             StateCreated,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}
	if t.ContentHash, err = t.computeHash(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Ticket) computeHash() (string, error) {
	if err := canonicalize.CheckNumbers(t.Payload); err != nil {
		return "", fmt.Errorf("ticket: payload: %w", err)
	}
	if err := canonicalize.CheckNumbers(t.Flags); err != nil {
		return "", fmt.Errorf("ticket: flags: %w", err)
	}
	h, err := canonicalize.CanonicalHash(hashedFields{
		ID:                t.ID,
		Caller:            t.Caller,
		OperationKind:     t.OperationKind,
		Level:             t.Level,
		Requirement:       t.Requirement,
		RequestID:         t.RequestID,
		Payload:           t.Payload,
		AffectedResources: t.AffectedResources,
		Flags:             t.Flags,
		CreatedAt:         t.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("ticket: content hash: %w", err)
	}
	return h, nil
}

// VerifyHash reports whether the immutable fields still match ContentHash.
func (t *Ticket) VerifyHash() bool {
	h, err := t.computeHash()
	return err == nil && h == t.ContentHash
}

// NeedsAuthorization reports whether an authorization request gates the
// ticket.
func (t *Ticket) NeedsAuthorization() bool {
	return t.Requirement != safety.RequirementNone
}

// Validate is true iff the requirement is NONE or the linked authorization
// request has been approved. It has no side effects.
func (t *Ticket) Validate(a Authorizer) bool {
	if !t.NeedsAuthorization() {
		return true
	}
	return a != nil && a.IsAuthorized(t.RequestID)
}

// Transition moves the ticket to next, or returns ErrInvalidTransition.
func (t *Ticket) Transition(next State, now time.Time) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
	}
	t.State = next
	t.UpdatedAt = now.UTC()
	return nil
}

// Admit performs the first transition out of CREATED: straight to ADMITTED
// when no authorization is needed, otherwise to AUTHORIZATION_PENDING.
func (t *Ticket) Admit(now time.Time) error {
	if t.NeedsAuthorization() {
		return t.Transition(StateAuthorizationPending, now)
	}
	return t.Transition(StateAdmitted, now)
}

// Clone returns a deep copy.
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.Payload = cloneMap(t.Payload)
	c.Flags = cloneMap(t.Flags)
	c.AffectedResources = append([]string{}, t.AffectedResources...)
	return &c
}

// detach round-trips m through JSON so the ticket holds plain JSON values
// that the caller can no longer reach. A nil map becomes empty.
func detach(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	c, err := canonicalize.Numbers(out)
	if err != nil {
		return nil, err
	}
	return c.(map[string]any), nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
