// Package eventlog implements the append-only audit log that every governed
// operation writes to.
//
// The log keeps a single digest over the entire ordered sequence and
// recomputes it on every mutation. It is not a hash chain and not a Merkle
// tree: verification is O(n) and only Append and RollbackTo may change the
// sequence. Any other change is reported by Verify as an integrity violation.
package eventlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownKind         = errors.New("eventlog: unknown event kind")
	ErrRollbackPointExists = errors.New("eventlog: rollback point already exists")
	ErrInvalidRollbackID   = errors.New("eventlog: rollback point id must not be empty")
	ErrRollbackNotFound    = errors.New("eventlog: rollback point not found")
	ErrIntegrityViolation  = errors.New("eventlog: integrity violation")
)

// Handler is called after each successful append.
type Handler func(Event)

// Log is an append-only ordered sequence of events with named rollback
// points. Append, CreateRollbackPoint and RollbackTo run under one writer
// lock, so sequence indices are assigned without gaps or duplicates and a
// rollback never interleaves with an append.
type Log struct {
	mu       sync.RWMutex
	events   []Event
	points   map[string]RollbackPoint
	logHash  string
	clock    func() time.Time
	handlers []Handler
	logger   *slog.Logger
}

// New creates an empty log.
func New() *Log {
	l := &Log{
		events: make([]Event, 0),
		points: make(map[string]RollbackPoint),
		clock:  time.Now,
		logger: slog.Default().With("component", "eventlog"),
	}
	// The empty sequence always hashes.
	l.logHash, _ = computeLogHash(l.events)
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	return l
}

// WithLogger replaces the structured logger.
func (l *Log) WithLogger(logger *slog.Logger) *Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger.With("component", "eventlog")
	return l
}

// AddHandler registers a handler for new events.
func (l *Log) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append assigns the next sequence index, stores the event and recomputes
// the log hash. It fails only for an unknown kind or a payload that cannot
// be serialized.
func (l *Log) Append(kind Kind, ticketID string, payload map[string]any) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	e := Event{
		Sequence:  len(l.events),
		Kind:      kind,
		Payload:   normalized,
		TicketID:  ticketID,
		Timestamp: l.clock().UTC(),
	}
	e.ContentHash, err = contentHash(&e)
	if err != nil {
		l.mu.Unlock()
		return Event{}, err
	}

	l.events = append(l.events, e)
	newHash, err := computeLogHash(l.events)
	if err != nil {
		l.events = l.events[:len(l.events)-1]
		l.mu.Unlock()
		return Event{}, err
	}
	l.logHash = newHash
	handlers := l.handlers
	l.mu.Unlock()

	out := e.clone()
	for _, h := range handlers {
		h(out.clone())
	}
	return out, nil
}

// CreateRollbackPoint records the current length under id. The snapshot is
// opaque to the log and returned unchanged to whoever reads the point.
func (l *Log) CreateRollbackPoint(id, description string, snapshot any) (RollbackPoint, error) {
	if id == "" {
		return RollbackPoint{}, ErrInvalidRollbackID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.points[id]; exists {
		return RollbackPoint{}, fmt.Errorf("%w: %q", ErrRollbackPointExists, id)
	}
	p := RollbackPoint{
		ID:          id,
		Length:      len(l.events),
		Description: description,
		Snapshot:    snapshot,
		CreatedAt:   l.clock().UTC(),
	}
	l.points[id] = p
	l.logger.Debug("rollback point created", "id", id, "length", p.Length)
	return p, nil
}

// RollbackTo truncates the log to the length recorded at id and recomputes
// the hash. It returns false, leaving the log unchanged, when id is unknown
// or when the point records a length beyond the current one (a point made
// on history an earlier rollback already discarded).
func (l *Log) RollbackTo(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.points[id]
	if !ok {
		return false
	}
	if p.Length > len(l.events) {
		l.logger.Warn("rollback point is orphaned", "id", id, "recorded_length", p.Length, "length", len(l.events))
		return false
	}

	truncated := l.events[:p.Length:p.Length]
	newHash, err := computeLogHash(truncated)
	if err != nil {
		// Every stored event hashed on append; this cannot fail short of
		// memory exhaustion.
		l.logger.Error("rollback hash failed", "id", id, "error", err)
		return false
	}
	dropped := len(l.events) - p.Length
	l.events = truncated
	l.logHash = newHash
	l.logger.Info("log rolled back", "id", id, "length", p.Length, "dropped", dropped)
	return true
}

// Verify recomputes every content hash and the whole-log hash. It returns
// an error wrapping ErrIntegrityViolation describing the first mismatch.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifySequence(l.events, l.logHash)
}

// VerifyIntegrity reports whether the stored log hash still matches the
// current sequence.
func (l *Log) VerifyIntegrity() bool {
	return l.Verify() == nil
}

func verifySequence(events []Event, logHash string) error {
	for i := range events {
		e := &events[i]
		if e.Sequence != i {
			return fmt.Errorf("%w: event %d has sequence_index %d", ErrIntegrityViolation, i, e.Sequence)
		}
		computed, err := contentHash(e)
		if err != nil {
			return fmt.Errorf("%w: event %d: %w", ErrIntegrityViolation, i, err)
		}
		if computed != e.ContentHash {
			return fmt.Errorf("%w: event %d content hash mismatch (computed %s, stored %s)",
				ErrIntegrityViolation, i, computed, e.ContentHash)
		}
	}
	computed, err := computeLogHash(events)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrityViolation, err)
	}
	if computed != logHash {
		return fmt.Errorf("%w: log hash mismatch (computed %s, stored %s)", ErrIntegrityViolation, computed, logHash)
	}
	return nil
}

// EventsSince returns copies of all events with sequence index >= index.
func (l *Log) EventsSince(index int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 {
		index = 0
	}
	if index >= len(l.events) {
		return []Event{}
	}
	out := make([]Event, 0, len(l.events)-index)
	for _, e := range l.events[index:] {
		out = append(out, e.clone())
	}
	return out
}

// Event returns a copy of the event at index.
func (l *Log) Event(index int) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.events) {
		return Event{}, false
	}
	return l.events[index].clone(), true
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Hash returns the stored log hash.
func (l *Log) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logHash
}

// RollbackPoint looks up a point by id.
func (l *Log) RollbackPoint(id string) (RollbackPoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.points[id]
	return p, ok
}

// RollbackPoints lists every point, orphaned ones included, sorted by id.
func (l *Log) RollbackPoints() []RollbackPoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]RollbackPoint, 0, len(l.points))
	for _, p := range l.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
