package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/oversight/pkg/canonicalize"
)

// Event is an immutable record in the log. Only Log.Append creates one.
type Event struct {
	Sequence    int            `json:"sequence_index"`
	Kind        Kind           `json:"kind"`
	Payload     map[string]any `json:"payload"`
	TicketID    string         `json:"causal_ticket_id"`
	Timestamp   time.Time      `json:"timestamp"`
	ContentHash string         `json:"content_hash"`
}

// RollbackPoint marks a log length that RollbackTo can truncate back to.
type RollbackPoint struct {
	ID          string    `json:"id"`
	Length      int       `json:"recorded_length"`
	Description string    `json:"description"`
	Snapshot    any       `json:"snapshot,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// contentHash digests every field of e except the hash itself.
func contentHash(e *Event) (string, error) {
	if err := canonicalize.CheckNumbers(e.Payload); err != nil {
		return "", fmt.Errorf("eventlog: payload: %w", err)
	}
	hashable := struct {
		Sequence  int            `json:"sequence_index"`
		Kind      Kind           `json:"kind"`
		Payload   map[string]any `json:"payload"`
		TicketID  string         `json:"causal_ticket_id"`
		Timestamp time.Time      `json:"timestamp"`
	}{e.Sequence, e.Kind, e.Payload, e.TicketID, e.Timestamp}

	h, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("eventlog: content hash: %w", err)
	}
	return h, nil
}

// computeLogHash digests the whole ordered sequence. It is deliberately
// not incremental: every call is O(n) in the log length.
func computeLogHash(events []Event) (string, error) {
	if events == nil {
		events = []Event{}
	}
	h, err := canonicalize.CanonicalHash(events)
	if err != nil {
		return "", fmt.Errorf("eventlog: log hash: %w", err)
	}
	return h, nil
}

// normalizePayload detaches the payload from the caller and reduces it to
// the JSON value space, so the stored form is exactly what gets hashed.
// Numbers are kept as canonical json.Number; an integer that a double
// cannot hold exactly is rejected.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("eventlog: payload not serializable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("eventlog: payload decode: %w", err)
	}
	c, err := canonicalize.Numbers(out)
	if err != nil {
		return nil, fmt.Errorf("eventlog: payload: %w", err)
	}
	return c.(map[string]any), nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}

func (e Event) clone() Event {
	if e.Payload != nil {
		e.Payload = cloneValue(e.Payload).(map[string]any)
	}
	return e
}
