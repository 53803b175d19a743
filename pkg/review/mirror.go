// Package review mirrors the authorization gate's pending queue into Redis
// so that human reviewers' tooling can list open requests and subscribe to
// decisions without access to the governing process.
//
// The mirror is write-only and best effort: the gate remains the source of
// truth, and decisions are never read back from Redis.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/oversight/pkg/authgate"
)

const (
	DefaultPendingKey = "oversight:review:pending"
	DefaultChannel    = "oversight:review:decisions"
	defaultQueueSize  = 256
)

// Client is the subset of *redis.Client the mirror uses.
type Client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Message is what subscribers on the decisions channel receive.
type Message struct {
	Decision authgate.Decision `json:"decision"`
	Request  authgate.Request  `json:"request"`
}

// Mirror applies gate decisions to Redis on a background worker.
type Mirror struct {
	client     Client
	pendingKey string
	channel    string
	logger     *slog.Logger

	mu      sync.Mutex
	queue   chan Message
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewMirror creates a mirror writing through client.
func NewMirror(client Client) *Mirror {
	return &Mirror{
		client:     client,
		pendingKey: DefaultPendingKey,
		channel:    DefaultChannel,
		logger:     slog.Default().With("component", "review"),
		queue:      make(chan Message, defaultQueueSize),
		done:       make(chan struct{}),
	}
}

// NewRedisMirror connects to addr.
func NewRedisMirror(addr, password string, db int) (*Mirror, *redis.Client) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewMirror(rdb), rdb
}

// WithKeys overrides the hash key and the pub/sub channel.
func (m *Mirror) WithKeys(pendingKey, channel string) *Mirror {
	m.pendingKey = pendingKey
	m.channel = channel
	return m
}

// Handle is an authgate.DecisionHandler. It never blocks: when the queue is
// full the update is dropped and counted.
func (m *Mirror) Handle(_ context.Context, d authgate.Decision, r authgate.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- Message{Decision: d, Request: r}:
	default:
		m.dropped.Add(1)
		m.logger.Warn("review mirror queue full, update dropped", "request_id", r.ID, "decision", d)
	}
}

// Dropped returns how many updates were lost to a full queue.
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Start runs the worker until Close.
func (m *Mirror) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		for msg := range m.queue {
			if err := m.apply(ctx, msg); err != nil {
				m.logger.WarnContext(ctx, "review mirror update failed",
					"request_id", msg.Request.ID, "decision", msg.Decision, "error", err)
			}
		}
	}()
}

// Close drains the queue and waits for the worker. Start must have been
// called.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	<-m.done
}

func (m *Mirror) apply(ctx context.Context, msg Message) error {
	switch msg.Decision {
	case authgate.DecisionRequested, authgate.DecisionGranted:
		raw, err := json.Marshal(msg.Request)
		if err != nil {
			return fmt.Errorf("review: encode request: %w", err)
		}
		if err := m.client.HSet(ctx, m.pendingKey, msg.Request.ID, string(raw)).Err(); err != nil {
			return fmt.Errorf("review: hset: %w", err)
		}
	case authgate.DecisionApproved, authgate.DecisionDenied:
		if err := m.client.HDel(ctx, m.pendingKey, msg.Request.ID).Err(); err != nil {
			return fmt.Errorf("review: hdel: %w", err)
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("review: encode message: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, string(raw)).Err(); err != nil {
		return fmt.Errorf("review: publish: %w", err)
	}
	return nil
}

// Sync replaces the mirrored queue with pending, e.g. after a restart.
func (m *Mirror) Sync(ctx context.Context, pending []authgate.Request) error {
	if err := m.client.Del(ctx, m.pendingKey).Err(); err != nil {
		return fmt.Errorf("review: reset: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	values := make([]interface{}, 0, 2*len(pending))
	for _, r := range pending {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("review: encode request: %w", err)
		}
		values = append(values, r.ID, string(raw))
	}
	if err := m.client.HSet(ctx, m.pendingKey, values...).Err(); err != nil {
		return fmt.Errorf("review: hset: %w", err)
	}
	return nil
}
