// Package usecase contains application business logic.
package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/domain"
)

// Backoff bounds for failed outbox deliveries.
const (
	outboxBaseBackoff = 5 * time.Second
	outboxMaxBackoff  = 60 * time.Second
)

// EnqueueOutcome reports whether an enqueue stored a new item or collapsed
// onto an existing one.
type EnqueueOutcome string

const (
	Enqueued EnqueueOutcome = "enqueued"
	Deduped  EnqueueOutcome = "deduped"
)

// SendOutcome is the transport verdict for one delivery attempt.
type SendOutcome int

const (
	// SendAccepted means the server took the item (2xx) or already had it
	// (409 duplicate). The item is removed either way.
	SendAccepted SendOutcome = iota
	// SendRetry covers every other failure: network, parse, non-2xx.
	SendRetry
)

// Sender delivers one item. It must not panic; any error condition is
// expressed as SendRetry.
type Sender func(ctx context.Context, item OutboxItem) SendOutcome

// OutboxItem is one queued payload with its retry state.
type OutboxItem struct {
	ID            string          `json:"id"`
	Key           string          `json:"key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	AttemptCount  int             `json:"attemptCount"`
}

// Outbox is a durable at-least-once delivery queue. Items are flushed in
// insertion order with capped exponential backoff per item; every mutation
// is followed by a best-effort full-state overwrite of the backing store.
//
// The zero value is not usable; construct with NewOutbox. All methods are
// safe for concurrent use: the orchestrator flushes while enforcement or
// request-handling code enqueues.
type Outbox struct {
	mu       sync.Mutex
	name     string
	items    []OutboxItem
	store    domain.StateStore
	logger   *zap.Logger
	maxItems int // 0 means unbounded

	delivered int
	lastErr   string
}

// NewOutbox creates an outbox backed by the named store document and loads
// any previously persisted queue. A missing or corrupt document starts the
// queue empty.
func NewOutbox(name string, maxItems int, store domain.StateStore, logger *zap.Logger) *Outbox {
	o := &Outbox{
		name:     name,
		store:    store,
		logger:   logger,
		maxItems: maxItems,
	}

	var items []OutboxItem
	if ok, err := store.Load(name, &items); err != nil {
		logger.Warn("outbox state unreadable, starting empty",
			zap.String("outbox", name),
			zap.Error(err))
	} else if ok {
		o.items = items
	}

	return o
}

// Enqueue appends a payload. When dedupKey is non-empty and an item with the
// same key was enqueued within the dedup window, the existing item's ID is
// returned with outcome Deduped and nothing is stored.
func (o *Outbox) Enqueue(id, dedupKey string, payload json.RawMessage, dedupWindow time.Duration, now time.Time) (string, EnqueueOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if dedupKey != "" {
		for _, existing := range o.items {
			if existing.Key == dedupKey && now.Sub(existing.EnqueuedAt) < dedupWindow {
				return existing.ID, Deduped
			}
		}
	}

	o.items = append(o.items, OutboxItem{
		ID:            id,
		Key:           dedupKey,
		Payload:       payload,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	})

	// Bounded instances evict oldest-first so bursty failures cannot grow
	// the queue unbounded. The oldest unsent diagnostics are the cost.
	if o.maxItems > 0 && len(o.items) > o.maxItems {
		excess := len(o.items) - o.maxItems
		o.items = append([]OutboxItem(nil), o.items[excess:]...)
	}

	o.persistLocked()
	return id, Enqueued
}

// Flush attempts delivery of every due item in insertion order. Failures are
// swallowed: the item's attempt count grows and its next attempt moves out
// by capped exponential backoff. Flush never returns an error.
func (o *Outbox) Flush(ctx context.Context, send Sender) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) == 0 {
		return
	}

	now := time.Now()
	remaining := o.items[:0]
	mutated := false

	for _, item := range o.items {
		if now.Before(item.NextAttemptAt) {
			remaining = append(remaining, item)
			continue
		}

		switch send(ctx, item) {
		case SendAccepted:
			o.delivered++
			mutated = true
		default:
			item.AttemptCount++
			item.NextAttemptAt = now.Add(backoffFor(item.AttemptCount))
			o.lastErr = "delivery failed for " + item.ID
			remaining = append(remaining, item)
			mutated = true
		}
	}

	o.items = remaining
	if mutated {
		o.persistLocked()
	}
}

// backoffFor returns min(60s, 5s * 2^(attempts-1)).
func backoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := outboxBaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= outboxMaxBackoff {
			return outboxMaxBackoff
		}
	}
	if d > outboxMaxBackoff {
		return outboxMaxBackoff
	}
	return d
}

// Pending returns the queued item count.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Delivered returns how many items have been confirmed accepted.
func (o *Outbox) Delivered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delivered
}

// LastError returns a description of the most recent delivery failure, or
// empty when none has occurred.
func (o *Outbox) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Items returns a copy of the queue, oldest first.
func (o *Outbox) Items() []OutboxItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxItem, len(o.items))
	copy(out, o.items)
	return out
}

// persistLocked writes the whole queue to the store. A failed write is
// logged and swallowed: this queue carries diagnostics and UX data, so
// durability is best-effort rather than guaranteed.
func (o *Outbox) persistLocked() {
	if err := o.store.Save(o.name, o.items); err != nil {
		o.logger.Warn("outbox persist failed",
			zap.String("outbox", o.name),
			zap.Error(err))
	}
}
