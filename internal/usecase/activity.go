package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/domain"
)

// activityOutboxCap bounds the activity queue so bursty local failures lose
// the oldest unsent diagnostics instead of growing disk without bound.
const activityOutboxCap = 500

// ActivityOutbox queues locally generated activity events for at-least-once
// delivery. It performs no dedup of its own: callers are responsible for not
// enqueuing semantically duplicate events (the orchestrator's edge triggers
// do exactly that).
type ActivityOutbox struct {
	queue  *Outbox
	logger *zap.Logger
}

// NewActivityOutbox loads or creates the activity queue.
func NewActivityOutbox(store domain.StateStore, logger *zap.Logger) *ActivityOutbox {
	return &ActivityOutbox{
		queue:  NewOutbox("activity_outbox", activityOutboxCap, store, logger),
		logger: logger,
	}
}

// Emit queues one event. A missing event ID is filled in here so call sites
// can stay terse.
func (a *ActivityOutbox) Emit(ev domain.ActivityEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Warn("activity event not serializable", zap.String("kind", ev.Kind), zap.Error(err))
		return
	}

	a.queue.Enqueue(ev.EventID, "", payload, 0, time.Now())
	a.logger.Debug("activity event queued",
		zap.String("kind", ev.Kind),
		zap.String("event_id", ev.EventID))
}

// FlushAndSync delivers due events through the control plane. Never returns
// an error; failures surface only via the telemetry accessors.
func (a *ActivityOutbox) FlushAndSync(ctx context.Context, cp domain.ControlPlane) {
	a.queue.Flush(ctx, func(ctx context.Context, item OutboxItem) SendOutcome {
		var ev domain.ActivityEvent
		if err := json.Unmarshal(item.Payload, &ev); err != nil {
			// Unreadable payload can never succeed; drop it.
			a.logger.Warn("dropping corrupt activity item", zap.String("id", item.ID))
			return SendAccepted
		}

		if err := cp.PostActivity(ctx, ev); err != nil {
			return SendRetry
		}
		return SendAccepted
	})
}

// Pending returns the queued event count.
func (a *ActivityOutbox) Pending() int { return a.queue.Pending() }

// LastError returns the most recent delivery failure description.
func (a *ActivityOutbox) LastError() string { return a.queue.LastError() }
