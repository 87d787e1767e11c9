package usecase

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/domain"
)

const (
	// requestDedupWindow collapses repeated identical asks: a child mashing
	// the "ask for more time" button produces one pending request.
	requestDedupWindow = 2 * time.Minute

	// recentRequestsCap bounds the reconciled status list. It exists for
	// local UX and telemetry only, never as a durability source.
	recentRequestsCap = 50
)

// RequestOutbox queues access requests for idempotent delivery and keeps a
// bounded list of recent server-side request statuses.
type RequestOutbox struct {
	queue  *Outbox
	store  domain.StateStore
	logger *zap.Logger

	mu     sync.Mutex
	recent []domain.AccessRequest
}

// NewRequestOutbox loads or creates the request queue and its recent list.
func NewRequestOutbox(store domain.StateStore, logger *zap.Logger) *RequestOutbox {
	r := &RequestOutbox{
		queue:  NewOutbox("request_outbox", 0, store, logger),
		store:  store,
		logger: logger,
	}

	var recent []domain.AccessRequest
	if ok, err := store.Load("request_recent", &recent); err != nil {
		logger.Warn("recent requests unreadable, starting empty", zap.Error(err))
	} else if ok {
		r.recent = recent
	}

	return r
}

// Submit queues a new access request. Two submissions with the same
// (childId, type, target) within the dedup window collapse to one: the
// second caller gets the first request's ID and outcome Deduped.
func (r *RequestOutbox) Submit(req domain.AccessRequest) (string, EnqueueOutcome) {
	now := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.Status = domain.RequestPending

	payload, err := json.Marshal(req)
	if err != nil {
		r.logger.Warn("access request not serializable", zap.Error(err))
		return req.RequestID, Enqueued
	}

	key := req.ChildID + "|" + string(req.Type) + "|" + req.Target
	id, outcome := r.queue.Enqueue(req.RequestID, key, payload, requestDedupWindow, now)
	if outcome == Deduped {
		r.logger.Info("access request deduped",
			zap.String("existing_id", id),
			zap.String("target", req.Target))
	}
	return id, outcome
}

// FlushAndSync delivers due requests. The client-chosen request ID makes the
// create call idempotent server-side, so a retried delivery can never create
// a second request. Never returns an error.
func (r *RequestOutbox) FlushAndSync(ctx context.Context, cp domain.ControlPlane) {
	r.queue.Flush(ctx, func(ctx context.Context, item OutboxItem) SendOutcome {
		var req domain.AccessRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			r.logger.Warn("dropping corrupt request item", zap.String("id", item.ID))
			return SendAccepted
		}

		if err := cp.CreateRequest(ctx, req); err != nil {
			return SendRetry
		}
		return SendAccepted
	})
}

// SyncStatuses pulls server-side request truth and upserts it into the
// bounded recent list. Read path only; failures are swallowed.
func (r *RequestOutbox) SyncStatuses(ctx context.Context, cp domain.ControlPlane) {
	reqs, err := cp.ListRequests(ctx)
	if err != nil {
		r.logger.Debug("request status sync skipped", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byID := make(map[string]int, len(r.recent))
	for i, existing := range r.recent {
		byID[existing.RequestID] = i
	}
	for _, req := range reqs {
		if i, ok := byID[req.RequestID]; ok {
			r.recent[i] = req
		} else {
			r.recent = append(r.recent, req)
		}
	}

	sort.Slice(r.recent, func(i, j int) bool {
		return r.recent[i].CreatedAt.After(r.recent[j].CreatedAt)
	})
	if len(r.recent) > recentRequestsCap {
		r.recent = append([]domain.AccessRequest(nil), r.recent[:recentRequestsCap]...)
	}

	if err := r.store.Save("request_recent", r.recent); err != nil {
		r.logger.Warn("recent requests persist failed", zap.Error(err))
	}
}

// Recent returns a copy of the reconciled status list, newest first.
func (r *RequestOutbox) Recent() []domain.AccessRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AccessRequest, len(r.recent))
	copy(out, r.recent)
	return out
}

// Pending returns the queued request count.
func (r *RequestOutbox) Pending() int { return r.queue.Pending() }

// LastError returns the most recent delivery failure description.
func (r *RequestOutbox) LastError() string { return r.queue.LastError() }
