package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore implements domain.StateStore in memory for testing.
type memStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saveErr error
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (m *memStore) Load(name string, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return false, m.loadErr
	}
	data, ok := m.docs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (m *memStore) Save(name string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.docs[name] = data
	return nil
}

func acceptAll(ctx context.Context, item OutboxItem) SendOutcome { return SendAccepted }
func rejectAll(ctx context.Context, item OutboxItem) SendOutcome { return SendRetry }

func TestOutbox_EnqueueAndFlushRemovesAccepted(t *testing.T) {
	store := newMemStore()
	o := NewOutbox("test", 0, store, zap.NewNop())

	o.Enqueue("a", "", json.RawMessage(`{"n":1}`), 0, time.Now())
	o.Enqueue("b", "", json.RawMessage(`{"n":2}`), 0, time.Now())
	require.Equal(t, 2, o.Pending())

	o.Flush(context.Background(), acceptAll)

	assert.Equal(t, 0, o.Pending())
	assert.Equal(t, 2, o.Delivered())
}

func TestOutbox_DedupWithinWindow(t *testing.T) {
	o := NewOutbox("test", 0, newMemStore(), zap.NewNop())
	now := time.Now()

	id1, outcome1 := o.Enqueue("first", "child|extra_time|", nil, 2*time.Minute, now)
	id2, outcome2 := o.Enqueue("second", "child|extra_time|", nil, 2*time.Minute, now.Add(30*time.Second))

	assert.Equal(t, Enqueued, outcome1)
	assert.Equal(t, Deduped, outcome2)
	assert.Equal(t, id1, id2, "dedup returns the existing item's id")
	assert.Equal(t, 1, o.Pending())
}

func TestOutbox_DedupWindowExpires(t *testing.T) {
	o := NewOutbox("test", 0, newMemStore(), zap.NewNop())
	now := time.Now()

	_, outcome1 := o.Enqueue("first", "k", nil, 2*time.Minute, now)
	_, outcome2 := o.Enqueue("second", "k", nil, 2*time.Minute, now.Add(3*time.Minute))

	assert.Equal(t, Enqueued, outcome1)
	assert.Equal(t, Enqueued, outcome2)
	assert.Equal(t, 2, o.Pending())
}

func TestOutbox_BackoffBoundedAndNonDecreasing(t *testing.T) {
	o := NewOutbox("test", 0, newMemStore(), zap.NewNop())
	o.Enqueue("a", "", nil, 0, time.Now().Add(-time.Minute))

	var prevDelay time.Duration
	for i := 0; i < 8; i++ {
		// Force the item due, then fail the delivery.
		items := o.Items()
		require.Len(t, items, 1)
		o.mu.Lock()
		o.items[0].NextAttemptAt = time.Now().Add(-time.Second)
		o.mu.Unlock()

		before := time.Now()
		o.Flush(context.Background(), rejectAll)

		items = o.Items()
		require.Len(t, items, 1)
		delay := items[0].NextAttemptAt.Sub(before)

		assert.LessOrEqual(t, delay, 61*time.Second, "attempt %d", i)
		assert.GreaterOrEqual(t, delay+time.Second, prevDelay, "backoff must not decrease (attempt %d)", i)
		prevDelay = delay
	}

	assert.Equal(t, 8, o.Items()[0].AttemptCount)
}

func TestBackoffFor_Schedule(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffFor(1))
	assert.Equal(t, 10*time.Second, backoffFor(2))
	assert.Equal(t, 20*time.Second, backoffFor(3))
	assert.Equal(t, 40*time.Second, backoffFor(4))
	assert.Equal(t, 60*time.Second, backoffFor(5))
	assert.Equal(t, 60*time.Second, backoffFor(20))
}

func TestOutbox_CapEvictsOldestFirst(t *testing.T) {
	o := NewOutbox("test", 3, newMemStore(), zap.NewNop())
	now := time.Now()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		o.Enqueue(id, "", nil, 0, now)
	}

	items := o.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[0].ID)
	assert.Equal(t, "e", items[2].ID)
}

func TestOutbox_FlushSkipsNotYetDue(t *testing.T) {
	o := NewOutbox("test", 0, newMemStore(), zap.NewNop())
	o.Enqueue("due", "", nil, 0, time.Now().Add(-time.Minute))
	o.Enqueue("later", "", nil, 0, time.Now())

	o.mu.Lock()
	o.items[1].NextAttemptAt = time.Now().Add(time.Hour)
	o.mu.Unlock()

	o.Flush(context.Background(), acceptAll)

	items := o.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "later", items[0].ID)
}

func TestOutbox_PersistsAcrossReload(t *testing.T) {
	store := newMemStore()

	o := NewOutbox("test", 0, store, zap.NewNop())
	o.Enqueue("a", "", json.RawMessage(`{"x":true}`), 0, time.Now())

	reloaded := NewOutbox("test", 0, store, zap.NewNop())
	assert.Equal(t, 1, reloaded.Pending())
	assert.Equal(t, "a", reloaded.Items()[0].ID)
}

func TestOutbox_CorruptStateStartsEmpty(t *testing.T) {
	store := newMemStore()
	store.docs["test"] = []byte("{not json")

	o := NewOutbox("test", 0, store, zap.NewNop())
	assert.Equal(t, 0, o.Pending())
}

func TestOutbox_PersistFailureSwallowed(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")

	o := NewOutbox("test", 0, store, zap.NewNop())
	_, outcome := o.Enqueue("a", "", nil, 0, time.Now())

	assert.Equal(t, Enqueued, outcome, "a failed persist must not fail the enqueue")
	assert.Equal(t, 1, o.Pending())
}

func TestOutbox_FlushFailureSurfacesViaTelemetry(t *testing.T) {
	o := NewOutbox("test", 0, newMemStore(), zap.NewNop())
	o.Enqueue("a", "", nil, 0, time.Now().Add(-time.Second))

	o.Flush(context.Background(), rejectAll)

	assert.NotEmpty(t, o.LastError())
	assert.Equal(t, 0, o.Delivered())
}
