package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"foreman/internal/fault"
	"foreman/internal/logging"
)

// Manager owns the authoritative in-memory set of work items. All mutations
// are serialized through a single mutex and written through the Store before
// they become observable, so an error response always means "nothing changed".
type Manager struct {
	mu      sync.Mutex
	store   *Store
	logger  *slog.Logger
	maxTry  int
	items   map[string]*Item
	nextSeq int64
}

// NewManager loads the persisted queue into memory and recovers items that
// were active when a previous daemon instance stopped: their sessions are
// gone after a restart, so they re-enter the queue through the reassignment
// path with retry accounting intact.
func NewManager(ctx context.Context, store *Store, logger *slog.Logger, maxRetries int) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("queue manager requires a store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		store:  store,
		logger: logging.WithComponent(logger, "queue"),
		maxTry: maxRetries,
		items:  make(map[string]*Item),
	}

	loaded, err := store.LoadItems(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range loaded {
		m.items[item.ID] = item
		if item.Seq >= m.nextSeq {
			m.nextSeq = item.Seq + 1
		}
	}

	for _, item := range loaded {
		if item.Status != StatusActive {
			continue
		}
		recovered, err := m.reassignLocked(ctx, item)
		if err != nil {
			return nil, err
		}
		m.logger.Info("recovered orphaned item after restart",
			logging.String(logging.FieldItemID, recovered.ID),
			logging.String("status", string(recovered.Status)),
			logging.Int("retry_count", recovered.RetryCount))
	}
	return m, nil
}

// MaxRetries returns the configured reassignment budget.
func (m *Manager) MaxRetries() int {
	return m.maxTry
}

// Add creates a work item in pending state and returns a snapshot of it.
func (m *Manager) Add(ctx context.Context, payload string, priority Priority) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &Item{
		ID:        fmt.Sprintf("q-%d", m.nextSeq+1),
		Seq:       m.nextSeq + 1,
		Payload:   payload,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.UpsertItem(ctx, item); err != nil {
		return nil, err
	}
	m.nextSeq = item.Seq
	m.items[item.ID] = item

	m.logger.Info("work item enqueued",
		logging.String(logging.FieldEventType, "queue_add"),
		logging.String(logging.FieldItemID, item.ID),
		logging.String("priority", string(item.Priority)))
	return item.Clone(), nil
}

// Dequeue claims the highest-priority pending item for the given session.
// It returns nil when no pending item exists; an empty queue is not an error.
func (m *Manager) Dequeue(ctx context.Context, sessionID string) (*Item, error) {
	if sessionID == "" {
		return nil, fault.New(fault.ErrValidation, "session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var next *Item
	for _, item := range m.items {
		if item.Status != StatusPending {
			continue
		}
		if next == nil || item.Less(next) {
			next = item
		}
	}
	if next == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	updated := next.Clone()
	updated.Status = StatusActive
	updated.ClaimedBy = sessionID
	updated.ClaimedAt = &now
	if err := m.store.UpsertItem(ctx, updated); err != nil {
		return nil, err
	}
	m.items[updated.ID] = updated

	m.logger.Info("work item claimed",
		logging.String(logging.FieldEventType, "queue_dequeue"),
		logging.String(logging.FieldItemID, updated.ID),
		logging.String(logging.FieldSessionID, sessionID))
	return updated.Clone(), nil
}

// Get returns a snapshot of the item with the given id.
func (m *Manager) Get(id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, fault.New(fault.ErrNotFound, "work item %q", id)
	}
	return item.Clone(), nil
}

// List returns snapshots filtered by status (all items when no status is
// given), ordered by priority then effective arrival time to match dequeue
// order.
func (m *Manager) List(statuses ...Status) []*Item {
	filter := make(map[Status]struct{}, len(statuses))
	for _, status := range statuses {
		filter[status] = struct{}{}
	}

	m.mu.Lock()
	items := make([]*Item, 0, len(m.items))
	for _, item := range m.items {
		if len(filter) > 0 {
			if _, ok := filter[item.Status]; !ok {
				continue
			}
		}
		items = append(items, item.Clone())
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Less(items[j]) })
	return items
}

// Complete finishes an active item with the caller-provided result. The
// success flag selects the completed or failed terminal state.
func (m *Manager) Complete(ctx context.Context, id, result string, success bool) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, fault.New(fault.ErrNotFound, "work item %q", id)
	}
	if item.Status != StatusActive {
		return nil, fault.New(fault.ErrInvalidTransition, "cannot complete item %q in state %q", id, item.Status)
	}

	now := time.Now().UTC()
	updated := item.Clone()
	if success {
		updated.Status = StatusCompleted
	} else {
		updated.Status = StatusFailed
	}
	updated.Result = result
	updated.ClaimedBy = ""
	updated.CompletedAt = &now
	if err := m.store.UpsertItem(ctx, updated); err != nil {
		return nil, err
	}
	m.items[id] = updated

	m.logger.Info("work item finished",
		logging.String(logging.FieldEventType, "queue_complete"),
		logging.String(logging.FieldItemID, id),
		logging.String("status", string(updated.Status)))
	return updated.Clone(), nil
}

// Reassign returns a dead session's active item to the pending pool, or fails
// it permanently once the retry budget is spent. Only the liveness monitor
// (and startup recovery) calls this.
func (m *Manager) Reassign(ctx context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, fault.New(fault.ErrNotFound, "work item %q", id)
	}
	if item.Status != StatusActive {
		return nil, fault.New(fault.ErrInvalidTransition, "cannot reassign item %q in state %q", id, item.Status)
	}
	return m.reassignLocked(ctx, item)
}

func (m *Manager) reassignLocked(ctx context.Context, item *Item) (*Item, error) {
	now := time.Now().UTC()
	updated := item.Clone()
	updated.ClaimedBy = ""
	updated.ClaimedAt = nil

	if updated.RetryCount < m.maxTry {
		updated.RetryCount++
		updated.Status = StatusPending
		updated.RequeuedAt = &now
	} else {
		updated.Status = StatusFailed
		updated.Result = ExhaustedResult
		updated.CompletedAt = &now
	}

	if err := m.store.UpsertItem(ctx, updated); err != nil {
		return nil, err
	}
	m.items[updated.ID] = updated

	m.logger.Info("work item reassigned",
		logging.String(logging.FieldEventType, "queue_reassign"),
		logging.String(logging.FieldItemID, updated.ID),
		logging.String("status", string(updated.Status)),
		logging.Int("retry_count", updated.RetryCount))
	return updated.Clone(), nil
}

// ReleaseClaim undoes a claim whose compound registration could not be
// persisted: the item returns to pending with its original ordering and no
// retry charge. It requires the item to still be held by sessionID.
func (m *Manager) ReleaseClaim(ctx context.Context, id, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return fault.New(fault.ErrNotFound, "work item %q", id)
	}
	if item.Status != StatusActive || item.ClaimedBy != sessionID {
		return fault.New(fault.ErrInvalidTransition,
			"item %q is not held by session %q", id, sessionID)
	}

	updated := item.Clone()
	updated.Status = StatusPending
	updated.ClaimedBy = ""
	updated.ClaimedAt = nil
	if err := m.store.UpsertItem(ctx, updated); err != nil {
		return err
	}
	m.items[id] = updated
	return nil
}

// Clear removes terminal and pending items in the given states and reports
// how many were deleted. Active items are never cleared so session claims
// stay consistent; with no statuses it clears everything except active items.
func (m *Manager) Clear(ctx context.Context, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusPending, StatusCompleted, StatusFailed}
	}
	for _, status := range statuses {
		if status == StatusActive {
			return 0, fault.New(fault.ErrInvalidTransition, "active items cannot be cleared")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.store.DeleteItemsByStatus(ctx, statuses...)
	if err != nil {
		return 0, err
	}
	drop := make(map[Status]struct{}, len(statuses))
	for _, status := range statuses {
		drop[status] = struct{}{}
	}
	for id, item := range m.items {
		if _, ok := drop[item.Status]; ok {
			delete(m.items, id)
		}
	}

	m.logger.Info("queue cleared",
		logging.String(logging.FieldEventType, "queue_clear"),
		logging.Int64("removed_count", removed))
	return removed, nil
}

// Stats returns a count of items grouped by status.
func (m *Manager) Stats() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[Status]int)
	for _, item := range m.items {
		stats[item.Status]++
	}
	return stats
}

// Health aggregates queue state for diagnostic output.
func (m *Manager) Health() HealthSummary {
	stats := m.Stats()
	return HealthSummary{
		Total:     stats[StatusPending] + stats[StatusActive] + stats[StatusCompleted] + stats[StatusFailed],
		Pending:   stats[StatusPending],
		Active:    stats[StatusActive],
		Completed: stats[StatusCompleted],
		Failed:    stats[StatusFailed],
	}
}
