package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/fault"
	"foreman/internal/logging"
	"foreman/internal/queue"
)

// Registry owns session records and the compound session<->queue operations.
type Registry struct {
	mu      sync.Mutex
	store   *queue.Store
	manager *queue.Manager
	logger  *slog.Logger

	sessions map[string]*Session
}

// NewRegistry builds an empty registry and purges session rows left by a
// previous daemon instance: a restarted daemon treats all prior sessions as
// unregistered.
func NewRegistry(ctx context.Context, store *queue.Store, manager *queue.Manager, logger *slog.Logger) (*Registry, error) {
	if store == nil || manager == nil {
		return nil, fmt.Errorf("session registry requires store and queue manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	purged, err := store.PurgeSessions(ctx)
	if err != nil {
		return nil, err
	}
	reg := &Registry{
		store:    store,
		manager:  manager,
		logger:   logging.WithComponent(logger, "session"),
		sessions: make(map[string]*Session),
	}
	if purged > 0 {
		reg.logger.Info("discarded stale session records from previous run",
			logging.Int64("purged_count", purged))
	}
	return reg, nil
}

// Register creates a session. When id is empty a new one is generated. An id
// that is already registered and not dead is rejected.
func (r *Registry) Register(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := r.sessions[id]; ok && existing.State != StateDead {
		return nil, fault.New(fault.ErrAlreadyRegistered, "session %q", id)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:            id,
		State:         StateIdle,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := r.store.UpsertSession(ctx, record(sess)); err != nil {
		return nil, err
	}
	r.sessions[id] = sess

	r.logger.Info("session registered",
		logging.String(logging.FieldEventType, "session_register"),
		logging.String(logging.FieldSessionID, id))
	return sess.Clone(), nil
}

// Heartbeat refreshes a session's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.aliveLocked(id)
	if err != nil {
		return nil, err
	}

	updated := sess.Clone()
	updated.LastHeartbeat = time.Now().UTC()
	if err := r.store.UpsertSession(ctx, record(updated)); err != nil {
		return nil, err
	}
	r.sessions[id] = updated
	return updated.Clone(), nil
}

// Claim dequeues the next pending work item for the session. It returns nil
// when the queue has nothing pending. A session already holding an item may
// not claim a second one.
func (r *Registry) Claim(ctx context.Context, id string) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.aliveLocked(id)
	if err != nil {
		return nil, err
	}
	if sess.CurrentItem != "" {
		return nil, fault.New(fault.ErrInvalidTransition,
			"session %q already holds item %q", id, sess.CurrentItem)
	}

	item, err := r.manager.Dequeue(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	updated := sess.Clone()
	updated.State = StateActive
	updated.CurrentItem = item.ID
	updated.LastHeartbeat = time.Now().UTC()
	if err := r.store.UpsertSession(ctx, record(updated)); err != nil {
		// Undo the claim so the error response leaves no observable change.
		if relErr := r.manager.ReleaseClaim(ctx, item.ID, id); relErr != nil {
			r.logger.Error("claim rollback failed; item will recover via liveness sweep",
				logging.Error(relErr),
				logging.String(logging.FieldItemID, item.ID),
				logging.String(logging.FieldSessionID, id))
		}
		return nil, err
	}
	r.sessions[id] = updated
	return item, nil
}

// CompleteItem validates that the session holds the item, finishes it through
// the queue manager, and returns the session to idle.
func (r *Registry) CompleteItem(ctx context.Context, id, itemID, result string, success bool) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.aliveLocked(id)
	if err != nil {
		return nil, err
	}
	if sess.CurrentItem != itemID {
		return nil, fault.New(fault.ErrInvalidTransition,
			"session %q does not hold item %q", id, itemID)
	}

	item, err := r.manager.Complete(ctx, itemID, result, success)
	if err != nil {
		return nil, err
	}

	// The item is already in a terminal state; the session must return to
	// idle even if its diagnostic row cannot be persisted.
	updated := sess.Clone()
	updated.State = StateIdle
	updated.CurrentItem = ""
	updated.LastHeartbeat = time.Now().UTC()
	if err := r.store.UpsertSession(ctx, record(updated)); err != nil {
		r.logger.Warn("persist session after completion failed",
			logging.Error(err),
			logging.String(logging.FieldSessionID, id))
	}
	r.sessions[id] = updated

	r.logger.Info("session completed item",
		logging.String(logging.FieldEventType, "session_complete"),
		logging.String(logging.FieldSessionID, id),
		logging.String(logging.FieldItemID, itemID),
		logging.Bool("success", success))
	return item, nil
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fault.New(fault.ErrNotFound, "session %q", id)
	}
	return sess.Clone(), nil
}

// List returns snapshots of all sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess.Clone())
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// ExpireDead declares every session silent for longer than timeout dead and
// reassigns its claimed item. It returns the sessions transitioned this call.
// This is the only path that sets StateDead. Storage failures leave the
// session untouched so the next sweep retries it.
func (r *Registry) ExpireDead(ctx context.Context, now time.Time, timeout time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Session
	for _, sess := range r.sessions {
		if sess.State == StateDead {
			continue
		}
		if now.Sub(sess.LastHeartbeat) <= timeout {
			continue
		}

		if sess.CurrentItem != "" {
			if _, err := r.manager.Reassign(ctx, sess.CurrentItem); err != nil {
				// The item may already have moved on; only storage failures
				// are worth deferring to the next sweep.
				if errors.Is(err, fault.ErrStorage) {
					r.logger.Warn("reassign failed during sweep; will retry",
						logging.Error(err),
						logging.String(logging.FieldSessionID, sess.ID),
						logging.String(logging.FieldItemID, sess.CurrentItem),
						logging.String(logging.FieldErrorHint, "check queue database access"))
					continue
				}
			}
		}

		updated := sess.Clone()
		updated.State = StateDead
		updated.CurrentItem = ""
		if err := r.store.UpsertSession(ctx, record(updated)); err != nil {
			r.logger.Warn("persist dead session failed; will retry",
				logging.Error(err),
				logging.String(logging.FieldSessionID, sess.ID))
			continue
		}
		r.sessions[sess.ID] = updated
		expired = append(expired, updated.Clone())

		r.logger.Warn("session declared dead",
			logging.String(logging.FieldEventType, "session_dead"),
			logging.String(logging.FieldSessionID, sess.ID),
			logging.Duration("heartbeat_age", now.Sub(sess.LastHeartbeat)))
	}
	return expired
}

func (r *Registry) aliveLocked(id string) (*Session, error) {
	sess, ok := r.sessions[id]
	if !ok || sess.State == StateDead {
		return nil, fault.New(fault.ErrUnknownSession, "session %q", id)
	}
	return sess, nil
}

func record(sess *Session) queue.SessionRecord {
	return queue.SessionRecord{
		ID:            sess.ID,
		Status:        string(sess.State),
		RegisteredAt:  sess.RegisteredAt,
		LastHeartbeat: sess.LastHeartbeat,
		CurrentItem:   sess.CurrentItem,
	}
}
