package ipc

import (
	"time"

	"foreman/internal/daemon"
	"foreman/internal/queue"
	"foreman/internal/session"
)

// WorkItem is the wire representation of a queue item.
type WorkItem struct {
	ID          string     `json:"id"`
	Payload     string     `json:"payload"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RequeuedAt  *time.Time `json:"requeued_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Result      string     `json:"result,omitempty"`
}

// SessionInfo is the wire representation of an agent session.
type SessionInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CurrentItem   string    `json:"current_item,omitempty"`
}

// AddParams enqueues a new work item.
type AddParams struct {
	Payload  string `json:"payload"`
	Priority string `json:"priority,omitempty"`
}

// DequeueParams claims the next pending item for a session.
type DequeueParams struct {
	SessionID string `json:"session_id"`
}

// StatusParams looks up a single work item.
type StatusParams struct {
	ID string `json:"id"`
}

// ListParams filters the queue listing; empty States means all items.
type ListParams struct {
	States []string `json:"states,omitempty"`
}

// ClearParams selects which non-active states to remove; empty means all of
// pending, completed, and failed.
type ClearParams struct {
	States []string `json:"states,omitempty"`
}

// RegisterParams creates a session; an empty SessionID asks the daemon to
// generate one.
type RegisterParams struct {
	SessionID string `json:"session_id,omitempty"`
}

// HeartbeatParams refreshes a session's liveness timestamp.
type HeartbeatParams struct {
	SessionID string `json:"session_id"`
}

// CompleteParams reports the outcome of an item held by a session.
type CompleteParams struct {
	SessionID string `json:"session_id"`
	ItemID    string `json:"item_id"`
	Result    string `json:"result,omitempty"`
	Success   bool   `json:"success"`
}

// SessionParams addresses a single session.
type SessionParams struct {
	SessionID string `json:"session_id"`
}

// ItemResult wraps a single work item; Item is null when a dequeue found the
// queue empty.
type ItemResult struct {
	Item *WorkItem `json:"item"`
}

// ItemsResult wraps a queue listing in dequeue order.
type ItemsResult struct {
	Items []WorkItem `json:"items"`
}

// ClearResult reports how many items were removed.
type ClearResult struct {
	Removed int64 `json:"removed"`
}

// SessionResult wraps a single session.
type SessionResult struct {
	Session SessionInfo `json:"session"`
}

// SessionsResult wraps a session listing ordered by id.
type SessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// HealthResult reports aggregated queue counts.
type HealthResult struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// DaemonStatusResult reports daemon runtime information.
type DaemonStatusResult struct {
	Running   bool           `json:"running"`
	PID       int            `json:"pid"`
	StorePath string         `json:"store_path"`
	LockPath  string         `json:"lock_path"`
	Queue     map[string]int `json:"queue"`
	Sessions  int            `json:"sessions"`
}

func itemDTO(item *queue.Item) *WorkItem {
	if item == nil {
		return nil
	}
	return &WorkItem{
		ID:          item.ID,
		Payload:     item.Payload,
		Priority:    string(item.Priority),
		Status:      string(item.Status),
		ClaimedBy:   item.ClaimedBy,
		CreatedAt:   item.CreatedAt,
		ClaimedAt:   item.ClaimedAt,
		CompletedAt: item.CompletedAt,
		RequeuedAt:  item.RequeuedAt,
		RetryCount:  item.RetryCount,
		Result:      item.Result,
	}
}

func sessionDTO(sess *session.Session) SessionInfo {
	return SessionInfo{
		ID:            sess.ID,
		State:         string(sess.State),
		RegisteredAt:  sess.RegisteredAt,
		LastHeartbeat: sess.LastHeartbeat,
		CurrentItem:   sess.CurrentItem,
	}
}

func statusDTO(status daemon.Status) DaemonStatusResult {
	counts := make(map[string]int, len(status.QueueStats))
	for state, n := range status.QueueStats {
		counts[string(state)] = n
	}
	return DaemonStatusResult{
		Running:   status.Running,
		PID:       status.PID,
		StorePath: status.StorePath,
		LockPath:  status.LockPath,
		Queue:     counts,
		Sessions:  status.Sessions,
	}
}
