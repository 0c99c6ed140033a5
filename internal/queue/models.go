package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a work item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusActive,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority orders work items ahead of arrival time.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority converts a string into a known Priority. An empty value
// parses as PriorityNormal.
func ParsePriority(value string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return PriorityNormal, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityNormal:
		return PriorityNormal, true
	case PriorityLow:
		return PriorityLow, true
	default:
		return "", false
	}
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// ExhaustedResult is the synthetic result stored when an item fails because
// its retry budget ran out.
const ExhaustedResult = "retries exhausted after dead-session reassignment"

// Item represents a unit of enqueued work.
type Item struct {
	ID          string
	Seq         int64
	Payload     string
	Priority    Priority
	Status      Status
	ClaimedBy   string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	RequeuedAt  *time.Time
	RetryCount  int
	Result      string
}

// Clone returns a deep copy so callers cannot mutate manager-owned state.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	cp := *i
	cp.ClaimedAt = cloneTime(i.ClaimedAt)
	cp.CompletedAt = cloneTime(i.CompletedAt)
	cp.RequeuedAt = cloneTime(i.RequeuedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// effectiveAt is the FIFO tiebreaker within a priority band: reassigned items
// queue behind first-attempt items because their requeue time replaces the
// original arrival time in the ordering, while created_at itself is preserved.
func (i *Item) effectiveAt() time.Time {
	if i.RequeuedAt != nil {
		return *i.RequeuedAt
	}
	return i.CreatedAt
}

// Less defines dequeue order: priority band first, then effective arrival
// time, then insertion sequence for stable ordering at equal timestamps.
func (i *Item) Less(other *Item) bool {
	if pr, po := i.Priority.rank(), other.Priority.rank(); pr != po {
		return pr < po
	}
	if a, b := i.effectiveAt(), other.effectiveAt(); !a.Equal(b) {
		return a.Before(b)
	}
	return i.Seq < other.Seq
}

// HealthSummary describes aggregated queue counts per lifecycle state.
type HealthSummary struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
}
