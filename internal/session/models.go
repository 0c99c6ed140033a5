package session

import "time"

// State represents the lifecycle of a session.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateDead   State = "dead"
)

// Session is a registered agent connection.
type Session struct {
	ID            string
	State         State
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	CurrentItem   string
}

// Clone returns a copy so callers cannot mutate registry-owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
