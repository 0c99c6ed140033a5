// Package session tracks registered agent sessions and their liveness.
//
// The Registry owns all Session records in memory, serializes mutations
// through one mutex, and writes every change through the queue store before
// acknowledging it. Compound operations that touch both a session and a work
// item (claim, complete, expiry) always take the registry lock before calling
// into the queue manager; that fixed order is the repo-wide deadlock rule.
//
// Sessions never survive a daemon restart: the registry purges persisted
// records at startup and liveness re-derives from fresh heartbeats. Only the
// liveness monitor transitions a session to dead.
package session
