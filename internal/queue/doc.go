// Package queue owns work items, their state machine, and queue persistence.
//
// The Manager is the authoritative in-memory view of all work items: it
// assigns ids, selects the next pending item (priority strictly dominates
// arrival order, reassigned items fall to the back of their priority band),
// and enforces the pending -> active -> {completed, failed} transitions. Every
// mutation is written through the SQLite-backed Store before it becomes
// visible, so a daemon restart reconstructs the exact acknowledged state.
//
// The database is durability only; live queries never touch it. Treat this
// package as the single source of truth for queue semantics.
package queue
