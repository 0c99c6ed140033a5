// Package daemon composes the queue manager, session registry, and liveness
// monitor into one controllable unit and enforces single-instance execution
// with a file lock. The IPC server talks to the rest of the system through
// this type only.
package daemon
