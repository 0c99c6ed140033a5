// Package monitor runs the liveness sweep that detects dead sessions.
//
// A single background loop wakes every sweep interval, asks the session
// registry to expire sessions whose heartbeats lapsed, and relies on the
// registry to reassign any work they held. Sweep errors are logged and the
// loop keeps running; the next tick retries.
package monitor
