// Package logging constructs the slog loggers used across the daemon and CLI.
//
// It provides console ("pretty") and JSON handlers, typed attribute helpers,
// a no-op logger for tests, and the standardized field keys (component,
// event_type, error_hint) that keep daemon log lines greppable.
//
// Always build loggers through this package so every subsystem emits the same
// timestamp format, level labels, and key=value attribute layout.
package logging
