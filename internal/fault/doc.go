// Package fault defines the classified errors shared by the queue manager,
// session registry, and RPC boundary.
//
// Domain code wraps failures with one of the exported sentinel markers; the
// RPC server maps the marker to a structured error kind on the wire without
// string matching. Errors carrying no marker are reported as internal.
package fault
