// Package ipc implements the JSON RPC protocol between foreman clients and
// the daemon over a unix domain socket.
//
// Each request is a single JSON object {"method", "params", "id"}; each
// response carries the same id plus either "result" or "error". A connection
// may send any number of requests in sequence; requests on one connection are
// answered in order, while connections are served concurrently.
package ipc
