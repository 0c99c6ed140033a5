package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"foreman/internal/daemon"
	"foreman/internal/fault"
	"foreman/internal/logging"
	"foreman/internal/queue"
)

// handlerFunc processes one decoded request's params and returns the result
// payload or a classified error.
type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server accepts RPC connections on a unix domain socket and dispatches
// requests to the daemon.
type Server struct {
	path     string
	daemon   *daemon.Daemon
	logger   *slog.Logger
	handlers map[string]handlerFunc

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer builds a server bound to the given socket path.
func NewServer(path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if path == "" {
		return nil, errors.New("socket path is required")
	}
	if d == nil {
		return nil, errors.New("ipc server requires a daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		path:   path,
		daemon: d,
		logger: logging.WithComponent(logger, "ipc"),
	}
	s.handlers = map[string]handlerFunc{
		"queue.add":             s.handleQueueAdd,
		"queue.dequeue":         s.handleQueueDequeue,
		"queue.status":          s.handleQueueStatus,
		"queue.list":            s.handleQueueList,
		"queue.health":          s.handleQueueHealth,
		"queue.clear":           s.handleQueueClear,
		"queue.clear_completed": s.handleQueueClearCompleted,
		"queue.clear_failed":    s.handleQueueClearFailed,
		"session.register":      s.handleSessionRegister,
		"session.heartbeat":     s.handleSessionHeartbeat,
		"session.complete":      s.handleSessionComplete,
		"session.get":           s.handleSessionGet,
		"session.list":          s.handleSessionList,
		"daemon.status":         s.handleDaemonStatus,
	}
	return s, nil
}

// Start binds the socket and begins serving connections in the background.
// A stale socket file from a previous run is removed before binding.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("ipc server already started")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(runCtx, listener)

	s.logger.Info("ipc server listening", logging.String("socket", s.path))
	return nil
}

// Stop closes the listener and all open connections, waits for in-flight
// handlers, and removes the socket file. Clients idling between requests do
// not hold up shutdown.
func (s *Server) Stop() {
	s.mu.Lock()
	listener := s.listener
	cancel := s.cancel
	s.listener = nil
	s.cancel = nil
	s.mu.Unlock()

	if listener == nil {
		return
	}
	cancel()
	listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()

	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket file", logging.Error(err))
	}
	s.logger.Info("ipc server stopped")
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.path
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", logging.Error(err))
			continue
		}
		if !s.trackConn(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forgetConn(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// trackConn registers an accepted connection so Stop can close it. It reports
// false once shutdown has begun.
func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) forgetConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// serveConn answers requests from one connection in order until the client
// hangs up or sends bytes the decoder cannot recover from.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		if ctx.Err() != nil {
			return
		}
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			// A type error leaves the decoder in sync with the stream, so the
			// connection can keep serving. Syntax and io errors cannot be
			// recovered from; report and drop the connection without
			// disturbing other clients.
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				if !s.writeResponse(enc, errorResponse(req.ID, fault.KindParseError, fmt.Sprintf("malformed request: %v", err))) {
					return
				}
				continue
			}
			s.writeError(enc, nil, fault.KindParseError, fmt.Sprintf("malformed request: %v", err))
			return
		}
		if !s.writeResponse(enc, s.dispatch(ctx, &req)) {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) Response {
	if req.Method == "" {
		return errorResponse(req.ID, fault.KindParseError, "request is missing a method")
	}
	handler, ok := s.handlers[req.Method]
	if !ok {
		return errorResponse(req.ID, fault.KindUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}

	result, err := s.invoke(ctx, req, handler)
	if err != nil {
		kind := fault.Kind(err)
		if kind == fault.KindInternal {
			s.logger.Error("request failed",
				logging.String("method", req.Method),
				logging.Error(err))
		}
		return errorResponse(req.ID, kind, err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("result encoding failed",
			logging.String("method", req.Method),
			logging.Error(err))
		return errorResponse(req.ID, fault.KindInternal, "failed to encode result")
	}
	return Response{ID: req.ID, Result: payload}
}

// invoke runs a handler with panic containment so one bad request cannot take
// down the daemon.
func (s *Server) invoke(ctx context.Context, req *Request, handler handlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				logging.String("method", req.Method),
				logging.Any("panic", r))
			err = fmt.Errorf("internal error handling %s", req.Method)
		}
	}()
	return handler(ctx, req.Params)
}

func (s *Server) writeResponse(enc *json.Encoder, resp Response) bool {
	if err := enc.Encode(resp); err != nil {
		s.logger.Debug("client write failed", logging.Error(err))
		return false
	}
	return true
}

func (s *Server) writeError(enc *json.Encoder, id json.RawMessage, kind, message string) {
	s.writeResponse(enc, errorResponse(id, kind, message))
}

func errorResponse(id json.RawMessage, kind, message string) Response {
	return Response{ID: id, Error: &ErrorDetail{Kind: kind, Message: message}}
}

func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fault.Wrap(fault.ErrValidation, "invalid params", err)
	}
	return nil
}

func (s *Server) handleQueueAdd(ctx context.Context, params json.RawMessage) (any, error) {
	var p AddParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Payload == "" {
		return nil, fault.New(fault.ErrValidation, "payload is required")
	}
	priority, ok := queue.ParsePriority(p.Priority)
	if !ok {
		return nil, fault.New(fault.ErrValidation, "unknown priority %q", p.Priority)
	}
	item, err := s.daemon.Queue().Add(ctx, p.Payload, priority)
	if err != nil {
		return nil, err
	}
	return ItemResult{Item: itemDTO(item)}, nil
}

func (s *Server) handleQueueDequeue(ctx context.Context, params json.RawMessage) (any, error) {
	var p DequeueParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, fault.New(fault.ErrValidation, "session_id is required")
	}
	item, err := s.daemon.Sessions().Claim(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return ItemResult{Item: itemDTO(item)}, nil
}

func (s *Server) handleQueueStatus(ctx context.Context, params json.RawMessage) (any, error) {
	var p StatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fault.New(fault.ErrValidation, "id is required")
	}
	item, err := s.daemon.Queue().Get(p.ID)
	if err != nil {
		return nil, err
	}
	return ItemResult{Item: itemDTO(item)}, nil
}

func (s *Server) handleQueueList(ctx context.Context, params json.RawMessage) (any, error) {
	var p ListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	statuses, err := parseStatuses(p.States)
	if err != nil {
		return nil, err
	}
	items := s.daemon.Queue().List(statuses...)
	out := make([]WorkItem, 0, len(items))
	for _, item := range items {
		out = append(out, *itemDTO(item))
	}
	return ItemsResult{Items: out}, nil
}

func (s *Server) handleQueueHealth(ctx context.Context, params json.RawMessage) (any, error) {
	health := s.daemon.Queue().Health()
	return HealthResult{
		Total:     health.Total,
		Pending:   health.Pending,
		Active:    health.Active,
		Completed: health.Completed,
		Failed:    health.Failed,
	}, nil
}

func (s *Server) handleQueueClear(ctx context.Context, params json.RawMessage) (any, error) {
	var p ClearParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	statuses, err := parseStatuses(p.States)
	if err != nil {
		return nil, err
	}
	removed, err := s.daemon.Queue().Clear(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return ClearResult{Removed: removed}, nil
}

func (s *Server) handleQueueClearCompleted(ctx context.Context, params json.RawMessage) (any, error) {
	removed, err := s.daemon.Queue().Clear(ctx, queue.StatusCompleted)
	if err != nil {
		return nil, err
	}
	return ClearResult{Removed: removed}, nil
}

func (s *Server) handleQueueClearFailed(ctx context.Context, params json.RawMessage) (any, error) {
	removed, err := s.daemon.Queue().Clear(ctx, queue.StatusFailed)
	if err != nil {
		return nil, err
	}
	return ClearResult{Removed: removed}, nil
}

func (s *Server) handleSessionRegister(ctx context.Context, params json.RawMessage) (any, error) {
	var p RegisterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.daemon.Sessions().Register(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return SessionResult{Session: sessionDTO(sess)}, nil
}

func (s *Server) handleSessionHeartbeat(ctx context.Context, params json.RawMessage) (any, error) {
	var p HeartbeatParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, fault.New(fault.ErrValidation, "session_id is required")
	}
	sess, err := s.daemon.Sessions().Heartbeat(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return SessionResult{Session: sessionDTO(sess)}, nil
}

func (s *Server) handleSessionComplete(ctx context.Context, params json.RawMessage) (any, error) {
	var p CompleteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" || p.ItemID == "" {
		return nil, fault.New(fault.ErrValidation, "session_id and item_id are required")
	}
	item, err := s.daemon.Sessions().CompleteItem(ctx, p.SessionID, p.ItemID, p.Result, p.Success)
	if err != nil {
		return nil, err
	}
	return ItemResult{Item: itemDTO(item)}, nil
}

func (s *Server) handleSessionGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p SessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, fault.New(fault.ErrValidation, "session_id is required")
	}
	sess, err := s.daemon.Sessions().Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	return SessionResult{Session: sessionDTO(sess)}, nil
}

func (s *Server) handleSessionList(ctx context.Context, params json.RawMessage) (any, error) {
	sessions := s.daemon.Sessions().List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionDTO(sess))
	}
	return SessionsResult{Sessions: out}, nil
}

func (s *Server) handleDaemonStatus(ctx context.Context, params json.RawMessage) (any, error) {
	return statusDTO(s.daemon.Status()), nil
}

func parseStatuses(values []string) ([]queue.Status, error) {
	statuses := make([]queue.Status, 0, len(values))
	for _, value := range values {
		status, ok := queue.ParseStatus(value)
		if !ok {
			return nil, fault.New(fault.ErrValidation, "unknown state %q", value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
