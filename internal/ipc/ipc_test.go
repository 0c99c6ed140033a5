package ipc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"foreman/internal/config"
	"foreman/internal/daemon"
	"foreman/internal/fault"
	"foreman/internal/ipc"
	"foreman/internal/logging"
	"foreman/internal/monitor"
	"foreman/internal/queue"
	"foreman/internal/session"
	"foreman/internal/testsupport"
)

func startServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	return newTestServer(t, cfg).SocketPath()
}

func newTestServer(t *testing.T, cfg *config.Config) *ipc.Server {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewNop()

	store := testsupport.MustOpenStore(t, cfg)
	mgr, err := queue.NewManager(ctx, store, logger, cfg.Daemon.MaxRetries)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	reg, err := session.NewRegistry(ctx, store, mgr, logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	mon, err := monitor.New(reg, logger, cfg.SweepInterval(), cfg.LivenessTimeout())
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	d, err := daemon.New(cfg, store, mgr, reg, mon, logger)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(d.Stop)

	server, err := ipc.NewServer(cfg.SocketPath(), d, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Start(ctx); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

func dial(t *testing.T, socket string) *ipc.Client {
	t.Helper()
	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestEndToEndWorkflow(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))
	client := dial(t, socket)

	item, err := client.Add("refactor the auth module", "high")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if item.ID != "q-1" || item.Status != "pending" || item.Priority != "high" {
		t.Fatalf("unexpected added item: %+v", item)
	}

	sess, err := client.Register("agent-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sess.ID != "agent-1" || sess.State != "idle" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	claimed, err := client.Dequeue("agent-1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claimed == nil || claimed.ID != "q-1" || claimed.Status != "active" || claimed.ClaimedBy != "agent-1" {
		t.Fatalf("unexpected claimed item: %+v", claimed)
	}

	if _, err := client.Heartbeat("agent-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	done, err := client.Complete("agent-1", "q-1", "done", true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "completed" || done.Result != "done" {
		t.Fatalf("unexpected completed item: %+v", done)
	}

	fetched, err := client.ItemStatus("q-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if fetched.Status != "completed" {
		t.Fatalf("expected completed, got %s", fetched.Status)
	}

	health, err := client.Health()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Total != 1 || health.Completed != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestDequeueEmptyQueueReturnsNilItem(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))
	client := dial(t, socket)

	if _, err := client.Register("agent-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	item, err := client.Dequeue("agent-1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func TestErrorKinds(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))
	client := dial(t, socket)

	assertKind := func(err error, want string) {
		t.Helper()
		var detail *ipc.ErrorDetail
		if !errors.As(err, &detail) {
			t.Fatalf("expected rpc error, got %v", err)
		}
		if detail.Kind != want {
			t.Fatalf("expected kind %s, got %s (%s)", want, detail.Kind, detail.Message)
		}
	}

	_, err := client.ItemStatus("q-999")
	assertKind(err, fault.KindNotFound)

	_, err = client.Heartbeat("ghost")
	assertKind(err, fault.KindUnknownSession)

	if _, err := client.Register("agent-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = client.Register("agent-1")
	assertKind(err, fault.KindAlreadyRegistered)

	if _, err := client.Add("some task", "normal"); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err = client.Complete("agent-1", "q-1", "done", true)
	assertKind(err, fault.KindInvalidTransition)

	_, err = client.Add("bad priority task", "urgent")
	assertKind(err, fault.KindValidation)

	_, err = client.Clear("active")
	assertKind(err, fault.KindInvalidTransition)
}

func TestUnknownMethod(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))

	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"method":"queue.explode","id":"42"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp ipc.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != fault.KindUnknownMethod {
		t.Fatalf("expected unknown method error, got %+v", resp)
	}
	if string(resp.ID) != `"42"` {
		t.Fatalf("expected id echoed, got %s", resp.ID)
	}
}

func TestParseErrorOnMalformedRequest(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))

	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp ipc.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != fault.KindParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}

	// Other connections keep working.
	client := dial(t, socket)
	if _, err := client.Health(); err != nil {
		t.Fatalf("health after parse error: %v", err)
	}
}

func TestMissingMethodIsParseError(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))

	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"id":"7"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp ipc.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != fault.KindParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}
}

func TestStopReturnsWhileClientConnectionIsIdle(t *testing.T) {
	server := newTestServer(t, testsupport.NewConfig(t))
	client := dial(t, server.SocketPath())

	if _, err := client.DaemonStatus(); err != nil {
		t.Fatalf("daemon status: %v", err)
	}

	// The client keeps its connection open between requests; Stop must not
	// wait for it to hang up.
	done := make(chan struct{})
	go func() {
		server.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("server stop blocked on an idle client connection")
	}
}

func TestTypeErrorKeepsConnectionOpen(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))

	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))

	if _, err := conn.Write([]byte(`{"method":5,"id":"9"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp ipc.Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != fault.KindParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}

	// The decoder stays in sync after a type error, so the same connection
	// still serves requests.
	if _, err := conn.Write([]byte(`{"method":"queue.health","id":"10"}` + "\n")); err != nil {
		t.Fatalf("write after type error: %v", err)
	}
	var next ipc.Response
	if err := dec.Decode(&next); err != nil {
		t.Fatalf("decode after type error: %v", err)
	}
	if next.Error != nil {
		t.Fatalf("expected health result, got error %+v", next.Error)
	}
	if string(next.ID) != `"10"` {
		t.Fatalf("expected id echoed, got %s", next.ID)
	}
}

func TestSequentialRequestsOnOneConnection(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))
	client := dial(t, socket)

	for i := 0; i < 5; i++ {
		if _, err := client.Add("batch task", "normal"); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	items, err := client.List("pending")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 pending items, got %d", len(items))
	}
}

func TestSessionListAndDaemonStatus(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))
	client := dial(t, socket)

	if _, err := client.Register("agent-b"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := client.Register("agent-a"); err != nil {
		t.Fatalf("register: %v", err)
	}

	sessions, err := client.Sessions()
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "agent-a" || sessions[1].ID != "agent-b" {
		t.Fatalf("unexpected session listing: %+v", sessions)
	}

	status, err := client.DaemonStatus()
	if err != nil {
		t.Fatalf("daemon status: %v", err)
	}
	if !status.Running || status.PID <= 0 || status.Sessions != 2 {
		t.Fatalf("unexpected daemon status: %+v", status)
	}
}

func TestClearCompletedOverRPC(t *testing.T) {
	socket := startServer(t, testsupport.NewConfig(t))
	client := dial(t, socket)

	if _, err := client.Register("agent-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := client.Add("short task", "normal"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := client.Dequeue("agent-1"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := client.Complete("agent-1", "q-1", "ok", true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	removed, err := client.ClearCompleted()
	if err != nil {
		t.Fatalf("clear completed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	health, err := client.Health()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Total != 0 {
		t.Fatalf("expected empty queue, got %+v", health)
	}
}
