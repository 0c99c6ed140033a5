package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/internal/fault"
	"foreman/internal/logging"
	"foreman/internal/queue"
	"foreman/internal/session"
	"foreman/internal/testsupport"
)

const livenessTimeout = 30 * time.Second

type fixture struct {
	manager  *queue.Manager
	registry *session.Registry
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithMaxRetries(maxRetries))
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	mgr, err := queue.NewManager(ctx, store, logging.NewNop(), maxRetries)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	reg, err := session.NewRegistry(ctx, store, mgr, logging.NewNop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return &fixture{manager: mgr, registry: reg}
}

func TestRegisterGeneratesIDWhenOmitted(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	sess, err := f.registry.Register(ctx, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected generated session id")
	}
	if sess.State != session.StateIdle {
		t.Fatalf("expected idle, got %s", sess.State)
	}
	if sess.LastHeartbeat.IsZero() {
		t.Fatal("expected initial heartbeat")
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, "agent-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.registry.Register(ctx, "agent-1"); !errors.Is(err, fault.ErrAlreadyRegistered) {
		t.Fatalf("expected already registered, got %v", err)
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	f := newFixture(t, 3)
	if _, err := f.registry.Heartbeat(context.Background(), "ghost"); !errors.Is(err, fault.ErrUnknownSession) {
		t.Fatalf("expected unknown session, got %v", err)
	}
}

func TestClaimAndComplete(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, "agent-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	added, err := f.manager.Add(ctx, "review the pull request", queue.PriorityNormal)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	item, err := f.registry.Claim(ctx, "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item == nil || item.ID != added.ID {
		t.Fatalf("expected %s, got %+v", added.ID, item)
	}
	if item.ClaimedBy != "agent-1" {
		t.Fatalf("expected claimed_by agent-1, got %q", item.ClaimedBy)
	}

	sess, err := f.registry.Get("agent-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != session.StateActive || sess.CurrentItem != added.ID {
		t.Fatalf("expected active session holding %s, got %+v", added.ID, sess)
	}

	// One in-flight item per session.
	if _, err := f.registry.Claim(ctx, "agent-1"); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second claim, got %v", err)
	}

	done, err := f.registry.CompleteItem(ctx, "agent-1", added.ID, "merged", true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != queue.StatusCompleted || done.Result != "merged" {
		t.Fatalf("unexpected completed item: %+v", done)
	}

	sess, _ = f.registry.Get("agent-1")
	if sess.State != session.StateIdle || sess.CurrentItem != "" {
		t.Fatalf("expected idle session, got %+v", sess)
	}
}

func TestClaimOnEmptyQueueReturnsNil(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	if _, err := f.registry.Register(ctx, "agent-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	item, err := f.registry.Claim(ctx, "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
	sess, _ := f.registry.Get("agent-1")
	if sess.State != session.StateIdle {
		t.Fatalf("empty claim must not activate the session, got %s", sess.State)
	}
}

func TestCompleteItemNotHeldRejected(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.registry.Register(ctx, "agent-1")
	f.registry.Register(ctx, "agent-2")
	added, _ := f.manager.Add(ctx, "task", queue.PriorityNormal)
	if _, err := f.registry.Claim(ctx, "agent-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := f.registry.CompleteItem(ctx, "agent-2", added.ID, "done", true); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	item, _ := f.manager.Get(added.ID)
	if item.Status != queue.StatusActive {
		t.Fatalf("failed complete must not mutate the item, got %s", item.Status)
	}
}

func TestExpireDeadReassignsHeldItem(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.registry.Register(ctx, "agent-1")
	added, _ := f.manager.Add(ctx, "long task", queue.PriorityNormal)
	if _, err := f.registry.Claim(ctx, "agent-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	expired := f.registry.ExpireDead(ctx, time.Now().UTC().Add(livenessTimeout+time.Second), livenessTimeout)
	if len(expired) != 1 || expired[0].ID != "agent-1" {
		t.Fatalf("expected agent-1 expired, got %+v", expired)
	}
	if expired[0].State != session.StateDead {
		t.Fatalf("expected dead, got %s", expired[0].State)
	}

	item, err := f.manager.Get(added.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != queue.StatusPending || item.RetryCount != 1 {
		t.Fatalf("expected requeued item with one retry, got %+v", item)
	}

	// Dead sessions reject heartbeats and claims.
	if _, err := f.registry.Heartbeat(ctx, "agent-1"); !errors.Is(err, fault.ErrUnknownSession) {
		t.Fatalf("expected unknown session, got %v", err)
	}
	if _, err := f.registry.Claim(ctx, "agent-1"); !errors.Is(err, fault.ErrUnknownSession) {
		t.Fatalf("expected unknown session, got %v", err)
	}

	// The id can be registered again once dead.
	if _, err := f.registry.Register(ctx, "agent-1"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestExpireDeadFailsItemWhenBudgetSpent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.registry.Register(ctx, "agent-1")
	added, _ := f.manager.Add(ctx, "one-shot task", queue.PriorityNormal)
	if _, err := f.registry.Claim(ctx, "agent-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f.registry.ExpireDead(ctx, time.Now().UTC().Add(livenessTimeout+time.Second), livenessTimeout)

	item, _ := f.manager.Get(added.ID)
	if item.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", item.Status)
	}
	if item.Result != queue.ExhaustedResult {
		t.Fatalf("expected exhausted result, got %q", item.Result)
	}
}

func TestExpireDeadSkipsLiveSessions(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.registry.Register(ctx, "agent-1")
	expired := f.registry.ExpireDead(ctx, time.Now().UTC(), livenessTimeout)
	if len(expired) != 0 {
		t.Fatalf("expected no expiries, got %+v", expired)
	}
	sess, _ := f.registry.Get("agent-1")
	if sess.State != session.StateIdle {
		t.Fatalf("expected idle session, got %s", sess.State)
	}
}

func TestHeartbeatDefersExpiry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.registry.Register(ctx, "agent-1")
	if _, err := f.registry.Heartbeat(ctx, "agent-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	expired := f.registry.ExpireDead(ctx, time.Now().UTC().Add(livenessTimeout/2), livenessTimeout)
	if len(expired) != 0 {
		t.Fatalf("expected heartbeat to keep session alive, got %+v", expired)
	}
}

func TestListSortedByID(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.registry.Register(ctx, "charlie")
	f.registry.Register(ctx, "alpha")
	f.registry.Register(ctx, "bravo")

	sessions := f.registry.List()
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, id := range want {
		if sessions[i].ID != id {
			t.Fatalf("expected %s at %d, got %s", id, i, sessions[i].ID)
		}
	}
}
