package queue_test

import (
	"context"
	"testing"
	"time"

	"foreman/internal/queue"
	"foreman/internal/testsupport"
)

func TestStoreItemRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	claimed := time.Now().UTC().Truncate(time.Millisecond)
	item := &queue.Item{
		ID:         "q-1",
		Seq:        1,
		Payload:    "summarize the release notes",
		Priority:   queue.PriorityHigh,
		Status:     queue.StatusActive,
		ClaimedBy:  "agent-1",
		CreatedAt:  claimed.Add(-time.Minute),
		ClaimedAt:  &claimed,
		RetryCount: 2,
	}
	if err := store.UpsertItem(ctx, item); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	items, err := store.LoadItems(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	got := items[0]
	if got.ID != item.ID || got.Payload != item.Payload || got.Priority != item.Priority {
		t.Fatalf("identity fields mismatch: %+v", got)
	}
	if got.Status != queue.StatusActive || got.ClaimedBy != "agent-1" || got.RetryCount != 2 {
		t.Fatalf("claim fields mismatch: %+v", got)
	}
	if got.ClaimedAt == nil || !got.ClaimedAt.Equal(claimed) {
		t.Fatalf("claimed_at mismatch: %v", got.ClaimedAt)
	}
	if !got.CreatedAt.Equal(item.CreatedAt) {
		t.Fatalf("created_at mismatch: %v", got.CreatedAt)
	}
}

func TestStoreUpsertOverwritesExistingItem(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	item := &queue.Item{ID: "q-1", Seq: 1, Payload: "task", Priority: queue.PriorityNormal, Status: queue.StatusPending, CreatedAt: time.Now().UTC()}
	if err := store.UpsertItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	item.Status = queue.StatusCompleted
	item.Result = "done"
	if err := store.UpsertItem(ctx, item); err != nil {
		t.Fatalf("update: %v", err)
	}

	items, err := store.LoadItems(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 || items[0].Status != queue.StatusCompleted || items[0].Result != "done" {
		t.Fatalf("expected updated row, got %+v", items)
	}
}

func TestStoreDurabilityAcrossReopen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	store, err := queue.Open(cfg.StorePath())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	item := &queue.Item{ID: "q-1", Seq: 1, Payload: "survive restart", Priority: queue.PriorityNormal, Status: queue.StatusPending, CreatedAt: time.Now().UTC()}
	if err := store.UpsertItem(ctx, item); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := queue.Open(cfg.StorePath())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	items, err := reopened.LoadItems(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 || items[0].Payload != "survive restart" {
		t.Fatalf("expected persisted item after reopen, got %+v", items)
	}
}

func TestStoreDeleteItemsByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := []*queue.Item{
		{ID: "q-1", Seq: 1, Payload: "a", Priority: queue.PriorityNormal, Status: queue.StatusPending, CreatedAt: now},
		{ID: "q-2", Seq: 2, Payload: "b", Priority: queue.PriorityNormal, Status: queue.StatusCompleted, CreatedAt: now},
		{ID: "q-3", Seq: 3, Payload: "c", Priority: queue.PriorityNormal, Status: queue.StatusFailed, CreatedAt: now},
	}
	for _, row := range rows {
		if err := store.UpsertItem(ctx, row); err != nil {
			t.Fatalf("upsert %s: %v", row.ID, err)
		}
	}

	removed, err := store.DeleteItemsByStatus(ctx, queue.StatusCompleted, queue.StatusFailed)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	items, err := store.LoadItems(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 1 || items[0].ID != "q-1" {
		t.Fatalf("expected only q-1 to remain, got %+v", items)
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := queue.SessionRecord{
		ID:            "agent-1",
		Status:        "active",
		RegisteredAt:  now.Add(-time.Minute),
		LastHeartbeat: now,
		CurrentItem:   "q-1",
	}
	if err := store.UpsertSession(ctx, rec); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	records, err := store.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("load sessions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 session, got %d", len(records))
	}
	got := records[0]
	if got.ID != rec.ID || got.Status != rec.Status || got.CurrentItem != rec.CurrentItem {
		t.Fatalf("session mismatch: %+v", got)
	}
	if !got.LastHeartbeat.Equal(rec.LastHeartbeat) {
		t.Fatalf("heartbeat mismatch: %v", got.LastHeartbeat)
	}

	purged, err := store.PurgeSessions(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	records, err = store.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("reload sessions: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty sessions, got %+v", records)
	}
}
