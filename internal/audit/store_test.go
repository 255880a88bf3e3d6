package audit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestOpenAppliesMigrations(t *testing.T) {
	store := newTestStore(t)

	if err := store.db.Raw("SELECT 1 FROM audit_events LIMIT 1").Error; err != nil {
		t.Fatalf("audit_events table not created by migration: %v", err)
	}
}

func TestRecordAndListByConn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, Event{Kind: EventConnectionRegistered, ConnID: "conn-1", GroupID: "red"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(ctx, Event{Kind: EventConnectionClosed, ConnID: "conn-1", GroupID: "red"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(ctx, Event{Kind: EventConnectionRegistered, ConnID: "conn-2", GroupID: "blue"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := store.ListByConn(ctx, "conn-1", 10)
	if err != nil {
		t.Fatalf("ListByConn: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for conn-1, got %d", len(events))
	}
	if events[0].Kind != EventConnectionClosed {
		t.Errorf("expected newest-first order, got %v first", events[0].Kind)
	}
	for _, ev := range events {
		if ev.ConnID != "conn-1" {
			t.Errorf("ListByConn leaked event for %s", ev.ConnID)
		}
	}
}

func TestRecordAndListByProc(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, Event{Kind: EventDispatchStart, ProcID: "proc-1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(ctx, Event{Kind: EventDispatchDelete, ProcID: "proc-1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := store.ListByProc(ctx, "proc-1", 10)
	if err != nil {
		t.Fatalf("ListByProc: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for proc-1, got %d", len(events))
	}
}

func TestListByConnRespectsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Record(ctx, Event{Kind: EventDispatchStart, ConnID: "conn-1"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, err := store.ListByConn(ctx, "conn-1", 2)
	if err != nil {
		t.Fatalf("ListByConn: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(events))
	}
}

func TestPruneDeletesOnlyOldEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := Event{Kind: EventConnectionClosed, ConnID: "old"}
	if err := store.db.WithContext(ctx).Create(&old).Error; err != nil {
		t.Fatalf("seed old event: %v", err)
	}
	if err := store.db.WithContext(ctx).Model(&Event{}).
		Where("id = ?", old.ID).
		Update("created_at", time.Now().UTC().Add(-48*time.Hour)).Error; err != nil {
		t.Fatalf("backdate old event: %v", err)
	}

	if err := store.Record(ctx, Event{Kind: EventConnectionRegistered, ConnID: "fresh"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	deleted, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 pruned event, got %d", deleted)
	}

	remaining, err := store.ListByConn(ctx, "fresh", 10)
	if err != nil {
		t.Fatalf("ListByConn: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected fresh event to survive prune, got %d remaining", len(remaining))
	}

	pruned, err := store.ListByConn(ctx, "old", 10)
	if err != nil {
		t.Fatalf("ListByConn: %v", err)
	}
	if len(pruned) != 0 {
		t.Fatalf("expected old event to be pruned, got %d", len(pruned))
	}
}

func TestPrunerStartStop(t *testing.T) {
	store := newTestStore(t)

	pruner, err := NewPruner(PrunerConfig{Interval: time.Hour}, store, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPruner: %v", err)
	}

	if err := pruner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pruner.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
