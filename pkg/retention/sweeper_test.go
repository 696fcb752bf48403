package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/bolagent/pkg/docstore"
	"github.com/dotsetgreg/bolagent/pkg/session"
)

func newFixture(t *testing.T) (*docstore.SQLiteStore, *session.Service) {
	t.Helper()
	store, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, session.NewService(store)
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	store, sessions := newFixture(t)
	if _, err := NewSweeper(store, sessions, "not a cron", time.Hour); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if _, err := NewSweeper(store, sessions, "0 3 * * *", time.Hour); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestSweepDeletesIdleConversations(t *testing.T) {
	store, sessions := newFixture(t)
	ctx := context.Background()

	id := session.Identity{App: "demo", User: "u1", Conversation: "c1"}
	if _, err := sessions.CreateOrGet(ctx, id); err != nil {
		t.Fatalf("create: %v", err)
	}
	sessions.AppendEvent(ctx, id, session.NewEvent(session.AuthorUser, "hi"), session.StateDelta{})

	// Negative idle puts the cutoff in the future, so everything is idle.
	sweeper, err := NewSweeper(store, sessions, "* * * * *", -time.Hour)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	deleted, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	if _, err := sessions.EffectiveState(ctx, id); !errors.Is(err, session.ErrConversationNotFound) {
		t.Fatalf("conversation should be gone, got %v", err)
	}

	// Scope documents survive.
	if _, err := store.Get(ctx, "apps/demo/users/u1/state"); err != nil {
		t.Errorf("user state should survive sweeps: %v", err)
	}
}

func TestSweepKeepsActiveConversations(t *testing.T) {
	store, sessions := newFixture(t)
	ctx := context.Background()

	id := session.Identity{App: "demo", User: "u1", Conversation: "c1"}
	sessions.CreateOrGet(ctx, id)

	sweeper, err := NewSweeper(store, sessions, "* * * * *", time.Hour)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	deleted, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("fresh conversation deleted")
	}
	if _, err := sessions.EffectiveState(ctx, id); err != nil {
		t.Fatalf("conversation should remain: %v", err)
	}
}
