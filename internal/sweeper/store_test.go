package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rogeecn/marzban-bot/internal/account"
)

func TestRunOnceAgainstSQLiteStore(t *testing.T) {
	store, err := account.Open("sqlite://" + filepath.Join(t.TempDir(), "sweep.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}

	now := time.Now().UTC()
	expiredUser, _, err := store.EnsureUser(ctx, 1001, "old")
	if err != nil {
		t.Fatalf("EnsureUser error: %v", err)
	}
	if err := store.CreateSubscription(ctx, &account.Subscription{
		UserID:  expiredUser.ID,
		IsTrial: true,
		StartAt: now.Add(-24 * time.Hour),
		EndAt:   now.Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("CreateSubscription error: %v", err)
	}

	freshUser, _, err := store.EnsureUser(ctx, 1002, "new")
	if err != nil {
		t.Fatalf("EnsureUser error: %v", err)
	}
	if err := store.CreateSubscription(ctx, &account.Subscription{
		UserID:  freshUser.ID,
		StartAt: now,
		EndAt:   now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateSubscription error: %v", err)
	}

	revoker := &fakeRevoker{}
	report, err := New(store, revoker, Options{}).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if report.Found != 1 || report.Expired != 1 {
		t.Fatalf("report = %+v, want one expired", report)
	}
	if len(revoker.calls) != 1 || revoker.calls[0] != "tg_1001" {
		t.Fatalf("revoke calls = %v, want [tg_1001]", revoker.calls)
	}

	if _, err := store.ActiveSubscription(ctx, expiredUser.ID); err != account.ErrNotFound {
		t.Fatalf("ActiveSubscription(expired) error = %v, want ErrNotFound", err)
	}
	if _, err := store.ActiveSubscription(ctx, freshUser.ID); err != nil {
		t.Fatalf("ActiveSubscription(fresh) error = %v", err)
	}
}
