package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rogeecn/marzban-bot/internal/account"
)

type memoryStore struct {
	mu      sync.Mutex
	subs    map[uint]*account.Subscription
	commits int
	listErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{subs: make(map[uint]*account.Subscription)}
}

func (m *memoryStore) add(id uint, endAt time.Time) {
	m.subs[id] = &account.Subscription{
		ID:     id,
		UserID: id,
		Status: account.StatusActive,
		EndAt:  endAt,
		User:   account.User{ID: id, MarzbanUsername: fmt.Sprintf("tg_%d", id)},
	}
}

func (m *memoryStore) status(id uint) account.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id].Status
}

func (m *memoryStore) countStatus(status account.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sub := range m.subs {
		if sub.Status == status {
			n++
		}
	}
	return n
}

func (m *memoryStore) ListExpiredActive(_ context.Context, now time.Time, limit int) ([]account.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}

	var out []account.Subscription
	for _, sub := range m.subs {
		if sub.Status == account.StatusActive && sub.EndAt.Before(now) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) ExpireSubscriptions(_ context.Context, ids []uint, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++

	var n int64
	for _, id := range ids {
		sub, ok := m.subs[id]
		if ok && sub.Status == account.StatusActive && sub.EndAt.Before(now) {
			sub.Status = account.StatusExpired
			n++
		}
	}
	return n, nil
}

type fakeRevoker struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]bool
}

func (f *fakeRevoker) DeleteUser(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, username)
	if f.failFor[username] {
		return errors.New("panel unavailable")
	}
	return nil
}

func (f *fakeRevoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNewDefaults(t *testing.T) {
	s := New(newMemoryStore(), &fakeRevoker{}, Options{})
	if s.initialDelay != 60*time.Second || s.interval != 5*time.Minute || s.batchSize != 100 {
		t.Fatalf("defaults = %s/%s/%d", s.initialDelay, s.interval, s.batchSize)
	}
}

func TestRunOnceNothingToDo(t *testing.T) {
	store := newMemoryStore()
	store.add(1, time.Now().Add(time.Hour))
	revoker := &fakeRevoker{}
	s := New(store, revoker, Options{})

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if report.Found != 0 || report.Expired != 0 {
		t.Fatalf("report = %+v, want empty", report)
	}
	if revoker.callCount() != 0 {
		t.Fatalf("revoke calls = %d, want 0", revoker.callCount())
	}
	if store.commits != 0 {
		t.Fatalf("commits = %d, want 0", store.commits)
	}
	if store.status(1) != account.StatusActive {
		t.Fatalf("status = %s, want active", store.status(1))
	}
}

func TestRunOnceBatchLimit(t *testing.T) {
	store := newMemoryStore()
	past := time.Now().Add(-10 * time.Minute)
	for id := uint(1); id <= 150; id++ {
		store.add(id, past)
	}
	revoker := &fakeRevoker{}
	s := New(store, revoker, Options{BatchSize: 100})

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first RunOnce error: %v", err)
	}
	if report.Found != 100 || report.Expired != 100 {
		t.Fatalf("first report = %+v, want 100 found/expired", report)
	}
	if got := store.countStatus(account.StatusActive); got != 50 {
		t.Fatalf("active after first run = %d, want 50", got)
	}
	if store.commits != 1 {
		t.Fatalf("commits after first run = %d, want 1", store.commits)
	}

	report, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce error: %v", err)
	}
	if report.Found != 50 || report.Expired != 50 {
		t.Fatalf("second report = %+v, want 50 found/expired", report)
	}
	if got := store.countStatus(account.StatusActive); got != 0 {
		t.Fatalf("active after second run = %d, want 0", got)
	}
	if revoker.callCount() != 150 {
		t.Fatalf("revoke calls = %d, want 150", revoker.callCount())
	}
}

func TestRunOnceExpiresDespiteRevokeFailure(t *testing.T) {
	store := newMemoryStore()
	past := time.Now().Add(-10 * time.Minute)
	store.add(1, past)
	store.add(2, past)
	revoker := &fakeRevoker{failFor: map[string]bool{"tg_1": true}}
	s := New(store, revoker, Options{})

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if report.Revoked != 1 || report.RevokeFailed != 1 || report.Expired != 2 {
		t.Fatalf("report = %+v", report)
	}
	if store.status(1) != account.StatusExpired {
		t.Fatalf("status(1) = %s, want expired", store.status(1))
	}
	if store.status(2) != account.StatusExpired {
		t.Fatalf("status(2) = %s, want expired", store.status(2))
	}
}

func TestRunOnceNeverExpiresFutureSubscriptions(t *testing.T) {
	store := newMemoryStore()
	store.add(1, time.Now().Add(-10*time.Minute))
	store.add(2, time.Now().Add(10*time.Minute))
	s := New(store, &fakeRevoker{}, Options{})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if store.status(2) != account.StatusActive {
		t.Fatalf("status(2) = %s, want active", store.status(2))
	}
}

// leakyStore ignores the end time filter to check the sweeper's own guard.
type leakyStore struct {
	*memoryStore
}

func (l leakyStore) ListExpiredActive(_ context.Context, _ time.Time, _ int) ([]account.Subscription, error) {
	var out []account.Subscription
	for _, sub := range l.subs {
		out = append(out, *sub)
	}
	return out, nil
}

func TestRunOnceGuardsAgainstEarlyExpiry(t *testing.T) {
	inner := newMemoryStore()
	inner.add(1, time.Now().Add(time.Hour))
	revoker := &fakeRevoker{}
	s := New(leakyStore{inner}, revoker, Options{})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if revoker.callCount() != 0 {
		t.Fatalf("revoke calls = %d, want 0", revoker.callCount())
	}
	if inner.status(1) != account.StatusActive {
		t.Fatalf("status = %s, want active", inner.status(1))
	}
}

func TestRunOnceListError(t *testing.T) {
	store := newMemoryStore()
	store.listErr = errors.New("db down")
	s := New(store, &fakeRevoker{}, Options{})

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce error = nil, want error")
	}
}

func TestSweeperScheduleRunsAfterInitialDelay(t *testing.T) {
	store := newMemoryStore()
	store.add(1, time.Now().Add(-10*time.Minute))
	revoker := &fakeRevoker{}
	s := New(store, revoker, Options{InitialDelay: 10 * time.Millisecond, Interval: time.Hour})

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for store.status(1) != account.StatusExpired && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if store.status(1) != account.StatusExpired {
		t.Fatalf("status = %s, want expired after first scheduled run", store.status(1))
	}
}

func TestSweeperStartStop(t *testing.T) {
	s := New(newMemoryStore(), &fakeRevoker{}, Options{InitialDelay: time.Hour, Interval: time.Hour})

	s.Start()
	s.Start() // idempotent
	s.Stop()
	s.Stop() // idempotent
}
