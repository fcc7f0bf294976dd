package thinklock_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/thinklock"
)

func setup(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "lock.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	task, err := store.CreateTask(context.Background(), persistence.NewTask{ScopeID: "ws1", Title: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return store, task.ID
}

func TestClampTTL(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, thinklock.DefaultTTL},
		{time.Second, thinklock.MinTTL},
		{time.Hour, thinklock.MaxTTL},
		{30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := thinklock.ClampTTL(tt.in); got != tt.want {
			t.Errorf("ClampTTL(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLocker_ExactlyOneWinsWithinTTL(t *testing.T) {
	store, taskID := setup(t)
	ctx := context.Background()
	clock := time.Now()
	locker := thinklock.New(store).WithClock(func() time.Time { return clock })

	ok1, err := locker.Acquire(ctx, taskID, "agent:a", thinklock.NewToken(), 30*time.Second)
	if err != nil || !ok1 {
		t.Fatalf("first acquire = %v %v", ok1, err)
	}
	ok2, err := locker.Acquire(ctx, taskID, "agent:a", thinklock.NewToken(), 30*time.Second)
	if err != nil || ok2 {
		t.Fatalf("second acquire inside ttl = %v %v", ok2, err)
	}

	clock = clock.Add(31 * time.Second)
	ok3, err := locker.Acquire(ctx, taskID, "agent:b", thinklock.NewToken(), 30*time.Second)
	if err != nil || !ok3 {
		t.Fatalf("acquire after ttl without release = %v %v", ok3, err)
	}
}

func TestLocker_ReleaseRequiresMatchingToken(t *testing.T) {
	store, taskID := setup(t)
	ctx := context.Background()
	clock := time.Now()
	locker := thinklock.New(store).WithClock(func() time.Time { return clock })

	stale := thinklock.NewToken()
	if ok, _ := locker.Acquire(ctx, taskID, "agent:a", stale, 10*time.Second); !ok {
		t.Fatal("acquire failed")
	}
	// The first holder stalls past its TTL and a second pass takes over.
	clock = clock.Add(11 * time.Second)
	fresh := thinklock.NewToken()
	if ok, _ := locker.Acquire(ctx, taskID, "agent:a", fresh, 10*time.Second); !ok {
		t.Fatal("takeover failed")
	}
	if ok, _ := locker.Release(ctx, taskID, stale); ok {
		t.Fatal("stale token released the new holder's lock")
	}
	if ok, _ := locker.Release(ctx, taskID, fresh); !ok {
		t.Fatal("owner could not release")
	}
}

func TestLocker_ConcurrentAcquire(t *testing.T) {
	store, taskID := setup(t)
	locker := thinklock.New(store)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := locker.Acquire(context.Background(), taskID, "agent:x", thinklock.NewToken(), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}
