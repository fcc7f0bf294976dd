package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/thinklock"
)

const (
	scopeID = "lock-drill"
	taskID  = "11111111-2222-3333-4444-555555555555"
)

// A crashed thinker must not pin its task: after the lock TTL any other
// identity can take the lock without manual cleanup.
func main() {
	mode := flag.String("mode", "", "prepare|hold|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	ttl := flag.Duration("ttl", thinklock.MinTTL, "lock ttl used by hold")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	locker := thinklock.New(store)

	switch *mode {
	case "prepare":
		if _, err := store.EnsureWorkspace(ctx, scopeID, "Lock drill", "en"); err != nil {
			fmt.Fprintf(os.Stderr, "ensure workspace: %v\n", err)
			os.Exit(1)
		}
		task, err := store.CreateTask(ctx, persistence.NewTask{ID: taskID, ScopeID: scopeID, Title: "lock crash drill"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "hold":
		token := thinklock.NewToken()
		ok, err := locker.Acquire(ctx, taskID, "agent:crasher", token, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "acquire: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "lock already held")
			os.Exit(1)
		}
		fmt.Printf("LOCKED_TASK_ID=%s\n", taskID)
		fmt.Printf("LOCK_TTL=%s\n", thinklock.ClampTTL(*ttl))
		// Killed here; the lock is never released.
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		before, err := store.GetTask(ctx, taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("STALE_OWNER=%q\n", before.LockOwner)
		token := thinklock.NewToken()
		ok, err := locker.Acquire(ctx, taskID, "agent:survivor", token, thinklock.MinTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "acquire: %v\n", err)
			os.Exit(1)
		}
		if ok {
			if _, err := locker.Release(ctx, taskID, token); err != nil {
				fmt.Fprintf(os.Stderr, "release: %v\n", err)
				os.Exit(1)
			}
		}
		after, err := store.GetTask(ctx, taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("REACQUIRED=%t\n", ok)
		fmt.Printf("TASK_STATUS id=%s status=%s lock_owner=%q\n", after.ID, after.Status, after.LockOwner)
		if ok && after.LockOwner == "" {
			fmt.Println("VERDICT=PASS")
			return
		}
		fmt.Println("VERDICT=FAIL")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
