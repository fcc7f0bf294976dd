package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/taskforce/internal/persistence"
)

const drillTasks = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "taskforce-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "taskforce.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	const scopeID = "backup-drill"
	if _, err := store.EnsureWorkspace(ctx, scopeID, "Backup drill", "en"); err != nil {
		fmt.Printf("ensure_workspace_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < drillTasks; i++ {
		task, err := store.CreateTask(ctx, persistence.NewTask{ScopeID: scopeID, Title: fmt.Sprintf("backup-%d", i)})
		if err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.InsertMessage(ctx, &persistence.Message{
			TaskID: task.ID, ScopeID: scopeID, Sender: "user:drill", Content: "please handle " + task.Title,
		}); err != nil {
			fmt.Printf("insert_message_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.AppendTaskEvent(ctx, persistence.TaskEvent{
			TaskID: task.ID, ScopeID: scopeID, EventType: "drill", Actor: "system", Reason: "backup drill",
		}); err != nil {
			fmt.Printf("append_event_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	tasks, err := restoreStore.ListTasks(ctx, persistence.TaskFilter{ScopeID: scopeID})
	if err != nil {
		fmt.Printf("list_tasks_error=%v\n", err)
		os.Exit(1)
	}
	var messageCount, eventCount int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM messages;`).Scan(&messageCount); err != nil {
		fmt.Printf("count_messages_error=%v\n", err)
		os.Exit(1)
	}
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&eventCount); err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", len(tasks))
	fmt.Printf("restored_messages=%d\n", messageCount)
	fmt.Printf("restored_task_events=%d\n", eventCount)

	if len(tasks) < drillTasks || messageCount < drillTasks || eventCount < drillTasks {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
