package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/workqueue/internal/claim"
	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/ingest"
	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/preference"
	"github.com/basket/workqueue/internal/refdata"
	"github.com/basket/workqueue/internal/submission"
	"github.com/basket/workqueue/internal/validation"
)

const taskCount = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "workqueue-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "workqueue.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := seed(ctx, store); err != nil {
		fmt.Printf("seed_error=%v\n", err)
		os.Exit(1)
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

	var tasksCount, stateCount, completed int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM queue_items;`).Scan(&tasksCount); err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM queue_item_states;`).Scan(&stateCount); err != nil {
		fmt.Printf("count_states_error=%v\n", err)
		os.Exit(1)
	}
	done, err := restoreStore.ListTasks(ctx, persistence.TaskFilter{Statuses: []string{persistence.StatusCompleted}, Limit: taskCount * 2})
	if err != nil {
		fmt.Printf("list_completed_error=%v\n", err)
		os.Exit(1)
	}
	completed = len(done)

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", tasksCount)
	fmt.Printf("restored_state_entries=%d\n", stateCount)
	fmt.Printf("restored_completed=%d\n", completed)

	if tasksCount < taskCount || completed < taskCount || stateCount < 2*taskCount {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

// seed ingests, claims and completes taskCount tasks through the services.
func seed(ctx context.Context, store *persistence.Store) error {
	const agentID = "drill-1"
	if err := store.UpsertAgent(ctx, persistence.Agent{ID: agentID, RoleKey: "drill"}); err != nil {
		return err
	}
	if _, err := store.UpsertPreference(ctx, persistence.AgentPreference{
		AgentID:              agentID,
		PrimarySegments:      []string{"drill"},
		PickupStatuses:       []string{persistence.StatusQueued},
		ActiveStatuses:       []string{persistence.StatusInProgress},
		AcceptStatus:         persistence.StatusInProgress,
		ReturnStatus:         persistence.StatusReturned,
		MaxInProgressMinutes: 10,
	}); err != nil {
		return err
	}

	enums := refdata.NewResolver(store)
	leases := lease.NewManager(lease.Config{Store: store})
	ing := ingest.NewService(store, enums, config.Config{}, nil, nil, nil)
	claims := claim.NewEngine(claim.Config{
		Store:       store,
		Preferences: preference.NewService(store, enums, config.Config{}, nil),
		Enums:       enums,
		Leases:      leases,
	})
	subs := submission.NewService(submission.Config{
		Store:    store,
		Enums:    enums,
		Registry: validation.NewRegistry(),
	})

	for i := 0; i < taskCount; i++ {
		if _, err := ing.Ingest(ctx, "", ingest.Request{
			SourceID:      fmt.Sprintf("backup-%d", i),
			Segment:       "drill",
			KnowledgeRefs: []string{"https://example.invalid/drill"},
		}); err != nil {
			return fmt.Errorf("ingest %d: %w", i, err)
		}
		res, err := claims.Claim(ctx, agentID, claim.Request{})
		if err != nil {
			return fmt.Errorf("claim %d: %w", i, err)
		}
		if _, err := subs.Submit(ctx, agentID, submission.Request{
			TaskID: res.Task.ID,
			Status: persistence.StatusCompleted,
			Notes:  "drill",
		}); err != nil {
			return fmt.Errorf("submit %d: %w", i, err)
		}
	}
	return nil
}
