// Command lease_recovery_crash checks that a task claimed by a process that
// dies mid-lease goes back to the queue on the next sweep. Run prepare, then
// claim-sleep (and SIGKILL it), then recover.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/workqueue/internal/claim"
	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/ingest"
	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/preference"
	"github.com/basket/workqueue/internal/reclaim"
	"github.com/basket/workqueue/internal/refdata"
)

const (
	agentID  = "crash-1"
	segment  = "verify"
	sourceID = "lease-crash"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	skew := flag.Duration("skew", 5*time.Minute, "clock skew applied in recover mode so the 1m lease has expired")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	var opts []persistence.Option
	if *mode == "recover" {
		opts = append(opts, persistence.WithClock(func() time.Time { return time.Now().Add(*skew) }))
	}
	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	enums := refdata.NewResolver(store)
	leases := lease.NewManager(lease.Config{Store: store})

	switch *mode {
	case "prepare":
		if err := store.UpsertAgent(ctx, persistence.Agent{ID: agentID, RoleKey: "verify", DisplayName: "crash drill"}); err != nil {
			fail("upsert agent", err)
		}
		if _, err := store.UpsertPreference(ctx, persistence.AgentPreference{
			AgentID:              agentID,
			PrimarySegments:      []string{segment},
			PickupStatuses:       []string{persistence.StatusQueued, persistence.StatusReturned},
			ActiveStatuses:       []string{persistence.StatusInProgress},
			AcceptStatus:         persistence.StatusInProgress,
			ReturnStatus:         persistence.StatusReturned,
			MaxInProgressMinutes: 1,
		}); err != nil {
			fail("upsert preference", err)
		}
		res, err := ingest.NewService(store, enums, config.Config{}, nil, nil, nil).Ingest(ctx, "", ingest.Request{
			SourceID:      sourceID,
			Segment:       segment,
			Title:         "lease crash drill",
			KnowledgeRefs: []string{"https://example.invalid/lease-crash"},
		})
		if err != nil {
			fail("ingest", err)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", res.TaskID)
	case "claim-sleep":
		engine := claim.NewEngine(claim.Config{
			Store:       store,
			Preferences: preference.NewService(store, enums, config.Config{}, nil),
			Enums:       enums,
			Leases:      leases,
		})
		res, err := engine.Claim(ctx, agentID, claim.Request{})
		if err != nil {
			fail("claim task", err)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", res.Task.ID)
		fmt.Printf("LEASE_TOKEN=%s\n", res.Lease.Token)
		fmt.Printf("LEASE_EXPIRES=%s\n", res.Lease.ExpiresAt.Format(time.RFC3339))
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		job, err := reclaim.NewJob(reclaim.Config{Store: store, Leases: leases})
		if err != nil {
			fail("reclaim job", err)
		}
		swept, err := job.Sweep(ctx)
		if err != nil {
			fail("sweep", err)
		}
		task, err := store.GetTaskByExternalRef(ctx, sourceID)
		if err != nil {
			fail("load task", err)
		}
		fmt.Printf("RECLAIMED=%d FAILED=%d\n", swept.Reclaimed, swept.Failed)
		fmt.Printf("TASK_STATUS id=%s status=%s assigned_to=%q version=%d\n", task.ID, task.StatusCode, task.AssignedTo, task.Version)
		if task.AssignedTo != "" || task.LockedUntil != nil {
			fmt.Println("VERDICT FAIL: task still held after recovery")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
