package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/capman/pkg/cloud/simulated"
	"github.com/openfroyo/capman/pkg/execution"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/repository"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func snapshot(id string, kind execution.Kind, state execution.State, submitted time.Time) execution.Snapshot {
	return execution.Snapshot{
		ID:          id,
		Kind:        kind,
		Description: string(kind) + " " + id,
		ObjectType:  "node",
		ObjectID:    "worker-" + id,
		State:       state,
		SubmittedAt: submitted,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "capman.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"executions", "execution_events", "scaling_groups"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRecordExecution(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	submitted := time.Now().Add(-time.Minute)
	snap := snapshot("e1", execution.KindNodeTerminate, execution.StateRunning, submitted)
	snap.StartedAt = &submitted
	if err := store.RecordExecution(ctx, snap); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	finished := time.Now()
	snap.State = execution.StateAborted
	snap.Attempts = 3
	snap.Error = "attempts exhausted"
	snap.CompensationError = "restart failed"
	snap.NeedsIntervention = true
	snap.FinishedAt = &finished
	if err := store.RecordExecution(ctx, snap); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	rec, err := store.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if rec.State != execution.StateAborted || rec.Attempts != 3 {
		t.Errorf("unexpected state/attempts: %s/%d", rec.State, rec.Attempts)
	}
	if !rec.NeedsIntervention || rec.CompensationError != "restart failed" {
		t.Errorf("intervention not persisted: %+v", rec)
	}
	if rec.Kind != execution.KindNodeTerminate || rec.ObjectID != "worker-e1" {
		t.Errorf("unexpected kind/object: %s/%s", rec.Kind, rec.ObjectID)
	}
	if !rec.SubmittedAt.Equal(submitted) {
		t.Errorf("submitted_at = %v, want %v", rec.SubmittedAt, submitted)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil || !rec.FinishedAt.Equal(finished) {
		t.Errorf("unexpected timestamps: started=%v finished=%v", rec.StartedAt, rec.FinishedAt)
	}

	events, err := store.ListEvents(ctx, "e1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].State != execution.StateRunning || events[1].State != execution.StateAborted {
		t.Errorf("unexpected event order: %s, %s", events[0].State, events[1].State)
	}
	if events[1].Error != "attempts exhausted" {
		t.Errorf("unexpected event error: %q", events[1].Error)
	}
}

func TestRecordRejectReasons(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	snap := snapshot("e1", execution.KindApplicationTerminate, execution.StateRejected, time.Now())
	snap.RejectReasons = []string{"last application of scaling group", "precondition not met"}
	if err := store.RecordExecution(ctx, snap); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	rec, err := store.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if len(rec.RejectReasons) != 2 || rec.RejectReasons[0] != "last application of scaling group" {
		t.Errorf("unexpected reject reasons: %v", rec.RejectReasons)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetExecution(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListExecutions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	snaps := []execution.Snapshot{
		snapshot("a", execution.KindNodeStart, execution.StateSuccFinished, base),
		snapshot("b", execution.KindNodeStart, execution.StateAborted, base.Add(time.Minute)),
		snapshot("c", execution.KindApplicationMigrate, execution.StateAborted, base.Add(2*time.Minute)),
		snapshot("d", execution.KindApplicationMigrate, execution.StateRunning, base.Add(3*time.Minute)),
	}
	snaps[2].NeedsIntervention = true
	for _, s := range snaps {
		if err := store.RecordExecution(ctx, s); err != nil {
			t.Fatalf("failed to record %s: %v", s.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter ExecutionFilter
		want   []string
	}{
		{name: "all newest first", filter: ExecutionFilter{}, want: []string{"d", "c", "b", "a"}},
		{name: "by kind", filter: ExecutionFilter{Kind: execution.KindNodeStart}, want: []string{"b", "a"}},
		{name: "by state", filter: ExecutionFilter{State: execution.StateAborted}, want: []string{"c", "b"}},
		{name: "needs intervention", filter: ExecutionFilter{NeedsIntervention: true}, want: []string{"c"}},
		{name: "limit", filter: ExecutionFilter{Limit: 2}, want: []string{"d", "c"}},
		{name: "offset", filter: ExecutionFilter{Limit: 2, Offset: 2}, want: []string{"b", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.ListExecutions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list: %v", err)
			}
			if len(records) != len(tt.want) {
				t.Fatalf("expected %d records, got %d", len(tt.want), len(records))
			}
			for i, id := range tt.want {
				if records[i].ID != id {
					t.Errorf("record %d = %s, want %s", i, records[i].ID, id)
				}
			}
		})
	}
}

func TestPruneExecutions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	finished := old.Add(time.Minute)

	done := snapshot("old-done", execution.KindNodeStart, execution.StateSuccFinished, old)
	done.FinishedAt = &finished
	running := snapshot("old-running", execution.KindNodeStart, execution.StateRunning, old)
	recent := snapshot("recent", execution.KindNodeStart, execution.StateSuccFinished, time.Now())
	recent.FinishedAt = &finished
	for _, s := range []execution.Snapshot{done, running, recent} {
		if err := store.RecordExecution(ctx, s); err != nil {
			t.Fatalf("failed to record %s: %v", s.ID, err)
		}
	}

	pruned, err := store.PruneExecutions(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned execution, got %d", pruned)
	}

	if _, err := store.GetExecution(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old-done to be gone, got %v", err)
	}
	events, err := store.ListEvents(ctx, "old-done")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected events to be cascaded, got %d", len(events))
	}
}

func TestScalingGroups(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	policies := []model.ScalingPolicy{
		{
			Name:                         "worker",
			ApplicationFolder:            "worker",
			StartApplicationScript:       "start.sh",
			TerminateApplicationScript:   "stop.sh",
			WaitTimeForApplicationAction: 5 * time.Second,
			Dynamic:                      true,
		},
		{
			Name:                   "analysis",
			ApplicationFolder:      "analysis",
			StartApplicationScript: "run.sh",
		},
	}
	if err := store.SaveScalingGroups(ctx, policies); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err := store.LoadScalingGroups(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 scaling groups, got %d", len(loaded))
	}
	if loaded[0].Name != "analysis" || loaded[1] != policies[0] {
		t.Errorf("unexpected scaling groups: %+v", loaded)
	}

	// Saving replaces the previous set.
	if err := store.SaveScalingGroups(ctx, policies[:1]); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	loaded, err = store.LoadScalingGroups(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "worker" {
		t.Errorf("expected only worker, got %+v", loaded)
	}

	duplicate := []model.ScalingPolicy{policies[1], policies[1]}
	if err := store.SaveScalingGroups(ctx, duplicate); err == nil {
		t.Error("expected error for duplicate scaling group names")
	}
	loaded, _ = store.LoadScalingGroups(ctx)
	if len(loaded) != 1 {
		t.Errorf("failed save must not change stored groups, got %+v", loaded)
	}
}

func TestRecorderWithOrganizer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	repo, err := repository.NewMemory()
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	org, err := execution.NewOrganizer(
		execution.Config{MaxTries: 2, RetryInterval: time.Millisecond},
		simulated.New(),
		repo,
		execution.WithRecorder(store),
	)
	if err != nil {
		t.Fatalf("failed to create organizer: %v", err)
	}

	group := model.NewNodeGroup("workers")
	node := model.NewNode(model.NodeSpec{Hostname: "worker1", Image: "ubuntu", Flavor: "m1.small"})
	exec := org.Submit(ctx, execution.NewNodeStart(group, node))
	org.Wait()

	rec, err := store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if rec.State != execution.StateSuccFinished {
		t.Errorf("expected succ_finished, got %s", rec.State)
	}
	if rec.Kind != execution.KindNodeStart || rec.ObjectID != "worker1" {
		t.Errorf("unexpected record: %+v", rec)
	}

	events, err := store.ListEvents(ctx, exec.ID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	var states []execution.State
	for _, ev := range events {
		states = append(states, ev.State)
	}
	if len(states) != 2 || states[0] != execution.StateRunning || states[1] != execution.StateSuccFinished {
		t.Errorf("unexpected recorded states: %v", states)
	}
}
