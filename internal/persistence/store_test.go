package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
)

// testStores returns one of each backend so every behaviour is checked on both.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	memStore, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create memory store: %v", err)
	}
	t.Cleanup(func() {
		memStore.Close()
	})
	return map[string]Store{"file": fileStore, "sqlite": memStore}
}

func sampleState() *session.State {
	start := time.Date(2026, 3, 4, 10, 0, 0, 123, time.UTC)
	st := session.New("billing", 3, 3, start)
	st.CompletedCount = 1
	st.TotalDispatches = 2
	st.ConsecutiveFailures = 1
	st.LastSuccessfulTaskID = "1"
	st.LastError = "TASK_LIMIT"
	st.TaskFingerprint = "00000000deadbeef"
	st.StartTask("2", start.Add(time.Minute))
	st.Touch(start.Add(2 * time.Minute))
	return st
}

func sampleTasks() []*scheduler.Task {
	return []*scheduler.Task{
		{ID: "2", Title: "API", Priority: 0, Status: scheduler.TaskInProgress, DependsOn: []string{"1"}, BlockerCount: 1},
		{ID: "1", Title: "Schema", Description: "tables", Priority: 1, Status: scheduler.TaskDone},
		{ID: "3", Title: "Docs", Priority: 2, Status: scheduler.TaskSkipped, SkipReason: "failed 3 times", BlockerCount: 3, DependsOn: []string{"2", "1"}, ParallelEligible: true},
	}
}

func TestLoadBeforeSave(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.LoadState(ctx); !errors.Is(err, ErrNotFound) {
				t.Errorf("LoadState error = %v, want ErrNotFound", err)
			}
			if _, err := store.LoadTasks(ctx); !errors.Is(err, ErrNotFound) {
				t.Errorf("LoadTasks error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleState()
			if err := store.SaveState(ctx, want); err != nil {
				t.Fatalf("SaveState failed: %v", err)
			}

			got, err := store.LoadState(ctx)
			if err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if got.SessionID != want.SessionID || got.Status != want.Status || got.Phase != want.Phase {
				t.Errorf("identity mismatch: got %+v", got)
			}
			if got.TotalDispatches != 2 || got.CompletedCount != 1 || got.ConsecutiveFailures != 1 {
				t.Errorf("counters mismatch: got %+v", got)
			}
			if !got.CanResume || got.LastError != "TASK_LIMIT" || got.TaskFingerprint != want.TaskFingerprint {
				t.Errorf("recovery fields mismatch: got %+v", got)
			}
			if !got.LastHeartbeat.Equal(want.LastHeartbeat) {
				t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, want.LastHeartbeat)
			}
			if got.CurrentTaskID != "2" || got.CurrentTaskStartedAt == nil || !got.CurrentTaskStartedAt.Equal(*want.CurrentTaskStartedAt) {
				t.Errorf("current task mismatch: %q %v", got.CurrentTaskID, got.CurrentTaskStartedAt)
			}

			// Overwrite clears the in-flight task.
			want.ClearTask()
			want.Status = session.StatusCompleted
			if err := store.SaveState(ctx, want); err != nil {
				t.Fatalf("second SaveState failed: %v", err)
			}
			got, err = store.LoadState(ctx)
			if err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if got.CurrentTaskStartedAt != nil || got.Status != session.StatusCompleted {
				t.Errorf("overwrite not applied: %+v", got)
			}
		})
	}
}

func TestTasksRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleTasks()
			if err := store.SaveTasks(ctx, want); err != nil {
				t.Fatalf("SaveTasks failed: %v", err)
			}
			got, err := store.LoadTasks(ctx)
			if err != nil {
				t.Fatalf("LoadTasks failed: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				for i := range got {
					t.Logf("got[%d] = %+v", i, got[i])
				}
				t.Fatal("round-tripped tasks differ")
			}

			// A smaller save replaces the previous graph entirely.
			if err := store.SaveTasks(ctx, want[1:2]); err != nil {
				t.Fatalf("SaveTasks failed: %v", err)
			}
			got, err = store.LoadTasks(ctx)
			if err != nil {
				t.Fatalf("LoadTasks failed: %v", err)
			}
			if len(got) != 1 || got[0].ID != "1" {
				t.Errorf("got %d tasks after replace, want only task 1", len(got))
			}
		})
	}
}

func TestSQLiteRejectsDanglingDependency(t *testing.T) {
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	err = store.SaveTasks(context.Background(), []*scheduler.Task{
		{ID: "1", Title: "A", Status: scheduler.TaskPending, DependsOn: []string{"ghost"}},
	})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
	if _, err := store.LoadTasks(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed save left rows behind: %v", err)
	}
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(ctx, BackendSQLite, dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.SaveState(ctx, sampleState()); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	store.Close()

	reopened, err := Open(ctx, BackendSQLite, dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	st, err := reopened.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState after reopen failed: %v", err)
	}
	if st.Spec != "billing" {
		t.Errorf("Spec = %q, want billing", st.Spec)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), "redis", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 3; i++ {
		if err := WriteFileAtomic(path, []byte(`{"n":1}`), 0644); err != nil {
			t.Fatalf("WriteFileAtomic failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want only state.json", names)
	}
}

func TestFileStoreCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = store.LoadState(context.Background())
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("LoadState error = %v, want parse error", err)
	}
}
