package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewmesh/crewmesh/pkg/models"
)

func TestSQLite_appendAndReplay(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	j, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = j.Close() }()
	ctx := context.Background()

	j.RecordAgent(ctx, models.Agent{Name: "dev", RoleLevel: 4, Status: models.AgentAvailable})
	j.RecordTask(ctx, models.Task{ID: "t1", Title: "one", Status: models.TaskPending, Version: 1})
	j.RecordTask(ctx, models.Task{ID: "t1", Title: "one", Status: models.TaskAssigned, AssignedAgent: "dev", Version: 2})
	j.RecordMessage(ctx, models.Message{ID: "m1", From: "dev", To: "qa", Status: models.MessageDelivered})
	j.RecordEscalation(ctx, models.Escalation{ID: "e1", TaskID: "t1", Severity: models.SeverityHigh, Status: models.EscalationOpen})

	var entries []Entry
	err = j.Replay(ctx, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries: %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatal("replay must stream in seq order")
		}
	}
	if entries[0].Entity != EntityAgent || entries[0].EntityID != "dev" {
		t.Errorf("first entry: %+v", entries[0])
	}

	// The last task snapshot carries the assignment.
	var last models.Task
	if err := json.Unmarshal(entries[2].Snapshot, &last); err != nil {
		t.Fatal(err)
	}
	if last.Version != 2 || last.AssignedAgent != "dev" {
		t.Errorf("task snapshot: %+v", last)
	}
}

func TestSQLite_persistsAcrossReopen(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	j, err := Open(home)
	if err != nil {
		t.Fatal(err)
	}
	j.RecordAgent(context.Background(), models.Agent{Name: "dev", RoleLevel: 4})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	again, err := Open(home)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = again.Close() }()
	count := 0
	if err := again.Replay(context.Background(), func(Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("entries after reopen: %d", count)
	}

	if _, err := os.Stat(filepath.Join(home, "protected", "journal.sqlite")); err != nil {
		t.Errorf("journal file missing: %v", err)
	}
}

func TestSQLite_migrateIdempotent(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j.Close() }()
	// Open already migrated; a second run is a no-op.
	if err := j.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestEntry_timestamps(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j.Close() }()
	before := time.Now().Unix()
	j.RecordAgent(context.Background(), models.Agent{Name: "dev"})
	_ = j.Replay(context.Background(), func(e Entry) error {
		if e.CreatedAt < before {
			t.Errorf("CreatedAt %d before append time %d", e.CreatedAt, before)
		}
		return nil
	})
}
