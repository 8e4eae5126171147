// Package journal persists the kernel as an append-only log of entity
// snapshots, one logical stream per entity type, replay-reconstructible
// into the in-memory stores. Durability is optional: the kernel is fully
// functional with a nil journal.
package journal

import (
	"context"

	"github.com/crewmesh/crewmesh/pkg/models"
)

// Entity stream names.
const (
	EntityAgent      = "agent"
	EntityTask       = "task"
	EntityMessage    = "message"
	EntityEscalation = "escalation"
)

// Entry is one appended snapshot. Snapshot holds the record JSON; replay
// applies entries in seq order so the last snapshot per id wins.
type Entry struct {
	Seq       int64
	Entity    string
	EntityID  string
	Snapshot  []byte
	CreatedAt int64 // unix seconds
}

// Journal is the persistence interface. Implementations: *SQLite (default,
// at home/protected/journal.sqlite) and *postgres.Journal.
//
// Record appends are best-effort from the caller's point of view: the
// kernel logs append failures and carries on, because a failed append must
// never roll back a committed in-memory mutation.
type Journal interface {
	RecordAgent(ctx context.Context, a models.Agent)
	RecordTask(ctx context.Context, t models.Task)
	RecordMessage(ctx context.Context, m models.Message)
	RecordEscalation(ctx context.Context, e models.Escalation)

	// Replay streams all entries in append order.
	Replay(ctx context.Context, fn func(entry Entry) error) error
	Close() error
}
