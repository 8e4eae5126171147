// Package postgres is the PostgreSQL journal, for deployments where the
// kernel's append-only log should live in a shared database instead of a
// local SQLite file.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewmesh/crewmesh/internal/journal"
	"github.com/crewmesh/crewmesh/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is the PostgreSQL implementation of journal.Journal.
type Journal struct {
	Pool *pgxpool.Pool
}

// Open opens a PostgreSQL connection pool and runs migrations. dsn may be
// empty to use DATABASE_URL env.
func Open(dsn string) (*Journal, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	j := &Journal{Pool: pool}
	if err := j.Migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the connection pool.
func (j *Journal) Close() error {
	if j == nil || j.Pool == nil {
		return nil
	}
	j.Pool.Close()
	return nil
}

// Migrate runs pending migrations (only those not already in
// schema_migrations).
func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at BIGINT NOT NULL
);`); err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := j.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
	}

	type mig struct {
		version int
		name    string
		sql     string
	}
	var migs []mig
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			continue
		}
		if applied[v] {
			continue
		}
		body, _ := migrationsFS.ReadFile("migrations/" + f.Name())
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, k int) bool { return migs[i].version < migs[k].version })

	for _, m := range migs {
		if _, err := j.Pool.Exec(ctx, m.sql); err != nil && !strings.Contains(err.Error(), "already exists") {
			return err
		}
		if _, err := j.Pool.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) append(ctx context.Context, entity, entityID string, v any) {
	snapshot, err := json.Marshal(v)
	if err != nil {
		slog.Warn("journal marshal failed", "entity", entity, "id", entityID, "err", err)
		return
	}
	if _, err := j.Pool.Exec(ctx,
		`INSERT INTO journal(entity, entity_id, snapshot, created_at) VALUES($1, $2, $3, $4)`,
		entity, entityID, string(snapshot), time.Now().Unix()); err != nil {
		slog.Warn("journal append failed", "entity", entity, "id", entityID, "err", err)
	}
}

func (j *Journal) RecordAgent(ctx context.Context, a models.Agent) {
	j.append(ctx, journal.EntityAgent, a.Name, a)
}

func (j *Journal) RecordTask(ctx context.Context, t models.Task) {
	j.append(ctx, journal.EntityTask, t.ID, t)
}

func (j *Journal) RecordMessage(ctx context.Context, m models.Message) {
	j.append(ctx, journal.EntityMessage, m.ID, m)
}

func (j *Journal) RecordEscalation(ctx context.Context, e models.Escalation) {
	j.append(ctx, journal.EntityEscalation, e.ID, e)
}

// Replay streams every entry in append order.
func (j *Journal) Replay(ctx context.Context, fn func(entry journal.Entry) error) error {
	rows, err := j.Pool.Query(ctx,
		`SELECT seq, entity, entity_id, snapshot, created_at FROM journal ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e journal.Entry
		var snapshot string
		if err := rows.Scan(&e.Seq, &e.Entity, &e.EntityID, &snapshot, &e.CreatedAt); err != nil {
			return err
		}
		e.Snapshot = []byte(snapshot)
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
