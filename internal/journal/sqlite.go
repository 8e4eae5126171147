package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crewmesh/crewmesh/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is the default journal, stored at home/protected/journal.sqlite.
type SQLite struct {
	DB *sql.DB
	// Prepared statement for the append hot path (prepared at open, closed
	// in Close).
	stmtAppend *sql.Stmt
}

// Open opens (creating if needed) the SQLite journal under home.
func Open(home string) (*SQLite, error) {
	dbPath := filepath.Join(home, "protected", "journal.sqlite")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	return OpenDSN("file:" + dbPath + "?_pragma=busy_timeout(5000)")
}

// OpenDSN opens the SQLite journal at an explicit DSN.
func OpenDSN(dsn string) (*SQLite, error) {
	if dsn == "" {
		return nil, errors.New("sqlite DSN required")
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	j := &SQLite{DB: db}
	if err := j.initPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	j.stmtAppend, err = db.PrepareContext(context.Background(),
		`INSERT INTO journal(entity, entity_id, snapshot, created_at) VALUES(?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLite) Close() error {
	if j == nil || j.DB == nil {
		return nil
	}
	if j.stmtAppend != nil {
		_ = j.stmtAppend.Close()
	}
	return j.DB.Close()
}

func (j *SQLite) initPragmas(ctx context.Context) error {
	// WAL keeps appends cheap while replay reads are running elsewhere.
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, q := range stmts {
		if _, err := j.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Migrate applies embedded migrations in version order.
func (j *SQLite) Migrate(ctx context.Context) error {
	if j == nil || j.DB == nil {
		return errors.New("journal not initialized")
	}
	if _, err := j.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}

	applied, err := j.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationVersion(f.Name())
		if err != nil {
			return err
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{Version: v, Name: f.Name(), SQL: string(body)})
	}
	sort.Slice(migs, func(i, k int) bool { return migs[i].Version < migs[k].Version })

	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := j.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

func (j *SQLite) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := j.DB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (j *SQLite) applyMigration(ctx context.Context, m migration) error {
	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) < 1 {
		return 0, fmt.Errorf("invalid migration filename: %s", filename)
	}
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %s", filename)
	}
	return v, nil
}

func (j *SQLite) append(ctx context.Context, entity, entityID string, v any) {
	snapshot, err := json.Marshal(v)
	if err != nil {
		slog.Warn("journal marshal failed", "entity", entity, "id", entityID, "err", err)
		return
	}
	if _, err := j.stmtAppend.ExecContext(ctx, entity, entityID, string(snapshot), time.Now().Unix()); err != nil {
		slog.Warn("journal append failed", "entity", entity, "id", entityID, "err", err)
	}
}

func (j *SQLite) RecordAgent(ctx context.Context, a models.Agent) {
	j.append(ctx, EntityAgent, a.Name, a)
}

func (j *SQLite) RecordTask(ctx context.Context, t models.Task) {
	j.append(ctx, EntityTask, t.ID, t)
}

func (j *SQLite) RecordMessage(ctx context.Context, m models.Message) {
	j.append(ctx, EntityMessage, m.ID, m)
}

func (j *SQLite) RecordEscalation(ctx context.Context, e models.Escalation) {
	j.append(ctx, EntityEscalation, e.ID, e)
}

// Replay streams every entry in append order.
func (j *SQLite) Replay(ctx context.Context, fn func(entry Entry) error) error {
	rows, err := j.DB.QueryContext(ctx,
		`SELECT seq, entity, entity_id, snapshot, created_at FROM journal ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e Entry
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
