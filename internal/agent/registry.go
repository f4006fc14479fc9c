// Package agent is the durable agent registry: a flat catalogue of
// named workers and when they were last active.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/squadhq/squad/internal/fault"
)

// DBFileName is the agent database file inside the state dir.
const DBFileName = "agents.db"

// Agent is one registered worker.
type Agent struct {
	Name         string    `db:"name" json:"name"`
	Program      string    `db:"program" json:"program"`
	Model        string    `db:"model" json:"model,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastActiveAt time.Time `db:"last_active_at" json:"last_active_at"`
}

// Registry stores agents in a small SQLite database. A single
// connection serializes all access; the table never grows past a few
// hundred rows.
type Registry struct {
	db   *sqlx.DB
	path string
}

// Open opens (creating if needed) the agent database at path.
func Open(path string) (*Registry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving registry path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("creating registry dir: %w", err)
	}
	db, err := sqlx.Connect("sqlite3",
		fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", abs))
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "opening agent registry")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Registry{db: db, path: abs}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing registry schema: %w", err)
	}
	return r, nil
}

// Close closes the database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Path returns the database file path.
func (r *Registry) Path() string { return r.path }

// Checkpoint flushes the WAL into the main database file so the bytes
// at Path are complete without the -wal sidecar.
func (r *Registry) Checkpoint(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fault.Wrap(fault.Unavailable, err, "checkpointing agent registry")
	}
	return nil
}

func (r *Registry) initSchema() error {
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS agents (
	name           TEXT PRIMARY KEY,
	program        TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_last_active ON agents(last_active_at);`)
	return err
}

// Register records an agent. With an empty name a fresh one is invented
// from the dictionary. Registering a known name returns the existing
// record unchanged, so callers can re-register on every spawn.
func (r *Registry) Register(ctx context.Context, name, program, model string) (*Agent, error) {
	if name == "" {
		known, err := r.knownNames(ctx)
		if err != nil {
			return nil, err
		}
		name = randomName(func(candidate string) bool { return known[candidate] })
	} else if !ValidName(name) {
		return nil, fault.Errorf(fault.Validation, "agent name %q is not two PascalCase words", name)
	}

	if existing, err := r.Get(ctx, name); err == nil {
		return existing, nil
	} else if !fault.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	a := &Agent{Name: name, Program: program, Model: model, CreatedAt: now, LastActiveAt: now}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO agents (name, program, model, created_at, last_active_at)
VALUES (?, ?, ?, ?, ?)`,
		a.Name, a.Program, a.Model, a.CreatedAt, a.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("registering agent %s: %w", name, err)
	}
	return a, nil
}

// Get returns one agent by name.
func (r *Registry) Get(ctx context.Context, name string) (*Agent, error) {
	var a Agent
	err := r.db.GetContext(ctx, &a, `SELECT * FROM agents WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.NotFound, "agent %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", name, err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastActiveAt = a.LastActiveAt.UTC()
	return &a, nil
}

// List returns all agents sorted by last activity, newest first.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	err := r.db.SelectContext(ctx, &agents,
		`SELECT * FROM agents ORDER BY last_active_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

// Recent returns agents active within the window, newest first.
func (r *Registry) Recent(ctx context.Context, within time.Duration) ([]*Agent, error) {
	cutoff := time.Now().UTC().Add(-within)
	var agents []*Agent
	err := r.db.SelectContext(ctx, &agents,
		`SELECT * FROM agents WHERE last_active_at >= ? ORDER BY last_active_at DESC, name ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing recent agents: %w", err)
	}
	return agents, nil
}

// Touch updates an agent's last activity time. Unknown agents are a
// no-op so signal handling never fails on a stale registry.
func (r *Registry) Touch(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE agents SET last_active_at = ? WHERE name = ?`, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("touching agent %s: %w", name, err)
	}
	return nil
}

// Purge removes agents idle longer than the window and reports how many
// were removed.
func (r *Registry) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE last_active_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging agents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count returns the number of registered agents.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM agents`); err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return n, nil
}

func (r *Registry) knownNames(ctx context.Context) (map[string]bool, error) {
	var names []string
	if err := r.db.SelectContext(ctx, &names, `SELECT name FROM agents`); err != nil {
		return nil, fmt.Errorf("loading agent names: %w", err)
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	return known, nil
}
