package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/squadhq/squad/internal/fault"
)

// DBFileName is the task database file inside the state dir.
const DBFileName = "tasks.db"

const (
	busyTimeout = 5 * time.Second

	// WAL allows many readers alongside the single writer.
	readerConns = 4
)

// Store is the durable task repository. Writes go through a single
// connection so SQLite never sees two writers; reads use a separate
// read-only pool.
type Store struct {
	db      *sqlx.DB // writer, max one connection
	ro      *sqlx.DB // read-only pool
	path    string
	project string
}

// Open opens (creating if needed) the task database at path. project
// is the id prefix for new root tasks. The database is integrity
// checked before use.
func Open(path, project string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		abs, int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Connect("sqlite3", writerDSN)
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "opening task db")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d",
		abs, int(busyTimeout/time.Millisecond),
	)
	ro, err := sqlx.Connect("sqlite3", readerDSN)
	if err != nil {
		db.Close()
		return nil, fault.Wrap(fault.Unavailable, err, "opening task db reader")
	}
	ro.SetMaxOpenConns(readerConns)
	ro.SetMaxIdleConns(readerConns)

	s := &Store{db: db, ro: ro, path: abs, project: project}
	if err := s.initSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing task schema: %w", err)
	}
	if err := s.checkIntegrity(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both database handles.
func (s *Store) Close() error {
	var first error
	if err := s.db.Close(); err != nil {
		first = err
	}
	if err := s.ro.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Checkpoint flushes the WAL into the main database file so the bytes
// at Path are complete without the -wal sidecar.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fault.Wrap(fault.Unavailable, err, "checkpointing task db")
	}
	return nil
}

// Count returns the number of stored tasks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM tasks`); err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return n, nil
}

// Project returns the id prefix used for new root tasks.
func (s *Store) Project() string { return s.project }

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	notes        TEXT NOT NULL DEFAULT '',
	issue_type   TEXT NOT NULL DEFAULT 'task',
	priority     INTEGER NOT NULL DEFAULT 2,
	status       TEXT NOT NULL DEFAULT 'open',
	assignee     TEXT NOT NULL DEFAULT '',
	parent       TEXT NOT NULL DEFAULT '',
	seq          INTEGER NOT NULL DEFAULT 0,
	labels       TEXT NOT NULL DEFAULT '[]',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	closed_at    TIMESTAMP,
	close_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	depends_on TEXT NOT NULL REFERENCES tasks(id),
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);
CREATE INDEX IF NOT EXISTS idx_deps_reverse ON task_deps(depends_on);
`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`PRAGMA user_version = 1`)
	return err
}

// checkIntegrity runs SQLite's quick check. A corrupt store refuses to
// serve; recovery goes through backup restore.
func (s *Store) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.GetContext(ctx, &result, `PRAGMA quick_check`); err != nil {
		return fault.Wrap(fault.Integrity, err, "task db integrity check")
	}
	if result != "ok" {
		return fault.Errorf(fault.Integrity, "task db integrity check failed: %s", result)
	}
	return nil
}

// taskRow is the sqlx scan target; labels are stored as a JSON array.
type taskRow struct {
	ID          string       `db:"id"`
	Title       string       `db:"title"`
	Description string       `db:"description"`
	Notes       string       `db:"notes"`
	IssueType   string       `db:"issue_type"`
	Priority    int          `db:"priority"`
	Status      string       `db:"status"`
	Assignee    string       `db:"assignee"`
	Parent      string       `db:"parent"`
	Seq         int          `db:"seq"`
	Labels      string       `db:"labels"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	ClosedAt    sql.NullTime `db:"closed_at"`
	CloseReason string       `db:"close_reason"`
}

func (r *taskRow) toTask() *Task {
	t := &Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Notes:       r.Notes,
		IssueType:   IssueType(r.IssueType),
		Priority:    r.Priority,
		Status:      Status(r.Status),
		Assignee:    r.Assignee,
		Parent:      r.Parent,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		CloseReason: r.CloseReason,
	}
	if r.ClosedAt.Valid {
		closed := r.ClosedAt.Time.UTC()
		t.ClosedAt = &closed
	}
	if err := json.Unmarshal([]byte(r.Labels), &t.Labels); err != nil {
		t.Labels = nil
	}
	return t
}

const selectColumns = `id, title, description, notes, issue_type, priority, status,
	assignee, parent, seq, labels, created_at, updated_at, closed_at, close_reason`

// Get returns one task with its dependency edges loaded.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	var row taskRow
	err := s.ro.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.NotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	t := row.toTask()
	deps, err := s.DepsOf(ctx, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

// List returns tasks matching the filter, newest first, with dependency
// edges loaded.
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, error) {
	query := `SELECT ` + selectColumns + ` FROM tasks`
	var conds []string
	var args []interface{}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.IssueType != "" {
		conds = append(conds, "issue_type = ?")
		args = append(args, string(f.IssueType))
	}
	if f.Assignee != "" {
		conds = append(conds, "assignee = ?")
		args = append(args, f.Assignee)
	}
	if f.Parent != "" {
		conds = append(conds, "parent = ?")
		args = append(args, f.Parent)
	}
	if f.Label != "" {
		conds = append(conds, `labels LIKE '%"' || ? || '"%'`)
		args = append(args, f.Label)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []taskRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return s.attachDeps(ctx, rows)
}

// Ready returns open tasks whose dependencies are all closed, sorted by
// priority then age. Epics with open children are excluded because
// every epic depends on its children.
func (s *Store) Ready(ctx context.Context) ([]*Task, error) {
	query := `
SELECT ` + selectColumns + ` FROM tasks t
WHERE t.status = 'open'
  AND NOT EXISTS (
	SELECT 1 FROM task_deps d
	JOIN tasks dt ON dt.id = d.depends_on
	WHERE d.task_id = t.id AND dt.status != 'closed'
  )
ORDER BY t.priority ASC, t.created_at ASC, t.id ASC`

	var rows []taskRow
	if err := s.ro.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("querying ready tasks: %w", err)
	}
	return s.attachDeps(ctx, rows)
}

// Blocked returns open or in_progress tasks with at least one non-closed
// dependency.
func (s *Store) Blocked(ctx context.Context) ([]*Task, error) {
	query := `
SELECT ` + selectColumns + ` FROM tasks t
WHERE t.status IN ('open', 'in_progress', 'blocked')
  AND EXISTS (
	SELECT 1 FROM task_deps d
	JOIN tasks dt ON dt.id = d.depends_on
	WHERE d.task_id = t.id AND dt.status != 'closed'
  )
ORDER BY t.priority ASC, t.created_at ASC`

	var rows []taskRow
	if err := s.ro.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("querying blocked tasks: %w", err)
	}
	return s.attachDeps(ctx, rows)
}

// Children returns a parent's children ordered by their sequence number.
func (s *Store) Children(ctx context.Context, parent string) ([]*Task, error) {
	var rows []taskRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM tasks WHERE parent = ? ORDER BY seq ASC`, parent)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parent, err)
	}
	return s.attachDeps(ctx, rows)
}

// attachDeps batch-loads dependency edges for a result set.
func (s *Store) attachDeps(ctx context.Context, rows []taskRow) ([]*Task, error) {
	tasks := make([]*Task, len(rows))
	if len(rows) == 0 {
		return tasks, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
		ids[i] = r.ID
	}

	query, args, err := sqlx.In(`SELECT task_id, depends_on FROM task_deps WHERE task_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var edges []struct {
		TaskID    string `db:"task_id"`
		DependsOn string `db:"depends_on"`
	}
	if err := s.ro.SelectContext(ctx, &edges, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading dependency edges: %w", err)
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, e := range edges {
		if t, ok := byID[e.TaskID]; ok {
			t.DependsOn = append(t.DependsOn, e.DependsOn)
		}
	}
	for _, t := range tasks {
		sort.Strings(t.DependsOn)
	}
	return tasks, nil
}

// DepsOf returns the ids a task depends on, sorted.
func (s *Store) DepsOf(ctx context.Context, id string) ([]string, error) {
	var deps []string
	err := s.ro.SelectContext(ctx, &deps,
		`SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on`, id)
	if err != nil {
		return nil, fmt.Errorf("loading deps of %s: %w", id, err)
	}
	return deps, nil
}

// Dependents returns the ids that depend on a task, sorted.
func (s *Store) Dependents(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := s.ro.SelectContext(ctx, &ids,
		`SELECT task_id FROM task_deps WHERE depends_on = ? ORDER BY task_id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading dependents of %s: %w", id, err)
	}
	return ids, nil
}

// Stats returns store-wide counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	rows, err := s.ro.QueryxContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.Total += n
		switch Status(status) {
		case StatusOpen:
			st.Open = n
		case StatusInProgress:
			st.InProgress = n
		case StatusBlocked:
			st.Blocked = n
		case StatusClosed:
			st.Closed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.ro.GetContext(ctx, &st.Deps, `SELECT COUNT(*) FROM task_deps`); err != nil {
		return nil, fmt.Errorf("counting deps: %w", err)
	}
	return st, nil
}
