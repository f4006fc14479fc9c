package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/telemetry"
)

const slugRetries = 5

// withTx runs fn in a write transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func getForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*taskRow, error) {
	var row taskRow
	err := tx.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.NotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return &row, nil
}

// Create inserts one task. When spec.Parent is set the new id is
// <parent>.<n> and the parent gains a dependency on the child, so an
// epic cannot close before its children.
func (s *Store) Create(ctx context.Context, spec CreateSpec) (*Task, error) {
	var created *Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.createInTx(ctx, tx, spec, nil)
		if err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	telemetry.RecordTaskCreated(ctx, string(created.IssueType))
	return created, nil
}

// CreateBulk inserts several tasks in one transaction. Later specs may
// reference earlier specs by Ref in Parent or DependsOn, which is how
// an epic and its wired children are created atomically.
func (s *Store) CreateBulk(ctx context.Context, specs []CreateSpec) ([]*Task, error) {
	if len(specs) == 0 {
		return nil, fault.New(fault.Validation, "no tasks given")
	}
	created := make([]*Task, 0, len(specs))
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		refs := make(map[string]string)
		for i, spec := range specs {
			if spec.Ref != "" {
				if _, dup := refs[spec.Ref]; dup {
					return fault.Errorf(fault.Validation, "duplicate ref %q", spec.Ref)
				}
			}
			t, err := s.createInTx(ctx, tx, spec, refs)
			if err != nil {
				return fmt.Errorf("task %d: %w", i+1, err)
			}
			if spec.Ref != "" {
				refs[spec.Ref] = t.ID
			}
			created = append(created, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range created {
		telemetry.RecordTaskCreated(ctx, string(t.IssueType))
	}
	return created, nil
}

func (s *Store) createInTx(ctx context.Context, tx *sqlx.Tx, spec CreateSpec, refs map[string]string) (*Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	issueType := spec.IssueType
	if issueType == "" {
		issueType = TypeTask
	}
	labels := normalizeLabels(spec.Labels)
	now := time.Now().UTC()

	parent := spec.Parent
	if mapped, ok := refs[parent]; ok {
		parent = mapped
	}

	var id string
	var seq int
	if parent != "" {
		parentRow, err := getForUpdate(ctx, tx, parent)
		if err != nil {
			return nil, err
		}
		if Status(parentRow.Status) == StatusClosed {
			return nil, fault.Errorf(fault.Invariant, "parent %s is closed", parent)
		}
		if err := tx.GetContext(ctx, &seq,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks WHERE parent = ?`, parent); err != nil {
			return nil, fmt.Errorf("numbering child of %s: %w", parent, err)
		}
		id = childID(parent, seq)
		if err := s.insertTask(ctx, tx, id, spec, issueType, labels, parent, seq, now); err != nil {
			return nil, err
		}
	} else {
		var err error
		id, err = s.insertRoot(ctx, tx, spec, issueType, labels, now)
		if err != nil {
			return nil, err
		}
	}

	depIDs, err := resolveDeps(ctx, tx, id, spec.DependsOn, refs)
	if err != nil {
		return nil, err
	}
	for _, dep := range depIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_deps (task_id, depends_on, created_at) VALUES (?, ?, ?)`,
			id, dep, now); err != nil {
			return nil, fmt.Errorf("wiring dep %s -> %s: %w", id, dep, err)
		}
	}

	// The parent depends on the child; children stay unblocked.
	if parent != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_deps (task_id, depends_on, created_at) VALUES (?, ?, ?)`,
			parent, id, now); err != nil {
			return nil, fmt.Errorf("wiring parent dep %s -> %s: %w", parent, id, err)
		}
	}

	return &Task{
		ID:          id,
		Title:       spec.Title,
		Description: spec.Description,
		Notes:       spec.Notes,
		IssueType:   issueType,
		Priority:    spec.Priority,
		Status:      StatusOpen,
		Assignee:    spec.Assignee,
		Parent:      parent,
		DependsOn:   depIDs,
		Labels:      labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// insertRoot generates a fresh root id, retrying on the unlikely slug
// collision.
func (s *Store) insertRoot(ctx context.Context, tx *sqlx.Tx, spec CreateSpec, issueType IssueType, labels []string, now time.Time) (string, error) {
	for attempt := 0; attempt < slugRetries; attempt++ {
		id := rootID(s.project)
		err := s.insertTask(ctx, tx, id, spec, issueType, labels, "", 0, now)
		if err == nil {
			return id, nil
		}
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("generating unique task id after %d attempts", slugRetries)
}

func (s *Store) insertTask(ctx context.Context, tx *sqlx.Tx, id string, spec CreateSpec, issueType IssueType, labels []string, parent string, seq int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, title, description, notes, issue_type, priority, status,
	assignee, parent, seq, labels, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, spec.Title, spec.Description, spec.Notes, string(issueType), spec.Priority,
		string(StatusOpen), spec.Assignee, parent, seq, marshalLabels(labels), now, now)
	if err != nil {
		return err
	}
	return nil
}

// resolveDeps maps DependsOn entries through batch refs and verifies
// the targets exist.
func resolveDeps(ctx context.Context, tx *sqlx.Tx, id string, deps []string, refs map[string]string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, dep := range deps {
		if mapped, ok := refs[dep]; ok {
			dep = mapped
		}
		if dep == id {
			return nil, fault.Errorf(fault.Validation, "task %s cannot depend on itself", id)
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, dep); err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, fault.Errorf(fault.NotFound, "dependency %s not found", dep)
		}
		out = append(out, dep)
	}
	sort.Strings(out)
	return out, nil
}

// Update applies a partial update. Status changes are validated against
// the transition table; closing through Update requires all
// dependencies closed.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*Task, error) {
	var updated *Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		t := row.toTask()
		now := time.Now().UTC()

		if p.Title != nil {
			if *p.Title == "" {
				return fault.New(fault.Validation, "title cannot be empty")
			}
			t.Title = *p.Title
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.Notes != nil {
			t.Notes = *p.Notes
		}
		if p.IssueType != nil {
			if !ValidIssueType(*p.IssueType) {
				return fault.Errorf(fault.Validation, "unknown issue type %q", *p.IssueType)
			}
			t.IssueType = *p.IssueType
		}
		if p.Priority != nil {
			if !ValidPriority(*p.Priority) {
				return fault.Errorf(fault.Validation, "priority %d out of range", *p.Priority)
			}
			t.Priority = *p.Priority
		}
		if p.Assignee != nil {
			t.Assignee = *p.Assignee
		}
		if p.Labels != nil {
			t.Labels = normalizeLabels(*p.Labels)
		}
		if p.Status != nil {
			if !ValidStatus(*p.Status) {
				return fault.Errorf(fault.Validation, "unknown status %q", *p.Status)
			}
			if !CanTransition(t.Status, *p.Status) {
				return fault.Errorf(fault.Invariant, "task %s cannot go from %s to %s", id, t.Status, *p.Status)
			}
			if *p.Status == StatusClosed && t.Status != StatusClosed {
				if err := requireDepsClosed(ctx, tx, id); err != nil {
					return err
				}
				t.ClosedAt = &now
			}
			t.Status = *p.Status
		}
		if t.Status == StatusInProgress && t.Assignee == "" {
			return fault.Errorf(fault.Invariant, "task %s cannot be in_progress without an assignee", id)
		}

		t.UpdatedAt = now
		if err := writeTask(ctx, tx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	deps, err := s.DepsOf(ctx, id)
	if err != nil {
		return nil, err
	}
	updated.DependsOn = deps
	return updated, nil
}

func writeTask(ctx context.Context, tx *sqlx.Tx, t *Task) error {
	var closedAt interface{}
	if t.ClosedAt != nil {
		closedAt = *t.ClosedAt
	}
	_, err := tx.ExecContext(ctx, `
UPDATE tasks SET title = ?, description = ?, notes = ?, issue_type = ?, priority = ?,
	status = ?, assignee = ?, labels = ?, updated_at = ?, closed_at = ?, close_reason = ?
WHERE id = ?`,
		t.Title, t.Description, t.Notes, string(t.IssueType), t.Priority,
		string(t.Status), t.Assignee, marshalLabels(t.Labels), t.UpdatedAt, closedAt, t.CloseReason,
		t.ID)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	return nil
}

// requireDepsClosed fails when the task still has non-closed
// dependencies.
func requireDepsClosed(ctx context.Context, tx *sqlx.Tx, id string) error {
	var open []string
	err := tx.SelectContext(ctx, &open, `
SELECT d.depends_on FROM task_deps d
JOIN tasks dt ON dt.id = d.depends_on
WHERE d.task_id = ? AND dt.status != 'closed'
ORDER BY d.depends_on`, id)
	if err != nil {
		return fmt.Errorf("checking deps of %s: %w", id, err)
	}
	if len(open) > 0 {
		return fault.Errorf(fault.Invariant, "task %s has open dependencies: %s", id, strings.Join(open, ", "))
	}
	return nil
}

// CloseTask closes a task. Without override every dependency must
// already be closed; override exists for epic verification flows where
// a human signs off directly. Closing a closed task is a no-op.
func (s *Store) CloseTask(ctx context.Context, id, reason string, override bool) (*Task, error) {
	var closed *Task
	var didClose bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		t := row.toTask()
		if t.Status == StatusClosed {
			closed = t
			return nil
		}
		if !CanTransition(t.Status, StatusClosed) {
			return fault.Errorf(fault.Invariant, "task %s cannot go from %s to closed", id, t.Status)
		}
		if !override {
			if err := requireDepsClosed(ctx, tx, id); err != nil {
				return err
			}
		}
		now := time.Now().UTC()
		t.Status = StatusClosed
		t.ClosedAt = &now
		t.CloseReason = reason
		t.UpdatedAt = now
		if err := writeTask(ctx, tx, t); err != nil {
			return err
		}
		closed = t
		didClose = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if didClose {
		telemetry.RecordTaskClosed(ctx, string(closed.IssueType))
	}
	return closed, nil
}

// Reopen returns a closed task to open. This is the only path out of
// closed.
func (s *Store) Reopen(ctx context.Context, id string) (*Task, error) {
	var reopened *Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		t := row.toTask()
		if t.Status != StatusClosed {
			return fault.Errorf(fault.Invariant, "task %s is not closed", id)
		}
		t.Status = StatusOpen
		t.ClosedAt = nil
		t.CloseReason = ""
		t.UpdatedAt = time.Now().UTC()
		if err := writeTask(ctx, tx, t); err != nil {
			return err
		}
		reopened = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

// Claim atomically assigns an open task to an agent and marks it
// in_progress. Fails with Conflict if the task is not open or belongs
// to someone else.
func (s *Store) Claim(ctx context.Context, id, agent string) error {
	if agent == "" {
		return fault.New(fault.Validation, "agent is required")
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, assignee = ?, updated_at = ?
WHERE id = ? AND status = ? AND (assignee = '' OR assignee = ?)`,
			string(StatusInProgress), agent, time.Now().UTC(), id, string(StatusOpen), agent)
		if err != nil {
			return fmt.Errorf("claiming task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		row, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if Status(row.Status) != StatusOpen {
			return fault.Errorf(fault.Conflict, "task %s is %s", id, row.Status)
		}
		return fault.Errorf(fault.Conflict, "task %s is assigned to %s", id, row.Assignee)
	})
}

// Unclaim returns an in_progress task to the open pool.
func (s *Store) Unclaim(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, assignee = '', updated_at = ?
WHERE id = ? AND status = ?`,
			string(StatusOpen), time.Now().UTC(), id, string(StatusInProgress))
		if err != nil {
			return fmt.Errorf("unclaiming task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		row, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		return fault.Errorf(fault.Conflict, "task %s is %s, not in_progress", id, row.Status)
	})
}

// AppendDescription appends text to a task's description with a
// leading blank line. Used by the bridge to attach follow-up replies.
func (s *Store) AppendDescription(ctx context.Context, id, text string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET
	description = CASE WHEN description = '' THEN ? ELSE description || ? END,
	updated_at = ?
WHERE id = ?`,
			text, "\n\n"+text, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("appending to task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.Errorf(fault.NotFound, "task %s not found", id)
		}
		return nil
	})
}

func marshalLabels(labels []string) string {
	if len(labels) == 0 {
		return "[]"
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
