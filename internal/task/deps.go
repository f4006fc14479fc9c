package task

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/squadhq/squad/internal/fault"
)

// AddDep makes task id depend on dep. Duplicate adds are no-ops. The
// edge is rejected when it would create a cycle.
func (s *Store) AddDep(ctx context.Context, id, dep string) error {
	if id == dep {
		return fault.Errorf(fault.Validation, "task %s cannot depend on itself", id)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range []string{id, dep} {
			var exists int
			if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, t); err != nil {
				return err
			}
			if exists == 0 {
				return fault.Errorf(fault.NotFound, "task %s not found", t)
			}
		}

		var dup int
		if err := tx.GetContext(ctx, &dup,
			`SELECT COUNT(*) FROM task_deps WHERE task_id = ? AND depends_on = ?`, id, dep); err != nil {
			return err
		}
		if dup > 0 {
			return nil
		}

		cyclic, err := wouldCycle(ctx, tx, id, dep)
		if err != nil {
			return err
		}
		if cyclic {
			return fault.Errorf(fault.Validation, "dependency %s -> %s would create a cycle", id, dep)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_deps (task_id, depends_on, created_at) VALUES (?, ?, ?)`,
			id, dep, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("adding dep %s -> %s: %w", id, dep, err)
		}
		return nil
	})
}

// RemoveDep removes the edge id -> dep. Removing a missing edge is a
// no-op.
func (s *Store) RemoveDep(ctx context.Context, id, dep string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM task_deps WHERE task_id = ? AND depends_on = ?`, id, dep)
		if err != nil {
			return fmt.Errorf("removing dep %s -> %s: %w", id, dep, err)
		}
		return nil
	})
}

// wouldCycle reports whether adding edge from -> to creates a cycle,
// i.e. whether from is already reachable from to along depends_on
// edges. The whole edge set is loaded; task graphs are small.
func wouldCycle(ctx context.Context, tx *sqlx.Tx, from, to string) (bool, error) {
	var edges []struct {
		TaskID    string `db:"task_id"`
		DependsOn string `db:"depends_on"`
	}
	if err := tx.SelectContext(ctx, &edges, `SELECT task_id, depends_on FROM task_deps`); err != nil {
		return false, fmt.Errorf("loading dependency graph: %w", err)
	}
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOn)
	}

	stack := []string{to}
	visited := map[string]bool{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == from {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, adj[cur]...)
	}
	return false, nil
}

// EpicProgress counts a parent's closed children.
func (s *Store) EpicProgress(ctx context.Context, id string) (*Progress, error) {
	var exists int
	if err := s.ro.GetContext(ctx, &exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fault.Errorf(fault.NotFound, "task %s not found", id)
	}
	p := &Progress{}
	err := s.ro.QueryRowxContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'closed' THEN 1 ELSE 0 END), 0)
FROM tasks WHERE parent = ?`, id).Scan(&p.Total, &p.Done)
	if err != nil {
		return nil, fmt.Errorf("computing progress of %s: %w", id, err)
	}
	return p, nil
}

// CloseEligibleEpics closes every non-closed epic whose children are
// all closed, and returns their ids. Epics without children are left
// alone.
func (s *Store) CloseEligibleEpics(ctx context.Context) ([]string, error) {
	var eligible []string
	err := s.ro.SelectContext(ctx, &eligible, `
SELECT e.id FROM tasks e
WHERE e.issue_type = 'epic' AND e.status != 'closed'
  AND EXISTS (SELECT 1 FROM tasks c WHERE c.parent = e.id)
  AND NOT EXISTS (SELECT 1 FROM tasks c WHERE c.parent = e.id AND c.status != 'closed')
ORDER BY e.id`)
	if err != nil {
		return nil, fmt.Errorf("scanning eligible epics: %w", err)
	}

	var closed []string
	for _, id := range eligible {
		if _, err := s.CloseTask(ctx, id, "all children closed", false); err != nil {
			// A blocked epic or one with extra open deps stays open;
			// keep closing the rest.
			if fault.IsInvariant(err) {
				continue
			}
			return closed, err
		}
		closed = append(closed, id)
	}
	return closed, nil
}
