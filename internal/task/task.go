// Package task is the durable, dependency-aware task repository.
//
// Tasks form a directed acyclic graph through depends_on edges. Epics
// are tasks whose dependencies include all of their children; an epic
// becomes eligible for closure once every child is closed. All state
// lives in a single SQLite database under the workspace state dir.
package task

import (
	"strings"
	"time"

	"github.com/squadhq/squad/internal/fault"
)

// IssueType classifies a task.
type IssueType string

const (
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeTask    IssueType = "task"
	TypeChore   IssueType = "chore"
	TypeEpic    IssueType = "epic"
)

// ValidIssueType reports whether t is a known issue type.
func ValidIssueType(t IssueType) bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeChore, TypeEpic:
		return true
	}
	return false
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed:
		return true
	}
	return false
}

// Priority bounds. 0 is most urgent.
const (
	PriorityHighest = 0
	PriorityLowest  = 4

	// DefaultPriority is used when a caller doesn't specify one.
	DefaultPriority = 2
)

// ValidPriority reports whether p is within bounds.
func ValidPriority(p int) bool {
	return p >= PriorityHighest && p <= PriorityLowest
}

// allowedTransitions is the status transition table. Closed is terminal;
// reopening goes through Reopen, not Update.
var allowedTransitions = map[Status]map[Status]bool{
	StatusOpen:       {StatusInProgress: true, StatusBlocked: true, StatusClosed: true},
	StatusInProgress: {StatusOpen: true, StatusBlocked: true, StatusClosed: true},
	StatusBlocked:    {StatusOpen: true, StatusInProgress: true},
	StatusClosed:     {},
}

// CanTransition reports whether a status change is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
}

// Task is a unit of work.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	IssueType   IssueType  `json:"issue_type"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	Parent      string     `json:"parent,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
}

// IsEpic reports whether the task is an epic.
func (t *Task) IsEpic() bool { return t.IssueType == TypeEpic }

// IsChild reports whether the task has a parent.
func (t *Task) IsChild() bool { return t.Parent != "" }

// FileLabelPrefix marks a label as a file hint, e.g.
// "file:src/parser.go". The scheduler pre-flights hints against the
// reservation ledger and the supervisor reserves them once the session
// is working.
const FileLabelPrefix = "file:"

// FileHints returns the paths declared by file: labels.
func (t *Task) FileHints() []string {
	var out []string
	for _, l := range t.Labels {
		if rest, ok := strings.CutPrefix(l, FileLabelPrefix); ok && rest != "" {
			out = append(out, rest)
		}
	}
	return out
}

// CreateSpec describes a task to create.
type CreateSpec struct {
	// Ref is a batch-local handle. In bulk creates, later specs may
	// name an earlier spec's Ref in DependsOn before its real id
	// exists. Never persisted.
	Ref string `json:"ref,omitempty"`

	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	IssueType   IssueType `json:"issue_type,omitempty"`
	Priority    int       `json:"priority"`
	Parent      string    `json:"parent,omitempty"`
	Assignee    string    `json:"assignee,omitempty"`
	DependsOn   []string  `json:"depends_on,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
}

func (s *CreateSpec) validate() error {
	if s.Title == "" {
		return fault.New(fault.Validation, "title is required")
	}
	if s.IssueType != "" && !ValidIssueType(s.IssueType) {
		return fault.Errorf(fault.Validation, "unknown issue type %q", s.IssueType)
	}
	if !ValidPriority(s.Priority) {
		return fault.Errorf(fault.Validation, "priority %d out of range %d..%d", s.Priority, PriorityHighest, PriorityLowest)
	}
	return nil
}

// Patch is a partial task update. Nil fields are left unchanged.
type Patch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	IssueType   *IssueType `json:"issue_type,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Assignee    *string    `json:"assignee,omitempty"`
	Labels      *[]string  `json:"labels,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Statuses  []Status
	IssueType IssueType
	Assignee  string
	Parent    string
	Label     string
	Limit     int
}

// Progress is an epic's child completion count.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Stats summarizes the store for status output and backup metadata.
type Stats struct {
	Total      int `json:"total"`
	Open       int `json:"open"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Closed     int `json:"closed"`
	Deps       int `json:"deps"`
}
