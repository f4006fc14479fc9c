// Package rules loads the project review-rules file and answers
// whether a completing task may proceed to the next one without a
// human in the loop.
//
// The file is project-local JSON under the state dir. It is optional:
// a missing file means everything waits for review.
package rules

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/util"
)

// FileName is the rules file's name inside the state dir.
const FileName = "rules.json"

// Version is the only rules file version this build reads.
const Version = 1

// Action is a review decision.
type Action string

const (
	// ActionReview holds the session for a human after completion.
	ActionReview Action = "review"
	// ActionAuto lets the agent continue to the next ready task.
	ActionAuto Action = "auto"
)

// Override actions pin a single task regardless of type rules.
const (
	AlwaysReview = "always_review"
	AlwaysAuto   = "always_auto"
)

// Rule allows auto-proceed for one issue type up to a priority
// threshold. A task with priority strictly greater than
// MaxAutoPriority still waits for review. MaxAutoPriority -1 never
// matches, which reads as "this type always reviews".
type Rule struct {
	Type            task.IssueType `json:"type"`
	MaxAutoPriority int            `json:"maxAutoPriority"`
	Note            string         `json:"note,omitempty"`
}

// Override pins the decision for one task by id.
type Override struct {
	TaskID string `json:"taskId"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// File is the on-disk rules document.
type File struct {
	Version       int        `json:"version"`
	DefaultAction Action     `json:"defaultAction"`
	Rules         []Rule     `json:"rules,omitempty"`
	Overrides     []Override `json:"overrides,omitempty"`
}

// Default returns the rules in force when no file exists: review
// everything.
func Default() *File {
	return &File{Version: Version, DefaultAction: ActionReview}
}

// Load reads and validates the rules file. A missing file is not an
// error; it yields Default().
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "reading rules file")
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "malformed rules file")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Save writes the rules file atomically.
func Save(path string, f *File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := util.AtomicWriteJSON(path, f); err != nil {
		return fault.Wrap(fault.Unavailable, err, "writing rules file")
	}
	return nil
}

// Validate checks the document against the shape this build
// understands.
func (f *File) Validate() error {
	if f.Version != Version {
		return fault.Errorf(fault.Validation, "unsupported rules version %d", f.Version)
	}
	switch f.DefaultAction {
	case ActionReview, ActionAuto, "":
	default:
		return fault.Errorf(fault.Validation, "unknown defaultAction %q", f.DefaultAction)
	}
	seen := make(map[task.IssueType]bool, len(f.Rules))
	for i, r := range f.Rules {
		if !task.ValidIssueType(r.Type) {
			return fault.Errorf(fault.Validation, "rule %d: unknown issue type %q", i, r.Type)
		}
		if seen[r.Type] {
			return fault.Errorf(fault.Validation, "rule %d: duplicate rule for type %q", i, r.Type)
		}
		seen[r.Type] = true
		if r.MaxAutoPriority < -1 || r.MaxAutoPriority > task.PriorityLowest {
			return fault.Errorf(fault.Validation, "rule %d: maxAutoPriority %d out of range -1..%d",
				i, r.MaxAutoPriority, task.PriorityLowest)
		}
	}
	for i, o := range f.Overrides {
		if o.TaskID == "" {
			return fault.Errorf(fault.Validation, "override %d: missing taskId", i)
		}
		if o.Action != AlwaysReview && o.Action != AlwaysAuto {
			return fault.Errorf(fault.Validation, "override %d: unknown action %q", i, o.Action)
		}
	}
	return nil
}

// Decision is an action plus where it came from, for logs and review
// banners.
type Decision struct {
	Action Action
	Source string
}

// ActionFor resolves the file's decision for one task: override by id
// first, then the type rule against the task's priority, then the
// file default. ok is false when the file says nothing about this
// task, which only happens when defaultAction is left empty; the
// caller's own default applies then. Callers layer task- and
// epic-level notes above this.
func (f *File) ActionFor(t *task.Task) (Decision, bool) {
	for _, o := range f.Overrides {
		if o.TaskID != t.ID {
			continue
		}
		d := Decision{Action: ActionReview, Source: "override"}
		if o.Action == AlwaysAuto {
			d.Action = ActionAuto
		}
		if o.Reason != "" {
			d.Source = fmt.Sprintf("override (%s)", o.Reason)
		}
		return d, true
	}
	for _, r := range f.Rules {
		if r.Type != t.IssueType {
			continue
		}
		if t.Priority <= r.MaxAutoPriority {
			return Decision{Action: ActionAuto, Source: fmt.Sprintf("rule %s<=%d", r.Type, r.MaxAutoPriority)}, true
		}
		return Decision{Action: ActionReview, Source: fmt.Sprintf("rule %s: priority %d over threshold %d", r.Type, t.Priority, r.MaxAutoPriority)}, true
	}
	if f.DefaultAction == "" {
		return Decision{}, false
	}
	return Decision{Action: f.DefaultAction, Source: "default"}, true
}

// Source serves the rules currently in force. *Watcher implements it;
// Static serves a fixed document.
type Source interface {
	Current() *File
}

// Static is a Source that never changes.
type Static struct{ File *File }

// Current returns the fixed document, or Default when nil.
func (s Static) Current() *File {
	if s.File == nil {
		return Default()
	}
	return s.File
}
