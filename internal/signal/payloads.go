package signal

import (
	"encoding/json"

	"github.com/squadhq/squad/internal/fault"
)

// Typed payload shapes, one per kind. Agents may send extra fields;
// those survive in the raw payload even though the structs below don't
// name them.

// Synthesize builds a core-originated signal with a typed payload,
// ready to publish. The supervisor uses it for transitions the agent
// can no longer report itself, such as a resume or a stale death.
func Synthesize(kind Kind, session, task string, payload interface{}) (*Signal, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, err, "encoding "+string(kind)+" payload")
		}
		raw = data
	}
	return &Signal{Session: session, Kind: kind, Task: task, Payload: raw}, nil
}

// StartingPayload announces a session entering the scheduler.
type StartingPayload struct {
	Session   string   `json:"session"`
	Agent     string   `json:"agent"`
	Task      string   `json:"task,omitempty"`
	Project   string   `json:"project,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	GitBranch string   `json:"gitBranch,omitempty"`
}

// WorkingPayload reports the agent has read its task and committed to
// an approach.
type WorkingPayload struct {
	Session  string `json:"session"`
	Task     string `json:"task"`
	Title    string `json:"title,omitempty"`
	Approach string `json:"approach,omitempty"`
}

// FileChange describes one modified file in a review summary.
type FileChange struct {
	Path         string `json:"path"`
	ChangeType   string `json:"changeType,omitempty"`
	LinesAdded   int    `json:"linesAdded,omitempty"`
	LinesRemoved int    `json:"linesRemoved,omitempty"`
}

// ReviewPayload reports finished coding awaiting approval.
type ReviewPayload struct {
	Session       string       `json:"session"`
	Task          string       `json:"task"`
	Summary       []string     `json:"summary,omitempty"`
	FilesModified []FileChange `json:"filesModified,omitempty"`
}

// Reply types for conversational turns.
const (
	ReplyAck        = "ack"
	ReplyAnswer     = "answer"
	ReplyProgress   = "progress"
	ReplyCompletion = "completion"
)

// ReplyPayload is an outbound conversational turn for chat tasks.
type ReplyPayload struct {
	Session   string `json:"session"`
	Task      string `json:"task"`
	Message   string `json:"message"`
	ReplyType string `json:"replyType,omitempty"`
}

// Completion protocol steps.
const (
	StepVerifying  = "verifying"
	StepCommitting = "committing"
	StepClosing    = "closing"
	StepReleasing  = "releasing"
	StepComplete   = "complete"
)

// CompletingPayload reports progress through the completion protocol.
type CompletingPayload struct {
	Session string `json:"session"`
	Task    string `json:"task"`
	Step    string `json:"step"`
	Percent int    `json:"percent,omitempty"`
}

// Completion modes.
const (
	ModeReviewRequired = "review_required"
	ModeAutoProceed    = "auto_proceed"
)

// CompletePayload is the completion bundle emitted after the task is
// closed.
type CompletePayload struct {
	Session        string   `json:"session"`
	TaskID         string   `json:"taskId"`
	Summary        string   `json:"summary,omitempty"`
	HumanActions   []string `json:"humanActions,omitempty"`
	SuggestedTasks []string `json:"suggestedTasks,omitempty"`
	CompletionMode string   `json:"completionMode,omitempty"`
	NextTaskID     string   `json:"nextTaskId,omitempty"`
}

// PausedPayload marks a session killed with intent to resume.
type PausedPayload struct {
	Session string `json:"session"`
	Task    string `json:"task"`
}

// DeadPayload marks the session process gone. No required fields
// beyond the session itself.
type DeadPayload struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}
