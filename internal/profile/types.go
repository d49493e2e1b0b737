package profile

import (
	"errors"
	"time"
)

// History and correction bounds.
const (
	// MaxHistoryEntries bounds the per-user task history.
	MaxHistoryEntries = 100

	// MaxCorrections bounds the per-user correction log.
	MaxCorrections = 50

	// AutoApprovalThreshold is the number of matching approvals after
	// which a task type becomes auto-approved.
	AutoApprovalThreshold = 5

	// Preference defaults for lazily created profiles.
	DefaultActionSpeed = "normal"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
)

// Common errors for profile operations.
var (
	ErrEmptyTenantID     = errors.New("tenant ID cannot be empty")
	ErrEmptyUserID       = errors.New("user ID cannot be empty")
	ErrEmptyElementType  = errors.New("element type cannot be empty")
	ErrEmptyTaskType     = errors.New("task type cannot be empty")
	ErrUnknownPreference = errors.New("unknown preference field")
	ErrUnknownFeedback   = errors.New("unknown feedback type")
)

// Preferences holds a user's execution preferences. Lazily created profiles
// start with the documented defaults; partial updates shallow-merge.
type Preferences struct {
	// ActionSpeed is the pacing hint for the executor (slow, normal, fast).
	ActionSpeed string `json:"action_speed"`

	// ApprovalRequired gates execution on user approval. When false,
	// everything auto-approves.
	ApprovalRequired bool `json:"approval_required"`

	// AutoApprovePatterns lists task types exempt from approval even when
	// ApprovalRequired is set.
	AutoApprovePatterns []string `json:"auto_approve_patterns"`

	// DefaultTimeout bounds individual action duration.
	DefaultTimeout time.Duration `json:"default_timeout"`

	MaxRetries int `json:"max_retries"`
}

func defaultPreferences() Preferences {
	return Preferences{
		ActionSpeed:         DefaultActionSpeed,
		ApprovalRequired:    true,
		AutoApprovePatterns: []string{},
		DefaultTimeout:      DefaultTimeout,
		MaxRetries:          DefaultMaxRetries,
	}
}

// HistoryEntry records one completed execution in the user's task history.
type HistoryEntry struct {
	ExecutionID string        `json:"execution_id,omitempty"`
	TaskType    string        `json:"task_type"`
	Approach    string        `json:"approach,omitempty"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Correction records a user overriding an action the agent chose.
type Correction struct {
	ExecutionID     string         `json:"execution_id,omitempty"`
	OriginalAction  map[string]any `json:"original_action"`
	CorrectedAction map[string]any `json:"corrected_action"`
	Context         string         `json:"context,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Stats aggregates a user's execution history incrementally; it is never
// recomputed from the (bounded) history itself.
type Stats struct {
	TotalExecutions      int `json:"total_executions"`
	SuccessfulExecutions int `json:"successful_executions"`

	// AvgExecutionTime is the running mean over all executions ever
	// recorded, not just the retained history window.
	AvgExecutionTime time.Duration `json:"avg_execution_time"`

	MostUsedTasks map[string]int `json:"most_used_tasks"`

	// PreferredApproaches maps task type to the approach of the most
	// recent successful execution (last-successful-wins).
	PreferredApproaches map[string]string `json:"preferred_approaches"`
}

// Profile is one user's accumulated preferences, history, and learned state.
type Profile struct {
	UserID      string      `json:"user_id"`
	Preferences Preferences `json:"preferences"`

	// TaskHistory is newest-first and capped at MaxHistoryEntries.
	TaskHistory []HistoryEntry `json:"task_history"`

	// LearnedSelectors maps element types to selectors that worked for
	// this user's sites.
	LearnedSelectors map[string]string `json:"learned_selectors"`

	// Corrections is newest-first and capped at MaxCorrections.
	Corrections []Correction `json:"corrections"`

	Stats Stats `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeedbackType classifies a feedback record.
type FeedbackType string

const (
	FeedbackApproval   FeedbackType = "approval"
	FeedbackCorrection FeedbackType = "correction"
	FeedbackRejection  FeedbackType = "rejection"
	FeedbackSuggestion FeedbackType = "suggestion"
)

func (t FeedbackType) valid() bool {
	switch t {
	case FeedbackApproval, FeedbackCorrection, FeedbackRejection, FeedbackSuggestion:
		return true
	}
	return false
}

// Feedback is one append-only user feedback record. Processing flips the
// Processed flag exactly once; re-runs skip already-processed rows at the
// query level.
type Feedback struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	ExecutionID string       `json:"execution_id,omitempty"`
	Type        FeedbackType `json:"type"`

	OriginalAction  map[string]any `json:"original_action"`
	CorrectedAction map[string]any `json:"corrected_action,omitempty"`
	Context         string         `json:"context,omitempty"`
	Sentiment       string         `json:"sentiment,omitempty"`
	Impact          string         `json:"impact,omitempty"`

	Processed        bool `json:"processed"`
	AppliedToPattern bool `json:"applied_to_pattern"`

	CreatedAt time.Time `json:"created_at"`
}
