package learning

import (
	"errors"
	"time"

	"github.com/bottleneckbots/agentmem/internal/profile"
)

// Strategy sources, in priority order.
const (
	SourceUserProfile = "user_profile"
	SourceRegistry    = "task_pattern_registry"
	SourceBank        = "pattern_bank"
	SourceDefault     = "default"
)

const (
	// DefaultApproach is recommended when no prior signal exists.
	DefaultApproach = "standard"

	// DefaultApproachConfidence is the confidence of the fallback approach.
	DefaultApproachConfidence = 0.5

	// PreferredApproachConfidence is the confidence assigned to a user's
	// own preferred approach: the strongest signal in the chain.
	PreferredApproachConfidence = 0.9
)

// Common errors for coordinator operations.
var (
	ErrEmptyTenantID = errors.New("tenant ID cannot be empty")
	ErrEmptyUserID   = errors.New("user ID cannot be empty")
	ErrEmptyTaskType = errors.New("task type cannot be empty")
)

// Strategy is a recommendation for how to attempt a task, with the source
// that produced it.
type Strategy struct {
	Approach   string  `json:"approach"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Source     string  `json:"source"`

	// PatternID is set when the recommendation came from a stored pattern.
	PatternID string `json:"pattern_id,omitempty"`
}

// Outcome reports one finished execution to the learning pipeline.
type Outcome struct {
	TenantID    string
	UserID      string
	ExecutionID string
	TaskType    string

	// Approach names the strategy that was attempted.
	Approach string

	Success  bool
	Duration time.Duration

	// Context and Parameters describe the conditions the task ran under;
	// successful runs seed or recalibrate registry patterns with them.
	Context    map[string]any
	Parameters map[string]any

	// Selectors and Workflow capture the recipe of a successful run.
	Selectors map[string]string
	Workflow  []string

	// Feedback optionally attaches the user's reaction to the run.
	Feedback *profile.Feedback
}
