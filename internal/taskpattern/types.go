package taskpattern

import (
	"errors"
	"time"
)

// Confidence bounds for registry patterns.
const (
	MinConfidence = 0.1
	MaxConfidence = 1.0

	// DefaultConfidence is assigned when a create request carries none.
	DefaultConfidence = 0.8

	// AdaptationThreshold is the similarity below which a match must be
	// adapted before reuse.
	AdaptationThreshold = 0.95

	// CrossTaskDiscount is applied to cross-task-type suggestions to
	// reflect the risk of reusing a recipe built for a different task.
	CrossTaskDiscount = 0.7
)

// Common errors for registry operations.
var (
	ErrNotFound      = errors.New("task pattern not found")
	ErrEmptyTenantID = errors.New("tenant ID cannot be empty")
	ErrEmptyUserID   = errors.New("user ID cannot be empty")
	ErrEmptyTaskType = errors.New("task type cannot be empty")
	ErrBadConfidence = errors.New("confidence must be within [0.1, 1.0]")
)

// Pattern is a structured, task-typed recipe learned from a user's successful
// executions: the approach that worked, the selectors it relied on, and the
// contextual preconditions it held under.
type Pattern struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	TaskType string `json:"task_type"`

	// SuccessfulApproach describes the strategy that completed the task.
	SuccessfulApproach map[string]any `json:"successful_approach"`

	// Selectors maps element types to the selectors that located them.
	// They are reused verbatim or flagged for validation, never synthesized.
	Selectors map[string]string `json:"selectors"`

	// Workflow is the ordered step sequence of the recipe.
	Workflow []string `json:"workflow"`

	// ContextConditions are the contextual fields the pattern was learned
	// under; the matcher scores candidate contexts against them.
	ContextConditions map[string]any `json:"context_conditions"`

	// AvgExecutionTime is the mean observed duration, if known.
	AvgExecutionTime time.Duration `json:"avg_execution_time,omitempty"`

	Confidence  float64 `json:"confidence"`
	UsageCount  int     `json:"usage_count"`
	SuccessRate float64 `json:"success_rate"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CreateRequest holds parameters for registering a new task pattern.
type CreateRequest struct {
	TenantID string
	UserID   string
	TaskType string

	SuccessfulApproach map[string]any
	Selectors          map[string]string
	Workflow           []string
	ContextConditions  map[string]any
	AvgExecutionTime   time.Duration

	// Confidence defaults to DefaultConfidence when zero.
	Confidence float64
}

// Validate checks required fields and bounds.
func (r *CreateRequest) Validate() error {
	if r.TenantID == "" {
		return ErrEmptyTenantID
	}
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.TaskType == "" {
		return ErrEmptyTaskType
	}
	if r.Confidence != 0 && (r.Confidence < MinConfidence || r.Confidence > MaxConfidence) {
		return ErrBadConfidence
	}
	return nil
}

// Suggestion is a cross-task-type fallback: a pattern from a lexically
// similar task type, with its confidence discounted for cross-task risk.
type Suggestion struct {
	Pattern    *Pattern `json:"pattern"`
	Similarity float64  `json:"similarity"`

	// Confidence is the pattern's confidence times CrossTaskDiscount.
	Confidence float64 `json:"confidence"`
}

// Adaptation records one context field rewritten while fitting a pattern to
// a new target context.
type Adaptation struct {
	Field         string `json:"field"`
	OriginalValue any    `json:"original_value"`
	AdaptedValue  any    `json:"adapted_value"`
	Reason        string `json:"reason"`
}

// AdaptedPattern is a deep copy of a registry pattern fitted to a target
// context, with the changes recorded and the confidence penalized.
type AdaptedPattern struct {
	Pattern     *Pattern     `json:"pattern"`
	Adaptations []Adaptation `json:"adaptations"`

	// SelectorsRequireValidation is set whenever the copy carries
	// selectors: they were learned in the original context and must be
	// revalidated at runtime before trust.
	SelectorsRequireValidation bool `json:"selectors_require_validation"`

	// Confidence is the original confidence minus the adaptation penalty,
	// floored at 0.3.
	Confidence float64 `json:"confidence"`
}

func clampConfidence(c float64) float64 {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}
