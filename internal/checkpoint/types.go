package checkpoint

import (
	"errors"
	"time"
)

// Common errors for checkpoint operations.
var (
	// ErrNotFound covers absent, expired, and non-resumable checkpoints on
	// act-style calls. Probe-style calls (Load, LatestFor) return (nil, nil)
	// instead.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrUnknownField is returned when a partial update references a field
	// outside the mutable set. The update is rejected, not partially merged.
	ErrUnknownField = errors.New("unknown update field")

	ErrEmptyExecutionID = errors.New("execution ID cannot be empty")
	ErrEmptyTenantID    = errors.New("tenant ID cannot be empty")
	ErrInvalidReason    = errors.New("invalid checkpoint reason")
)

// Reason records why a checkpoint was taken.
type Reason string

const (
	// ReasonError marks a checkpoint taken on a caught failure.
	ReasonError Reason = "error"
	// ReasonManual marks an operator-requested checkpoint.
	ReasonManual Reason = "manual"
	// ReasonAuto marks a periodic automatic checkpoint.
	ReasonAuto Reason = "auto"
	// ReasonPhaseComplete marks a checkpoint at a phase boundary.
	ReasonPhaseComplete Reason = "phase_complete"
)

func (r Reason) valid() bool {
	switch r {
	case ReasonError, ReasonManual, ReasonAuto, ReasonPhaseComplete:
		return true
	}
	return false
}

// SessionState carries the browser session needed to resume where the
// executor left off. The subsystem persists it verbatim and never interprets
// the storage maps.
type SessionState struct {
	URL             string           `json:"url,omitempty"`
	Cookies         []map[string]any `json:"cookies,omitempty"`
	LocalStorage    map[string]any   `json:"local_storage,omitempty"`
	SessionStorage  map[string]any   `json:"session_storage,omitempty"`
	AuthenticatedAs string           `json:"authenticated_as,omitempty"`
}

// BrowserContext captures page-level state alongside the session.
type BrowserContext struct {
	PageState     map[string]any `json:"page_state,omitempty"`
	DOMSnapshot   string         `json:"dom_snapshot,omitempty"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
}

// Checkpoint is a durable, resumable snapshot of one execution's progress.
type Checkpoint struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	TenantID    string `json:"tenant_id"`

	PhaseID   string `json:"phase_id,omitempty"`
	PhaseName string `json:"phase_name,omitempty"`
	StepIndex int    `json:"step_index"`

	CompletedSteps  []string       `json:"completed_steps"`
	CompletedPhases []string       `json:"completed_phases"`
	PartialResults  map[string]any `json:"partial_results"`
	ExtractedData   map[string]any `json:"extracted_data"`

	SessionState   SessionState   `json:"session_state"`
	BrowserContext BrowserContext `json:"browser_context"`

	ErrorInfo string `json:"error_info,omitempty"`
	Reason    Reason `json:"checkpoint_reason"`

	// CanResume is a one-way latch: once false it never becomes true again.
	CanResume   bool `json:"can_resume"`
	ResumeCount int  `json:"resume_count"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateRequest holds the snapshot for a new checkpoint.
type CreateRequest struct {
	ExecutionID string
	TenantID    string
	PhaseID     string
	PhaseName   string
	StepIndex   int

	CompletedSteps  []string
	CompletedPhases []string
	PartialResults  map[string]any
	ExtractedData   map[string]any

	SessionState   SessionState
	BrowserContext BrowserContext

	ErrorInfo string
	Reason    Reason

	// TTL overrides the service default (24h) when positive.
	TTL time.Duration
}

// Validate checks required fields.
func (r *CreateRequest) Validate() error {
	if r.ExecutionID == "" {
		return ErrEmptyExecutionID
	}
	if r.TenantID == "" {
		return ErrEmptyTenantID
	}
	if !r.Reason.valid() {
		return ErrInvalidReason
	}
	return nil
}

// Mutable update field names accepted by Update.
const (
	FieldStepIndex       = "stepIndex"
	FieldCompletedSteps  = "completedSteps"
	FieldPartialResults  = "partialResults"
	FieldExtractedData   = "extractedData"
	FieldSessionState    = "sessionState"
	FieldBrowserContext  = "browserContext"
	FieldCompletedPhases = "completedPhases"
)

// ResumeContext is what the executor needs to continue an interrupted run.
type ResumeContext struct {
	ResumeFromStep int            `json:"resume_from_step"`
	NextPhaseID    string         `json:"next_phase_id,omitempty"`
	PartialResults map[string]any `json:"partial_results"`
	ExtractedData  map[string]any `json:"extracted_data"`
	SessionState   SessionState   `json:"session_state"`
}
