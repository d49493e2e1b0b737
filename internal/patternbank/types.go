package patternbank

import (
	"errors"
	"time"
)

// Confidence bounds for stored patterns.
const (
	MinConfidence = 0.1
	MaxConfidence = 1.0

	// DefaultConfidence is assigned when a store request carries none.
	DefaultConfidence = 0.8
)

// Common errors for pattern bank operations.
var (
	ErrNotFound      = errors.New("pattern not found")
	ErrEmptyText     = errors.New("pattern text cannot be empty")
	ErrEmptyResult   = errors.New("pattern result cannot be empty")
	ErrEmptyTenantID = errors.New("tenant ID cannot be empty")
	ErrEmptyDomain   = errors.New("domain cannot be empty")
	ErrBadConfidence = errors.New("confidence must be within [0.1, 1.0]")
)

// Pattern is a free-text-keyed reasoning pattern: an approach that worked,
// with confidence and usage statistics recalibrated on every reported
// outcome.
type Pattern struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Result string `json:"result"`

	// Context optionally narrows when the pattern applies.
	Context string `json:"context,omitempty"`

	// Confidence estimates reuse trustworthiness, clamped to [0.1, 1.0].
	Confidence float64 `json:"confidence"`

	UsageCount  int     `json:"usage_count"`
	SuccessRate float64 `json:"success_rate"`

	// Domain is the tenant-namespaced domain key the pattern is stored
	// under; patterns never cross it.
	Domain string `json:"domain"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// StoreRequest holds parameters for storing a new pattern.
type StoreRequest struct {
	TenantID string
	Domain   string
	Text     string
	Result   string
	Context  string

	// Confidence defaults to DefaultConfidence when zero.
	Confidence float64

	Tags     []string
	Metadata map[string]any
}

// Validate checks required fields and bounds.
func (r *StoreRequest) Validate() error {
	if r.TenantID == "" {
		return ErrEmptyTenantID
	}
	if r.Domain == "" {
		return ErrEmptyDomain
	}
	if r.Text == "" {
		return ErrEmptyText
	}
	if r.Result == "" {
		return ErrEmptyResult
	}
	if r.Confidence != 0 && (r.Confidence < MinConfidence || r.Confidence > MaxConfidence) {
		return ErrBadConfidence
	}
	return nil
}

// SearchRequest holds parameters for similarity search.
type SearchRequest struct {
	TenantID string
	Query    string

	// Domain optionally restricts the search to one domain of the tenant.
	Domain string

	MinConfidence float64

	// Limit bounds the result count; 0 means the default (10).
	Limit int
}

// Match pairs a pattern with its similarity to the query and the composite
// score (similarity × confidence) it was ranked by.
type Match struct {
	Pattern    *Pattern `json:"pattern"`
	Similarity float64  `json:"similarity"`
	Score      float64  `json:"score"`
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
