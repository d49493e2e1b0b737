package taskpattern

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bottleneckbots/agentmem/internal/patternbank"
	"github.com/bottleneckbots/agentmem/internal/logging"
	"github.com/bottleneckbots/agentmem/internal/similarity"
)

// Source identifies where a match came from.
type Source string

const (
	// SourceRegistry marks a structural match from the user's own patterns.
	SourceRegistry Source = "task_pattern_registry"

	// SourceBank marks a textual match from the cross-domain pattern bank.
	SourceBank Source = "pattern_bank"
)

// ContextInfo describes the task about to run, from the matcher's point of
// view: its type and structured fields for registry matching, and a free-text
// description for pattern-bank matching.
type ContextInfo struct {
	TenantID string
	UserID   string
	TaskType string

	// Description is the free-text task summary matched against the
	// pattern bank.
	Description string

	// Domain optionally narrows pattern-bank candidates.
	Domain string

	// Context holds the contextual fields of the upcoming task.
	Context map[string]any

	// Parameters holds the task's input parameters.
	Parameters map[string]any
}

// Match is the single best candidate found for a context, tagged with its
// provenance. Exactly one of RegistryPattern and BankPattern is set.
type Match struct {
	Source Source `json:"source"`

	RegistryPattern *Pattern             `json:"registry_pattern,omitempty"`
	BankPattern     *patternbank.Pattern `json:"bank_pattern,omitempty"`

	Similarity float64 `json:"similarity"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`

	// AdaptationRequired is set when the match is close but not exact;
	// callers should run it through the Adapter before reuse.
	AdaptationRequired bool `json:"adaptation_required"`
}

// Matcher ranks registry and pattern-bank candidates together and returns
// the single best match for a task context.
type Matcher struct {
	registry Registry
	bank     patternbank.Service
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewMatcher creates a matcher over the registry and the pattern bank.
func NewMatcher(reg Registry, bank patternbank.Service, logger *zap.Logger) (*Matcher, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if bank == nil {
		return nil, errors.New("pattern bank is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		registry: reg,
		bank:     bank,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

// FindBestPattern returns the highest-scoring candidate across both sources,
// or (nil, nil) when nothing matches. Registry candidates require exact
// task-type equality and are scored on the structured blend; bank candidates
// are scored on text similarity. Score is similarity × confidence either way.
func (m *Matcher) FindBestPattern(ctx context.Context, info *ContextInfo) (*Match, error) {
	ctx, span := m.tracer.Start(ctx, "taskpattern.find_best_pattern")
	defer span.End()

	if info.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if info.UserID == "" {
		return nil, ErrEmptyUserID
	}

	span.SetAttributes(
		attribute.String("tenant_id", info.TenantID),
		attribute.String("user_id", info.UserID),
		attribute.String("task_type", info.TaskType),
	)

	var best *Match

	if info.TaskType != "" {
		candidates, err := m.registry.ListFor(ctx, info.TenantID, info.UserID, info.TaskType)
		if err != nil {
			return nil, fmt.Errorf("failed to list registry candidates: %w", err)
		}
		for _, p := range candidates {
			sim := similarity.Structured(info.Context, p.ContextConditions, info.Parameters, p.SuccessfulApproach)
			candidate := &Match{
				Source:          SourceRegistry,
				RegistryPattern: p,
				Similarity:      sim,
				Confidence:      p.Confidence,
				Score:           sim * p.Confidence,
			}
			best = better(best, candidate)
		}
	}

	if info.Description != "" {
		matches, err := m.bank.FindSimilar(ctx, &patternbank.SearchRequest{
			TenantID: info.TenantID,
			Query:    info.Description,
			Domain:   info.Domain,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search pattern bank: %w", err)
		}
		for _, bm := range matches {
			candidate := &Match{
				Source:      SourceBank,
				BankPattern: bm.Pattern,
				Similarity:  bm.Similarity,
				Confidence:  bm.Pattern.Confidence,
				Score:       bm.Score,
			}
			best = better(best, candidate)
		}
	}

	if best == nil {
		return nil, nil
	}

	best.AdaptationRequired = best.Similarity < AdaptationThreshold

	logging.For(ctx, m.logger).Debug("matched pattern",
		zap.String("source", string(best.Source)),
		zap.Float64("similarity", best.Similarity),
		zap.Float64("score", best.Score),
		zap.Bool("adaptation_required", best.AdaptationRequired),
	)

	span.SetAttributes(
		attribute.String("match_source", string(best.Source)),
		attribute.Float64("match_score", best.Score),
	)
	return best, nil
}

func better(a, b *Match) *Match {
	if a == nil || b.Score > a.Score {
		return b
	}
	return a
}
