// Package learning coordinates the memory components into a single learning
// loop: strategy recommendation before a task runs, outcome processing after
// it finishes, and batch feedback draining in between.
package learning

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bottleneckbots/agentmem/internal/events"
	"github.com/bottleneckbots/agentmem/internal/patternbank"
	"github.com/bottleneckbots/agentmem/internal/profile"
	"github.com/bottleneckbots/agentmem/internal/logging"
	"github.com/bottleneckbots/agentmem/internal/similarity"
	"github.com/bottleneckbots/agentmem/internal/taskpattern"
)

const instrumentationName = "github.com/bottleneckbots/agentmem/internal/learning"

// Config configures the learning coordinator.
type Config struct {
	// MinSuccessesForNewPattern is how many times a task type must have
	// succeeded in history before a new registry pattern is created.
	MinSuccessesForNewPattern int

	// FeedbackBatchSize bounds one feedback-draining pass.
	FeedbackBatchSize int
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		MinSuccessesForNewPattern: 2,
		FeedbackBatchSize:         100,
	}
}

// Service is the learning coordinator's call surface.
type Service interface {
	// RecommendStrategy returns the best available approach for a task,
	// walking a priority chain: the user's own preferred approach, then a
	// registry match, then a bank match, then the default. First match
	// wins; more specific, more recently validated sources always
	// override generic ones.
	RecommendStrategy(ctx context.Context, info *taskpattern.ContextInfo) (*Strategy, error)

	// ProcessOutcome folds one finished execution into history, registry
	// patterns, and the feedback log.
	ProcessOutcome(ctx context.Context, outcome *Outcome) error

	// ProcessUnprocessedFeedback drains unprocessed feedback records,
	// returning how many were handled. Safe to re-run: processed rows
	// are excluded by the query filter.
	ProcessUnprocessedFeedback(ctx context.Context, tenantID, userID string) (int, error)
}

type service struct {
	cfg      *Config
	profiles profile.Service
	registry taskpattern.Registry
	bank     patternbank.Service
	matcher  *taskpattern.Matcher
	events   *events.Publisher
	logger   *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	outcomeCounter  metric.Int64Counter
	strategyCounter metric.Int64Counter
}

// NewService creates the coordinator over the memory services. The events
// publisher may be nil.
func NewService(cfg *Config, profiles profile.Service, registry taskpattern.Registry,
	bank patternbank.Service, matcher *taskpattern.Matcher, pub *events.Publisher,
	logger *zap.Logger) (Service, error) {

	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if profiles == nil {
		return nil, errors.New("profile service is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if bank == nil {
		return nil, errors.New("pattern bank is required")
	}
	if matcher == nil {
		return nil, errors.New("matcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		cfg:      cfg,
		profiles: profiles,
		registry: registry,
		bank:     bank,
		matcher:  matcher,
		events:   pub,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()

	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.outcomeCounter, err = s.meter.Int64Counter(
		"agentmem.learning.outcomes_total",
		metric.WithDescription("Total number of execution outcomes processed"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		s.logger.Warn("failed to create outcome counter", zap.Error(err))
	}

	s.strategyCounter, err = s.meter.Int64Counter(
		"agentmem.learning.strategies_total",
		metric.WithDescription("Total number of strategy recommendations, by source"),
		metric.WithUnit("{recommendation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create strategy counter", zap.Error(err))
	}
}

func (s *service) RecommendStrategy(ctx context.Context, info *taskpattern.ContextInfo) (*Strategy, error) {
	ctx, span := s.tracer.Start(ctx, "learning.recommend_strategy")
	defer span.End()

	if info.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if info.UserID == "" {
		return nil, ErrEmptyUserID
	}
	if info.TaskType == "" {
		return nil, ErrEmptyTaskType
	}

	span.SetAttributes(
		attribute.String("tenant_id", info.TenantID),
		attribute.String("user_id", info.UserID),
		attribute.String("task_type", info.TaskType),
	)

	strategy, err := s.recommend(ctx, info)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.strategyCounter != nil {
		s.strategyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", strategy.Source)))
	}

	logging.For(ctx, s.logger).Debug("recommended strategy",
		zap.String("approach", strategy.Approach),
		zap.String("source", strategy.Source),
		zap.Float64("confidence", strategy.Confidence),
	)

	span.SetAttributes(attribute.String("strategy_source", strategy.Source))
	return strategy, nil
}

func (s *service) recommend(ctx context.Context, info *taskpattern.ContextInfo) (*Strategy, error) {
	// 1. The user's own preferred approach for this task type.
	p, err := s.profiles.GetOrCreate(ctx, info.TenantID, info.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if approach, ok := p.Stats.PreferredApproaches[info.TaskType]; ok && approach != "" {
		return &Strategy{
			Approach:   approach,
			Confidence: PreferredApproachConfidence,
			Reasoning:  fmt.Sprintf("user's last successful approach for %s", info.TaskType),
			Source:     SourceUserProfile,
		}, nil
	}

	// 2. A structural match from the user's registry patterns.
	structural := *info
	structural.Description = ""
	match, err := s.matcher.FindBestPattern(ctx, &structural)
	if err != nil {
		return nil, fmt.Errorf("failed to match registry patterns: %w", err)
	}
	if match != nil && match.RegistryPattern != nil {
		rp := match.RegistryPattern
		approach, _ := rp.SuccessfulApproach["strategy"].(string)
		if approach == "" {
			approach = DefaultApproach
		}
		return &Strategy{
			Approach:   approach,
			Confidence: rp.Confidence,
			Reasoning: fmt.Sprintf("task pattern matched at %.2f similarity over %d uses",
				match.Similarity, rp.UsageCount),
			Source:    SourceRegistry,
			PatternID: rp.ID,
		}, nil
	}

	// 3. A textual match from the cross-domain pattern bank.
	if info.Description != "" {
		matches, err := s.bank.FindSimilar(ctx, &patternbank.SearchRequest{
			TenantID: info.TenantID,
			Query:    info.Description,
			Domain:   info.Domain,
			Limit:    1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search pattern bank: %w", err)
		}
		if len(matches) > 0 {
			bp := matches[0].Pattern
			return &Strategy{
				Approach:   bp.Text,
				Confidence: bp.Confidence,
				Reasoning: fmt.Sprintf("reasoning pattern matched at %.2f similarity",
					matches[0].Similarity),
				Source:    SourceBank,
				PatternID: bp.ID,
			}, nil
		}
	}

	// 4. Nothing learned yet.
	return &Strategy{
		Approach:   DefaultApproach,
		Confidence: DefaultApproachConfidence,
		Reasoning:  "no prior signal for this user and task type",
		Source:     SourceDefault,
	}, nil
}

func (s *service) ProcessOutcome(ctx context.Context, outcome *Outcome) error {
	ctx, span := s.tracer.Start(ctx, "learning.process_outcome")
	defer span.End()

	if outcome.TenantID == "" {
		return ErrEmptyTenantID
	}
	if outcome.UserID == "" {
		return ErrEmptyUserID
	}
	if outcome.TaskType == "" {
		return ErrEmptyTaskType
	}

	span.SetAttributes(
		attribute.String("tenant_id", outcome.TenantID),
		attribute.String("user_id", outcome.UserID),
		attribute.String("task_type", outcome.TaskType),
		attribute.Bool("success", outcome.Success),
	)

	// History is recorded unconditionally, success or not.
	err := s.profiles.AppendHistory(ctx, outcome.TenantID, outcome.UserID, profile.HistoryEntry{
		ExecutionID: outcome.ExecutionID,
		TaskType:    outcome.TaskType,
		Approach:    outcome.Approach,
		Success:     outcome.Success,
		Duration:    outcome.Duration,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to append history: %w", err)
	}

	if outcome.Success {
		if err := s.learnFromSuccess(ctx, outcome); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	if outcome.Feedback != nil {
		if err := s.routeFeedback(ctx, outcome); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", outcome.Success)))
	}
	s.events.Publish(ctx, events.SubjectOutcomeProcessed, outcome.TenantID, map[string]any{
		"user_id":   outcome.UserID,
		"task_type": outcome.TaskType,
		"success":   outcome.Success,
	})
	return nil
}

// learnFromSuccess recalibrates the closest existing registry pattern, or
// creates a new one once the task type has proven repeatable.
func (s *service) learnFromSuccess(ctx context.Context, outcome *Outcome) error {
	candidates, err := s.registry.ListFor(ctx, outcome.TenantID, outcome.UserID, outcome.TaskType)
	if err != nil {
		return fmt.Errorf("failed to list registry patterns: %w", err)
	}

	if len(candidates) > 0 {
		best := candidates[0]
		bestSim := -1.0
		for _, c := range candidates {
			sim := similarity.Structured(outcome.Context, c.ContextConditions,
				outcome.Parameters, c.SuccessfulApproach)
			if sim > bestSim {
				best, bestSim = c, sim
			}
		}
		if err := s.registry.RecordOutcome(ctx, outcome.TenantID, best.ID, true); err != nil {
			return fmt.Errorf("failed to record pattern outcome: %w", err)
		}
		return nil
	}

	// A single success could be luck; require the task type to have
	// succeeded repeatedly before committing a pattern.
	p, err := s.profiles.GetOrCreate(ctx, outcome.TenantID, outcome.UserID)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	successes := 0
	for _, h := range p.TaskHistory {
		if h.TaskType == outcome.TaskType && h.Success {
			successes++
		}
	}
	if successes < s.cfg.MinSuccessesForNewPattern {
		return nil
	}

	approach := map[string]any{}
	for k, v := range outcome.Parameters {
		approach[k] = v
	}
	if outcome.Approach != "" {
		approach["strategy"] = outcome.Approach
	}

	id, err := s.registry.Create(ctx, &taskpattern.CreateRequest{
		TenantID:           outcome.TenantID,
		UserID:             outcome.UserID,
		TaskType:           outcome.TaskType,
		SuccessfulApproach: approach,
		Selectors:          outcome.Selectors,
		Workflow:           outcome.Workflow,
		ContextConditions:  outcome.Context,
		AvgExecutionTime:   outcome.Duration,
	})
	if err != nil {
		return fmt.Errorf("failed to create task pattern: %w", err)
	}

	logging.For(ctx, s.logger).Info("learned new task pattern",
		zap.String("pattern_id", id),
		zap.String("user_id", outcome.UserID),
		zap.String("task_type", outcome.TaskType),
	)
	return nil
}

func (s *service) routeFeedback(ctx context.Context, outcome *Outcome) error {
	fb := outcome.Feedback
	fb.UserID = outcome.UserID
	if fb.ExecutionID == "" {
		fb.ExecutionID = outcome.ExecutionID
	}
	if fb.OriginalAction == nil {
		fb.OriginalAction = map[string]any{profile.TaskTypeKey: outcome.TaskType}
	}

	switch fb.Type {
	case profile.FeedbackCorrection:
		return s.profiles.RecordCorrection(ctx, outcome.TenantID, outcome.UserID, profile.Correction{
			ExecutionID:     fb.ExecutionID,
			OriginalAction:  fb.OriginalAction,
			CorrectedAction: fb.CorrectedAction,
			Context:         fb.Context,
		})
	case profile.FeedbackApproval:
		if _, err := s.profiles.RecordFeedback(ctx, outcome.TenantID, fb); err != nil {
			return err
		}
		return s.profiles.LearnAutoApproval(ctx, outcome.TenantID, outcome.UserID, outcome.TaskType)
	default:
		_, err := s.profiles.RecordFeedback(ctx, outcome.TenantID, fb)
		return err
	}
}

// ProcessUnprocessedFeedback drains one batch of unprocessed feedback.
// Approvals re-check auto-approval promotion; records that reference a
// reasoning pattern recalibrate it.
func (s *service) ProcessUnprocessedFeedback(ctx context.Context, tenantID, userID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "learning.process_unprocessed_feedback")
	defer span.End()

	if tenantID == "" {
		return 0, ErrEmptyTenantID
	}

	span.SetAttributes(attribute.String("tenant_id", tenantID))

	batch, err := s.profiles.UnprocessedFeedback(ctx, tenantID, userID, s.cfg.FeedbackBatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	processed := 0
	for _, fb := range batch {
		applied, err := s.handleFeedback(ctx, tenantID, fb)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return processed, err
		}
		if err := s.profiles.MarkFeedbackProcessed(ctx, tenantID, fb.ID, applied); err != nil {
			span.RecordError(err)
			return processed, err
		}
		processed++
	}

	if processed > 0 {
		s.events.Publish(ctx, events.SubjectFeedbackProcessed, tenantID, map[string]any{
			"count": processed,
		})
	}
	span.SetAttributes(attribute.Int("processed", processed))
	return processed, nil
}

func (s *service) handleFeedback(ctx context.Context, tenantID string, fb *profile.Feedback) (bool, error) {
	applied := false

	// Feedback that names the pattern behind the action recalibrates it.
	if pid, ok := fb.OriginalAction["pattern_id"].(string); ok && pid != "" {
		err := s.bank.RecordOutcome(ctx, tenantID, pid, fb.Type == profile.FeedbackApproval)
		switch {
		case errors.Is(err, patternbank.ErrNotFound):
			// The pattern was swept since; nothing to recalibrate.
		case err != nil:
			return false, fmt.Errorf("failed to recalibrate pattern: %w", err)
		default:
			applied = true
		}
	}

	if fb.Type == profile.FeedbackApproval {
		if taskType, _ := fb.OriginalAction[profile.TaskTypeKey].(string); taskType != "" {
			if err := s.profiles.LearnAutoApproval(ctx, tenantID, fb.UserID, taskType); err != nil {
				return applied, fmt.Errorf("failed to learn auto-approval: %w", err)
			}
		}
	}
	return applied, nil
}
