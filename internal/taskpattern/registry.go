// Package taskpattern manages per-user structured task recipes: a registry
// with the shared confidence-update algorithm, a matcher that ranks registry
// and pattern-bank candidates together, and an adapter that fits a recipe to
// a new context.
package taskpattern

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bottleneckbots/agentmem/internal/logging"
	"github.com/bottleneckbots/agentmem/internal/similarity"
	"github.com/bottleneckbots/agentmem/internal/store"
	"github.com/bottleneckbots/agentmem/internal/tenant"
)

const instrumentationName = "github.com/bottleneckbots/agentmem/internal/taskpattern"

// Registry stores and retrieves per-user task patterns.
type Registry interface {
	// Create registers a new task pattern and returns its ID.
	Create(ctx context.Context, req *CreateRequest) (string, error)

	// Get returns a pattern by ID, or (nil, nil) if absent.
	Get(ctx context.Context, tenantID, patternID string) (*Pattern, error)

	// ListFor returns every pattern stored for one user and task type.
	ListFor(ctx context.Context, tenantID, userID, taskType string) ([]*Pattern, error)

	// RecordOutcome folds one usage outcome into the pattern's statistics.
	// Registry confidence moves slower than the raw success rate: task
	// patterns carry richer structural risk, so one outcome shifts it by
	// at most a tenth of the old value.
	RecordOutcome(ctx context.Context, tenantID, patternID string, success bool) error

	// SuggestForNewTaskType returns cross-task-type suggestions for a task
	// type the user has no patterns for, ranked by task-type similarity.
	SuggestForNewTaskType(ctx context.Context, tenantID, userID, taskType string) ([]*Suggestion, error)

	// CleanupLowPerformance deletes patterns tried at least minUsageCount
	// times with a success rate below minSuccessRate.
	CleanupLowPerformance(ctx context.Context, minSuccessRate float64, minUsageCount int) (int64, error)
}

type registry struct {
	db     *sql.DB
	logger *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	createCounter  metric.Int64Counter
	outcomeCounter metric.Int64Counter
}

// NewRegistry creates a task pattern registry over the shared durable store.
func NewRegistry(st *store.Store, logger *zap.Logger) (Registry, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &registry{
		db:     st.DB(),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	r.initMetrics()

	return r, nil
}

func (r *registry) initMetrics() {
	var err error

	r.createCounter, err = r.meter.Int64Counter(
		"agentmem.taskpattern.creates_total",
		metric.WithDescription("Total number of task patterns registered"),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		r.logger.Warn("failed to create create counter", zap.Error(err))
	}

	r.outcomeCounter, err = r.meter.Int64Counter(
		"agentmem.taskpattern.outcomes_total",
		metric.WithDescription("Total number of task pattern outcomes recorded"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		r.logger.Warn("failed to create outcome counter", zap.Error(err))
	}
}

func (r *registry) Create(ctx context.Context, req *CreateRequest) (string, error) {
	ctx, span := r.tracer.Start(ctx, "taskpattern.create")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("user_id", req.UserID),
		attribute.String("task_type", req.TaskType),
	)

	confidence := req.Confidence
	if confidence == 0 {
		confidence = DefaultConfidence
	}

	approach, err := json.Marshal(orEmptyMap(req.SuccessfulApproach))
	if err != nil {
		return "", fmt.Errorf("failed to encode approach: %w", err)
	}
	selectors, err := json.Marshal(orEmptySelectors(req.Selectors))
	if err != nil {
		return "", fmt.Errorf("failed to encode selectors: %w", err)
	}
	workflow, err := json.Marshal(orEmptySteps(req.Workflow))
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}
	conditions, err := json.Marshal(orEmptyMap(req.ContextConditions))
	if err != nil {
		return "", fmt.Errorf("failed to encode context conditions: %w", err)
	}

	var avgMillis sql.NullInt64
	if req.AvgExecutionTime > 0 {
		avgMillis = sql.NullInt64{Int64: req.AvgExecutionTime.Milliseconds(), Valid: true}
	}

	id := uuid.New().String()
	now := store.NowMillis()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO task_patterns
			(pattern_id, tenant_id, user_id, task_type, successful_approach,
			 selectors, workflow, context_conditions, avg_execution_ms,
			 confidence, usage_count, success_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1.0, ?, ?)`,
		id, req.TenantID, req.UserID, req.TaskType, string(approach),
		string(selectors), string(workflow), string(conditions), avgMillis,
		confidence, now, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create task pattern: %w", err)
	}

	if r.createCounter != nil {
		r.createCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", req.TaskType)))
	}

	logging.For(ctx, r.logger).Info("registered task pattern",
		zap.String("id", id),
		zap.String("user_id", req.UserID),
		zap.String("task_type", req.TaskType),
	)

	span.SetAttributes(attribute.String("pattern_id", id))
	return id, nil
}

func (r *registry) Get(ctx context.Context, tenantID, patternID string) (*Pattern, error) {
	ctx, span := r.tracer.Start(ctx, "taskpattern.get")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("pattern_id", patternID),
	)

	row := r.db.QueryRowContext(ctx, `
		SELECT `+patternColumns+`, tenant_id FROM task_patterns
		WHERE pattern_id = ?`, patternID)

	p, owner, err := scanPattern(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get task pattern: %w", err)
	}

	if err := r.checkOwner(ctx, tenantID, owner, patternID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return p, nil
}

func (r *registry) ListFor(ctx context.Context, tenantID, userID, taskType string) ([]*Pattern, error) {
	ctx, span := r.tracer.Start(ctx, "taskpattern.list_for")
	defer span.End()

	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("user_id", userID),
		attribute.String("task_type", taskType),
	)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+patternColumns+` FROM task_patterns
		WHERE tenant_id = ? AND user_id = ? AND task_type = ?
		ORDER BY confidence DESC, usage_count DESC`,
		tenantID, userID, taskType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list task patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*Pattern
	for rows.Next() {
		p, _, err := scanPattern(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task patterns: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(patterns)))
	return patterns, nil
}

// RecordOutcome applies the shared recalibration in one atomic UPDATE. All
// SET expressions read the pre-update column values, so the new rate and the
// blended confidence both derive from the same stored state:
//
//	rate' = (round(successRate × usageCount) + (success ? 1 : 0)) / (usageCount + 1)
//	confidence' = clamp(0.9 × rate' + 0.1 × confidence, 0.1, 1.0)
func (r *registry) RecordOutcome(ctx context.Context, tenantID, patternID string, success bool) error {
	ctx, span := r.tracer.Start(ctx, "taskpattern.record_outcome")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("pattern_id", patternID),
		attribute.Bool("success", success),
	)

	var owner string
	err := r.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM task_patterns WHERE pattern_id = ?`, patternID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, patternID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to resolve task pattern: %w", err)
	}
	if err := r.checkOwner(ctx, tenantID, owner, patternID); err != nil {
		span.RecordError(err)
		return err
	}

	inc := 0
	if success {
		inc = 1
	}
	now := store.NowMillis()

	_, err = r.db.ExecContext(ctx, `
		UPDATE task_patterns SET
			success_rate = (ROUND(success_rate * usage_count) + ?) / (usage_count + 1.0),
			confidence = MAX(?, MIN(?,
				0.9 * ((ROUND(success_rate * usage_count) + ?) / (usage_count + 1.0)) + 0.1 * confidence)),
			usage_count = usage_count + 1,
			updated_at = ?,
			last_used_at = ?
		WHERE pattern_id = ? AND tenant_id = ?`,
		inc, MinConfidence, MaxConfidence, inc, now, now, patternID, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to record outcome: %w", err)
	}

	if r.outcomeCounter != nil {
		r.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
	return nil
}

// SuggestForNewTaskType ranks the user's patterns from other task types by
// normalized edit-distance similarity of the task-type identifiers, each
// suggestion's confidence discounted by CrossTaskDiscount.
func (r *registry) SuggestForNewTaskType(ctx context.Context, tenantID, userID, taskType string) ([]*Suggestion, error) {
	ctx, span := r.tracer.Start(ctx, "taskpattern.suggest_for_new_task_type")
	defer span.End()

	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if taskType == "" {
		return nil, ErrEmptyTaskType
	}

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("user_id", userID),
		attribute.String("task_type", taskType),
	)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+patternColumns+` FROM task_patterns
		WHERE tenant_id = ? AND user_id = ? AND task_type != ?`,
		tenantID, userID, taskType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query task patterns: %w", err)
	}
	defer rows.Close()

	var suggestions []*Suggestion
	for rows.Next() {
		p, _, err := scanPattern(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task pattern: %w", err)
		}
		sim := similarity.TaskType(taskType, p.TaskType)
		if sim <= 0 {
			continue
		}
		suggestions = append(suggestions, &Suggestion{
			Pattern:    p,
			Similarity: sim,
			Confidence: p.Confidence * CrossTaskDiscount,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task patterns: %w", err)
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Similarity != suggestions[j].Similarity {
			return suggestions[i].Similarity > suggestions[j].Similarity
		}
		return suggestions[i].Confidence > suggestions[j].Confidence
	})

	span.SetAttributes(attribute.Int("result_count", len(suggestions)))
	return suggestions, nil
}

// CleanupLowPerformance deletes patterns proven unreliable: tried at least
// minUsageCount times with a success rate below minSuccessRate.
func (r *registry) CleanupLowPerformance(ctx context.Context, minSuccessRate float64, minUsageCount int) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "taskpattern.cleanup")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM task_patterns
		WHERE usage_count >= ? AND success_rate < ?`,
		minUsageCount, minSuccessRate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to clean up task patterns: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		store.SweepDeletedTotal.WithLabelValues("task_patterns").Add(float64(n))
		logging.For(ctx, r.logger).Info("removed low-performance task patterns",
			zap.Int64("count", n),
			zap.Float64("min_success_rate", minSuccessRate),
			zap.Int("min_usage_count", minUsageCount),
		)
	}
	span.SetAttributes(attribute.Int64("deleted", n))
	return n, nil
}

func (r *registry) checkOwner(ctx context.Context, callerTenantID, ownerTenantID, patternID string) error {
	if err := tenant.CheckOwner(callerTenantID, ownerTenantID); err != nil {
		logging.For(ctx, r.logger).Error("tenant isolation violation",
			zap.String("pattern_id", patternID),
			zap.String("caller_tenant", callerTenantID),
		)
		return err
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySelectors(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySteps(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const patternColumns = `pattern_id, user_id, task_type, successful_approach,
	selectors, workflow, context_conditions, avg_execution_ms,
	confidence, usage_count, success_rate, created_at, updated_at, last_used_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(sc scanner, withOwner bool) (*Pattern, string, error) {
	var (
		p          Pattern
		approach   string
		selectors  string
		workflow   string
		conditions string
		avgMillis  sql.NullInt64
		createdAt  int64
		updatedAt  int64
		lastUsed   sql.NullInt64
		owner      string
	)

	dest := []any{&p.ID, &p.UserID, &p.TaskType, &approach, &selectors,
		&workflow, &conditions, &avgMillis, &p.Confidence, &p.UsageCount,
		&p.SuccessRate, &createdAt, &updatedAt, &lastUsed}
	if withOwner {
		dest = append(dest, &owner)
	}

	if err := sc.Scan(dest...); err != nil {
		return nil, "", err
	}

	if avgMillis.Valid {
		p.AvgExecutionTime = time.Duration(avgMillis.Int64) * time.Millisecond
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	if lastUsed.Valid {
		t := time.UnixMilli(lastUsed.Int64)
		p.LastUsedAt = &t
	}

	if err := json.Unmarshal([]byte(approach), &p.SuccessfulApproach); err != nil {
		return nil, "", fmt.Errorf("corrupt approach column: %w", err)
	}
	if err := json.Unmarshal([]byte(selectors), &p.Selectors); err != nil {
		return nil, "", fmt.Errorf("corrupt selectors column: %w", err)
	}
	if err := json.Unmarshal([]byte(workflow), &p.Workflow); err != nil {
		return nil, "", fmt.Errorf("corrupt workflow column: %w", err)
	}
	if err := json.Unmarshal([]byte(conditions), &p.ContextConditions); err != nil {
		return nil, "", fmt.Errorf("corrupt context conditions column: %w", err)
	}
	return &p, owner, nil
}
