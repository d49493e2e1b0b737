// Package checkpoint persists durable, resumable snapshots of in-flight
// automation runs.
//
// The executor checkpoints before and after risky steps and on caught
// failure; after a crash it asks for the latest resumable checkpoint of its
// execution and continues from the recorded step. Durable-store failures are
// hard errors: a silently lost checkpoint is a lost recovery path.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bottleneckbots/agentmem/internal/events"
	"github.com/bottleneckbots/agentmem/internal/logging"
	"github.com/bottleneckbots/agentmem/internal/memcache"
	"github.com/bottleneckbots/agentmem/internal/store"
	"github.com/bottleneckbots/agentmem/internal/tenant"
)

const instrumentationName = "github.com/bottleneckbots/agentmem/internal/checkpoint"

// Service provides checkpoint management operations.
type Service interface {
	// Create writes a full snapshot and returns the new checkpoint ID.
	Create(ctx context.Context, req *CreateRequest) (string, error)

	// Load returns a checkpoint by ID, or (nil, nil) if absent or expired.
	Load(ctx context.Context, tenantID, checkpointID string) (*Checkpoint, error)

	// LatestFor returns the most recent resumable checkpoint for an
	// execution, or (nil, nil) if none exists.
	LatestFor(ctx context.Context, tenantID, executionID string) (*Checkpoint, error)

	// Resume atomically bumps the resume counter and returns the context the
	// executor needs to continue. Returns ErrNotFound for absent, expired,
	// or non-resumable checkpoints.
	Resume(ctx context.Context, tenantID, checkpointID string) (*ResumeContext, error)

	// Update merges a subset of mutable fields into an existing checkpoint.
	// Unknown field names are rejected with ErrUnknownField.
	Update(ctx context.Context, tenantID, checkpointID string, fields map[string]any) error

	// Invalidate flips the one-way resume latch for a single checkpoint.
	Invalidate(ctx context.Context, tenantID, checkpointID string) error

	// InvalidateAllFor flips the latch on every checkpoint of an execution.
	// Called on successful completion so stale checkpoints are never offered.
	InvalidateAllFor(ctx context.Context, tenantID, executionID string) error

	// SweepExpired physically deletes rows past their expiry.
	SweepExpired(ctx context.Context) (int64, error)
}

// Config configures the checkpoint service.
type Config struct {
	// DefaultTTL bounds checkpoint lifetime when a request has none.
	DefaultTTL time.Duration

	// CacheCapacity bounds the in-memory checkpoint cache.
	CacheCapacity int
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		DefaultTTL:    24 * time.Hour,
		CacheCapacity: memcache.DefaultSessionCapacity,
	}
}

type service struct {
	config    *Config
	db        *sql.DB
	cache     *memcache.Cache[Checkpoint]
	logger    *zap.Logger
	publisher *events.Publisher

	tracer            trace.Tracer
	meter             metric.Meter
	createCounter     metric.Int64Counter
	resumeCounter     metric.Int64Counter
	invalidateCounter metric.Int64Counter
}

// NewService creates a checkpoint service over the shared durable store.
// The publisher may be nil to disable event emission.
func NewService(cfg *Config, st *store.Store, publisher *events.Publisher, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = memcache.DefaultSessionCapacity
	}

	cache, err := memcache.New[Checkpoint]("checkpoints", cfg.CacheCapacity,
		&tableBackend{db: st.DB()}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint cache: %w", err)
	}

	s := &service{
		config:    cfg,
		db:        st.DB(),
		cache:     cache,
		logger:    logger,
		publisher: publisher,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	s.initMetrics()

	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"agentmem.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create create counter", zap.Error(err))
	}

	s.resumeCounter, err = s.meter.Int64Counter(
		"agentmem.checkpoint.resumes_total",
		metric.WithDescription("Total number of successful checkpoint resumes"),
		metric.WithUnit("{resume}"),
	)
	if err != nil {
		s.logger.Warn("failed to create resume counter", zap.Error(err))
	}

	s.invalidateCounter, err = s.meter.Int64Counter(
		"agentmem.checkpoint.invalidations_total",
		metric.WithDescription("Total number of checkpoint invalidations"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create invalidate counter", zap.Error(err))
	}
}

func cacheScope(tenantID string) string {
	return tenant.Sanitize(tenantID) + ":checkpoints"
}

// Create writes a full snapshot and returns the new checkpoint ID.
func (s *service) Create(ctx context.Context, req *CreateRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("execution_id", req.ExecutionID),
		attribute.String("reason", string(req.Reason)),
	)

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	now := time.Now()
	cp := Checkpoint{
		ID:              uuid.New().String(),
		ExecutionID:     req.ExecutionID,
		TenantID:        req.TenantID,
		PhaseID:         req.PhaseID,
		PhaseName:       req.PhaseName,
		StepIndex:       req.StepIndex,
		CompletedSteps:  req.CompletedSteps,
		CompletedPhases: req.CompletedPhases,
		PartialResults:  req.PartialResults,
		ExtractedData:   req.ExtractedData,
		SessionState:    req.SessionState,
		BrowserContext:  req.BrowserContext,
		ErrorInfo:       req.ErrorInfo,
		Reason:          req.Reason,
		CanResume:       true,
		ResumeCount:     0,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}

	// Write-through: the durable row lands before the cache entry.
	if err := s.cache.Put(ctx, cacheScope(req.TenantID), cp.ID, cp, ttl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(req.Reason)),
		))
	}

	logging.For(ctx, s.logger).Info("created checkpoint",
		zap.String("id", cp.ID),
		zap.String("execution_id", cp.ExecutionID),
		zap.String("reason", string(cp.Reason)),
		zap.Int("step_index", cp.StepIndex),
	)

	s.publisher.Publish(ctx, events.SubjectCheckpointCreated, req.TenantID, map[string]any{
		"checkpoint_id": cp.ID,
		"execution_id":  cp.ExecutionID,
		"reason":        string(cp.Reason),
	})

	span.SetAttributes(attribute.String("checkpoint_id", cp.ID))
	return cp.ID, nil
}

// Load returns a checkpoint by ID, or (nil, nil) if absent or expired.
func (s *service) Load(ctx context.Context, tenantID, checkpointID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.load")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("checkpoint_id", checkpointID),
	)

	cp, ok, err := s.cache.Get(ctx, cacheScope(tenantID), checkpointID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !ok {
		return nil, nil
	}

	if err := s.checkOwner(ctx, tenantID, cp.TenantID, checkpointID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &cp, nil
}

// LatestFor returns the most recent resumable checkpoint for an execution.
func (s *service) LatestFor(ctx context.Context, tenantID, executionID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.latest_for")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("execution_id", executionID),
	)

	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE execution_id = ? AND can_resume = 1 AND expires_at > ?
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1`,
		executionID, store.NowMillis())

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query latest checkpoint: %w", err)
	}

	if err := s.checkOwner(ctx, tenantID, cp.TenantID, cp.ID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return cp, nil
}

// Resume atomically increments the resume counter and returns the resume
// context. The increment is a single guarded UPDATE, never read-modify-write,
// so N concurrent resumes bump the counter by exactly N.
func (s *service) Resume(ctx context.Context, tenantID, checkpointID string) (*ResumeContext, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.resume")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("checkpoint_id", checkpointID),
	)

	// Tenant check happens against the raw row, before the increment, so a
	// cross-tenant probe fails hard instead of reading as not-found.
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM checkpoints WHERE checkpoint_id = ?`, checkpointID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	if err := s.checkOwner(ctx, tenantID, owner, checkpointID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE checkpoints SET resume_count = resume_count + 1
		WHERE checkpoint_id = ? AND tenant_id = ? AND can_resume = 1 AND expires_at > ?
		RETURNING `+checkpointColumns,
		checkpointID, owner, store.NowMillis())

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Present but expired or latched.
		return nil, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resume checkpoint: %w", err)
	}

	// The durable row changed; drop the stale cache entry.
	s.cache.Invalidate(cacheScope(tenantID), checkpointID)

	if s.resumeCounter != nil {
		s.resumeCounter.Add(ctx, 1)
	}

	logging.For(ctx, s.logger).Info("resumed checkpoint",
		zap.String("id", cp.ID),
		zap.String("execution_id", cp.ExecutionID),
		zap.Int("resume_count", cp.ResumeCount),
		zap.Int("resume_from_step", cp.StepIndex),
	)

	s.publisher.Publish(ctx, events.SubjectCheckpointResumed, tenantID, map[string]any{
		"checkpoint_id": cp.ID,
		"execution_id":  cp.ExecutionID,
		"resume_count":  cp.ResumeCount,
	})

	return &ResumeContext{
		ResumeFromStep: cp.StepIndex,
		NextPhaseID:    cp.PhaseID,
		PartialResults: cp.PartialResults,
		ExtractedData:  cp.ExtractedData,
		SessionState:   cp.SessionState,
	}, nil
}

// Update merges mutable fields into an existing checkpoint inside a
// transaction, then invalidates the cache entry.
func (s *service) Update(ctx context.Context, tenantID, checkpointID string, fields map[string]any) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.update")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("checkpoint_id", checkpointID),
		attribute.Int("field_count", len(fields)),
	)

	if len(fields) == 0 {
		return nil
	}

	// Reject unknown fields before touching storage.
	for name := range fields {
		switch name {
		case FieldStepIndex, FieldCompletedSteps, FieldCompletedPhases,
			FieldPartialResults, FieldExtractedData, FieldSessionState, FieldBrowserContext:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE checkpoint_id = ? AND expires_at > ?`,
		checkpointID, store.NowMillis())

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := s.checkOwner(ctx, tenantID, cp.TenantID, checkpointID); err != nil {
		span.RecordError(err)
		return err
	}

	if err := applyFields(cp, fields); err != nil {
		return err
	}

	completedSteps, _ := marshalColumn(orEmptySlice(cp.CompletedSteps))
	completedPhases, _ := marshalColumn(orEmptySlice(cp.CompletedPhases))
	partialResults, _ := marshalColumn(orEmptyMap(cp.PartialResults))
	extractedData, _ := marshalColumn(orEmptyMap(cp.ExtractedData))
	sessionState, _ := marshalColumn(cp.SessionState)
	browserContext, _ := marshalColumn(cp.BrowserContext)

	// can_resume and resume_count are deliberately absent: Update can never
	// reopen the latch or touch the counter.
	_, err = tx.ExecContext(ctx, `
		UPDATE checkpoints SET
			step_index = ?, completed_steps = ?, completed_phases = ?,
			partial_results = ?, extracted_data = ?, session_state = ?, browser_context = ?
		WHERE checkpoint_id = ?`,
		cp.StepIndex, completedSteps, completedPhases,
		partialResults, extractedData, sessionState, browserContext,
		checkpointID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit update: %w", err)
	}

	s.cache.Invalidate(cacheScope(tenantID), checkpointID)

	logging.For(ctx, s.logger).Debug("updated checkpoint",
		zap.String("id", checkpointID),
		zap.Int("field_count", len(fields)),
	)
	return nil
}

// applyFields merges validated update fields into the checkpoint. Map-valued
// fields merge key-wise (partial results accumulate across updates); scalar
// and struct fields replace.
func applyFields(cp *Checkpoint, fields map[string]any) error {
	for name, value := range fields {
		switch name {
		case FieldStepIndex:
			n, err := toInt(value)
			if err != nil {
				return fmt.Errorf("stepIndex: %w", err)
			}
			cp.StepIndex = n
		case FieldCompletedSteps:
			if err := reencode(value, &cp.CompletedSteps); err != nil {
				return fmt.Errorf("completedSteps: %w", err)
			}
		case FieldCompletedPhases:
			if err := reencode(value, &cp.CompletedPhases); err != nil {
				return fmt.Errorf("completedPhases: %w", err)
			}
		case FieldPartialResults:
			m, err := toMap(value)
			if err != nil {
				return fmt.Errorf("partialResults: %w", err)
			}
			cp.PartialResults = mergeMaps(cp.PartialResults, m)
		case FieldExtractedData:
			m, err := toMap(value)
			if err != nil {
				return fmt.Errorf("extractedData: %w", err)
			}
			cp.ExtractedData = mergeMaps(cp.ExtractedData, m)
		case FieldSessionState:
			if err := reencode(value, &cp.SessionState); err != nil {
				return fmt.Errorf("sessionState: %w", err)
			}
		case FieldBrowserContext:
			if err := reencode(value, &cp.BrowserContext); err != nil {
				return fmt.Errorf("browserContext: %w", err)
			}
		}
	}
	return nil
}

// Invalidate flips the one-way resume latch. Idempotent: invalidating an
// absent or already-latched checkpoint is not an error.
func (s *service) Invalidate(ctx context.Context, tenantID, checkpointID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.invalidate")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("checkpoint_id", checkpointID),
	)

	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET can_resume = 0
		WHERE checkpoint_id = ? AND tenant_id = ?`,
		checkpointID, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to invalidate checkpoint: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.cache.Invalidate(cacheScope(tenantID), checkpointID)
		if s.invalidateCounter != nil {
			s.invalidateCounter.Add(ctx, 1)
		}
		logging.For(ctx, s.logger).Info("invalidated checkpoint", zap.String("id", checkpointID))
		s.publisher.Publish(ctx, events.SubjectCheckpointInvalidated, tenantID, map[string]any{
			"checkpoint_id": checkpointID,
		})
	}
	return nil
}

// InvalidateAllFor flips the latch on every checkpoint of an execution.
func (s *service) InvalidateAllFor(ctx context.Context, tenantID, executionID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.invalidate_all")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("execution_id", executionID),
	)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE checkpoints SET can_resume = 0
		WHERE execution_id = ? AND tenant_id = ? AND can_resume = 1
		RETURNING checkpoint_id`,
		executionID, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to invalidate checkpoints: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan invalidated id: %w", err)
		}
		s.cache.Invalidate(cacheScope(tenantID), id)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to invalidate checkpoints: %w", err)
	}

	if count > 0 {
		if s.invalidateCounter != nil {
			s.invalidateCounter.Add(ctx, int64(count))
		}
		logging.For(ctx, s.logger).Info("invalidated checkpoints for execution",
			zap.String("execution_id", executionID),
			zap.Int("count", count),
		)
		s.publisher.Publish(ctx, events.SubjectCheckpointInvalidated, tenantID, map[string]any{
			"execution_id": executionID,
			"count":        count,
		})
	}
	return nil
}

// SweepExpired physically deletes rows past their expiry. Safe to run
// concurrently with traffic: expired rows are already invisible to reads.
func (s *service) SweepExpired(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.sweep_expired")
	defer span.End()

	n, err := s.cache.SweepExpired(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if n > 0 {
		logging.For(ctx, s.logger).Info("swept expired checkpoints", zap.Int64("count", n))
	}
	span.SetAttributes(attribute.Int64("swept", n))
	return n, nil
}

func (s *service) checkOwner(ctx context.Context, callerTenantID, ownerTenantID, checkpointID string) error {
	if err := tenant.CheckOwner(callerTenantID, ownerTenantID); err != nil {
		logging.For(ctx, s.logger).Error("tenant isolation violation",
			zap.String("checkpoint_id", checkpointID),
			zap.String("caller_tenant", callerTenantID),
		)
		return err
	}
	return nil
}

// Conversion helpers for map-typed update payloads.

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return nil, fmt.Errorf("expected object, got %T", v)
}

// reencode converts an arbitrary JSON-shaped value into the target type.
func reencode(v, target any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
