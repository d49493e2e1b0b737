// Package patternbank stores free-text-keyed reasoning patterns with
// confidence and usage statistics, queryable by lexical similarity.
//
// Patterns are tenant-namespaced: a pattern stored under one tenant's domain
// is never visible to another tenant, even for an identical query. Confidence
// tracks the observed success rate directly; the slower-moving blend lives in
// the task pattern registry, which carries richer structural risk.
package patternbank

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

const instrumentationName = "github.com/bottleneckbots/agentmem/internal/patternbank"

const defaultSearchLimit = 10

// Service provides reasoning pattern storage and retrieval.
type Service interface {
	// Store persists a new pattern and returns its ID.
	Store(ctx context.Context, req *StoreRequest) (string, error)

	// Get returns a pattern by ID, or (nil, nil) if absent.
	Get(ctx context.Context, tenantID, patternID string) (*Pattern, error)

	// RecordOutcome folds one usage outcome into the pattern's statistics.
	// The update is a single atomic statement; concurrent reports never
	// lose counts.
	RecordOutcome(ctx context.Context, tenantID, patternID string, success bool) error

	// FindSimilar returns patterns ranked by similarity × confidence.
	FindSimilar(ctx context.Context, req *SearchRequest) ([]*Match, error)

	// CleanupLowPerformance deletes patterns that have been tried at least
	// minUsageCount times and still succeed below minSuccessRate.
	CleanupLowPerformance(ctx context.Context, minSuccessRate float64, minUsageCount int) (int64, error)
}

type service struct {
	db     *sql.DB
	logger *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	storeCounter   metric.Int64Counter
	outcomeCounter metric.Int64Counter
}

// NewService creates a pattern bank over the shared durable store.
func NewService(st *store.Store, logger *zap.Logger) (Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		db:     st.DB(),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()

	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.storeCounter, err = s.meter.Int64Counter(
		"agentmem.patternbank.stores_total",
		metric.WithDescription("Total number of reasoning patterns stored"),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		s.logger.Warn("failed to create store counter", zap.Error(err))
	}

	s.outcomeCounter, err = s.meter.Int64Counter(
		"agentmem.patternbank.outcomes_total",
		metric.WithDescription("Total number of pattern outcomes recorded"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		s.logger.Warn("failed to create outcome counter", zap.Error(err))
	}
}

// Store persists a new pattern. New entries start with usageCount=0 and
// successRate=1.0; the first recorded outcomes calibrate them quickly.
func (s *service) Store(ctx context.Context, req *StoreRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "patternbank.store")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return "", err
	}

	domainKey, err := tenant.DomainKey(req.TenantID, req.Domain)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("domain", domainKey),
	)

	confidence := req.Confidence
	if confidence == 0 {
		confidence = DefaultConfidence
	}
	confidence = clampConfidence(confidence)

	tags, err := json.Marshal(orEmptyTags(req.Tags))
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	meta, err := json.Marshal(orEmptyMeta(req.Metadata))
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	id := uuid.New().String()
	now := store.NowMillis()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reasoning_patterns
			(pattern_id, tenant_id, domain, pattern_text, result, context,
			 confidence, usage_count, success_rate, tags, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1.0, ?, ?, ?, ?)`,
		id, req.TenantID, domainKey, req.Text, req.Result, nullable(req.Context),
		confidence, string(tags), string(meta), now, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to store pattern: %w", err)
	}

	if s.storeCounter != nil {
		s.storeCounter.Add(ctx, 1)
	}

	logging.For(ctx, s.logger).Info("stored reasoning pattern",
		zap.String("id", id),
		zap.String("domain", domainKey),
		zap.Float64("confidence", confidence),
	)

	span.SetAttributes(attribute.String("pattern_id", id))
	return id, nil
}

// Get returns a pattern by ID, or (nil, nil) if absent.
func (s *service) Get(ctx context.Context, tenantID, patternID string) (*Pattern, error) {
	ctx, span := s.tracer.Start(ctx, "patternbank.get")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("pattern_id", patternID),
	)

	row := s.db.QueryRowContext(ctx, `
		SELECT `+patternColumns+`, tenant_id FROM reasoning_patterns
		WHERE pattern_id = ?`, patternID)

	p, owner, err := scanPatternWithOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}

	if err := s.checkOwner(ctx, tenantID, owner, patternID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return p, nil
}

// RecordOutcome folds one usage outcome into the statistics in a single
// atomic UPDATE computed from the stored columns:
//
//	successes' = round(successRate × usageCount) + (success ? 1 : 0)
//	usageCount' = usageCount + 1
//	successRate' = successes' / usageCount'
//	confidence' = clamp(successRate', 0.1, 1.0)
func (s *service) RecordOutcome(ctx context.Context, tenantID, patternID string, success bool) error {
	ctx, span := s.tracer.Start(ctx, "patternbank.record_outcome")
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("pattern_id", patternID),
		attribute.Bool("success", success),
	)

	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM reasoning_patterns WHERE pattern_id = ?`, patternID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, patternID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to resolve pattern: %w", err)
	}
	if err := s.checkOwner(ctx, tenantID, owner, patternID); err != nil {
		span.RecordError(err)
		return err
	}

	inc := 0
	if success {
		inc = 1
	}
	now := store.NowMillis()

	_, err = s.db.ExecContext(ctx, `
		UPDATE reasoning_patterns SET
			success_rate = (ROUND(success_rate * usage_count) + ?) / (usage_count + 1.0),
			confidence = MAX(?, MIN(?, (ROUND(success_rate * usage_count) + ?) / (usage_count + 1.0))),
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

	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
	return nil
}

// FindSimilar ranks the tenant's candidate patterns by bag-of-words Jaccard
// similarity times confidence, ties broken by higher usage count.
func (s *service) FindSimilar(ctx context.Context, req *SearchRequest) ([]*Match, error) {
	ctx, span := s.tracer.Start(ctx, "patternbank.find_similar")
	defer span.End()

	if req.TenantID == "" {
		return nil, ErrEmptyTenantID
	}

	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.Float64("min_confidence", req.MinConfidence),
	)

	query := `
		SELECT ` + patternColumns + ` FROM reasoning_patterns
		WHERE tenant_id = ? AND confidence >= ?`
	args := []any{req.TenantID, req.MinConfidence}

	if req.Domain != "" {
		domainKey, err := tenant.DomainKey(req.TenantID, req.Domain)
		if err != nil {
			return nil, err
		}
		query += ` AND domain = ?`
		args = append(args, domainKey)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var matches []*Match
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		sim := similarity.Jaccard(req.Query, p.Text)
		if sim <= 0 {
			continue
		}
		matches = append(matches, &Match{
			Pattern:    p,
			Similarity: sim,
			Score:      sim * p.Confidence,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patterns: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Pattern.UsageCount > matches[j].Pattern.UsageCount
	})

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	span.SetAttributes(attribute.Int("result_count", len(matches)))
	return matches, nil
}

// CleanupLowPerformance deletes patterns proven unreliable: tried at least
// minUsageCount times with a success rate below minSuccessRate.
func (s *service) CleanupLowPerformance(ctx context.Context, minSuccessRate float64, minUsageCount int) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "patternbank.cleanup")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reasoning_patterns
		WHERE usage_count >= ? AND success_rate < ?`,
		minUsageCount, minSuccessRate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to clean up patterns: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		store.SweepDeletedTotal.WithLabelValues("reasoning_patterns").Add(float64(n))
		logging.For(ctx, s.logger).Info("removed low-performance patterns",
			zap.Int64("count", n),
			zap.Float64("min_success_rate", minSuccessRate),
			zap.Int("min_usage_count", minUsageCount),
		)
	}
	span.SetAttributes(attribute.Int64("deleted", n))
	return n, nil
}

func (s *service) checkOwner(ctx context.Context, callerTenantID, ownerTenantID, patternID string) error {
	if err := tenant.CheckOwner(callerTenantID, ownerTenantID); err != nil {
		logging.For(ctx, s.logger).Error("tenant isolation violation",
			zap.String("pattern_id", patternID),
			zap.String("caller_tenant", callerTenantID),
		)
		return err
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orEmptyTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

const patternColumns = `pattern_id, domain, pattern_text, result, context,
	confidence, usage_count, success_rate, tags, metadata, created_at, updated_at, last_used_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(sc scanner) (*Pattern, error) {
	p, _, err := scanPatternInto(sc, false)
	return p, err
}

func scanPatternWithOwner(sc scanner) (*Pattern, string, error) {
	return scanPatternInto(sc, true)
}

func scanPatternInto(sc scanner, withOwner bool) (*Pattern, string, error) {
	var (
		p          Pattern
		contextCol sql.NullString
		tags       string
		meta       string
		createdAt  int64
		updatedAt  int64
		lastUsed   sql.NullInt64
		owner      string
	)

	dest := []any{&p.ID, &p.Domain, &p.Text, &p.Result, &contextCol,
		&p.Confidence, &p.UsageCount, &p.SuccessRate, &tags, &meta,
		&createdAt, &updatedAt, &lastUsed}
	if withOwner {
		dest = append(dest, &owner)
	}

	if err := sc.Scan(dest...); err != nil {
		return nil, "", err
	}

	p.Context = contextCol.String
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	if lastUsed.Valid {
		t := time.UnixMilli(lastUsed.Int64)
		p.LastUsedAt = &t
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, "", fmt.Errorf("corrupt tags column: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
		return nil, "", fmt.Errorf("corrupt metadata column: %w", err)
	}
	return &p, owner, nil
}
