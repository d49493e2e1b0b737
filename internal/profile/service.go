// Package profile maintains per-user execution profiles: preferences, bounded
// task history, learned selectors, corrections, and the append-only feedback
// log that drives auto-approval learning.
//
// Profiles are created lazily on first access. Every mutation runs inside a
// transaction that re-reads the row, applies the change, and writes it back,
// so concurrent callers never clobber each other's updates.
package profile

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

	"github.com/bottleneckbots/agentmem/internal/logging"
	"github.com/bottleneckbots/agentmem/internal/store"
	"github.com/bottleneckbots/agentmem/internal/tenant"
)

const instrumentationName = "github.com/bottleneckbots/agentmem/internal/profile"

// TaskTypeKey is the key under which feedback original-action maps carry the
// task type; auto-approval learning matches on it.
const TaskTypeKey = "task_type"

// autoApprovalWindow bounds how many recent approval records are considered
// when deciding auto-approval.
const autoApprovalWindow = 50

// Service manages user profiles and feedback records.
type Service interface {
	// GetOrCreate returns the user's profile, creating it with defaults
	// on first access.
	GetOrCreate(ctx context.Context, tenantID, userID string) (*Profile, error)

	// UpdatePreferences shallow-merges the given fields into the user's
	// preferences. Unknown fields reject the whole update.
	UpdatePreferences(ctx context.Context, tenantID, userID string, partial map[string]any) error

	// AppendHistory prepends an execution record to the bounded history
	// and folds it into the aggregate stats.
	AppendHistory(ctx context.Context, tenantID, userID string, entry HistoryEntry) error

	// LearnSelector remembers a selector that worked for an element type.
	LearnSelector(ctx context.Context, tenantID, userID, elementType, selector string) error

	// GetSelector returns the learned selector for an element type.
	GetSelector(ctx context.Context, tenantID, userID, elementType string) (string, bool, error)

	// RecordCorrection prepends to the bounded correction log and emits a
	// correction-type feedback record.
	RecordCorrection(ctx context.Context, tenantID, userID string, c Correction) error

	// ShouldAutoApprove reports whether the task type runs without
	// explicit approval for this user.
	ShouldAutoApprove(ctx context.Context, tenantID, userID, taskType string) (bool, error)

	// LearnAutoApproval promotes a task type to auto-approved once the
	// user has approved it AutoApprovalThreshold times. Idempotent.
	LearnAutoApproval(ctx context.Context, tenantID, userID, taskType string) error

	// RecordFeedback appends one feedback record and returns its ID.
	RecordFeedback(ctx context.Context, tenantID string, fb *Feedback) (string, error)

	// UnprocessedFeedback returns unprocessed records, oldest first.
	// An empty userID spans all of the tenant's users.
	UnprocessedFeedback(ctx context.Context, tenantID, userID string, limit int) ([]*Feedback, error)

	// MarkFeedbackProcessed flips a record's processed flag.
	MarkFeedbackProcessed(ctx context.Context, tenantID, feedbackID string, appliedToPattern bool) error

	// TenantsWithUnprocessedFeedback lists the tenants that have pending
	// feedback, for the background drain.
	TenantsWithUnprocessedFeedback(ctx context.Context) ([]string, error)
}

type service struct {
	db     *sql.DB
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	feedbackCounter metric.Int64Counter
	approvalCounter metric.Int64Counter
}

// NewService creates a profile service over the shared durable store.
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

	s.feedbackCounter, err = s.meter.Int64Counter(
		"agentmem.profile.feedback_total",
		metric.WithDescription("Total number of feedback records stored"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		s.logger.Warn("failed to create feedback counter", zap.Error(err))
	}

	s.approvalCounter, err = s.meter.Int64Counter(
		"agentmem.profile.auto_approvals_learned_total",
		metric.WithDescription("Total number of task types promoted to auto-approval"),
		metric.WithUnit("{task_type}"),
	)
	if err != nil {
		s.logger.Warn("failed to create approval counter", zap.Error(err))
	}
}

func (s *service) GetOrCreate(ctx context.Context, tenantID, userID string) (*Profile, error) {
	ctx, span := s.tracer.Start(ctx, "profile.get_or_create")
	defer span.End()

	if err := validateIDs(tenantID, userID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("user_id", userID),
	)

	if err := s.ensureRow(ctx, tenantID, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	p, err := s.read(ctx, s.db, tenantID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return p, nil
}

func (s *service) UpdatePreferences(ctx context.Context, tenantID, userID string, partial map[string]any) error {
	ctx, span := s.tracer.Start(ctx, "profile.update_preferences")
	defer span.End()

	return s.mutate(ctx, span, tenantID, userID, func(p *Profile) error {
		merged, err := json.Marshal(p.Preferences)
		if err != nil {
			return fmt.Errorf("failed to encode preferences: %w", err)
		}
		var prefs map[string]any
		if err := json.Unmarshal(merged, &prefs); err != nil {
			return fmt.Errorf("failed to decode preferences: %w", err)
		}

		for field, value := range partial {
			if _, known := prefs[field]; !known {
				return fmt.Errorf("%w: %s", ErrUnknownPreference, field)
			}
			prefs[field] = value
		}

		raw, err := json.Marshal(prefs)
		if err != nil {
			return fmt.Errorf("failed to encode merged preferences: %w", err)
		}
		return json.Unmarshal(raw, &p.Preferences)
	})
}

func (s *service) AppendHistory(ctx context.Context, tenantID, userID string, entry HistoryEntry) error {
	ctx, span := s.tracer.Start(ctx, "profile.append_history")
	defer span.End()

	if entry.TaskType == "" {
		return ErrEmptyTaskType
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	return s.mutate(ctx, span, tenantID, userID, func(p *Profile) error {
		p.TaskHistory = append([]HistoryEntry{entry}, p.TaskHistory...)
		if len(p.TaskHistory) > MaxHistoryEntries {
			p.TaskHistory = p.TaskHistory[:MaxHistoryEntries]
		}

		st := &p.Stats
		st.TotalExecutions++
		n := st.TotalExecutions
		// Running mean over all executions ever, not the retained window.
		st.AvgExecutionTime = time.Duration(
			(int64(st.AvgExecutionTime)*int64(n-1) + int64(entry.Duration)) / int64(n))
		if st.MostUsedTasks == nil {
			st.MostUsedTasks = map[string]int{}
		}
		st.MostUsedTasks[entry.TaskType]++

		if entry.Success {
			st.SuccessfulExecutions++
			if entry.Approach != "" {
				if st.PreferredApproaches == nil {
					st.PreferredApproaches = map[string]string{}
				}
				// Last-successful-wins, not majority-vote.
				st.PreferredApproaches[entry.TaskType] = entry.Approach
			}
		}
		return nil
	})
}

func (s *service) LearnSelector(ctx context.Context, tenantID, userID, elementType, selector string) error {
	ctx, span := s.tracer.Start(ctx, "profile.learn_selector")
	defer span.End()

	if elementType == "" {
		return ErrEmptyElementType
	}

	return s.mutate(ctx, span, tenantID, userID, func(p *Profile) error {
		if p.LearnedSelectors == nil {
			p.LearnedSelectors = map[string]string{}
		}
		p.LearnedSelectors[elementType] = selector
		return nil
	})
}

func (s *service) GetSelector(ctx context.Context, tenantID, userID, elementType string) (string, bool, error) {
	ctx, span := s.tracer.Start(ctx, "profile.get_selector")
	defer span.End()

	if elementType == "" {
		return "", false, ErrEmptyElementType
	}

	p, err := s.GetOrCreate(ctx, tenantID, userID)
	if err != nil {
		return "", false, err
	}
	sel, ok := p.LearnedSelectors[elementType]
	return sel, ok, nil
}

func (s *service) RecordCorrection(ctx context.Context, tenantID, userID string, c Correction) error {
	ctx, span := s.tracer.Start(ctx, "profile.record_correction")
	defer span.End()

	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}

	err := s.mutate(ctx, span, tenantID, userID, func(p *Profile) error {
		p.Corrections = append([]Correction{c}, p.Corrections...)
		if len(p.Corrections) > MaxCorrections {
			p.Corrections = p.Corrections[:MaxCorrections]
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.RecordFeedback(ctx, tenantID, &Feedback{
		UserID:          userID,
		ExecutionID:     c.ExecutionID,
		Type:            FeedbackCorrection,
		OriginalAction:  c.OriginalAction,
		CorrectedAction: c.CorrectedAction,
		Context:         c.Context,
	})
	return err
}

func (s *service) ShouldAutoApprove(ctx context.Context, tenantID, userID, taskType string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "profile.should_auto_approve")
	defer span.End()

	if taskType == "" {
		return false, ErrEmptyTaskType
	}

	p, err := s.GetOrCreate(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	if !p.Preferences.ApprovalRequired {
		return true, nil
	}
	for _, t := range p.Preferences.AutoApprovePatterns {
		if t == taskType {
			return true, nil
		}
	}
	return false, nil
}

// LearnAutoApproval counts the user's recent approval-type feedback whose
// original action carries the task type; at AutoApprovalThreshold matches the
// task type joins the auto-approve list. Adding is idempotent.
func (s *service) LearnAutoApproval(ctx context.Context, tenantID, userID, taskType string) error {
	ctx, span := s.tracer.Start(ctx, "profile.learn_auto_approval")
	defer span.End()

	if taskType == "" {
		return ErrEmptyTaskType
	}
	if err := validateIDs(tenantID, userID); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("user_id", userID),
		attribute.String("task_type", taskType),
	)

	rows, err := s.db.QueryContext(ctx, `
		SELECT original_action FROM feedback
		WHERE tenant_id = ? AND user_id = ? AND feedback_type = ?
		ORDER BY created_at DESC LIMIT ?`,
		tenantID, userID, string(FeedbackApproval), autoApprovalWindow)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	matches := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("failed to scan approval: %w", err)
		}
		var action map[string]any
		if err := json.Unmarshal([]byte(raw), &action); err != nil {
			continue
		}
		if t, _ := action[TaskTypeKey].(string); t == taskType {
			matches++
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate approvals: %w", err)
	}

	if matches < AutoApprovalThreshold {
		return nil
	}

	promoted := false
	err = s.mutate(ctx, span, tenantID, userID, func(p *Profile) error {
		for _, t := range p.Preferences.AutoApprovePatterns {
			if t == taskType {
				return nil
			}
		}
		p.Preferences.AutoApprovePatterns = append(p.Preferences.AutoApprovePatterns, taskType)
		promoted = true
		return nil
	})
	if err != nil {
		return err
	}

	if promoted {
		if s.approvalCounter != nil {
			s.approvalCounter.Add(ctx, 1)
		}
		logging.For(ctx, s.logger).Info("task type promoted to auto-approval",
			zap.String("user_id", userID),
			zap.String("task_type", taskType),
		)
	}
	return nil
}

func (s *service) RecordFeedback(ctx context.Context, tenantID string, fb *Feedback) (string, error) {
	ctx, span := s.tracer.Start(ctx, "profile.record_feedback")
	defer span.End()

	if err := validateIDs(tenantID, fb.UserID); err != nil {
		return "", err
	}
	if !fb.Type.valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownFeedback, fb.Type)
	}

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("feedback_type", string(fb.Type)),
	)

	original, err := json.Marshal(orEmptyMap(fb.OriginalAction))
	if err != nil {
		return "", fmt.Errorf("failed to encode original action: %w", err)
	}
	var corrected sql.NullString
	if fb.CorrectedAction != nil {
		raw, err := json.Marshal(fb.CorrectedAction)
		if err != nil {
			return "", fmt.Errorf("failed to encode corrected action: %w", err)
		}
		corrected = sql.NullString{String: string(raw), Valid: true}
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback
			(feedback_id, tenant_id, user_id, execution_id, feedback_type,
			 original_action, corrected_action, context, sentiment, impact, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, tenantID, fb.UserID, nullString(fb.ExecutionID), string(fb.Type),
		string(original), corrected, nullString(fb.Context),
		nullString(fb.Sentiment), nullString(fb.Impact), store.NowMillis())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to record feedback: %w", err)
	}

	if s.feedbackCounter != nil {
		s.feedbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(fb.Type))))
	}
	return id, nil
}

func (s *service) UnprocessedFeedback(ctx context.Context, tenantID, userID string, limit int) ([]*Feedback, error) {
	ctx, span := s.tracer.Start(ctx, "profile.unprocessed_feedback")
	defer span.End()

	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT feedback_id, user_id, execution_id, feedback_type,
		       original_action, corrected_action, context, sentiment, impact,
		       processed, applied_to_pattern, created_at
		FROM feedback WHERE tenant_id = ? AND processed = 0`
	args := []any{tenantID}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []*Feedback
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, nil
}

func (s *service) MarkFeedbackProcessed(ctx context.Context, tenantID, feedbackID string, appliedToPattern bool) error {
	ctx, span := s.tracer.Start(ctx, "profile.mark_feedback_processed")
	defer span.End()

	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM feedback WHERE feedback_id = ?`, feedbackID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to resolve feedback: %w", err)
	}
	if err := tenant.CheckOwner(tenantID, owner); err != nil {
		logging.For(ctx, s.logger).Error("tenant isolation violation",
			zap.String("feedback_id", feedbackID),
			zap.String("caller_tenant", tenantID),
		)
		span.RecordError(err)
		return err
	}

	applied := 0
	if appliedToPattern {
		applied = 1
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE feedback SET processed = 1, applied_to_pattern = ?
		WHERE feedback_id = ? AND tenant_id = ?`,
		applied, feedbackID, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark feedback processed: %w", err)
	}
	return nil
}

func (s *service) TenantsWithUnprocessedFeedback(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "profile.tenants_with_unprocessed_feedback")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM feedback WHERE processed = 0 ORDER BY tenant_id`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list tenants with feedback: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, tenantID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, nil
}

// mutate runs a read-modify-write of one profile row inside a transaction,
// creating the row first if the user has no profile yet.
func (s *service) mutate(ctx context.Context, span trace.Span, tenantID, userID string, apply func(*Profile) error) error {
	if err := validateIDs(tenantID, userID); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("user_id", userID),
	)

	if err := s.ensureRow(ctx, tenantID, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := s.read(ctx, tx, tenantID, userID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := apply(p); err != nil {
		span.RecordError(err)
		return err
	}

	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	history, err := json.Marshal(p.TaskHistory)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	selectors, err := json.Marshal(p.LearnedSelectors)
	if err != nil {
		return fmt.Errorf("failed to encode selectors: %w", err)
	}
	corrections, err := json.Marshal(p.Corrections)
	if err != nil {
		return fmt.Errorf("failed to encode corrections: %w", err)
	}
	stats, err := json.Marshal(p.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE user_profiles SET
			preferences = ?, task_history = ?, learned_selectors = ?,
			user_corrections = ?, stats = ?, updated_at = ?
		WHERE tenant_id = ? AND user_id = ?`,
		string(prefs), string(history), string(selectors),
		string(corrections), string(stats), store.NowMillis(),
		tenantID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update profile: %w", err)
	}

	return tx.Commit()
}

// ensureRow lazily creates the profile row with default preferences.
func (s *service) ensureRow(ctx context.Context, tenantID, userID string) error {
	prefs, err := json.Marshal(defaultPreferences())
	if err != nil {
		return fmt.Errorf("failed to encode default preferences: %w", err)
	}
	stats, err := json.Marshal(Stats{
		MostUsedTasks:       map[string]int{},
		PreferredApproaches: map[string]string{},
	})
	if err != nil {
		return fmt.Errorf("failed to encode default stats: %w", err)
	}

	now := store.NowMillis()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profiles
			(tenant_id, user_id, preferences, stats, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, user_id) DO NOTHING`,
		tenantID, userID, string(prefs), string(stats), now, now)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *service) read(ctx context.Context, q querier, tenantID, userID string) (*Profile, error) {
	var (
		p           Profile
		prefs       string
		history     string
		selectors   string
		corrections string
		stats       string
		createdAt   int64
		updatedAt   int64
	)

	err := q.QueryRowContext(ctx, `
		SELECT preferences, task_history, learned_selectors, user_corrections,
		       stats, created_at, updated_at
		FROM user_profiles WHERE tenant_id = ? AND user_id = ?`,
		tenantID, userID).Scan(&prefs, &history, &selectors, &corrections,
		&stats, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	p.UserID = userID
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)

	for _, col := range []struct {
		raw    string
		target any
	}{
		{prefs, &p.Preferences},
		{history, &p.TaskHistory},
		{selectors, &p.LearnedSelectors},
		{corrections, &p.Corrections},
		{stats, &p.Stats},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.target); err != nil {
			return nil, fmt.Errorf("corrupt profile column: %w", err)
		}
	}
	return &p, nil
}

func scanFeedback(rows *sql.Rows) (*Feedback, error) {
	var (
		fb          Feedback
		executionID sql.NullString
		fbType      string
		original    string
		corrected   sql.NullString
		contextCol  sql.NullString
		sentiment   sql.NullString
		impact      sql.NullString
		processed   int
		applied     int
		createdAt   int64
	)

	err := rows.Scan(&fb.ID, &fb.UserID, &executionID, &fbType, &original,
		&corrected, &contextCol, &sentiment, &impact, &processed, &applied, &createdAt)
	if err != nil {
		return nil, err
	}

	fb.ExecutionID = executionID.String
	fb.Type = FeedbackType(fbType)
	fb.Context = contextCol.String
	fb.Sentiment = sentiment.String
	fb.Impact = impact.String
	fb.Processed = processed != 0
	fb.AppliedToPattern = applied != 0
	fb.CreatedAt = time.UnixMilli(createdAt)

	if err := json.Unmarshal([]byte(original), &fb.OriginalAction); err != nil {
		return nil, fmt.Errorf("corrupt original action column: %w", err)
	}
	if corrected.Valid {
		if err := json.Unmarshal([]byte(corrected.String), &fb.CorrectedAction); err != nil {
			return nil, fmt.Errorf("corrupt corrected action column: %w", err)
		}
	}
	return &fb, nil
}

func validateIDs(tenantID, userID string) error {
	if tenantID == "" {
		return ErrEmptyTenantID
	}
	if userID == "" {
		return ErrEmptyUserID
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
