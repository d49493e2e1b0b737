package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bottleneckbots/agentmem/internal/memcache"
	"github.com/bottleneckbots/agentmem/internal/store"
)

const checkpointColumns = `checkpoint_id, execution_id, tenant_id, phase_id, phase_name,
	step_index, completed_steps, completed_phases, partial_results, extracted_data,
	session_state, browser_context, error_info, checkpoint_reason, can_resume,
	resume_count, created_at, expires_at`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(s scanner) (*Checkpoint, error) {
	var (
		cp              Checkpoint
		phaseID         sql.NullString
		phaseName       sql.NullString
		errorInfo       sql.NullString
		completedSteps  string
		completedPhases string
		partialResults  string
		extractedData   string
		sessionState    string
		browserContext  string
		canResume       int
		createdAt       int64
		expiresAt       int64
	)

	err := s.Scan(&cp.ID, &cp.ExecutionID, &cp.TenantID, &phaseID, &phaseName,
		&cp.StepIndex, &completedSteps, &completedPhases, &partialResults, &extractedData,
		&sessionState, &browserContext, &errorInfo, &cp.Reason, &canResume,
		&cp.ResumeCount, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	cp.PhaseID = phaseID.String
	cp.PhaseName = phaseName.String
	cp.ErrorInfo = errorInfo.String
	cp.CanResume = canResume != 0
	cp.CreatedAt = time.UnixMilli(createdAt)
	cp.ExpiresAt = time.UnixMilli(expiresAt)

	columns := []struct {
		raw    string
		target any
	}{
		{completedSteps, &cp.CompletedSteps},
		{completedPhases, &cp.CompletedPhases},
		{partialResults, &cp.PartialResults},
		{extractedData, &cp.ExtractedData},
		{sessionState, &cp.SessionState},
		{browserContext, &cp.BrowserContext},
	}
	for _, c := range columns {
		if c.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.raw), c.target); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint column: %w", err)
		}
	}

	return &cp, nil
}

func marshalColumn(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(raw), nil
}

func upsertCheckpoint(ctx context.Context, db *sql.DB, cp *Checkpoint) error {
	completedSteps, err := marshalColumn(orEmptySlice(cp.CompletedSteps))
	if err != nil {
		return err
	}
	completedPhases, err := marshalColumn(orEmptySlice(cp.CompletedPhases))
	if err != nil {
		return err
	}
	partialResults, err := marshalColumn(orEmptyMap(cp.PartialResults))
	if err != nil {
		return err
	}
	extractedData, err := marshalColumn(orEmptyMap(cp.ExtractedData))
	if err != nil {
		return err
	}
	sessionState, err := marshalColumn(cp.SessionState)
	if err != nil {
		return err
	}
	browserContext, err := marshalColumn(cp.BrowserContext)
	if err != nil {
		return err
	}

	canResume := 0
	if cp.CanResume {
		canResume = 1
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			step_index = excluded.step_index,
			completed_steps = excluded.completed_steps,
			completed_phases = excluded.completed_phases,
			partial_results = excluded.partial_results,
			extracted_data = excluded.extracted_data,
			session_state = excluded.session_state,
			browser_context = excluded.browser_context,
			error_info = excluded.error_info`,
		cp.ID, cp.ExecutionID, cp.TenantID, nullable(cp.PhaseID), nullable(cp.PhaseName),
		cp.StepIndex, completedSteps, completedPhases, partialResults, extractedData,
		sessionState, browserContext, nullable(cp.ErrorInfo), string(cp.Reason), canResume,
		cp.ResumeCount, cp.CreatedAt.UnixMilli(), cp.ExpiresAt.UnixMilli())
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// tableBackend adapts the checkpoints table to memcache.Backend, so the
// generic cache's write-through/read-through path lands directly on the
// durable checkpoint rows instead of a separate blob table.
type tableBackend struct {
	db *sql.DB
}

func (b *tableBackend) Put(ctx context.Context, _, _ string, e *memcache.Entry) error {
	defer store.ObserveQuery("checkpoint_put", time.Now())
	var cp Checkpoint
	if err := json.Unmarshal(e.Value, &cp); err != nil {
		return fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return upsertCheckpoint(ctx, b.db, &cp)
}

func (b *tableBackend) Get(ctx context.Context, _, key string) (*memcache.Entry, error) {
	defer store.ObserveQuery("checkpoint_get", time.Now())
	row := b.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE checkpoint_id = ? AND expires_at > ?`,
		key, store.NowMillis())

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return &memcache.Entry{
		Value:     raw,
		CreatedAt: cp.CreatedAt.UnixMilli(),
		UpdatedAt: cp.CreatedAt.UnixMilli(),
		ExpiresAt: cp.ExpiresAt.UnixMilli(),
	}, nil
}

func (b *tableBackend) Delete(ctx context.Context, _, key string) error {
	defer store.ObserveQuery("checkpoint_delete", time.Now())
	_, err := b.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id = ?`, key)
	return err
}

func (b *tableBackend) DeletePrefix(ctx context.Context, _, prefix string) (int64, error) {
	defer store.ObserveQuery("checkpoint_delete_prefix", time.Now())
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE checkpoint_id LIKE ? ESCAPE '\'`,
		memcache.EscapeLike(prefix)+"%")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *tableBackend) SweepExpired(ctx context.Context, nowMillis int64) (int64, error) {
	defer store.ObserveQuery("checkpoint_sweep", time.Now())
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE expires_at <= ?`, nowMillis)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
