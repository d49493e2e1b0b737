package memcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bottleneckbots/agentmem/internal/store"
)

// SQLiteBackend persists cache entries in the memory_entries table.
//
// Scopes of the form "<tenant>:<session>" split into the table's tenant_scope
// and session_key columns so the tenant component stays queryable on its own.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a backend over the shared durable store.
func NewSQLiteBackend(st *store.Store) (*SQLiteBackend, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	return &SQLiteBackend{db: st.DB()}, nil
}

func splitScope(scope string) (tenantScope, sessionKey string) {
	parts := strings.SplitN(scope, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return scope, ""
}

// Put upserts one entry.
func (b *SQLiteBackend) Put(ctx context.Context, scope, key string, e *Entry) error {
	defer store.ObserveQuery("memory_put", time.Now())
	tenantScope, sessionKey := splitScope(scope)

	meta := "{}"
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		meta = string(raw)
	}

	var expires sql.NullInt64
	if e.ExpiresAt > 0 {
		expires = sql.NullInt64{Int64: e.ExpiresAt, Valid: true}
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO memory_entries (tenant_scope, session_key, entry_key, value, metadata, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_scope, session_key, entry_key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		tenantScope, sessionKey, key, string(e.Value), meta, e.CreatedAt, e.UpdatedAt, expires)
	return err
}

// Get returns (nil, nil) for absent or expired rows.
func (b *SQLiteBackend) Get(ctx context.Context, scope, key string) (*Entry, error) {
	defer store.ObserveQuery("memory_get", time.Now())
	tenantScope, sessionKey := splitScope(scope)

	row := b.db.QueryRowContext(ctx, `
		SELECT value, metadata, created_at, updated_at, COALESCE(expires_at, 0)
		FROM memory_entries
		WHERE tenant_scope = ? AND session_key = ? AND entry_key = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		tenantScope, sessionKey, key, store.NowMillis())

	var (
		value string
		meta  string
		e     Entry
	)
	err := row.Scan(&value, &meta, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.Value = []byte(value)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &e, nil
}

// Delete removes one row.
func (b *SQLiteBackend) Delete(ctx context.Context, scope, key string) error {
	defer store.ObserveQuery("memory_delete", time.Now())
	tenantScope, sessionKey := splitScope(scope)
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE tenant_scope = ? AND session_key = ? AND entry_key = ?`,
		tenantScope, sessionKey, key)
	return err
}

// DeletePrefix removes all rows in scope whose key starts with prefix.
// An empty prefix clears the whole scope (session teardown).
func (b *SQLiteBackend) DeletePrefix(ctx context.Context, scope, prefix string) (int64, error) {
	defer store.ObserveQuery("memory_delete_prefix", time.Now())
	tenantScope, sessionKey := splitScope(scope)
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM memory_entries
		WHERE tenant_scope = ? AND session_key = ?
		  AND entry_key LIKE ? ESCAPE '\'`,
		tenantScope, sessionKey, EscapeLike(prefix)+"%")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SweepExpired deletes all rows past their expiry.
func (b *SQLiteBackend) SweepExpired(ctx context.Context, nowMillis int64) (int64, error) {
	defer store.ObserveQuery("memory_sweep", time.Now())
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMillis)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EscapeLike escapes LIKE metacharacters so a stored key containing % or _
// never widens a prefix match. Pair with ESCAPE '\' in the query.
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
