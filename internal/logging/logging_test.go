package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Sampling.Enabled)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fields = map[string]string{"service": "agentmem"}

	logger, err := New(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("started")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{Level: "nope", Format: "json"}, nil)
	require.Error(t, err)
}

func TestContextFields_Scope(t *testing.T) {
	ctx := WithScope(context.Background(), Scope{
		TenantID:    "tenant-a",
		UserID:      "user-1",
		ExecutionID: "exec-1",
	})

	fields := ContextFields(ctx)
	require.Len(t, fields, 3)
	assert.Equal(t, "tenant_id", fields[0].Key)
	assert.Equal(t, "tenant-a", fields[0].String)
}

func TestContextFields_EmptyContext(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestFor_AppliesScope(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	ctx := WithScope(context.Background(), Scope{TenantID: "tenant-a"})
	For(ctx, logger).Info("resumed checkpoint")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tenant-a", entries[0].ContextMap()["tenant_id"])
}

func TestFor_NilLoggerIsSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		For(context.Background(), nil).Info("dropped")
	})
}
