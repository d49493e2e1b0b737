package taskpattern

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bottleneckbots/agentmem/internal/store"
	"github.com/bottleneckbots/agentmem/internal/tenant"
)

func newTestRegistry(t *testing.T) Registry {
	t.Helper()
	st, err := store.Open(context.Background(), &store.Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := NewRegistry(st, zap.NewNop())
	require.NoError(t, err)
	return reg
}

func newCreateRequest(taskType string) *CreateRequest {
	return &CreateRequest{
		TenantID: "tenant-a",
		UserID:   "user-1",
		TaskType: taskType,
		SuccessfulApproach: map[string]any{
			"strategy": "form_fill",
			"order":    "top_down",
		},
		Selectors: map[string]string{
			"submit_button": "#submit",
			"name_field":    "input[name=name]",
		},
		Workflow:          []string{"navigate", "fill", "submit"},
		ContextConditions: map[string]any{"site": "app.example.com"},
		AvgExecutionTime:  12 * time.Second,
	}
}

func TestCreate_Validation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, &CreateRequest{UserID: "u", TaskType: "t"})
	assert.ErrorIs(t, err, ErrEmptyTenantID)

	_, err = reg.Create(ctx, &CreateRequest{TenantID: "tenant-a", TaskType: "t"})
	assert.ErrorIs(t, err, ErrEmptyUserID)

	_, err = reg.Create(ctx, &CreateRequest{TenantID: "tenant-a", UserID: "u"})
	assert.ErrorIs(t, err, ErrEmptyTaskType)

	req := newCreateRequest("create_contact")
	req.Confidence = 0.01
	_, err = reg.Create(ctx, req)
	assert.ErrorIs(t, err, ErrBadConfidence)
}

func TestCreateGet_RoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Create(ctx, newCreateRequest("create_contact"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p, err := reg.Get(ctx, "tenant-a", id)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, "create_contact", p.TaskType)
	assert.Equal(t, "form_fill", p.SuccessfulApproach["strategy"])
	assert.Equal(t, "#submit", p.Selectors["submit_button"])
	assert.Equal(t, []string{"navigate", "fill", "submit"}, p.Workflow)
	assert.Equal(t, 12*time.Second, p.AvgExecutionTime)
	assert.Equal(t, DefaultConfidence, p.Confidence)
	assert.Equal(t, 0, p.UsageCount)
	assert.Equal(t, 1.0, p.SuccessRate)
	assert.Nil(t, p.LastUsedAt)
}

func TestGet_AbsentIsNotAnError(t *testing.T) {
	reg := newTestRegistry(t)

	p, err := reg.Get(context.Background(), "tenant-a", "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRecordOutcome_BlendedConfidence(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Create(ctx, newCreateRequest("create_contact"))
	require.NoError(t, err)

	// One success: rate stays 1.0, confidence moves toward it slowly.
	require.NoError(t, reg.RecordOutcome(ctx, "tenant-a", id, true))

	p, err := reg.Get(ctx, "tenant-a", id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.UsageCount)
	assert.InDelta(t, 1.0, p.SuccessRate, 1e-9)
	// 0.9×1.0 + 0.1×0.8
	assert.InDelta(t, 0.98, p.Confidence, 1e-9)
	require.NotNil(t, p.LastUsedAt)

	// One failure: rate halves, confidence blends with its previous value.
	require.NoError(t, reg.RecordOutcome(ctx, "tenant-a", id, false))

	p, err = reg.Get(ctx, "tenant-a", id)
	require.NoError(t, err)
	assert.Equal(t, 2, p.UsageCount)
	assert.InDelta(t, 0.5, p.SuccessRate, 1e-9)
	// 0.9×0.5 + 0.1×0.98
	assert.InDelta(t, 0.548, p.Confidence, 1e-9)
}

func TestRecordOutcome_NotFound(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.RecordOutcome(context.Background(), "tenant-a", "no-such-id", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordOutcome_TenantMismatchIsHardFailure(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Create(ctx, newCreateRequest("create_contact"))
	require.NoError(t, err)

	err = reg.RecordOutcome(ctx, "tenant-b", id, true)
	assert.ErrorIs(t, err, tenant.ErrMismatch)

	_, err = reg.Get(ctx, "tenant-b", id)
	assert.ErrorIs(t, err, tenant.ErrMismatch)

	p, err := reg.Get(ctx, "tenant-a", id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.UsageCount)
}

func TestListFor_OrdersByConfidence(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	low := newCreateRequest("create_contact")
	low.Confidence = 0.4
	lowID, err := reg.Create(ctx, low)
	require.NoError(t, err)

	highID, err := reg.Create(ctx, newCreateRequest("create_contact"))
	require.NoError(t, err)

	// A different task type must not appear.
	_, err = reg.Create(ctx, newCreateRequest("export_csv"))
	require.NoError(t, err)

	patterns, err := reg.ListFor(ctx, "tenant-a", "user-1", "create_contact")
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, highID, patterns[0].ID)
	assert.Equal(t, lowID, patterns[1].ID)
}

func TestSuggestForNewTaskType(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	closeID, err := reg.Create(ctx, newCreateRequest("export_csv"))
	require.NoError(t, err)
	_, err = reg.Create(ctx, newCreateRequest("create_contact"))
	require.NoError(t, err)

	// A same-type pattern would not be a "new task type" fallback.
	_, err = reg.Create(ctx, newCreateRequest("export_pdf"))
	require.NoError(t, err)

	suggestions, err := reg.SuggestForNewTaskType(ctx, "tenant-a", "user-1", "export_pdf")
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)

	for _, s := range suggestions {
		assert.NotEqual(t, "export_pdf", s.Pattern.TaskType, "same-type patterns are excluded")
	}

	best := suggestions[0]
	assert.Equal(t, closeID, best.Pattern.ID)
	// "export_csv" vs "export_pdf": 3 edits over 10 runes.
	assert.InDelta(t, 0.7, best.Similarity, 1e-9)
	// Cross-task suggestions carry the fixed risk discount.
	assert.InDelta(t, DefaultConfidence*CrossTaskDiscount, best.Confidence, 1e-9)
}

func TestSuggestForNewTaskType_OtherUserInvisible(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, newCreateRequest("export_csv"))
	require.NoError(t, err)

	suggestions, err := reg.SuggestForNewTaskType(ctx, "tenant-a", "user-2", "export_pdf")
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestCleanupLowPerformance_Registry(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	badID, err := reg.Create(ctx, newCreateRequest("create_contact"))
	require.NoError(t, err)
	goodID, err := reg.Create(ctx, newCreateRequest("export_csv"))
	require.NoError(t, err)
	youngID, err := reg.Create(ctx, newCreateRequest("update_profile"))
	require.NoError(t, err)

	// Enough failures to prove the bad pattern unreliable.
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.RecordOutcome(ctx, "tenant-a", badID, false))
		require.NoError(t, reg.RecordOutcome(ctx, "tenant-a", goodID, true))
	}

	n, err := reg.CleanupLowPerformance(ctx, 0.3, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	p, err := reg.Get(ctx, "tenant-a", badID)
	require.NoError(t, err)
	assert.Nil(t, p, "unreliable pattern is gone")

	p, err = reg.Get(ctx, "tenant-a", goodID)
	require.NoError(t, err)
	assert.NotNil(t, p, "successful pattern survives")

	// Never tried: usage count below the floor, kept regardless of rate.
	p, err = reg.Get(ctx, "tenant-a", youngID)
	require.NoError(t, err)
	assert.NotNil(t, p)
}
