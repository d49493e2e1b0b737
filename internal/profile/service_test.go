package profile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bottleneckbots/agentmem/internal/store"
	"github.com/bottleneckbots/agentmem/internal/tenant"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	st, err := store.Open(context.Background(), &store.Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := NewService(st, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestGetOrCreate_Defaults(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.GetOrCreate(ctx, "tenant-a", "user-1")
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, DefaultActionSpeed, p.Preferences.ActionSpeed)
	assert.True(t, p.Preferences.ApprovalRequired)
	assert.Empty(t, p.Preferences.AutoApprovePatterns)
	assert.Equal(t, DefaultTimeout, p.Preferences.DefaultTimeout)
	assert.Equal(t, DefaultMaxRetries, p.Preferences.MaxRetries)
	assert.Empty(t, p.TaskHistory)
	assert.Zero(t, p.Stats.TotalExecutions)
}

func TestGetOrCreate_IsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.LearnSelector(ctx, "tenant-a", "user-1", "login_button", "#login"))

	// A second access must not reset learned state.
	p, err := svc.GetOrCreate(ctx, "tenant-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "#login", p.LearnedSelectors["login_button"])
}

func TestUpdatePreferences_ShallowMerge(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.UpdatePreferences(ctx, "tenant-a", "user-1", map[string]any{
		"action_speed": "fast",
		"max_retries":  5,
	})
	require.NoError(t, err)

	p, err := svc.GetOrCreate(ctx, "tenant-a", "user-1")
	require.NoError(t, err)

	assert.Equal(t, "fast", p.Preferences.ActionSpeed)
	assert.Equal(t, 5, p.Preferences.MaxRetries)
	// Untouched fields keep their values.
	assert.True(t, p.Preferences.ApprovalRequired)
	assert.Equal(t, DefaultTimeout, p.Preferences.DefaultTimeout)
}

func TestUpdatePreferences_RejectsUnknownField(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.UpdatePreferences(ctx, "tenant-a", "user-1", map[string]any{
		"action_speed": "fast",
		"theme":        "dark",
	})
	assert.ErrorIs(t, err, ErrUnknownPreference)

	// The whole update is rejected.
	p, err := svc.GetOrCreate(ctx, "tenant-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultActionSpeed, p.Preferences.ActionSpeed)
}

func TestAppendHistory_StatsIncremental(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AppendHistory(ctx, "tenant-a", "user-1", HistoryEntry{
		TaskType: "create_contact",
		Approach: "form_fill",
		Success:  true,
		Duration: 10 * time.Second,
	}))
	require.NoError(t, svc.AppendHistory(ctx, "tenant-a", "user-1", HistoryEntry{
		TaskType: "create_contact",
		Approach: "quick_add",
		Success:  false,
		Duration: 20 * time.Second,
	}))
	require.NoError(t, svc.AppendHistory(ctx, "tenant-a", "user-1", HistoryEntry{
		TaskType: "export_csv",
		Approach: "toolbar_export",
		Success:  true,
		Duration: 30 * time.Second,
	}))

	p, err := svc.GetOrCreate(ctx, "tenant-a", "user-1")
	require.NoError(t, err)

	// Newest first.
	require.Len(t, p.TaskHistory, 3)
	assert.Equal(t, "export_csv", p.TaskHistory[0].TaskType)
	assert.Equal(t, "create_contact", p.TaskHistory[2].TaskType)

	assert.Equal(t, 3, p.Stats.TotalExecutions)
	assert.Equal(t, 2, p.Stats.SuccessfulExecutions)
	assert.Equal(t, 20*time.Second, p.Stats.AvgExecutionTime)
	assert.Equal(t, 2, p.Stats.MostUsedTasks["create_contact"])
	assert.Equal(t, 1, p.Stats.MostUsedTasks["export_csv"])

	// The failed quick_add attempt must not displace the successful one.
	assert.Equal(t, "form_fill", p.Stats.PreferredApproaches["create_contact"])
	assert.Equal(t, "toolbar_export", p.Stats.PreferredApproaches["export_csv"])
}

func TestAppendHistory_BoundedAtHundred(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		require.NoError(t, svc.AppendHistory(ctx, "tenant-a", "user-1", HistoryEntry{
			TaskType:    "create_contact",
			ExecutionID: fmt.Sprintf("exec-%d", i),
			Success:     true,
			Duration:    time.Second,
		}))
	}

	p, err := svc.GetOrCreate(ctx, "tenant-a", "user-1")
	require.NoError(t, err)

	require.Len(t, p.TaskHistory, MaxHistoryEntries)
	assert.Equal(t, "exec-149", p.TaskHistory[0].ExecutionID, "newest entry survives")
	assert.Equal(t, "exec-50", p.TaskHistory[MaxHistoryEntries-1].ExecutionID, "oldest retained entry")

	// Stats keep counting past the retention window.
	assert.Equal(t, 150, p.Stats.TotalExecutions)
	assert.Equal(t, 150, p.Stats.MostUsedTasks["create_contact"])
}

func TestLearnGetSelector(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sel, ok, err := svc.GetSelector(ctx, "tenant-a", "user-1", "login_button")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, sel)

	require.NoError(t, svc.LearnSelector(ctx, "tenant-a", "user-1", "login_button", "#login"))
	require.NoError(t, svc.LearnSelector(ctx, "tenant-a", "user-1", "login_button", "#signin"))

	sel, ok, err = svc.GetSelector(ctx, "tenant-a", "user-1", "login_button")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "#signin", sel, "upsert keeps the latest selector")
}

func TestRecordCorrection_BoundedAndEmitsFeedback(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, svc.RecordCorrection(ctx, "tenant-a", "user-1", Correction{
			ExecutionID:     fmt.Sprintf("exec-%d", i),
			OriginalAction:  map[string]any{TaskTypeKey: "create_contact", "selector": "#old"},
			CorrectedAction: map[string]any{"selector": "#new"},
		}))
	}

	p, err := svc.GetOrCreate(ctx, "tenant-a", "user-1")
	require.NoError(t, err)
	require.Len(t, p.Corrections, MaxCorrections)
	assert.Equal(t, "exec-59", p.Corrections[0].ExecutionID)

	// Every correction also lands in the feedback log.
	fbs, err := svc.UnprocessedFeedback(ctx, "tenant-a", "user-1", 100)
	require.NoError(t, err)
	assert.Len(t, fbs, 60)
	assert.Equal(t, FeedbackCorrection, fbs[0].Type)
}

func TestShouldAutoApprove(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ok, err := svc.ShouldAutoApprove(ctx, "tenant-a", "user-1", "create_contact")
	require.NoError(t, err)
	assert.False(t, ok, "approval required by default")

	// Globally disabling approval approves everything.
	require.NoError(t, svc.UpdatePreferences(ctx, "tenant-a", "user-1", map[string]any{
		"approval_required": false,
	}))
	ok, err = svc.ShouldAutoApprove(ctx, "tenant-a", "user-1", "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLearnAutoApproval_FiveApprovals(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	approve := func() {
		_, err := svc.RecordFeedback(ctx, "tenant-a", &Feedback{
			UserID:         "user-1",
			Type:           FeedbackApproval,
			OriginalAction: map[string]any{TaskTypeKey: "create_contact"},
		})
		require.NoError(t, err)
	}

	for i := 0; i < AutoApprovalThreshold-1; i++ {
		approve()
		require.NoError(t, svc.LearnAutoApproval(ctx, "tenant-a", "user-1", "create_contact"))

		ok, err := svc.ShouldAutoApprove(ctx, "tenant-a", "user-1", "create_contact")
		require.NoError(t, err)
		assert.False(t, ok, "below the threshold nothing is promoted")
	}

	approve()
	require.NoError(t, svc.LearnAutoApproval(ctx, "tenant-a", "user-1", "create_contact"))

	ok, err := svc.ShouldAutoApprove(ctx, "tenant-a", "user-1", "create_contact")
	require.NoError(t, err)
	assert.True(t, ok, "fifth matching approval promotes the task type")

	// Re-learning must not duplicate the entry.
	require.NoError(t, svc.LearnAutoApproval(ctx, "tenant-a", "user-1", "create_contact"))
	p, err := svc.GetOrCreate(ctx, "tenant-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"create_contact"}, p.Preferences.AutoApprovePatterns)

	// Other task types stay gated.
	ok, err = svc.ShouldAutoApprove(ctx, "tenant-a", "user-1", "export_csv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLearnAutoApproval_OtherTaskTypesDoNotCount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < AutoApprovalThreshold; i++ {
		_, err := svc.RecordFeedback(ctx, "tenant-a", &Feedback{
			UserID:         "user-1",
			Type:           FeedbackApproval,
			OriginalAction: map[string]any{TaskTypeKey: "export_csv"},
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.LearnAutoApproval(ctx, "tenant-a", "user-1", "create_contact"))

	ok, err := svc.ShouldAutoApprove(ctx, "tenant-a", "user-1", "create_contact")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeedback_ProcessedFlagAndIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.RecordFeedback(ctx, "tenant-a", &Feedback{
		UserID:         "user-1",
		Type:           FeedbackRejection,
		OriginalAction: map[string]any{TaskTypeKey: "create_contact"},
	})
	require.NoError(t, err)

	// Another tenant cannot flip the flag.
	err = svc.MarkFeedbackProcessed(ctx, "tenant-b", id, false)
	assert.ErrorIs(t, err, tenant.ErrMismatch)

	require.NoError(t, svc.MarkFeedbackProcessed(ctx, "tenant-a", id, true))

	fbs, err := svc.UnprocessedFeedback(ctx, "tenant-a", "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, fbs, "processed rows are excluded by the query filter")

	// Marking twice is harmless.
	require.NoError(t, svc.MarkFeedbackProcessed(ctx, "tenant-a", id, true))
}

func TestProfiles_TenantScoped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.LearnSelector(ctx, "tenant-a", "user-1", "login_button", "#login"))

	// The same user ID under another tenant gets a fresh profile.
	p, err := svc.GetOrCreate(ctx, "tenant-b", "user-1")
	require.NoError(t, err)
	assert.Empty(t, p.LearnedSelectors)
}

func TestTenantsWithUnprocessedFeedback(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tenants, err := svc.TenantsWithUnprocessedFeedback(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)

	for _, tenantID := range []string{"tenant-b", "tenant-a", "tenant-b"} {
		_, err := svc.RecordFeedback(ctx, tenantID, &Feedback{
			UserID:         "user-1",
			Type:           FeedbackApproval,
			OriginalAction: map[string]any{TaskTypeKey: "export_csv"},
		})
		require.NoError(t, err)
	}

	tenants, err = svc.TenantsWithUnprocessedFeedback(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)

	// Draining one tenant removes it from the listing.
	fbs, err := svc.UnprocessedFeedback(ctx, "tenant-a", "", 10)
	require.NoError(t, err)
	require.Len(t, fbs, 1)
	require.NoError(t, svc.MarkFeedbackProcessed(ctx, "tenant-a", fbs[0].ID, false))

	tenants, err = svc.TenantsWithUnprocessedFeedback(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-b"}, tenants)
}

func TestRecordFeedback_AcceptsAllTypes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, ft := range []FeedbackType{
		FeedbackApproval, FeedbackCorrection, FeedbackRejection, FeedbackSuggestion,
	} {
		_, err := svc.RecordFeedback(ctx, "tenant-a", &Feedback{
			UserID:         "user-1",
			Type:           ft,
			OriginalAction: map[string]any{TaskTypeKey: "create_contact"},
		})
		require.NoError(t, err, "type %s", ft)
	}

	_, err := svc.RecordFeedback(ctx, "tenant-a", &Feedback{
		UserID: "user-1",
		Type:   FeedbackType("applause"),
	})
	assert.ErrorIs(t, err, ErrUnknownFeedback)

	fbs, err := svc.UnprocessedFeedback(ctx, "tenant-a", "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, fbs, 4)
}
