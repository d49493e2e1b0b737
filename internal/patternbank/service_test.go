package patternbank

import (
	"context"
	"sync"
	"testing"

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

func newStoreRequest(text string) *StoreRequest {
	return &StoreRequest{
		TenantID: "tenant-a",
		Domain:   "app.example.com",
		Text:     text,
		Result:   "succeeded",
	}
}

func TestStore_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, &StoreRequest{Domain: "d", Text: "t", Result: "r"})
	assert.ErrorIs(t, err, ErrEmptyTenantID)

	_, err = svc.Store(ctx, &StoreRequest{TenantID: "tenant-a", Text: "t", Result: "r"})
	assert.ErrorIs(t, err, ErrEmptyDomain)

	_, err = svc.Store(ctx, &StoreRequest{TenantID: "tenant-a", Domain: "d", Result: "r"})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = svc.Store(ctx, &StoreRequest{TenantID: "tenant-a", Domain: "d", Text: "t"})
	assert.ErrorIs(t, err, ErrEmptyResult)

	req := newStoreRequest("click login button")
	req.Confidence = 1.5
	_, err = svc.Store(ctx, req)
	assert.ErrorIs(t, err, ErrBadConfidence)
}

func TestStoreGet_RoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := newStoreRequest("click login button")
	req.Context = "login page with SSO redirect"
	req.Tags = []string{"auth"}
	req.Metadata = map[string]any{"source": "executor"}

	id, err := svc.Store(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p, err := svc.Get(ctx, "tenant-a", id)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "click login button", p.Text)
	assert.Equal(t, "succeeded", p.Result)
	assert.Equal(t, "login page with SSO redirect", p.Context)
	assert.Equal(t, DefaultConfidence, p.Confidence)
	assert.Equal(t, 0, p.UsageCount)
	assert.Equal(t, 1.0, p.SuccessRate)
	assert.Equal(t, []string{"auth"}, p.Tags)
	assert.Nil(t, p.LastUsedAt)
	// Domain is stored tenant-namespaced and sanitized.
	assert.Equal(t, "tenant_a:app_example_com", p.Domain)
}

func TestGet_AbsentIsNotAnError(t *testing.T) {
	svc := newTestService(t)

	p, err := svc.Get(context.Background(), "tenant-a", "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRecordOutcome_Recalibrates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Store(ctx, newStoreRequest("click login button"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RecordOutcome(ctx, "tenant-a", id, true))
	}
	require.NoError(t, svc.RecordOutcome(ctx, "tenant-a", id, false))

	p, err := svc.Get(ctx, "tenant-a", id)
	require.NoError(t, err)

	assert.Equal(t, 4, p.UsageCount)
	assert.InDelta(t, 0.75, p.SuccessRate, 1e-9)
	assert.InDelta(t, 0.75, p.Confidence, 1e-9)
	require.NotNil(t, p.LastUsedAt)
}

func TestRecordOutcome_ConfidenceFloor(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Store(ctx, newStoreRequest("retry with backoff"))
	require.NoError(t, err)

	// All failures: success rate goes to 0 but confidence stays clamped.
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordOutcome(ctx, "tenant-a", id, false))
	}

	p, err := svc.Get(ctx, "tenant-a", id)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, p.SuccessRate, 1e-9)
	assert.InDelta(t, MinConfidence, p.Confidence, 1e-9)
}

func TestRecordOutcome_NotFound(t *testing.T) {
	svc := newTestService(t)

	err := svc.RecordOutcome(context.Background(), "tenant-a", "no-such-id", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordOutcome_ConcurrentCountsExactly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Store(ctx, newStoreRequest("wait for spinner"))
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.RecordOutcome(ctx, "tenant-a", id, i%2 == 0)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}

	p, err := svc.Get(ctx, "tenant-a", id)
	require.NoError(t, err)
	assert.Equal(t, n, p.UsageCount, "no lost updates under concurrency")
	assert.InDelta(t, 0.5, p.SuccessRate, 1e-9)
}

func TestFindSimilar_RanksBySimilarityTimesConfidence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	exact, err := svc.Store(ctx, newStoreRequest("click the login button"))
	require.NoError(t, err)
	partial, err := svc.Store(ctx, newStoreRequest("click the submit button on checkout"))
	require.NoError(t, err)
	_, err = svc.Store(ctx, newStoreRequest("scroll to load more results"))
	require.NoError(t, err)

	matches, err := svc.FindSimilar(ctx, &SearchRequest{
		TenantID: "tenant-a",
		Query:    "click the login button",
	})
	require.NoError(t, err)
	require.Len(t, matches, 2, "patterns with zero token overlap are excluded")

	assert.Equal(t, exact, matches[0].Pattern.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
	assert.InDelta(t, DefaultConfidence, matches[0].Score, 1e-9)

	assert.Equal(t, partial, matches[1].Pattern.ID)
	assert.Less(t, matches[1].Score, matches[0].Score)
}

func TestFindSimilar_MinConfidenceAndDomainFilter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	weak := newStoreRequest("click the login button")
	weak.Confidence = 0.2
	_, err := svc.Store(ctx, weak)
	require.NoError(t, err)

	other := newStoreRequest("click the login button")
	other.Domain = "other.example.com"
	otherID, err := svc.Store(ctx, other)
	require.NoError(t, err)

	matches, err := svc.FindSimilar(ctx, &SearchRequest{
		TenantID:      "tenant-a",
		Query:         "click the login button",
		Domain:        "other.example.com",
		MinConfidence: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, otherID, matches[0].Pattern.ID)
}

func TestFindSimilar_TenantIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, newStoreRequest("click the login button"))
	require.NoError(t, err)

	matches, err := svc.FindSimilar(ctx, &SearchRequest{
		TenantID: "tenant-b",
		Query:    "click the login button",
	})
	require.NoError(t, err)
	assert.Empty(t, matches, "another tenant's patterns are never surfaced")
}

func TestGet_TenantMismatchIsHardFailure(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Store(ctx, newStoreRequest("click the login button"))
	require.NoError(t, err)

	_, err = svc.Get(ctx, "tenant-b", id)
	assert.ErrorIs(t, err, tenant.ErrMismatch)

	err = svc.RecordOutcome(ctx, "tenant-b", id, true)
	assert.ErrorIs(t, err, tenant.ErrMismatch)

	// The foreign tenant's attempt must not have touched the stats.
	p, err := svc.Get(ctx, "tenant-a", id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.UsageCount)
}

func TestCleanupLowPerformance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	bad, err := svc.Store(ctx, newStoreRequest("guess the captcha"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordOutcome(ctx, "tenant-a", bad, false))
	}

	// Low rate but too few trials to judge.
	young, err := svc.Store(ctx, newStoreRequest("double click the row"))
	require.NoError(t, err)
	require.NoError(t, svc.RecordOutcome(ctx, "tenant-a", young, false))

	good, err := svc.Store(ctx, newStoreRequest("click the login button"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordOutcome(ctx, "tenant-a", good, true))
	}

	n, err := svc.CleanupLowPerformance(ctx, 0.3, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	p, err := svc.Get(ctx, "tenant-a", bad)
	require.NoError(t, err)
	assert.Nil(t, p)

	for _, id := range []string{young, good} {
		p, err := svc.Get(ctx, "tenant-a", id)
		require.NoError(t, err)
		assert.NotNil(t, p)
	}
}
