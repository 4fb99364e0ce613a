package pg_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policylens/internal/audit"
	"policylens/internal/blob"
	"policylens/internal/db"
	"policylens/internal/domain"
	"policylens/internal/engine"
	"policylens/internal/migrate"
	"policylens/internal/repo"
	"policylens/internal/repo/pg"
)

// newPostgresEngine needs POLICYLENS_TEST_POSTGRES_DSN pointing at a
// disposable database.
func newPostgresEngine(t *testing.T) (engine.Engine, pg.Store, domain.Policy) {
	t.Helper()
	dsn := os.Getenv("POLICYLENS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLICYLENS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, migrate.MigratePostgres(ctx, pool))

	store := pg.Store{Pool: pool}
	e := engine.New(store, blob.FS{Dir: t.TempDir()}, zerolog.Nop())
	holder, err := e.CreatePolicyHolder(ctx, engine.PolicyHolderInput{FullName: "Pg Holder"})
	require.NoError(t, err)
	policy, err := e.CreatePolicy(ctx, engine.PolicyInput{
		HolderID:      holder.ID,
		PolicyNumber:  "PL-" + uuid.NewString()[:8],
		ProductType:   "Home Insurance",
		EffectiveDate: "2024-01-01",
		ExpiryDate:    "2025-01-01",
	})
	require.NoError(t, err)
	return e, store, policy
}

func TestPostgresClaimLifecycle(t *testing.T) {
	e, store, policy := newPostgresEngine(t)
	ctx := context.Background()

	got, err := store.GetPolicyByNumber(ctx, policy.PolicyNumber)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiryDate)
	assert.Equal(t, "2025-01-01", *got.ExpiryDate)

	c, err := e.CreateClaim(ctx, engine.ClaimInput{PolicyID: policy.ID, ClaimType: domain.ClaimTypeClaim}, "agent")
	require.NoError(t, err)
	_, err = e.AddNote(ctx, c.ID, "first look", "reviewer")
	require.NoError(t, err)
	_, err = e.AddDecision(ctx, c.ID, domain.DecisionRequestInfo, "receipts", "reviewer")
	require.NoError(t, err)
	_, err = e.AddDecision(ctx, c.ID, domain.DecisionReject, "", "reviewer")
	require.NoError(t, err)

	detail, err := e.GetClaimDetail(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimDecided, detail.Status)
	assert.Equal(t, domain.ClaimCounts{Notes: 1, Decisions: 2}, detail.ClaimCounts)

	history, err := e.ClaimHistory(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, audit.TypeClaimCreated, history[0].EventType)
	assert.Equal(t, audit.TypeDecisionRecorded, history[3].EventType)

	_, err = store.Pool.Exec(ctx, `UPDATE audit_events SET actor='mallory' WHERE claim_id=$1`, c.ID)
	assert.Error(t, err)

	assert.ErrorIs(t, store.DeletePolicy(ctx, policy.ID), repo.ErrProtected)
	require.NoError(t, store.DeleteClaim(ctx, c.ID))
	require.NoError(t, store.DeletePolicy(ctx, policy.ID))
}

func TestPostgresConcurrentDecisions(t *testing.T) {
	e, _, policy := newPostgresEngine(t)
	ctx := context.Background()
	c, err := e.CreateClaim(ctx, engine.ClaimInput{PolicyID: policy.ID, ClaimType: domain.ClaimTypeClaim}, "agent")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.AddDecision(ctx, c.ID, domain.DecisionApprove, "", "reviewer")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, engine.KindRuleViolation, engine.KindOf(err), err)
	}
	assert.Equal(t, 1, wins)
}
