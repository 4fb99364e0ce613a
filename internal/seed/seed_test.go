package seed_test

import (
	"context"
	"path/filepath"
	"testing"

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
	"policylens/internal/seed"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return engine.New(repo.Repo{DB: conn}, blob.FS{Dir: filepath.Join(dir, "blobs")}, zerolog.Nop())
}

type fingerprint struct {
	Policy    string
	Product   string
	ClaimType domain.ClaimType
	Priority  domain.Priority
	Summary   string
}

func summarize(res seed.Result) []fingerprint {
	byID := map[string]domain.Policy{}
	for _, p := range res.Policies {
		byID[p.ID] = p
	}
	var out []fingerprint
	for _, c := range res.Claims {
		out = append(out, fingerprint{c.PolicyNumber, byID[c.PolicyID].ProductType, c.ClaimType, c.Priority, c.Summary})
	}
	return out
}

func TestRunSeedsSampleData(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	res, err := seed.Run(ctx, e, seed.Options{})
	require.NoError(t, err)

	require.Len(t, res.Holders, 5)
	require.Len(t, res.Policies, 5)
	require.Len(t, res.Claims, 10)
	assert.Equal(t, 3, res.Notes)
	assert.Equal(t, "Sample Holder 1", res.Holders[0].FullName)
	assert.Equal(t, "holder5@example.com", res.Holders[4].Email)
	assert.Equal(t, "+44 7700 900000", res.Holders[0].Phone)
	assert.Equal(t, "PL-1005", res.Policies[4].PolicyNumber)
	for _, p := range res.Policies {
		assert.Equal(t, domain.PolicyActive, p.Status)
		require.NotNil(t, p.EffectiveDate)
		assert.Equal(t, "2024-01-01", *p.EffectiveDate)
	}

	for i, c := range res.Claims {
		assert.Equal(t, seed.Actor, c.CreatedBy)
		history, err := e.ClaimHistory(ctx, c.ID)
		require.NoError(t, err)
		if i < 3 {
			require.Len(t, history, 2)
			assert.Equal(t, audit.TypeNoteAdded, history[1].EventType)
		} else {
			assert.Len(t, history, 1)
		}
	}
}

func TestRunIsDeterministicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	first, err := seed.Run(ctx, newEngine(t), seed.Options{Seed: 42})
	require.NoError(t, err)
	second, err := seed.Run(ctx, newEngine(t), seed.Options{Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, summarize(first), summarize(second))

	e := newEngine(t)
	_, err = seed.Run(ctx, e, seed.Options{})
	require.NoError(t, err)
	again, err := seed.Run(ctx, e, seed.Options{})
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	claims, err := e.ListClaims(ctx, repo.ClaimFilters{})
	require.NoError(t, err)
	assert.Len(t, claims, 10)
}

func TestRunCompletesInterruptedSeed(t *testing.T) {
	ctx := context.Background()
	fresh, err := seed.Run(ctx, newEngine(t), seed.Options{})
	require.NoError(t, err)

	e := newEngine(t)
	partial, err := seed.Run(ctx, e, seed.Options{Claims: 4, NotedFor: 1})
	require.NoError(t, err)
	require.Len(t, partial.Claims, 4)

	resumed, err := seed.Run(ctx, e, seed.Options{})
	require.NoError(t, err)
	assert.False(t, resumed.Skipped)
	assert.Equal(t, 2, resumed.Notes)
	assert.Equal(t, summarize(fresh), summarize(resumed))
	assert.Equal(t, partial.Claims[0].ID, resumed.Claims[0].ID)

	claims, err := e.ListClaims(ctx, repo.ClaimFilters{})
	require.NoError(t, err)
	assert.Len(t, claims, 10)
	for i, c := range resumed.Claims[:3] {
		notes, err := e.ListNotes(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, notes, 1, "claim %d", i)
	}
}

func TestRunReusesExistingSamplePolicy(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	holder, err := e.CreatePolicyHolder(ctx, engine.PolicyHolderInput{FullName: "Walk-in Holder"})
	require.NoError(t, err)
	first, err := e.CreatePolicy(ctx, engine.PolicyInput{HolderID: holder.ID, PolicyNumber: "PL-1001", ProductType: "Pet Insurance"})
	require.NoError(t, err)

	res, err := seed.Run(ctx, e, seed.Options{})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, res.Policies, 5)
	assert.Equal(t, first.ID, res.Policies[0].ID)
	assert.Equal(t, "Walk-in Holder", res.Holders[0].FullName)
	assert.Len(t, res.Claims, 10)

	policies, err := e.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 5)
}
