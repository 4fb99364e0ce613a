package repo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policylens/internal/db"
	"policylens/internal/domain"
	"policylens/internal/migrate"
)

func newTestRepo(t *testing.T) (Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}, context.Background()
}

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 123456789, time.UTC)

func seedClaim(t *testing.T, r Repo, ctx context.Context) domain.Claim {
	t.Helper()
	require.NoError(t, r.InsertPolicyHolder(ctx, domain.PolicyHolder{ID: "h1", FullName: "Ada", CreatedAt: t0}))
	effective := "2024-01-01"
	require.NoError(t, r.InsertPolicy(ctx, domain.Policy{
		ID: "p1", HolderID: "h1", PolicyNumber: "PL-2001", Status: domain.PolicyActive,
		EffectiveDate: &effective, CreatedAt: t0,
	}))
	c := domain.Claim{
		ID: "c1", PolicyID: "p1", ClaimType: domain.ClaimTypeClaim, Status: domain.ClaimNew,
		Priority: domain.PriorityHigh, Summary: "Storm damage", CreatedBy: "agent",
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, r.WithTx(ctx, func(tx Tx) error { return tx.InsertClaim(ctx, c) }))
	return c
}

func TestClaimRoundTripPreservesTimestamps(t *testing.T) {
	r, ctx := newTestRepo(t)
	c := seedClaim(t, r, ctx)

	got, err := r.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "PL-2001", got.PolicyNumber)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Equal(t, c.Summary, got.Summary)

	p, err := r.GetPolicyByNumber(ctx, "PL-2001")
	require.NoError(t, err)
	require.NotNil(t, p.EffectiveDate)
	assert.Equal(t, "2024-01-01", *p.EffectiveDate)
	assert.Nil(t, p.ExpiryDate)
}

func TestMissingRowsReturnErrNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.GetClaim(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetPolicyHolder(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetPolicyByNumber(ctx, "PL-0000")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.DeleteClaim(ctx, "nope"), ErrNotFound)

	err = r.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateClaimStatus(ctx, "nope", domain.ClaimDecided, t0)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicatePolicyNumberConflicts(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedClaim(t, r, ctx)
	err := r.InsertPolicy(ctx, domain.Policy{ID: "p2", HolderID: "h1", PolicyNumber: "PL-2001", Status: domain.PolicyActive, CreatedAt: t0})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestProtectedDeletes(t *testing.T) {
	r, ctx := newTestRepo(t)
	c := seedClaim(t, r, ctx)

	assert.ErrorIs(t, r.DeletePolicyHolder(ctx, "h1"), ErrProtected)
	assert.ErrorIs(t, r.DeletePolicy(ctx, "p1"), ErrProtected)

	require.NoError(t, r.DeleteClaim(ctx, c.ID))
	require.NoError(t, r.DeletePolicy(ctx, "p1"))
	require.NoError(t, r.DeletePolicyHolder(ctx, "h1"))
}

func TestAuditEventsAreAppendOnly(t *testing.T) {
	r, ctx := newTestRepo(t)
	c := seedClaim(t, r, ctx)

	var first domain.AuditEvent
	err := r.WithTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.AppendAuditEvent(ctx, domain.AuditEvent{
			ClaimID: c.ID, EventType: "CLAIM_CREATED", Actor: "agent",
			Payload: json.RawMessage(`{"policy_number":"PL-2001"}`), CreatedAt: t0,
		})
		if err != nil {
			return err
		}
		_, err = tx.AppendAuditEvent(ctx, domain.AuditEvent{
			ClaimID: c.ID, EventType: "NOTE_ADDED", Actor: "agent", CreatedAt: t0.Add(time.Second),
		})
		return err
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	_, err = r.DB.ExecContext(ctx, `UPDATE audit_events SET actor='mallory' WHERE id=?`, first.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	asc, err := r.ListAuditEvents(ctx, EventFilters{ClaimID: c.ID, Ascending: true})
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, "CLAIM_CREATED", asc[0].EventType)
	assert.Equal(t, "agent", asc[0].Actor)
	assert.JSONEq(t, `{}`, string(asc[1].Payload))

	desc, err := r.ListAuditEvents(ctx, EventFilters{ClaimID: c.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, desc, 1)
	assert.Equal(t, "NOTE_ADDED", desc[0].EventType)

	typed, err := r.ListAuditEvents(ctx, EventFilters{ClaimID: c.ID, EventType: "CLAIM_CREATED"})
	require.NoError(t, err)
	assert.Len(t, typed, 1)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	r, ctx := newTestRepo(t)
	c := seedClaim(t, r, ctx)
	boom := errors.New("boom")

	err := r.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpdateClaimStatus(ctx, c.ID, domain.ClaimDecided, t0.Add(time.Hour)); err != nil {
			return err
		}
		if err := tx.InsertNote(ctx, domain.InternalNote{ID: "n1", ClaimID: c.ID, Body: "x", CreatedAt: t0}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := r.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimNew, got.Status)
	notes, err := r.ListNotes(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestListClaimsOrderAndFilters(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedClaim(t, r, ctx)
	later := domain.Claim{
		ID: "c2", PolicyID: "p1", ClaimType: domain.ClaimTypePolicyChange, Status: domain.ClaimInReview,
		Priority: domain.PriorityLow, CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute),
	}
	require.NoError(t, r.WithTx(ctx, func(tx Tx) error { return tx.InsertClaim(ctx, later) }))

	all, err := r.ListClaims(ctx, ClaimFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c2", all[0].ID)

	open, err := r.ListClaims(ctx, ClaimFilters{Status: domain.ClaimInReview})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "c2", open[0].ID)

	high, err := r.ListClaims(ctx, ClaimFilters{Priority: domain.PriorityHigh, PolicyID: "p1"})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "c1", high[0].ID)

	one, err := r.ListClaims(ctx, ClaimFilters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, NormalizeLimit(0))
	assert.Equal(t, 100, NormalizeLimit(-3))
	assert.Equal(t, 7, NormalizeLimit(7))
	assert.Equal(t, 500, NormalizeLimit(10_000))
}
