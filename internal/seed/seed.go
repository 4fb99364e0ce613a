// Package seed loads deterministic sample data for local development.
package seed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"policylens/internal/domain"
	"policylens/internal/engine"
	"policylens/internal/repo"
)

// Actor is recorded on every seeded claim and note.
const Actor = "seed"

type Options struct {
	Seed     int64
	Holders  int
	Claims   int
	NotedFor int
}

type Result struct {
	Holders  []domain.PolicyHolder `json:"holders"`
	Policies []domain.Policy       `json:"policies"`
	Claims   []domain.Claim        `json:"claims"`
	Notes    int                   `json:"notes"`
	// Skipped is set when the whole sample set already exists.
	Skipped bool `json:"skipped"`
}

var (
	products = []string{"Home Insurance", "Motor Insurance", "Travel Insurance"}
	types    = []domain.ClaimType{domain.ClaimTypeClaim, domain.ClaimTypePolicyChange}
	levels   = []domain.Priority{domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh}
	// summaries mirror what intake staff typically write.
	summaries = []string{
		"Customer submitted initial documents.",
		"Missing proof of address.",
		"Upload includes unclear photo.",
		"Policy change request with partial details.",
		"Claim notes mention third party involvement.",
	}
)

func (o Options) withDefaults() Options {
	if o.Seed == 0 {
		o.Seed = 42
	}
	if o.Holders <= 0 {
		o.Holders = 5
	}
	if o.Claims <= 0 {
		o.Claims = 10
	}
	if o.NotedFor < 0 {
		o.NotedFor = 0
	} else if o.NotedFor == 0 {
		o.NotedFor = 3
	}
	return o
}

func policyNumber(i int) string {
	return fmt.Sprintf("PL-%d", 1000+i)
}

// Run creates holders, one ACTIVE policy per holder and claims through the
// engine so every claim gets its audit trail. Each step first looks for the
// row an earlier run would have written, so a run that failed part way is
// completed by running again. Result always describes the full sample set.
func Run(ctx context.Context, e engine.Engine, opts Options) (Result, error) {
	opts = opts.withDefaults()
	var res Result
	created := 0

	rng := rand.New(rand.NewSource(opts.Seed))
	for i := 1; i <= opts.Holders; i++ {
		product := products[rng.Intn(len(products))]
		p, err := e.GetPolicyByNumber(ctx, policyNumber(i))
		switch {
		case err == nil:
			h, err := e.Store.GetPolicyHolder(ctx, p.HolderID)
			if err != nil {
				return res, fmt.Errorf("seed holder %d: %w", i, err)
			}
			res.Holders = append(res.Holders, h)
			res.Policies = append(res.Policies, p)
			continue
		case !errors.Is(err, repo.ErrNotFound):
			return res, err
		}
		h, err := e.CreatePolicyHolder(ctx, engine.PolicyHolderInput{
			FullName: fmt.Sprintf("Sample Holder %d", i),
			Email:    fmt.Sprintf("holder%d@example.com", i),
			Phone:    fmt.Sprintf("+44 7700 900%03d", i-1),
		})
		if err != nil {
			return res, fmt.Errorf("seed holder %d: %w", i, err)
		}
		p, err = e.CreatePolicy(ctx, engine.PolicyInput{
			HolderID:      h.ID,
			PolicyNumber:  policyNumber(i),
			ProductType:   product,
			Status:        domain.PolicyActive,
			EffectiveDate: "2024-01-01",
		})
		if err != nil {
			return res, fmt.Errorf("seed policy %d: %w", i, err)
		}
		res.Holders = append(res.Holders, h)
		res.Policies = append(res.Policies, p)
		created += 2
	}

	existing, err := seededClaims(ctx, e, res.Policies)
	if err != nil {
		return res, err
	}
	res.Claims = existing
	for i := 0; i < opts.Claims; i++ {
		in := engine.ClaimInput{
			PolicyID:  res.Policies[rng.Intn(len(res.Policies))].ID,
			ClaimType: types[rng.Intn(len(types))],
			Priority:  levels[rng.Intn(len(levels))],
			Summary:   summaries[rng.Intn(len(summaries))],
		}
		if i < len(existing) {
			continue
		}
		c, err := e.CreateClaim(ctx, in, Actor)
		if err != nil {
			return res, fmt.Errorf("seed claim %d: %w", i+1, err)
		}
		res.Claims = append(res.Claims, c)
		created++
	}
	for i := 0; i < opts.NotedFor && i < len(res.Claims); i++ {
		notes, err := e.ListNotes(ctx, res.Claims[i].ID)
		if err != nil {
			return res, fmt.Errorf("seed note: %w", err)
		}
		if len(notes) > 0 {
			continue
		}
		if _, err := e.AddNote(ctx, res.Claims[i].ID, "Seeded note for timeline realism.", Actor); err != nil {
			return res, fmt.Errorf("seed note: %w", err)
		}
		res.Notes++
		created++
	}
	if created == 0 {
		res.Skipped = true
		return res, nil
	}
	e.Log.Info().Int("holders", len(res.Holders)).Int("policies", len(res.Policies)).Int("claims", len(res.Claims)).Int("created", created).Msg("sample data seeded")
	return res, nil
}

// seededClaims returns the claims an earlier run opened on the sample
// policies, oldest first.
func seededClaims(ctx context.Context, e engine.Engine, policies []domain.Policy) ([]domain.Claim, error) {
	var out []domain.Claim
	for _, p := range policies {
		claims, err := e.ListClaims(ctx, repo.ClaimFilters{PolicyID: p.ID, Limit: 500})
		if err != nil {
			return nil, fmt.Errorf("list seeded claims: %w", err)
		}
		for _, c := range claims {
			if c.CreatedBy == Actor {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
