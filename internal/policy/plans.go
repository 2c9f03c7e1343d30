/**
 * @description
 * Plan catalog used by the fee and limit policy. The built-in catalog can be
 * replaced by a YAML/JSON plans file read with Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: reads the optional plans file.
 * - github.com/shopspring/decimal: exact topup fee rates.
 */

package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/adhub/core-service/internal/domain"
)

// Plan holds the pricing knobs the policy engine reads. A nil monthly limit
// means the plan is unlimited.
type Plan struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	BMApplicationFeeCents  int64           `json:"bm_application_fee_cents"`
	TopupFeeRate           decimal.Decimal `json:"topup_fee_rate"`
	MonthlyTopupLimitCents *int64          `json:"monthly_topup_limit_cents"`
}

// Catalog is an immutable lookup of plans by id.
type Catalog struct {
	plans map[string]Plan
}

// NewCatalog validates and indexes the given plans.
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("plan id is required")
		}
		if _, exists := c.plans[id]; exists {
			return nil, fmt.Errorf("duplicate plan id %q", id)
		}
		if p.BMApplicationFeeCents < 0 {
			return nil, fmt.Errorf("plan %q: negative business manager fee", id)
		}
		if p.TopupFeeRate.IsNegative() || p.TopupFeeRate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("plan %q: topup fee rate must be between 0 and 1", id)
		}
		if p.MonthlyTopupLimitCents != nil && *p.MonthlyTopupLimitCents < 0 {
			return nil, fmt.Errorf("plan %q: negative monthly topup limit", id)
		}
		p.ID = id
		c.plans[id] = p
	}
	return c, nil
}

// Plan returns the plan with the given id.
func (c *Catalog) Plan(id string) (Plan, error) {
	p, ok := c.plans[strings.TrimSpace(id)]
	if !ok {
		return Plan{}, domain.NotFoundf("plan %q", id)
	}
	return p, nil
}

// Plans lists the catalog ordered by id.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func limit(cents int64) *int64 { return &cents }

// DefaultCatalog is used when no plans file is configured.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Plan{
		{ID: "free", Name: "Free", BMApplicationFeeCents: 5000, TopupFeeRate: decimal.RequireFromString("0.05"), MonthlyTopupLimitCents: limit(100000)},
		{ID: "starter", Name: "Starter", BMApplicationFeeCents: 3000, TopupFeeRate: decimal.RequireFromString("0.03"), MonthlyTopupLimitCents: limit(500000)},
		{ID: "growth", Name: "Growth", BMApplicationFeeCents: 2500, TopupFeeRate: decimal.RequireFromString("0.02"), MonthlyTopupLimitCents: limit(2500000)},
		{ID: "scale", Name: "Scale", BMApplicationFeeCents: 1500, TopupFeeRate: decimal.RequireFromString("0.01")},
	})
	if err != nil {
		panic(err)
	}
	return c
}

type planFileEntry struct {
	ID                     string `mapstructure:"id"`
	Name                   string `mapstructure:"name"`
	BMApplicationFeeCents  int64  `mapstructure:"bm_application_fee_cents"`
	TopupFeeRate           string `mapstructure:"topup_fee_rate"`
	MonthlyTopupLimitCents *int64 `mapstructure:"monthly_topup_limit_cents"`
}

// LoadCatalog reads a plans file with a top-level `plans` list. An empty path
// returns the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}

	var entries []planFileEntry
	if err := v.UnmarshalKey("plans", &entries); err != nil {
		return nil, fmt.Errorf("decode plans file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("plans file %s defines no plans", path)
	}

	plans := make([]Plan, 0, len(entries))
	for _, e := range entries {
		rate := decimal.Zero
		if s := strings.TrimSpace(e.TopupFeeRate); s != "" {
			parsed, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("plan %q: invalid topup_fee_rate %q: %w", e.ID, s, err)
			}
			rate = parsed
		}
		plans = append(plans, Plan{
			ID:                     e.ID,
			Name:                   e.Name,
			BMApplicationFeeCents:  e.BMApplicationFeeCents,
			TopupFeeRate:           rate,
			MonthlyTopupLimitCents: e.MonthlyTopupLimitCents,
		})
	}
	return NewCatalog(plans)
}
