package purchase

import "time"

// Plan is one entry of the fixed purchase catalog: either a credit pack or
// the unlimited subscription.
type Plan struct {
	Type              string
	Name              string
	Credits           int64
	UnlimitedDuration time.Duration
	PriceCents        int64
}

// Unlimited reports whether the plan activates the unlimited flag instead
// of granting a credit pack.
func (plan Plan) Unlimited() bool {
	return plan.UnlimitedDuration > 0
}

const (
	PlanTenCredits       = "10_credits"
	PlanFiftyCredits     = "50_credits"
	PlanUnlimitedMonthly = "unlimited_monthly"
)

var catalog = map[string]Plan{
	PlanTenCredits: {
		Type:       PlanTenCredits,
		Name:       "10 credit pack",
		Credits:    10,
		PriceCents: 999,
	},
	PlanFiftyCredits: {
		Type:       PlanFiftyCredits,
		Name:       "50 credit pack",
		Credits:    50,
		PriceCents: 3999,
	},
	PlanUnlimitedMonthly: {
		Type:              PlanUnlimitedMonthly,
		Name:              "Unlimited monthly",
		UnlimitedDuration: 30 * 24 * time.Hour,
		PriceCents:        1999,
	},
}

// LookupPlan resolves a plan type against the fixed catalog.
func LookupPlan(planType string) (Plan, error) {
	plan, ok := catalog[planType]
	if !ok {
		return Plan{}, ErrInvalidPlan
	}
	return plan, nil
}

// Plans returns the catalog for display.
func Plans() []Plan {
	plans := make([]Plan, 0, len(catalog))
	for _, plan := range catalog {
		plans = append(plans, plan)
	}
	return plans
}
