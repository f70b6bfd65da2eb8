package types

// ImportedPlanTag marks a panel user adopted without a matching local plan.
const ImportedPlanTag = "IMPORTED"

// PlanSnapshot is an immutable copy of a plan taken at purchase time. It is
// persisted inside the transaction row and never mutated afterwards.
type PlanSnapshot struct {
	Name         string   `json:"name"`
	Tag          string   `json:"tag"`
	TrafficLimit int64    `json:"traffic_limit"`
	DeviceLimit  int      `json:"device_limit"`
	DurationDays int      `json:"duration_days"`
	Squads       []string `json:"squads,omitempty"`
}

// Pricing captures the price breakdown for one transaction. Amounts are in
// minor units of Currency.
type Pricing struct {
	Base        int64  `json:"base"`
	DiscountPct int    `json:"discount_pct"`
	Final       int64  `json:"final"`
	Currency    string `json:"currency"`
}
