package billing

import (
	"encoding/json"
	"fmt"

	"paygate/internal/types"
)

// PlanCatalog maps plan ids to provider price ids per billing interval.
// Loaded once at startup from BILLING_PLANS_JSON and immutable thereafter.
type PlanCatalog struct {
	plans map[string]map[types.BillingInterval]string
}

// NewPlanCatalog parses the catalog JSON, shaped as
// {"plan_id": {"month": "price_x", "year": "price_y"}}.
func NewPlanCatalog(plansJSON string) (*PlanCatalog, error) {
	var raw map[string]map[string]string
	if err := json.Unmarshal([]byte(plansJSON), &raw); err != nil {
		return nil, fmt.Errorf("parsing plan catalog: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}

	plans := make(map[string]map[types.BillingInterval]string, len(raw))
	for planID, intervals := range raw {
		entry := make(map[types.BillingInterval]string, len(intervals))
		for interval, priceID := range intervals {
			bi := types.BillingInterval(interval)
			if !bi.IsValid() {
				return nil, fmt.Errorf("plan %q: unsupported interval %q", planID, interval)
			}
			if priceID == "" {
				return nil, fmt.Errorf("plan %q: empty price id for interval %q", planID, interval)
			}
			entry[bi] = priceID
		}
		plans[planID] = entry
	}

	return &PlanCatalog{plans: plans}, nil
}

// Resolve returns the provider price id for a plan at the requested interval.
func (c *PlanCatalog) Resolve(planID string, interval types.BillingInterval) (string, error) {
	if !interval.IsValid() {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInterval,
			fmt.Sprintf("unsupported billing interval %q", interval), nil,
			map[string]any{"interval": string(interval)})
	}

	intervals, ok := c.plans[planID]
	if !ok {
		return "", types.NewAppErrorWithDetails(types.ErrCodeNotFoundPlan,
			fmt.Sprintf("unknown plan %q", planID), nil,
			map[string]any{"plan_id": planID})
	}

	priceID, ok := intervals[interval]
	if !ok {
		return "", types.NewAppErrorWithDetails(types.ErrCodeNotFoundPrice,
			fmt.Sprintf("plan %q has no %s price configured", planID, interval), nil,
			map[string]any{"plan_id": planID, "interval": string(interval)})
	}

	return priceID, nil
}

// PlanIDs returns the configured plan ids, for diagnostics.
func (c *PlanCatalog) PlanIDs() []string {
	ids := make([]string, 0, len(c.plans))
	for id := range c.plans {
		ids = append(ids, id)
	}
	return ids
}
