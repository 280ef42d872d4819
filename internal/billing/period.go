package billing

import (
	"encoding/json"
	"time"

	"paygate/internal/external"
	"paygate/internal/types"
)

// resolvePeriod derives the current billing period bounds from a provider
// subscription. Newer provider API versions carry the period fields on the
// subscription item instead of the root object, so the root fields are read
// first and the first item's fields are the fallback. Absence in both places
// rejects the write rather than storing null bounds.
func resolvePeriod(sub *external.ProviderSubscription) (start, end time.Time, err error) {
	s, e := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	source := "subscription"
	if s <= 0 || e <= 0 {
		source = "first item"
		if len(sub.Items) > 0 {
			s, e = sub.Items[0].CurrentPeriodStart, sub.Items[0].CurrentPeriodEnd
		}
	}
	if s <= 0 || e <= 0 {
		return time.Time{}, time.Time{}, types.NewAppErrorWithDetails(types.ErrCodeDataPeriodMissing,
			"subscription carries no current period bounds", nil,
			map[string]any{
				"subscription_id":      sub.ID,
				"checked":              source,
				"current_period_start": s,
				"current_period_end":   e,
			})
	}
	return time.Unix(s, 0).UTC(), time.Unix(e, 0).UTC(), nil
}

// objectRef decodes a provider reference that may be delivered either as a
// bare id string or as an embedded object with an "id" field.
type objectRef struct {
	ID string
}

func (r *objectRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}
