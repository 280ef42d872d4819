package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paygate/internal/external"
	"paygate/internal/types"
)

// VerifyResult is the structured outcome of the success-verification path.
// A verification that did not produce a subscription is an expected state
// the frontend polls through, not a fault, so the failure travels in the
// Error field instead of an error return.
type VerifyResult struct {
	Subscription *types.SubscriptionSummary `json:"subscription"`
	Error        string                     `json:"error,omitempty"`
}

// SuccessVerifier handles the synchronous post-redirect verification call:
// it re-fetches the session and subscription from the provider and marks the
// local checkout record completed.
type SuccessVerifier struct {
	provider external.PaymentProvider
	sessions checkoutSessionStore
	logger   *slog.Logger
}

// NewSuccessVerifier wires the verifier.
func NewSuccessVerifier(provider external.PaymentProvider, sessions checkoutSessionStore, logger *slog.Logger) *SuccessVerifier {
	return &SuccessVerifier{
		provider: provider,
		sessions: sessions,
		logger:   logger,
	}
}

// Verify re-checks a checkout session against the provider and, when the
// session completed, returns a summary of the resulting subscription. All
// failures are folded into the result; Verify never returns an error.
func (v *SuccessVerifier) Verify(ctx context.Context, sessionID string) *VerifyResult {
	summary, err := v.verify(ctx, sessionID)
	if err != nil {
		v.logger.WarnContext(ctx, "checkout verification did not complete",
			"session_id", sessionID,
			"error", err,
		)
		return &VerifyResult{Error: err.Error()}
	}
	return &VerifyResult{Subscription: summary}
}

func (v *SuccessVerifier) verify(ctx context.Context, sessionID string) (*types.SubscriptionSummary, error) {
	session, err := v.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != "complete" {
		return nil, fmt.Errorf("session status is '%s', expected 'complete'", session.Status)
	}

	local, err := v.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if hasErrCode(err, types.ErrCodeNotFoundSession) {
			return nil, fmt.Errorf("checkout session %s has no local record", sessionID)
		}
		return nil, err
	}

	subscriptionID := session.SubscriptionID
	if subscriptionID == "" {
		return nil, fmt.Errorf("completed session %s carries no subscription", sessionID)
	}

	sub, err := v.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if err := v.sessions.MarkCompleted(ctx, sessionID, subscriptionID); err != nil {
		return nil, err
	}

	start, end, err := resolvePeriod(sub)
	if err != nil {
		return nil, err
	}

	return buildSummary(sub, local, start, end), nil
}

// buildSummary assembles the frontend-facing subscription DTO. The local
// record is preferred for plan linkage; subscription metadata is the
// fallback for sessions the reconciler rebuilt without a local record.
func buildSummary(sub *external.ProviderSubscription, local *types.CheckoutSession, start, end time.Time) *types.SubscriptionSummary {
	summary := &types.SubscriptionSummary{
		SubscriptionID:     sub.ID,
		Status:             types.SubscriptionStatus(sub.Status),
		CurrentPeriodStart: start.Format(time.RFC3339),
		CurrentPeriodEnd:   end.Format(time.RFC3339),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}

	if local != nil {
		summary.PlanID = local.PlanID
		summary.PriceID = local.PriceID
		summary.Interval = local.Interval
		summary.OverageEnabled = local.Metadata["overage_enabled"] == "true"
	}
	if summary.PlanID == "" {
		summary.PlanID = sub.Metadata["plan_id"]
	}
	if !summary.OverageEnabled {
		summary.OverageEnabled = sub.Metadata["overage_enabled"] == "true"
	}

	if len(sub.Items) > 0 {
		item := sub.Items[0]
		summary.ProductName = item.ProductName
		if summary.PriceID == "" {
			summary.PriceID = item.PriceID
		}
		if summary.Interval == "" {
			summary.Interval = item.Interval
		}
	}

	return summary
}
