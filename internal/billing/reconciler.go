package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"paygate/internal/external"
	"paygate/internal/types"
)

// ProviderEvent is a verified, decoded webhook event handed to the reconciler.
// Payload is the full raw event body as delivered; Object is the event's
// data.object subtree.
type ProviderEvent struct {
	ID      string
	Kind    string
	Payload []byte
	Object  json.RawMessage
}

// Outcome reports what the reconciler did with an event. Outcomes are always
// returned, never raised: the transport layer acknowledges receipt regardless,
// and failures live in the event ledger for the provider's retry schedule to
// pick up.
type Outcome struct {
	EventID   string `json:"event_id"`
	Processed bool   `json:"processed"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Reconciler is the webhook event processor. It deduplicates events against
// the ledger, dispatches by kind, and converges the local subscription
// projection with provider state. Every handler re-fetches the authoritative
// object from the provider instead of trusting the event payload, so the
// projection converges regardless of delivery order.
type Reconciler struct {
	provider external.PaymentProvider
	links    customerLinkStore
	sessions checkoutSessionStore
	subs     subscriptionStore
	events   eventLedgerStore
	logger   *slog.Logger

	now func() time.Time
}

// NewReconciler wires the event processor.
func NewReconciler(
	provider external.PaymentProvider,
	links customerLinkStore,
	sessions checkoutSessionStore,
	subs subscriptionStore,
	events eventLedgerStore,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		provider: provider,
		links:    links,
		sessions: sessions,
		subs:     subs,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// Process runs one event through the idempotency gate and its kind handler.
// An event already processed returns its recorded outcome without touching
// the provider or the store again. Handler failures are recorded on the
// ledger with processed left false, so redelivery of the same event id
// retries the work.
func (r *Reconciler) Process(ctx context.Context, ev ProviderEvent) Outcome {
	existing, err := r.events.GetByEventID(ctx, ev.ID)
	if err != nil {
		return r.failure(ctx, ev, err, false)
	}

	if existing != nil && existing.Processed {
		return duplicateOutcome(existing)
	}

	if existing == nil {
		won, err := r.events.Insert(ctx, ev.ID, ev.Kind, ev.Payload)
		if err != nil {
			return r.failure(ctx, ev, err, false)
		}
		if !won {
			// A concurrent delivery of the same event id inserted first.
			// Re-read; if it already finished, short-circuit with its result.
			existing, err = r.events.GetByEventID(ctx, ev.ID)
			if err != nil {
				return r.failure(ctx, ev, err, true)
			}
			if existing != nil && existing.Processed {
				return duplicateOutcome(existing)
			}
		}
	}

	result, err := r.dispatch(ctx, ev)
	if err != nil {
		return r.failure(ctx, ev, err, true)
	}

	if err := r.events.MarkProcessed(ctx, ev.ID, result); err != nil {
		r.logger.ErrorContext(ctx, "event handled but ledger update failed",
			"event_id", ev.ID, "error", err)
	}

	r.logger.InfoContext(ctx, "webhook event processed",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"outcome", result.Outcome,
		"subscription_id", result.SubscriptionID,
	)

	return Outcome{EventID: ev.ID, Processed: true, Message: result.Message}
}

func (r *Reconciler) dispatch(ctx context.Context, ev ProviderEvent) (types.EventResult, error) {
	switch ev.Kind {
	case external.EventCheckoutSessionCompleted:
		return r.handleCheckoutCompleted(ctx, ev)
	case external.EventCheckoutSessionExpired:
		return r.handleCheckoutExpired(ctx, ev)
	case external.EventSubscriptionCreated, external.EventSubscriptionUpdated:
		return r.handleSubscriptionChanged(ctx, ev)
	case external.EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, ev)
	case external.EventInvoicePaymentSucceeded:
		return r.handleInvoiceSucceeded(ctx, ev)
	case external.EventInvoicePaymentFailed:
		return r.handleInvoiceFailed(ctx, ev)
	default:
		// Unknown kinds are acknowledged, never failed.
		return types.EventResult{
			Outcome: "unhandled",
			Message: fmt.Sprintf("event kind %s is not handled", ev.Kind),
		}, nil
	}
}

// failure records a handler failure on the ledger (when the ledger row
// exists) and reports the event as unprocessed.
func (r *Reconciler) failure(ctx context.Context, ev ProviderEvent, cause error, recorded bool) Outcome {
	r.logger.ErrorContext(ctx, "webhook event processing failed",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"error", cause,
	)

	if recorded {
		result := types.EventResult{Outcome: "failed", Error: cause.Error()}
		if err := r.events.RecordFailure(ctx, ev.ID, result); err != nil {
			r.logger.ErrorContext(ctx, "failed to record event failure",
				"event_id", ev.ID, "error", err)
		}
	}

	return Outcome{EventID: ev.ID, Processed: false, Message: cause.Error()}
}

func duplicateOutcome(ev *types.BillingEvent) Outcome {
	out := Outcome{EventID: ev.EventID, Processed: true, Duplicate: true}
	if ev.Result != nil {
		out.Message = ev.Result.Message
	}
	if out.Message == "" {
		out.Message = "event already processed"
	}
	return out
}

// handleCheckoutCompleted converges a finished checkout: it re-fetches the
// session and subscription, upserts the subscription projection, and closes
// the local checkout record. The local record may not exist yet when the
// webhook outruns the orchestrator's persistence step; the customer link is
// the fallback for organization linkage and must exist.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, ev ProviderEvent) (types.EventResult, error) {
	var obj objectRef
	if err := json.Unmarshal(ev.Object, &obj); err != nil || obj.ID == "" {
		return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
			"checkout event carries no session id", err)
	}

	session, err := r.provider.GetCheckoutSession(ctx, obj.ID)
	if err != nil {
		return types.EventResult{}, err
	}
	if session.CustomerID == "" {
		return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
			fmt.Sprintf("session %s carries no customer", session.ID), nil)
	}

	link, err := r.links.GetByCustomerID(ctx, session.CustomerID)
	if err != nil {
		if hasErrCode(err, types.ErrCodeNotFoundCustomerLink) {
			return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
				fmt.Sprintf("no customer link for provider customer %s", session.CustomerID), err)
		}
		return types.EventResult{}, err
	}

	var local *types.CheckoutSession
	local, err = r.sessions.GetBySessionID(ctx, session.ID)
	if err != nil {
		if !hasErrCode(err, types.ErrCodeNotFoundSession) {
			return types.EventResult{}, err
		}
		// Webhook arrived before the orchestrator persisted the record.
		// Tolerated; linkage falls back to the customer link.
		local = nil
	}

	if session.SubscriptionID == "" {
		return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
			fmt.Sprintf("completed session %s carries no subscription", session.ID), nil)
	}

	sub, err := r.provider.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return types.EventResult{}, err
	}

	orgID := link.OrganizationID
	planID := session.Metadata["plan_id"]
	interval := types.BillingInterval(session.Metadata["interval"])
	if local != nil {
		orgID = local.OrganizationID
		planID = local.PlanID
		interval = local.Interval
	}

	if err := r.upsertSubscription(ctx, sub, orgID, session.CustomerID, planID, interval); err != nil {
		return types.EventResult{}, err
	}

	if local != nil {
		if err := r.sessions.MarkCompleted(ctx, session.ID, sub.ID); err != nil {
			return types.EventResult{}, err
		}
	}

	return types.EventResult{
		Outcome:        "processed",
		Message:        "checkout completed",
		SubscriptionID: sub.ID,
		SessionID:      session.ID,
	}, nil
}

// handleCheckoutExpired closes an abandoned session. An absent local record
// means the orchestrator never persisted one; nothing to expire.
func (r *Reconciler) handleCheckoutExpired(ctx context.Context, ev ProviderEvent) (types.EventResult, error) {
	var obj objectRef
	if err := json.Unmarshal(ev.Object, &obj); err != nil || obj.ID == "" {
		return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
			"checkout event carries no session id", err)
	}

	if err := r.sessions.MarkExpired(ctx, obj.ID); err != nil {
		if hasErrCode(err, types.ErrCodeNotFoundSession) {
			return types.EventResult{
				Outcome:   "processed",
				Message:   "no local record for expired session",
				SessionID: obj.ID,
			}, nil
		}
		return types.EventResult{}, err
	}

	return types.EventResult{
		Outcome:   "processed",
		Message:   "checkout session expired",
		SessionID: obj.ID,
	}, nil
}

// handleSubscriptionChanged covers created and updated events identically:
// the event payload may be partial or stale, so the subscription is always
// re-fetched from the provider before the upsert.
func (r *Reconciler) handleSubscriptionChanged(ctx context.Context, ev ProviderEvent) (types.EventResult, error) {
	var obj objectRef
	if err := json.Unmarshal(ev.Object, &obj); err != nil || obj.ID == "" {
		return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
			"subscription event carries no subscription id", err)
	}

	sub, err := r.provider.GetSubscription(ctx, obj.ID)
	if err != nil {
		return types.EventResult{}, err
	}

	link, err := r.links.GetByCustomerID(ctx, sub.CustomerID)
	if err != nil {
		if hasErrCode(err, types.ErrCodeNotFoundCustomerLink) {
			return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
				fmt.Sprintf("no customer link for provider customer %s", sub.CustomerID), err)
		}
		return types.EventResult{}, err
	}

	if err := r.upsertSubscription(ctx, sub, link.OrganizationID, sub.CustomerID, "", ""); err != nil {
		return types.EventResult{}, err
	}

	return types.EventResult{
		Outcome:        "processed",
		Message:        "subscription state converged",
		SubscriptionID: sub.ID,
	}, nil
}

// handleSubscriptionDeleted retires the local projection. A subscription
// never seen locally is a no-op success, not an error.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, ev ProviderEvent) (types.EventResult, error) {
	var obj struct {
		ID         string `json:"id"`
		CanceledAt int64  `json:"canceled_at"`
	}
	if err := json.Unmarshal(ev.Object, &obj); err != nil || obj.ID == "" {
		return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
			"subscription event carries no subscription id", err)
	}

	if _, err := r.subs.GetBySubscriptionID(ctx, obj.ID); err != nil {
		if hasErrCode(err, types.ErrCodeNotFoundSubscription) {
			return types.EventResult{
				Outcome:        "processed",
				Message:        "no local subscription to cancel",
				SubscriptionID: obj.ID,
			}, nil
		}
		return types.EventResult{}, err
	}

	canceledAt := r.now().UTC()
	if obj.CanceledAt > 0 {
		canceledAt = time.Unix(obj.CanceledAt, 0).UTC()
	}
	if err := r.subs.MarkCanceled(ctx, obj.ID, canceledAt); err != nil {
		return types.EventResult{}, err
	}

	return types.EventResult{
		Outcome:        "processed",
		Message:        "subscription canceled",
		SubscriptionID: obj.ID,
	}, nil
}

// handleInvoiceSucceeded refreshes the subscription projection when a
// subscription-linked invoice settles. Invoices without a subscription
// reference succeed trivially.
func (r *Reconciler) handleInvoiceSucceeded(ctx context.Context, ev ProviderEvent) (types.EventResult, error) {
	subscriptionID, err := invoiceSubscriptionID(ev.Object)
	if err != nil {
		return types.EventResult{}, err
	}
	if subscriptionID == "" {
		return types.EventResult{
			Outcome: "processed",
			Message: "invoice is not subscription-linked",
		}, nil
	}

	sub, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return types.EventResult{}, err
	}

	link, err := r.links.GetByCustomerID(ctx, sub.CustomerID)
	if err != nil {
		if hasErrCode(err, types.ErrCodeNotFoundCustomerLink) {
			return types.EventResult{}, types.NewAppError(types.ErrCodeDataMissingLink,
				fmt.Sprintf("no customer link for provider customer %s", sub.CustomerID), err)
		}
		return types.EventResult{}, err
	}

	if err := r.upsertSubscription(ctx, sub, link.OrganizationID, sub.CustomerID, "", ""); err != nil {
		return types.EventResult{}, err
	}

	return types.EventResult{
		Outcome:        "processed",
		Message:        "subscription refreshed after payment",
		SubscriptionID: sub.ID,
	}, nil
}

// handleInvoiceFailed overwrites only the status field of an existing local
// subscription with the provider's current value. No local record means
// nothing to degrade; the created/updated events will build it.
func (r *Reconciler) handleInvoiceFailed(ctx context.Context, ev ProviderEvent) (types.EventResult, error) {
	subscriptionID, err := invoiceSubscriptionID(ev.Object)
	if err != nil {
		return types.EventResult{}, err
	}
	if subscriptionID == "" {
		return types.EventResult{
			Outcome: "processed",
			Message: "invoice is not subscription-linked",
		}, nil
	}

	if _, err := r.subs.GetBySubscriptionID(ctx, subscriptionID); err != nil {
		if hasErrCode(err, types.ErrCodeNotFoundSubscription) {
			return types.EventResult{
				Outcome:        "processed",
				Message:        "no local subscription for failed invoice",
				SubscriptionID: subscriptionID,
			}, nil
		}
		return types.EventResult{}, err
	}

	sub, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return types.EventResult{}, err
	}

	if err := r.subs.UpdateStatus(ctx, subscriptionID, types.SubscriptionStatus(sub.Status)); err != nil {
		return types.EventResult{}, err
	}

	return types.EventResult{
		Outcome:        "processed",
		Message:        fmt.Sprintf("subscription status set to %s after failed payment", sub.Status),
		SubscriptionID: subscriptionID,
	}, nil
}

// upsertSubscription is the shared projection write. Mutable fields are
// last-write-wins with freshly fetched provider state; missing period bounds
// reject the write.
func (r *Reconciler) upsertSubscription(
	ctx context.Context,
	sub *external.ProviderSubscription,
	orgID, customerID, planID string,
	interval types.BillingInterval,
) error {
	start, end, err := resolvePeriod(sub)
	if err != nil {
		return err
	}

	if planID == "" {
		planID = sub.Metadata["plan_id"]
	}

	record := &types.Subscription{
		SubscriptionID:     sub.ID,
		OrganizationID:     orgID,
		CustomerID:         customerID,
		Status:             types.SubscriptionStatus(sub.Status),
		PlanID:             planID,
		Interval:           interval,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Metadata:           types.Metadata(sub.Metadata),
		RawSubscription:    sub.Raw,
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		record.CanceledAt = &t
	}
	if len(sub.Items) > 0 {
		item := sub.Items[0]
		record.PriceID = item.PriceID
		if record.Interval == "" {
			record.Interval = item.Interval
		}
	}

	return r.subs.Upsert(ctx, record)
}

// invoiceSubscriptionID pulls the subscription reference out of an invoice
// object. It may appear as a bare id, an embedded object, or under the
// newer parent.subscription_details location; absence is not an error.
func invoiceSubscriptionID(object json.RawMessage) (string, error) {
	var invoice struct {
		Subscription *objectRef `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription *objectRef `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(object, &invoice); err != nil {
		return "", types.NewAppError(types.ErrCodeDataMissingLink,
			"invoice payload is malformed", err)
	}
	if invoice.Subscription != nil && invoice.Subscription.ID != "" {
		return invoice.Subscription.ID, nil
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID, nil
	}
	return "", nil
}
