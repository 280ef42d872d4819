package types

import "time"

// BillingInterval is the recurring billing cadence of a plan price.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// IsValid reports whether the interval is one of the supported cadences.
func (i BillingInterval) IsValid() bool {
	return i == IntervalMonth || i == IntervalYear
}

// CheckoutStatus is the lifecycle state of a locally persisted checkout session.
// Transitions: pending -> completed (terminal), pending -> expired (terminal).
type CheckoutStatus string

const (
	CheckoutStatusPending   CheckoutStatus = "pending"
	CheckoutStatusCompleted CheckoutStatus = "completed"
	CheckoutStatusExpired   CheckoutStatus = "expired"
)

// SubscriptionStatus mirrors the provider's subscription status vocabulary.
// Stored as-is; the provider is the source of truth for the value set.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
)

// CustomerLink binds an organization to its provider customer object.
// One row per organization; the provider customer id is unique across rows.
type CustomerLink struct {
	OrganizationID string    `json:"organization_id"`
	CustomerID     string    `json:"customer_id"`
	Email          string    `json:"email"`
	RawCustomer    []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CheckoutSession is the local record of a hosted checkout session.
// Created as pending when the redirect URL is issued; completion and
// expiry arrive later via webhook or the success verifier.
type CheckoutSession struct {
	SessionID      string          `json:"session_id"`
	OrganizationID string          `json:"organization_id"`
	CustomerID     string          `json:"customer_id"`
	PlanID         string          `json:"plan_id"`
	PriceID        string          `json:"price_id"`
	Interval       BillingInterval `json:"interval"`
	Status         CheckoutStatus  `json:"status"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Metadata       Metadata        `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Subscription is the local projection of a provider subscription.
// All mutable fields track the provider last-write-wins; CreatedAt is
// fixed at first sight of the subscription.
type Subscription struct {
	SubscriptionID     string             `json:"subscription_id"`
	OrganizationID     string             `json:"organization_id"`
	CustomerID         string             `json:"customer_id"`
	Status             SubscriptionStatus `json:"status"`
	PlanID             string             `json:"plan_id"`
	PriceID            string             `json:"price_id"`
	Interval           BillingInterval    `json:"interval"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	Metadata           Metadata           `json:"metadata,omitempty"`
	RawSubscription    []byte             `json:"-"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// BillingEvent is one row of the webhook event ledger. A row exists for
// every event whose signature verified, whether or not processing succeeded.
// Processed stays false on handler failure so provider redelivery can retry.
type BillingEvent struct {
	EventID     string       `json:"event_id"`
	Kind        string       `json:"kind"`
	Payload     []byte       `json:"-"`
	Processed   bool         `json:"processed"`
	Result      *EventResult `json:"result,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

// EventResult records the outcome of processing a ledger event.
// Stored as JSONB alongside the event row.
type EventResult struct {
	Outcome        string `json:"outcome"` // "processed", "unhandled", "failed"
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// SubscriptionSummary is the DTO returned to the frontend after a
// successful checkout, assembled from fresh provider state.
type SubscriptionSummary struct {
	SubscriptionID     string             `json:"subscription_id"`
	Status             SubscriptionStatus `json:"status"`
	PlanID             string             `json:"plan_id"`
	PriceID            string             `json:"price_id"`
	ProductName        string             `json:"product_name,omitempty"`
	Interval           BillingInterval    `json:"interval"`
	CurrentPeriodStart string             `json:"current_period_start"`
	CurrentPeriodEnd   string             `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	OverageEnabled     bool               `json:"overage_enabled"`
}
