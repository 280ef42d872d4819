package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"paygate/internal/types"
)

// EventLedgerRepo is the idempotency ledger for webhook events. A row exists
// for every event whose signature verified; processed stays false on handler
// failure so provider redelivery can retry the work.
type EventLedgerRepo struct {
	db DBTX
}

// NewEventLedgerRepo creates a new EventLedgerRepo backed by the given
// database connection (pool or transaction).
func NewEventLedgerRepo(db DBTX) *EventLedgerRepo {
	return &EventLedgerRepo{db: db}
}

const billingEventColumns = `event_id, kind, payload, processed, result, received_at, processed_at`

func scanBillingEvent(row pgx.Row) (*types.BillingEvent, error) {
	var ev types.BillingEvent
	err := row.Scan(
		&ev.EventID,
		&ev.Kind,
		&ev.Payload,
		&ev.Processed,
		&ev.Result,
		&ev.ReceivedAt,
		&ev.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetByEventID returns the ledger row for a provider event id, or nil if the
// event has never been seen. Absence is an expected state here, not an error.
func (r *EventLedgerRepo) GetByEventID(ctx context.Context, eventID string) (*types.BillingEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+billingEventColumns+` FROM billing_events WHERE event_id = $1`,
		eventID,
	)
	ev, err := scanBillingEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load billing event", err)
	}
	return ev, nil
}

// Insert records a newly received event as unprocessed. Concurrent delivery
// of the same event id is resolved by the primary key: the insert is ON
// CONFLICT DO NOTHING and the returned bool reports whether this call won
// the insert. When it did not, the caller should re-read the existing row.
func (r *EventLedgerRepo) Insert(ctx context.Context, eventID, kind string, payload []byte) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_events (event_id, kind, payload, processed, received_at)
		 VALUES ($1, $2, $3, FALSE, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		kind,
		payload,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record billing event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed stamps an event as successfully handled with its result.
func (r *EventLedgerRepo) MarkProcessed(ctx context.Context, eventID string, result types.EventResult) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_events
		 SET processed = TRUE, result = $2, processed_at = NOW()
		 WHERE event_id = $1`,
		eventID,
		result,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark event processed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalDB, "event vanished from ledger", nil)
	}
	return nil
}

// RecordFailure stores the failure result while leaving processed false, so
// a redelivery of the same event id is allowed to retry the handler.
func (r *EventLedgerRepo) RecordFailure(ctx context.Context, eventID string, result types.EventResult) error {
	_, err := r.db.Exec(ctx,
		`UPDATE billing_events
		 SET result = $2
		 WHERE event_id = $1`,
		eventID,
		result,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record event failure", err)
	}
	return nil
}
