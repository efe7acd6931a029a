package pgshipment

import (
	"context"
	"time"

	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/pkg/errors"
)

// AppendEvent inserts an audit row. The unique constraint on
// (provider, provider_event_id) is the dedup mechanism; a conflict reports
// inserted=false.
func (s *Store) AppendEvent(ctx context.Context, in storage.NewEvent) (bool, error) {
	var payload any
	if len(in.Payload) > 0 {
		payload = in.Payload
	}

	tag, err := s.db.Exec(ctx, `
INSERT INTO shipping_events (
  shipment_id, provider, provider_event_id, event_type, status,
  payload, occurred_at, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7, now())
ON CONFLICT (provider, provider_event_id) DO NOTHING
`, in.ShipmentID, in.Provider, in.ProviderEventID, in.EventType,
		string(in.Status), payload, in.OccurredAt)
	if err != nil {
		return false, errors.Wrap(err, "insert shipping event")
	}
	return tag.RowsAffected() > 0, nil
}

// BufferWebhook stages an unmatched event, deduplicated against both the
// buffer and the event log.
func (s *Store) BufferWebhook(ctx context.Context, in storage.NewBufferedWebhook) (bool, error) {
	var seen bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM shipping_events WHERE provider = $1 AND provider_event_id = $2
)
`, in.Provider, in.ProviderEventID).Scan(&seen)
	if err != nil {
		return false, errors.Wrap(err, "check event log")
	}
	if seen {
		return false, nil
	}

	var payload any
	if len(in.Payload) > 0 {
		payload = in.Payload
	}

	tag, err := s.db.Exec(ctx, `
INSERT INTO webhook_buffer (
  provider, provider_event_id, event_type,
  provider_shipment_id, provider_awb, provider_order_id, internal_reference,
  payload, received_at
)
VALUES ($1,$2,$3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), $8, $9)
ON CONFLICT (provider, provider_event_id) DO NOTHING
`, in.Provider, in.ProviderEventID, in.EventType,
		in.Keys.ProviderShipmentID, in.Keys.ProviderAWB,
		in.Keys.ProviderOrderID, in.Keys.InternalReference,
		payload, in.ReceivedAt.UTC())
	if err != nil {
		return false, errors.Wrap(err, "insert webhook buffer")
	}
	return tag.RowsAffected() > 0, nil
}

const bufferColumns = `
  id, provider, provider_event_id, event_type,
  COALESCE(provider_shipment_id, ''), COALESCE(provider_awb, ''),
  COALESCE(provider_order_id, ''), COALESCE(internal_reference, ''),
  payload, retry_count, received_at, processed_at`

func (s *Store) scanBufferRows(ctx context.Context, query string, args ...any) ([]storage.WebhookBufferRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select webhook buffer")
	}
	defer rows.Close()

	var out []storage.WebhookBufferRecord
	for rows.Next() {
		var rec storage.WebhookBufferRecord
		if err := rows.Scan(
			&rec.ID, &rec.Provider, &rec.ProviderEventID, &rec.EventType,
			&rec.Keys.ProviderShipmentID, &rec.Keys.ProviderAWB,
			&rec.Keys.ProviderOrderID, &rec.Keys.InternalReference,
			&rec.Payload, &rec.RetryCount, &rec.ReceivedAt, &rec.ProcessedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan webhook buffer row")
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListPendingWebhooks returns unprocessed rows, oldest first.
func (s *Store) ListPendingWebhooks(ctx context.Context, limit int) ([]storage.WebhookBufferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.scanBufferRows(ctx, `
SELECT`+bufferColumns+`
FROM webhook_buffer
WHERE processed_at IS NULL
ORDER BY received_at ASC
LIMIT $1
`, limit)
}

// ListBufferedForShipment returns unprocessed rows matching any of the
// provider identifiers, for scoped replay after a booking lands.
func (s *Store) ListBufferedForShipment(ctx context.Context, provider string, keys storage.MatchKeys) ([]storage.WebhookBufferRecord, error) {
	return s.scanBufferRows(ctx, `
SELECT`+bufferColumns+`
FROM webhook_buffer
WHERE processed_at IS NULL
  AND provider = $1
  AND (
    (provider_shipment_id IS NOT NULL AND provider_shipment_id = NULLIF($2, '')) OR
    (provider_awb IS NOT NULL AND provider_awb = NULLIF($3, '')) OR
    (provider_order_id IS NOT NULL AND provider_order_id = NULLIF($4, '')) OR
    (internal_reference IS NOT NULL AND internal_reference = NULLIF($5, ''))
  )
ORDER BY received_at ASC
`, provider, keys.ProviderShipmentID, keys.ProviderAWB,
		keys.ProviderOrderID, keys.InternalReference)
}

// MarkWebhookProcessed stamps processed_at on a buffer row.
func (s *Store) MarkWebhookProcessed(ctx context.Context, provider, providerEventID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE webhook_buffer SET processed_at = $3
WHERE provider = $1 AND provider_event_id = $2
`, provider, providerEventID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "mark webhook processed")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IncrementWebhookRetry bumps retry_count after a failed replay.
func (s *Store) IncrementWebhookRetry(ctx context.Context, provider, providerEventID string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE webhook_buffer SET retry_count = retry_count + 1
WHERE provider = $1 AND provider_event_id = $2
`, provider, providerEventID)
	if err != nil {
		return errors.Wrap(err, "increment webhook retry")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PurgeEventPayloads nulls sanitized payloads past the retention TTL while
// keeping the structured audit columns.
func (s *Store) PurgeEventPayloads(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC()

	eventsTag, err := s.db.Exec(ctx, `
UPDATE shipping_events SET payload = NULL
WHERE payload IS NOT NULL AND created_at < $1
`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purge event payloads")
	}

	bufferTag, err := s.db.Exec(ctx, `
UPDATE webhook_buffer SET payload = NULL
WHERE payload IS NOT NULL AND received_at < $1
`, cutoff)
	if err != nil {
		return eventsTag.RowsAffected(), errors.Wrap(err, "purge buffer payloads")
	}
	return eventsTag.RowsAffected() + bufferTag.RowsAffected(), nil
}
