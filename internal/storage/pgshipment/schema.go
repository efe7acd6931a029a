package pgshipment

import (
	"context"

	"github.com/pkg/errors"
)

// Constraint names referenced by the conflict mapping in shipments_repo.go.
const (
	constraintInternalReference = "uq_shipments_internal_reference"
	constraintActiveShipment    = "uq_shipments_active_order_provider"
)

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id UUID PRIMARY KEY,
  order_id TEXT NOT NULL,
  provider TEXT NOT NULL,
  internal_reference TEXT NOT NULL,
  provider_order_id TEXT NULL,
  provider_shipment_id TEXT NULL,
  provider_awb TEXT NULL,
  status TEXT NOT NULL,
  status_rank INT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  replacement_of_shipment_id UUID NULL REFERENCES shipments(id),
  label_url TEXT NULL,
  label_status TEXT NOT NULL DEFAULT 'pending',
  label_generated_at TIMESTAMPTZ NULL,
  label_expires_at TIMESTAMPTZ NULL,
  label_last_fetched_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipments_internal_reference
  ON shipments(internal_reference)`,
		// One active shipment per (order, provider); enforced by the store,
		// not the application.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipments_active_order_provider
  ON shipments(order_id, provider) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_provider_shipment_id
  ON shipments(provider, provider_shipment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_provider_awb
  ON shipments(provider, provider_awb)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_provider_order_id
  ON shipments(provider, provider_order_id)`,
		`
CREATE TABLE IF NOT EXISTS shipping_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id UUID NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  provider TEXT NOT NULL,
  provider_event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT '',
  payload JSONB NULL,
  occurred_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (provider, provider_event_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipping_events_shipment_id
  ON shipping_events(shipment_id, created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS webhook_buffer (
  id BIGSERIAL PRIMARY KEY,
  provider TEXT NOT NULL,
  provider_event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  provider_shipment_id TEXT NULL,
  provider_awb TEXT NULL,
  provider_order_id TEXT NULL,
  internal_reference TEXT NULL,
  payload JSONB NULL,
  retry_count INT NOT NULL DEFAULT 0,
  received_at TIMESTAMPTZ NOT NULL,
  processed_at TIMESTAMPTZ NULL,
  UNIQUE (provider, provider_event_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_buffer_pending
  ON webhook_buffer(received_at) WHERE processed_at IS NULL`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
