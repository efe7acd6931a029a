package pgshipment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/orderflow/shipbridge/pkg/carrier"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id, order_id, provider, internal_reference,
  provider_order_id, provider_shipment_id, provider_awb,
  status, is_active, replacement_of_shipment_id,
  label_url, label_status,
  label_generated_at, label_expires_at, label_last_fetched_at,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*storage.ShipmentRecord, error) {
	var (
		rec                storage.ShipmentRecord
		providerOrderID    *string
		providerShipmentID *string
		providerAWB        *string
		replacementOf      *string
		labelURL           *string
		status             string
		labelStatus        string
	)
	err := row.Scan(
		&rec.ID, &rec.OrderID, &rec.Provider, &rec.InternalReference,
		&providerOrderID, &providerShipmentID, &providerAWB,
		&status, &rec.IsActive, &replacementOf,
		&labelURL, &labelStatus,
		&rec.LabelGeneratedAt, &rec.LabelExpiresAt, &rec.LabelLastFetchedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan shipment")
	}
	rec.Status = carrier.ShipmentStatus(status)
	rec.LabelStatus = carrier.LabelStatus(labelStatus)
	if providerOrderID != nil {
		rec.ProviderOrderID = *providerOrderID
	}
	if providerShipmentID != nil {
		rec.ProviderShipmentID = *providerShipmentID
	}
	if providerAWB != nil {
		rec.ProviderAWB = *providerAWB
	}
	if replacementOf != nil {
		rec.ReplacementOfShipmentID = *replacementOf
	}
	if labelURL != nil {
		rec.LabelURL = *labelURL
	}
	return &rec, nil
}

// mapConflict translates unique violations into the typed store errors so
// callers can distinguish retry-with-new-key from treat-as-already-booked.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case constraintInternalReference:
			return storage.ErrDuplicateReference
		case constraintActiveShipment:
			return storage.ErrActiveShipmentExists
		}
	}
	return err
}

// CreateShipment inserts a new row, deactivating a replaced shipment in the
// same transaction when rebooking.
func (s *Store) CreateShipment(ctx context.Context, in storage.NewShipment) (*storage.ShipmentRecord, error) {
	status := in.Status
	if status == "" {
		status = carrier.StatusDraft
	}
	now := time.Now().UTC()
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var replaceID *string
	if in.ReplaceShipmentID != "" {
		tag, err := tx.Exec(ctx, `
UPDATE shipments SET is_active = FALSE, updated_at = $2 WHERE id = $1
`, in.ReplaceShipmentID, now)
		if err != nil {
			return nil, errors.Wrap(err, "deactivate replaced shipment")
		}
		if tag.RowsAffected() == 0 {
			return nil, storage.ErrNotFound
		}
		replaceID = &in.ReplaceShipmentID
	}

	_, err = tx.Exec(ctx, `
INSERT INTO shipments (
  id, order_id, provider, internal_reference,
  status, status_rank, is_active, replacement_of_shipment_id,
  label_status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7,$8,$9,$9)
`, id, in.OrderID, in.Provider, in.InternalReference,
		string(status), carrier.StatusRank(status), replaceID,
		string(carrier.LabelPending), now)
	if err != nil {
		if mapped := mapConflict(err); mapped != err {
			return nil, mapped
		}
		return nil, errors.Wrap(err, "insert shipment")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return s.GetShipment(ctx, id)
}

// GetShipment fetches by internal id.
func (s *Store) GetShipment(ctx context.Context, id string) (*storage.ShipmentRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, id)
	return scanShipment(row)
}

// GetByInternalReference fetches by idempotency key.
func (s *Store) GetByInternalReference(ctx context.Context, ref string) (*storage.ShipmentRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT`+shipmentColumns+` FROM shipments WHERE internal_reference = $1`, ref)
	return scanShipment(row)
}

// MarkBookedFromProvider writes provider identifiers idempotently. The
// status advances through the monotonic rule so a late booking write never
// regresses a webhook-driven status.
func (s *Store) MarkBookedFromProvider(ctx context.Context, id string, result storage.BookingResult) (*storage.ShipmentRecord, error) {
	rank := carrier.StatusRank(result.Status)
	tag, err := s.db.Exec(ctx, `
UPDATE shipments SET
  provider_order_id    = COALESCE(NULLIF($2, ''), provider_order_id),
  provider_shipment_id = COALESCE(NULLIF($3, ''), provider_shipment_id),
  provider_awb         = COALESCE(NULLIF($4, ''), provider_awb),
  label_url            = COALESCE(NULLIF($5, ''), label_url),
  label_status         = CASE WHEN $5 <> '' THEN 'generated' ELSE label_status END,
  status               = CASE WHEN status_rank < $6 THEN $7 ELSE status END,
  status_rank          = GREATEST(status_rank, $6),
  updated_at           = now()
WHERE id = $1
`, id, result.ProviderOrderID, result.ProviderShipmentID, result.ProviderAWB,
		result.LabelURL, rank, string(result.Status))
	if err != nil {
		return nil, errors.Wrap(err, "mark booked")
	}
	if tag.RowsAffected() == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetShipment(ctx, id)
}

// UpdateStatusMonotonic advances status only along the total order. The
// compare-and-advance happens in one statement, so a losing racer's UPDATE
// touches zero rows and the follow-up read returns the winner's state.
func (s *Store) UpdateStatusMonotonic(ctx context.Context, id string, status carrier.ShipmentStatus) (*storage.ShipmentRecord, bool, error) {
	rank := carrier.StatusRank(status)
	tag, err := s.db.Exec(ctx, `
UPDATE shipments SET status = $2, status_rank = $3, updated_at = now()
WHERE id = $1 AND status_rank < $3
`, id, string(status), rank)
	if err != nil {
		return nil, false, errors.Wrap(err, "update status")
	}

	rec, err := s.GetShipment(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return rec, tag.RowsAffected() > 0, nil
}

// UpdateLabel refreshes the label columns.
func (s *Store) UpdateLabel(ctx context.Context, id string, update storage.LabelUpdate) error {
	tag, err := s.db.Exec(ctx, `
UPDATE shipments SET
  label_url             = COALESCE(NULLIF($2, ''), label_url),
  label_status          = COALESCE(NULLIF($3, ''), label_status),
  label_generated_at    = COALESCE($4, label_generated_at),
  label_expires_at      = COALESCE($5, label_expires_at),
  label_last_fetched_at = $6,
  updated_at            = now()
WHERE id = $1
`, id, update.URL, string(update.Status), update.GeneratedAt, update.ExpiresAt,
		update.LastFetchedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update label")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// FindForWebhook matches by key precedence: shipment id, AWB, provider order
// id, internal reference.
func (s *Store) FindForWebhook(ctx context.Context, provider string, keys storage.MatchKeys) (*storage.ShipmentRecord, error) {
	type lookup struct {
		column string
		value  string
	}
	lookups := []lookup{
		{"provider_shipment_id", keys.ProviderShipmentID},
		{"provider_awb", keys.ProviderAWB},
		{"provider_order_id", keys.ProviderOrderID},
		{"internal_reference", keys.InternalReference},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		row := s.db.QueryRow(ctx,
			`SELECT`+shipmentColumns+` FROM shipments WHERE provider = $1 AND `+l.column+` = $2
ORDER BY created_at DESC LIMIT 1`, provider, l.value)
		rec, err := scanShipment(row)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, storage.ErrNotFound
}
