// Package storage defines the durable shipment, event, and webhook-buffer
// store contract shared by the Postgres and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/orderflow/shipbridge/pkg/carrier"
)

// Typed store errors. Callers distinguish the two create conflicts: a
// duplicate reference means retry with a new key, an existing active
// shipment means treat as already booked.
var (
	ErrNotFound             = errors.New("shipment not found")
	ErrDuplicateReference   = errors.New("internal reference already used")
	ErrActiveShipmentExists = errors.New("active shipment already exists for order and provider")
)

// ShipmentRecord is one booked (or attempted) shipment row.
type ShipmentRecord struct {
	ID                string
	OrderID           string
	Provider          string
	InternalReference string

	// Provider identifiers; empty until booking succeeds.
	ProviderOrderID    string
	ProviderShipmentID string
	ProviderAWB        string

	Status   carrier.ShipmentStatus
	IsActive bool

	// ReplacementOfShipmentID links rebooking chains.
	ReplacementOfShipmentID string

	LabelURL           string
	LabelStatus        carrier.LabelStatus
	LabelGeneratedAt   *time.Time
	LabelExpiresAt     *time.Time
	LabelLastFetchedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ShippingEventRecord is one append-only audit row, unique per
// (provider, provider_event_id).
type ShippingEventRecord struct {
	ID              int64
	ShipmentID      string
	Provider        string
	ProviderEventID string
	EventType       string
	Status          carrier.ShipmentStatus
	Payload         []byte // sanitized JSON; nulled after the retention TTL
	OccurredAt      *time.Time
	CreatedAt       time.Time
}

// WebhookBufferRecord stages an event whose shipment cannot yet be matched.
type WebhookBufferRecord struct {
	ID              int64
	Provider        string
	ProviderEventID string
	EventType       string
	Keys            MatchKeys
	Payload         []byte // sanitized JSON; nulled after the retention TTL
	RetryCount      int
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

// MatchKeys are the identifiers a webhook may carry, in match precedence
// order: shipment id, then AWB, then provider order id, then internal
// reference.
type MatchKeys struct {
	ProviderShipmentID string
	ProviderAWB        string
	ProviderOrderID    string
	InternalReference  string
}

// NewShipment is the input to CreateShipment.
type NewShipment struct {
	OrderID           string
	Provider          string
	InternalReference string
	Status            carrier.ShipmentStatus

	// ReplaceShipmentID, when set, deactivates that prior shipment in the
	// same operation and records the rebooking chain.
	ReplaceShipmentID string
}

// BookingResult carries the provider identifiers written by
// MarkBookedFromProvider.
type BookingResult struct {
	ProviderOrderID    string
	ProviderShipmentID string
	ProviderAWB        string
	Status             carrier.ShipmentStatus
	LabelURL           string
}

// LabelUpdate refreshes the label columns after a fetch.
type LabelUpdate struct {
	URL           string
	Status        carrier.LabelStatus
	GeneratedAt   *time.Time
	ExpiresAt     *time.Time
	LastFetchedAt time.Time
}

// NewEvent is the input to AppendEvent.
type NewEvent struct {
	ShipmentID      string
	Provider        string
	ProviderEventID string
	EventType       string
	Status          carrier.ShipmentStatus
	Payload         []byte
	OccurredAt      *time.Time
}

// NewBufferedWebhook is the input to BufferWebhook.
type NewBufferedWebhook struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Keys            MatchKeys
	Payload         []byte
	ReceivedAt      time.Time
}

// Store is the durable shipment/event/webhook-buffer store. Correctness
// under concurrent writers is delegated to its uniqueness constraints and
// the monotonic status update, not to application-level locks.
type Store interface {
	// CreateShipment inserts a new shipment row. It enforces internal
	// reference uniqueness (ErrDuplicateReference) and one active shipment
	// per (order, provider) (ErrActiveShipmentExists).
	CreateShipment(ctx context.Context, in NewShipment) (*ShipmentRecord, error)

	// GetShipment fetches by internal id.
	GetShipment(ctx context.Context, id string) (*ShipmentRecord, error)

	// GetByInternalReference fetches by the caller's idempotency key.
	GetByInternalReference(ctx context.Context, ref string) (*ShipmentRecord, error)

	// MarkBookedFromProvider is an idempotent field update writing the
	// provider identifiers, status, and label URL after a booking.
	MarkBookedFromProvider(ctx context.Context, id string, result BookingResult) (*ShipmentRecord, error)

	// UpdateStatusMonotonic writes status only if its rank is strictly
	// greater than the persisted one. The returned record is always the
	// current row: a losing racer observes the winner's state. updated
	// reports whether this call advanced the status.
	UpdateStatusMonotonic(ctx context.Context, id string, status carrier.ShipmentStatus) (rec *ShipmentRecord, updated bool, err error)

	// UpdateLabel refreshes the label columns.
	UpdateLabel(ctx context.Context, id string, update LabelUpdate) error

	// FindForWebhook matches a shipment by the keys in precedence order.
	// Returns ErrNotFound when nothing matches.
	FindForWebhook(ctx context.Context, provider string, keys MatchKeys) (*ShipmentRecord, error)

	// AppendEvent inserts an audit row. A duplicate
	// (provider, provider_event_id) is reported via inserted=false, not an
	// error.
	AppendEvent(ctx context.Context, in NewEvent) (inserted bool, err error)

	// BufferWebhook stages an unmatched event, deduplicated by
	// (provider, provider_event_id) across both the buffer and the event
	// log.
	BufferWebhook(ctx context.Context, in NewBufferedWebhook) (inserted bool, err error)

	// ListPendingWebhooks returns unprocessed buffer rows, oldest first.
	ListPendingWebhooks(ctx context.Context, limit int) ([]WebhookBufferRecord, error)

	// ListBufferedForShipment returns unprocessed buffer rows whose keys
	// match the given provider identifiers, for scoped replay after a
	// booking lands.
	ListBufferedForShipment(ctx context.Context, provider string, keys MatchKeys) ([]WebhookBufferRecord, error)

	// MarkWebhookProcessed stamps processed_at on a buffer row.
	MarkWebhookProcessed(ctx context.Context, provider, providerEventID string, at time.Time) error

	// IncrementWebhookRetry bumps retry_count after a failed replay.
	IncrementWebhookRetry(ctx context.Context, provider, providerEventID string) error

	// PurgeEventPayloads nulls sanitized payloads older than the cutoff,
	// keeping the structured audit columns. Returns the rows touched.
	PurgeEventPayloads(ctx context.Context, olderThan time.Time) (int64, error)
}

// HasAnyKey reports whether the webhook carried at least one identifier a
// match could use.
func (k MatchKeys) HasAnyKey() bool {
	return k.ProviderShipmentID != "" || k.ProviderAWB != "" ||
		k.ProviderOrderID != "" || k.InternalReference != ""
}
