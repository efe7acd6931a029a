// Package memshipment provides an in-memory storage.Store with the same
// constraint semantics as the Postgres implementation. It backs tests and
// mock mode.
package memshipment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/orderflow/shipbridge/pkg/carrier"
)

// Store is an in-memory storage.Store. One mutex stands in for the
// database's constraint enforcement; all the invariants (unique reference,
// one active shipment, event dedup, monotonic status) hold under concurrent
// use.
type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	shipments map[string]*storage.ShipmentRecord // by id
	byRef     map[string]string                  // internal_reference -> id
	events    []*storage.ShippingEventRecord
	eventKeys map[string]bool // provider + "\x00" + provider_event_id
	buffer    []*storage.WebhookBufferRecord
	nextEvent int64
}

// New creates an empty in-memory store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates a store with an injected clock for deterministic
// tests.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:       now,
		shipments: make(map[string]*storage.ShipmentRecord),
		byRef:     make(map[string]string),
		eventKeys: make(map[string]bool),
	}
}

func eventKey(provider, eventID string) string {
	return provider + "\x00" + eventID
}

// CreateShipment inserts a shipment enforcing both uniqueness invariants.
func (s *Store) CreateShipment(ctx context.Context, in storage.NewShipment) (*storage.ShipmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRef[in.InternalReference]; exists {
		return nil, storage.ErrDuplicateReference
	}
	for _, rec := range s.shipments {
		if rec.IsActive && rec.OrderID == in.OrderID && rec.Provider == in.Provider &&
			rec.ID != in.ReplaceShipmentID {
			return nil, storage.ErrActiveShipmentExists
		}
	}

	if in.ReplaceShipmentID != "" {
		prior, ok := s.shipments[in.ReplaceShipmentID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		prior.IsActive = false
		prior.UpdatedAt = s.now()
	}

	status := in.Status
	if status == "" {
		status = carrier.StatusDraft
	}
	now := s.now()
	rec := &storage.ShipmentRecord{
		ID:                      uuid.NewString(),
		OrderID:                 in.OrderID,
		Provider:                in.Provider,
		InternalReference:       in.InternalReference,
		Status:                  status,
		IsActive:                true,
		ReplacementOfShipmentID: in.ReplaceShipmentID,
		LabelStatus:             carrier.LabelPending,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	s.shipments[rec.ID] = rec
	s.byRef[rec.InternalReference] = rec.ID
	out := *rec
	return &out, nil
}

// GetShipment fetches by internal id.
func (s *Store) GetShipment(ctx context.Context, id string) (*storage.ShipmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shipments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// GetByInternalReference fetches by idempotency key.
func (s *Store) GetByInternalReference(ctx context.Context, ref string) (*storage.ShipmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *s.shipments[id]
	return &out, nil
}

// MarkBookedFromProvider writes providers refs idempotently. Status advances
// through the monotonic rule so a late booking write never regresses a
// webhook-driven status.
func (s *Store) MarkBookedFromProvider(ctx context.Context, id string, result storage.BookingResult) (*storage.ShipmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shipments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	if result.ProviderOrderID != "" {
		rec.ProviderOrderID = result.ProviderOrderID
	}
	if result.ProviderShipmentID != "" {
		rec.ProviderShipmentID = result.ProviderShipmentID
	}
	if result.ProviderAWB != "" {
		rec.ProviderAWB = result.ProviderAWB
	}
	if result.LabelURL != "" {
		rec.LabelURL = result.LabelURL
		rec.LabelStatus = carrier.LabelGenerated
	}
	if carrier.StatusRank(result.Status) > carrier.StatusRank(rec.Status) {
		rec.Status = result.Status
	}
	rec.UpdatedAt = s.now()
	out := *rec
	return &out, nil
}

// UpdateStatusMonotonic advances status only along the total order.
func (s *Store) UpdateStatusMonotonic(ctx context.Context, id string, status carrier.ShipmentStatus) (*storage.ShipmentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shipments[id]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	if carrier.StatusRank(status) <= carrier.StatusRank(rec.Status) {
		out := *rec
		return &out, false, nil
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	out := *rec
	return &out, true, nil
}

// UpdateLabel refreshes label columns.
func (s *Store) UpdateLabel(ctx context.Context, id string, update storage.LabelUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shipments[id]
	if !ok {
		return storage.ErrNotFound
	}
	if update.URL != "" {
		rec.LabelURL = update.URL
	}
	if update.Status != "" {
		rec.LabelStatus = update.Status
	}
	if update.GeneratedAt != nil {
		rec.LabelGeneratedAt = update.GeneratedAt
	}
	if update.ExpiresAt != nil {
		rec.LabelExpiresAt = update.ExpiresAt
	}
	t := update.LastFetchedAt
	rec.LabelLastFetchedAt = &t
	rec.UpdatedAt = s.now()
	return nil
}

// FindForWebhook matches by key precedence: shipment id, AWB, provider order
// id, internal reference.
func (s *Store) FindForWebhook(ctx context.Context, provider string, keys storage.MatchKeys) (*storage.ShipmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := func(pred func(*storage.ShipmentRecord) bool) *storage.ShipmentRecord {
		for _, rec := range s.shipments {
			if rec.Provider == provider && pred(rec) {
				return rec
			}
		}
		return nil
	}

	var rec *storage.ShipmentRecord
	if keys.ProviderShipmentID != "" {
		rec = match(func(r *storage.ShipmentRecord) bool {
			return r.ProviderShipmentID == keys.ProviderShipmentID
		})
	}
	if rec == nil && keys.ProviderAWB != "" {
		rec = match(func(r *storage.ShipmentRecord) bool {
			return r.ProviderAWB == keys.ProviderAWB
		})
	}
	if rec == nil && keys.ProviderOrderID != "" {
		rec = match(func(r *storage.ShipmentRecord) bool {
			return r.ProviderOrderID == keys.ProviderOrderID
		})
	}
	if rec == nil && keys.InternalReference != "" {
		rec = match(func(r *storage.ShipmentRecord) bool {
			return r.InternalReference == keys.InternalReference
		})
	}
	if rec == nil {
		return nil, storage.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// AppendEvent inserts an audit row; duplicates are reported, not errors.
func (s *Store) AppendEvent(ctx context.Context, in storage.NewEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(in.Provider, in.ProviderEventID)
	if s.eventKeys[key] {
		return false, nil
	}
	s.eventKeys[key] = true
	s.nextEvent++
	s.events = append(s.events, &storage.ShippingEventRecord{
		ID:              s.nextEvent,
		ShipmentID:      in.ShipmentID,
		Provider:        in.Provider,
		ProviderEventID: in.ProviderEventID,
		EventType:       in.EventType,
		Status:          in.Status,
		Payload:         in.Payload,
		OccurredAt:      in.OccurredAt,
		CreatedAt:       s.now(),
	})
	return true, nil
}

// BufferWebhook stages an unmatched event, deduplicated against both the
// buffer and the event log.
func (s *Store) BufferWebhook(ctx context.Context, in storage.NewBufferedWebhook) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(in.Provider, in.ProviderEventID)
	if s.eventKeys[key] {
		return false, nil
	}
	for _, b := range s.buffer {
		if b.Provider == in.Provider && b.ProviderEventID == in.ProviderEventID {
			return false, nil
		}
	}
	s.buffer = append(s.buffer, &storage.WebhookBufferRecord{
		ID:              int64(len(s.buffer) + 1),
		Provider:        in.Provider,
		ProviderEventID: in.ProviderEventID,
		EventType:       in.EventType,
		Keys:            in.Keys,
		Payload:         in.Payload,
		ReceivedAt:      in.ReceivedAt,
	})
	return true, nil
}

// ListPendingWebhooks returns unprocessed rows, oldest first.
func (s *Store) ListPendingWebhooks(ctx context.Context, limit int) ([]storage.WebhookBufferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.WebhookBufferRecord
	for _, b := range s.buffer {
		if b.ProcessedAt == nil {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListBufferedForShipment returns unprocessed rows matching any provider
// identifier, for the scoped replay after a booking lands.
func (s *Store) ListBufferedForShipment(ctx context.Context, provider string, keys storage.MatchKeys) ([]storage.WebhookBufferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.WebhookBufferRecord
	for _, b := range s.buffer {
		if b.ProcessedAt != nil || b.Provider != provider {
			continue
		}
		if (keys.ProviderShipmentID != "" && b.Keys.ProviderShipmentID == keys.ProviderShipmentID) ||
			(keys.ProviderAWB != "" && b.Keys.ProviderAWB == keys.ProviderAWB) ||
			(keys.ProviderOrderID != "" && b.Keys.ProviderOrderID == keys.ProviderOrderID) ||
			(keys.InternalReference != "" && b.Keys.InternalReference == keys.InternalReference) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// MarkWebhookProcessed stamps processed_at.
func (s *Store) MarkWebhookProcessed(ctx context.Context, provider, providerEventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buffer {
		if b.Provider == provider && b.ProviderEventID == providerEventID {
			t := at
			b.ProcessedAt = &t
			return nil
		}
	}
	return storage.ErrNotFound
}

// IncrementWebhookRetry bumps retry_count.
func (s *Store) IncrementWebhookRetry(ctx context.Context, provider, providerEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buffer {
		if b.Provider == provider && b.ProviderEventID == providerEventID {
			b.RetryCount++
			return nil
		}
	}
	return storage.ErrNotFound
}

// PurgeEventPayloads nulls payloads older than the cutoff.
func (s *Store) PurgeEventPayloads(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched int64
	for _, e := range s.events {
		if e.Payload != nil && e.CreatedAt.Before(olderThan) {
			e.Payload = nil
			touched++
		}
	}
	for _, b := range s.buffer {
		if b.Payload != nil && b.ReceivedAt.Before(olderThan) {
			b.Payload = nil
			touched++
		}
	}
	return touched, nil
}

// Events returns a copy of the audit log. Test helper.
func (s *Store) Events() []storage.ShippingEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.ShippingEventRecord, len(s.events))
	for i, e := range s.events {
		out[i] = *e
	}
	return out
}

// Ensure Store implements the contract.
var _ storage.Store = (*Store)(nil)
