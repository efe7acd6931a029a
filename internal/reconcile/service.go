// Package reconcile ingests carrier webhooks and reconciles them against
// booked shipments: matching, buffering, deduplication, monotonic status
// advancement, and scheduled replay of events that arrived before their
// booking.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/orderflow/shipbridge/internal/telemetry"
	"github.com/orderflow/shipbridge/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// InboundWebhook is one parsed webhook delivery handed over by the HTTP
// entry point after signature verification.
type InboundWebhook struct {
	Provider  string
	EventType string
	Payload   map[string]any

	// Degraded marks deliveries accepted through the allow-unsigned
	// override; they are processed but audit-logged.
	Degraded bool
}

// Result is the ingestion summary returned to the webhook entry point.
type Result struct {
	Processed     bool   `json:"processed"`
	Deduped       bool   `json:"deduped"`
	Buffered      bool   `json:"buffered"`
	Matched       bool   `json:"matched"`
	ShipmentID    string `json:"shipment_id,omitempty"`
	StatusUpdated bool   `json:"status_updated"`
}

// Config tunes replay and retention.
type Config struct {
	// ReplayBackoffBase is the delay before the first replay attempt;
	// doubles per retry.
	ReplayBackoffBase time.Duration

	// ReplayBackoffCap bounds the doubling.
	ReplayBackoffCap time.Duration

	// ReplayBatchSize bounds one sweep.
	ReplayBatchSize int

	// PayloadTTL is how long sanitized payloads are retained.
	PayloadTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReplayBackoffBase <= 0 {
		c.ReplayBackoffBase = 30 * time.Second
	}
	if c.ReplayBackoffCap <= 0 {
		c.ReplayBackoffCap = 1 * time.Hour
	}
	if c.ReplayBatchSize <= 0 {
		c.ReplayBatchSize = 100
	}
	if c.PayloadTTL <= 0 {
		c.PayloadTTL = 90 * 24 * time.Hour
	}
}

// Service reconciles webhook events against the shipment store. It holds no
// state of its own; concurrent webhook deliveries, replay sweeps, and
// booking writers coordinate through the store's constraints.
type Service struct {
	store   storage.Store
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
	config  Config
	now     func() time.Time
}

// NewService creates a reconciliation service.
func NewService(store storage.Store, cfg Config, logger *otelzap.Logger, metrics *telemetry.Metrics) *Service {
	cfg.applyDefaults()
	return &Service{
		store:   store,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
}

// WithClock injects a clock for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ProcessWebhookEvent ingests one webhook delivery: sanitize, match the
// shipment (by shipment id, AWB, provider order id, then internal
// reference), buffer when unmatched, append a deduplicated audit event, and
// attempt the monotonic status update.
func (s *Service) ProcessWebhookEvent(ctx context.Context, in InboundWebhook) (*Result, error) {
	eventID := extractString(in.Payload, "event_id", "id")
	if eventID == "" {
		return nil, carrier.NewError(carrier.CodeValidationFailed, "webhook payload has no event id")
	}
	eventType := in.EventType
	if eventType == "" {
		eventType = extractString(in.Payload, "event_type", "status")
	}

	if in.Degraded {
		s.logger.Warn("processing unsigned webhook via override",
			zap.String("provider", in.Provider),
			zap.String("provider_event_id", eventID),
		)
	}

	sanitized := sanitizePayload(in.Payload)
	payload, err := json.Marshal(sanitized)
	if err != nil {
		return nil, fmt.Errorf("marshal sanitized payload: %w", err)
	}
	keys := extractKeys(in.Payload)

	rec, err := s.store.FindForWebhook(ctx, in.Provider, keys)
	if errors.Is(err, storage.ErrNotFound) {
		inserted, err := s.store.BufferWebhook(ctx, storage.NewBufferedWebhook{
			Provider:        in.Provider,
			ProviderEventID: eventID,
			EventType:       eventType,
			Keys:            keys,
			Payload:         payload,
			ReceivedAt:      s.now(),
		})
		if err != nil {
			return nil, err
		}
		s.metrics.RecordWebhook(in.Provider, "buffered")
		s.logger.Info("webhook buffered, no matching shipment",
			zap.String("provider", in.Provider),
			zap.String("provider_event_id", eventID),
			zap.Bool("deduped", !inserted),
		)
		return &Result{Processed: true, Buffered: true, Deduped: !inserted}, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := s.applyEvent(ctx, rec, eventID, eventType, in.Payload, payload)
	if err != nil {
		return nil, err
	}
	outcome := "matched"
	if res.Deduped {
		outcome = "deduped"
	}
	s.metrics.RecordWebhook(in.Provider, outcome)
	return res, nil
}

// applyEvent appends the audit row and advances the shipment status. Shared
// between direct ingestion and buffered replay.
func (s *Service) applyEvent(ctx context.Context, rec *storage.ShipmentRecord, eventID, eventType string, raw map[string]any, payload []byte) (*Result, error) {
	inserted, err := s.store.AppendEvent(ctx, storage.NewEvent{
		ShipmentID:      rec.ID,
		Provider:        rec.Provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		Status:          deriveStatus(eventType, raw),
		Payload:         payload,
		OccurredAt:      extractTime(raw),
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Already applied once; report the duplicate and leave the
		// persisted status alone.
		return &Result{Processed: true, Deduped: true, Matched: true, ShipmentID: rec.ID}, nil
	}

	result := &Result{Processed: true, Matched: true, ShipmentID: rec.ID}
	candidate := deriveStatus(eventType, raw)
	if candidate == "" {
		return result, nil
	}

	updated, wasAdvanced, err := s.store.UpdateStatusMonotonic(ctx, rec.ID, candidate)
	if err != nil {
		return nil, err
	}
	result.StatusUpdated = wasAdvanced
	if !wasAdvanced {
		s.logger.Debug("stale status ignored",
			zap.String("shipment_id", rec.ID),
			zap.String("candidate", string(candidate)),
			zap.String("current", string(updated.Status)),
		)
	}
	return result, nil
}

// OnShipmentBooked replays buffered events whose provider identifiers now
// match a freshly booked shipment. Invoked by the router right after
// MarkBookedFromProvider.
func (s *Service) OnShipmentBooked(ctx context.Context, rec *storage.ShipmentRecord) error {
	buffered, err := s.store.ListBufferedForShipment(ctx, rec.Provider, storage.MatchKeys{
		ProviderShipmentID: rec.ProviderShipmentID,
		ProviderAWB:        rec.ProviderAWB,
		ProviderOrderID:    rec.ProviderOrderID,
		InternalReference:  rec.InternalReference,
	})
	if err != nil {
		return err
	}

	for _, b := range buffered {
		if err := s.replayOne(ctx, b); err != nil {
			s.logger.Error("scoped replay failed",
				zap.String("provider", b.Provider),
				zap.String("provider_event_id", b.ProviderEventID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ReplaySweep re-attempts buffered events that are due for retry. Due means
// now - received_at >= backoff(retry_count), where backoff doubles per retry
// up to the cap. Returns how many events were replayed successfully.
func (s *Service) ReplaySweep(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingWebhooks(ctx, s.config.ReplayBatchSize)
	if err != nil {
		return 0, err
	}

	now := s.now()
	replayed := 0
	for _, b := range pending {
		if now.Sub(b.ReceivedAt) < s.replayBackoff(b.RetryCount) {
			continue
		}
		if err := s.replayOne(ctx, b); err != nil {
			if incErr := s.store.IncrementWebhookRetry(ctx, b.Provider, b.ProviderEventID); incErr != nil {
				s.logger.Error("increment webhook retry failed",
					zap.String("provider_event_id", b.ProviderEventID),
					zap.Error(incErr),
				)
			}
			continue
		}
		replayed++
	}
	return replayed, nil
}

// replayOne runs the match/append/update sequence for one buffered record
// and stamps it processed on success.
func (s *Service) replayOne(ctx context.Context, b storage.WebhookBufferRecord) error {
	rec, err := s.store.FindForWebhook(ctx, b.Provider, b.Keys)
	if err != nil {
		return err
	}

	var raw map[string]any
	if len(b.Payload) > 0 {
		if err := json.Unmarshal(b.Payload, &raw); err != nil {
			raw = map[string]any{}
		}
	} else {
		raw = map[string]any{}
	}

	if _, err := s.applyEvent(ctx, rec, b.ProviderEventID, b.EventType, raw, b.Payload); err != nil {
		return err
	}
	if err := s.store.MarkWebhookProcessed(ctx, b.Provider, b.ProviderEventID, s.now()); err != nil {
		return err
	}
	s.metrics.ReplayedWebhooks.Inc()
	s.logger.Info("buffered webhook replayed",
		zap.String("provider", b.Provider),
		zap.String("provider_event_id", b.ProviderEventID),
		zap.String("shipment_id", rec.ID),
	)
	return nil
}

// PurgeStalePayloads nulls sanitized payloads past the retention TTL.
func (s *Service) PurgeStalePayloads(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config.PayloadTTL)
	touched, err := s.store.PurgeEventPayloads(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if touched > 0 {
		s.logger.Info("purged stale webhook payloads", zap.Int64("rows", touched))
	}
	return touched, nil
}

// replayBackoff doubles per retry up to the cap.
func (s *Service) replayBackoff(retryCount int) time.Duration {
	d := s.config.ReplayBackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.config.ReplayBackoffCap {
			return s.config.ReplayBackoffCap
		}
	}
	return d
}

// ============================================================================
// Payload field extraction
// ============================================================================

func extractString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func extractKeys(payload map[string]any) storage.MatchKeys {
	return storage.MatchKeys{
		ProviderShipmentID: extractString(payload, "shipment_id", "provider_shipment_id"),
		ProviderAWB:        extractString(payload, "awb", "awb_number", "tracking_number"),
		ProviderOrderID:    extractString(payload, "order_id", "provider_order_id"),
		InternalReference:  extractString(payload, "reference", "internal_reference", "unique_ref"),
	}
}

func extractTime(payload map[string]any) *time.Time {
	raw := extractString(payload, "timestamp", "occurred_at", "event_time")
	if raw == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t
	}
	return nil
}
