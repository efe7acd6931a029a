package router

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/orderflow/shipbridge/internal/telemetry"
	"github.com/orderflow/shipbridge/pkg/carrier"
)

// BookingNotifier is told when a shipment gains its provider identifiers so
// buffered webhooks for it can be replayed. *reconcile.Service implements it.
type BookingNotifier interface {
	OnShipmentBooked(ctx context.Context, rec *storage.ShipmentRecord) error
}

// Config tunes the routing policy layer.
type Config struct {
	// MaxAttempts caps calls per operation, first attempt included.
	MaxAttempts int

	// BackoffBase seeds the exponential retry delay.
	BackoffBase time.Duration

	Breaker BreakerConfig
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
}

// Router fronts the provider registry with the cross-cutting policy every
// carrier call goes through: circuit breaking, bounded retries with
// exponential backoff, capability gating, and persistence of booking and
// label state. Shipment-scoped operations resolve provider identifiers from
// the store so callers only ever hold internal shipment ids.
type Router struct {
	registry *carrier.Registry
	store    storage.Store
	notifier BookingNotifier
	breaker  *breaker
	config   Config
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

func New(registry *carrier.Registry, store storage.Store, notifier BookingNotifier, cfg Config, logger *otelzap.Logger, metrics *telemetry.Metrics) *Router {
	cfg.applyDefaults()
	r := &Router{
		registry: registry,
		store:    store,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		sleep:    sleepCtx,
		jitter: func(d time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(d)/4 + 1))
		},
	}
	r.breaker = newBreaker(cfg.Breaker, func() time.Time { return r.now() }, func(key circuitKey, state string) {
		metrics.RecordCircuit(key.Provider, key.Method, state)
		logger.Info("circuit transition",
			zap.String("provider", key.Provider),
			zap.String("method", key.Method),
			zap.String("state", state))
	})
	return r
}

// WithClock replaces the time sources. Test hook.
func (r *Router) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Router {
	if now != nil {
		r.now = now
	}
	if sleep != nil {
		r.sleep = sleep
	}
	r.jitter = func(time.Duration) time.Duration { return 0 }
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Quote returns rates from the resolved provider.
func (r *Router) Quote(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := r.registry.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	if !p.Capabilities().SupportsQuoting {
		return nil, carrier.NewError(carrier.CodeNotSupported, fmt.Sprintf("provider %s does not support quoting", p.Name()))
	}
	var resp *carrier.QuoteResponse
	err = r.execute(ctx, p, "quote", true, func(ctx context.Context) error {
		resp, err = p.Quote(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateShipment books a shipment: the record is persisted first so the
// internal reference is claimed before any network call, then the provider
// booking runs under policy, and finally the provider identifiers are
// written back and buffered webhooks for them are replayed. A booking that
// fails upstream leaves the record in BOOKING_IN_PROGRESS for a later
// Rebook.
func (r *Router) CreateShipment(ctx context.Context, req *carrier.CreateShipmentRequest) (*storage.ShipmentRecord, error) {
	return r.book(ctx, req, "")
}

// Rebook books a replacement shipment for a failed or cancelled one. The
// prior record is deactivated in the same store operation that claims the
// new reference, so the one-active-shipment rule holds throughout.
func (r *Router) Rebook(ctx context.Context, replaceShipmentID string, req *carrier.CreateShipmentRequest) (*storage.ShipmentRecord, error) {
	if replaceShipmentID == "" {
		return nil, carrier.NewError(carrier.CodeValidationFailed, "rebook requires the shipment id being replaced")
	}
	return r.book(ctx, req, replaceShipmentID)
}

func (r *Router) book(ctx context.Context, req *carrier.CreateShipmentRequest, replaceID string) (*storage.ShipmentRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := r.registry.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	caps := p.Capabilities()
	if req.PaymentMode == carrier.PaymentCOD && !caps.SupportsCOD {
		return nil, carrier.NewError(carrier.CodeNotSupported, fmt.Sprintf("provider %s does not support COD", p.Name()))
	}

	rec, err := r.store.CreateShipment(ctx, storage.NewShipment{
		OrderID:           req.OrderID,
		Provider:          p.Name(),
		InternalReference: req.InternalReference,
		Status:            carrier.StatusBookingInProgress,
		ReplaceShipmentID: replaceID,
	})
	if err != nil {
		return nil, err
	}

	// Booking is retried only when the provider deduplicates on the
	// reference; otherwise a retry could double-book.
	var resp *carrier.CreateShipmentResponse
	err = r.execute(ctx, p, "createShipment", caps.SupportsIdempotency, func(ctx context.Context) error {
		resp, err = p.CreateShipment(ctx, req)
		return err
	})
	if err != nil {
		r.logger.Ctx(ctx).Warn("booking failed upstream",
			zap.String("shipment_id", rec.ID),
			zap.String("provider", p.Name()),
			zap.Error(err))
		return nil, err
	}

	booked, err := r.store.MarkBookedFromProvider(ctx, rec.ID, storage.BookingResult{
		ProviderOrderID:    resp.ProviderOrderID,
		ProviderShipmentID: resp.ProviderShipmentID,
		ProviderAWB:        resp.ProviderAWB,
		Status:             resp.Status,
		LabelURL:           resp.LabelURL,
	})
	if err != nil {
		return nil, err
	}
	if err := r.notifier.OnShipmentBooked(ctx, booked); err != nil {
		// Replay failures are recoverable by the sweeper; the booking stands.
		r.logger.Ctx(ctx).Warn("buffered webhook replay after booking failed",
			zap.String("shipment_id", booked.ID), zap.Error(err))
	}
	return booked, nil
}

// GetLabel fetches the shipment's label from its provider and persists the
// refreshed label fields.
func (r *Router) GetLabel(ctx context.Context, shipmentID string) (*carrier.GetLabelResponse, error) {
	rec, p, err := r.resolveShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	var resp *carrier.GetLabelResponse
	err = r.execute(ctx, p, "getLabel", true, func(ctx context.Context) error {
		resp, err = p.GetLabel(ctx, &carrier.GetLabelRequest{
			Provider:           p.Name(),
			ProviderShipmentID: rec.ProviderShipmentID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	update := storage.LabelUpdate{
		URL:           resp.URL,
		Status:        carrier.LabelFetched,
		ExpiresAt:     resp.ExpiresAt,
		LastFetchedAt: r.now(),
	}
	if !resp.GeneratedAt.IsZero() {
		generatedAt := resp.GeneratedAt
		update.GeneratedAt = &generatedAt
	}
	if err := r.store.UpdateLabel(ctx, rec.ID, update); err != nil {
		return nil, err
	}
	return resp, nil
}

// Track returns provider tracking for a shipment and advances the persisted
// status monotonically when tracking reports a later one.
func (r *Router) Track(ctx context.Context, shipmentID string) (*carrier.TrackResponse, error) {
	rec, p, err := r.resolveShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	var resp *carrier.TrackResponse
	err = r.execute(ctx, p, "track", true, func(ctx context.Context) error {
		resp, err = p.Track(ctx, &carrier.TrackRequest{
			Provider:           p.Name(),
			ProviderShipmentID: rec.ProviderShipmentID,
			ProviderAWB:        rec.ProviderAWB,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if carrier.IsValidStatus(resp.Status) {
		if _, _, err := r.store.UpdateStatusMonotonic(ctx, rec.ID, resp.Status); err != nil {
			r.logger.Ctx(ctx).Warn("status update from tracking failed",
				zap.String("shipment_id", rec.ID), zap.Error(err))
		}
	}
	return resp, nil
}

// Cancel cancels a shipment. The persisted status is checked before any
// network call: a shipment already at or past IN_TRANSIT is rejected, and
// one already cancelled succeeds without calling the provider again.
func (r *Router) Cancel(ctx context.Context, shipmentID, reason string) (*carrier.CancelResponse, error) {
	rec, p, err := r.resolveShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if rec.Status == carrier.StatusCancelled {
		return &carrier.CancelResponse{
			Provider:           p.Name(),
			ProviderShipmentID: rec.ProviderShipmentID,
			Status:             carrier.StatusCancelled,
			AlreadyCancelled:   true,
		}, nil
	}
	if carrier.StatusRank(rec.Status) >= carrier.StatusRank(carrier.StatusInTransit) {
		return nil, carrier.NewError(carrier.CodeCannotCancelInState,
			fmt.Sprintf("shipment in status %s cannot be cancelled", rec.Status)).
			WithDetail("status", string(rec.Status))
	}

	retryable := p.Capabilities().SupportsIdempotency
	var resp *carrier.CancelResponse
	err = r.execute(ctx, p, "cancelShipment", retryable, func(ctx context.Context) error {
		resp, err = p.Cancel(ctx, &carrier.CancelRequest{
			Provider:           p.Name(),
			ProviderShipmentID: rec.ProviderShipmentID,
			ProviderAWB:        rec.ProviderAWB,
			Reason:             reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if _, _, err := r.store.UpdateStatusMonotonic(ctx, rec.ID, carrier.StatusCancelled); err != nil {
		return nil, err
	}
	return resp, nil
}

// FindShipmentByReference looks a shipment up at the provider by the
// caller's reference. Used to recover when a booking response was lost.
func (r *Router) FindShipmentByReference(ctx context.Context, provider, reference string) (*carrier.TrackResponse, error) {
	p, err := r.registry.Resolve(provider)
	if err != nil {
		return nil, err
	}
	finder, ok := p.(carrier.ReferenceFinder)
	if !ok || !p.Capabilities().SupportsReferenceLookup {
		return nil, carrier.NewError(carrier.CodeNotSupported, fmt.Sprintf("provider %s does not support reference lookup", p.Name()))
	}
	var resp *carrier.TrackResponse
	err = r.execute(ctx, p, "findByReference", true, func(ctx context.Context) error {
		resp, err = finder.FindShipmentByReference(ctx, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthCheck probes one provider through the breaker without retries.
func (r *Router) HealthCheck(ctx context.Context, provider string) error {
	p, err := r.registry.Resolve(provider)
	if err != nil {
		return err
	}
	return r.execute(ctx, p, "health", false, p.HealthCheck)
}

func (r *Router) resolveShipment(ctx context.Context, shipmentID string) (*storage.ShipmentRecord, carrier.Provider, error) {
	rec, err := r.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, nil, err
	}
	if rec.ProviderShipmentID == "" && rec.ProviderAWB == "" {
		return nil, nil, carrier.NewError(carrier.CodeShipmentNotFound,
			"shipment has no provider identifiers yet").WithDetail("shipment_id", shipmentID)
	}
	p, err := r.registry.Get(rec.Provider)
	if err != nil {
		return nil, nil, err
	}
	return rec, p, nil
}

// execute runs one provider call under the routing policy. An open circuit
// rejects immediately. Transient failures are retried with exponential
// backoff when the operation is retryable; the call's terminal outcome is
// what feeds the breaker, so a call that recovers on a retry counts as a
// success.
func (r *Router) execute(ctx context.Context, p carrier.Provider, method string, retryable bool, fn func(ctx context.Context) error) error {
	key := circuitKey{Provider: p.Name(), Method: method}
	if !r.breaker.Allow(key) {
		r.metrics.RecordRequest(method, p.Name(), "rejected", 0)
		return carrier.NewError(carrier.CodeProviderUnavailable,
			fmt.Sprintf("circuit open for %s %s", p.Name(), method))
	}

	attempts := 1
	if retryable {
		attempts = r.config.MaxAttempts
	}

	start := r.now()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := r.config.BackoffBase << (attempt - 2)
			if serr := r.sleep(ctx, delay+r.jitter(delay)); serr != nil {
				err = serr
				break
			}
		}
		err = fn(ctx)
		if err == nil {
			r.breaker.RecordSuccess(key)
			r.metrics.RecordRequest(method, p.Name(), "ok", r.now().Sub(start).Seconds())
			return nil
		}
		ce := carrier.AsError(err)
		if ce == nil || !carrier.Transient(ce.Code) {
			break
		}
		r.logger.Ctx(ctx).Debug("transient carrier failure",
			zap.String("provider", p.Name()),
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	code := "unknown"
	if ce := carrier.AsError(err); ce != nil {
		code = string(ce.Code)
		// Only provider-availability failures trip the breaker; a
		// validation or state rejection says nothing about the upstream.
		if carrier.Transient(ce.Code) || ce.Code == carrier.CodeAuthFailed {
			r.breaker.RecordFailure(key)
		}
	} else {
		r.breaker.RecordFailure(key)
	}
	r.metrics.RecordError(p.Name(), code)
	r.metrics.RecordRequest(method, p.Name(), "error", r.now().Sub(start).Seconds())
	return err
}
