package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/orderflow/shipbridge/internal/reconcile"
	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/orderflow/shipbridge/internal/storage/memshipment"
	"github.com/orderflow/shipbridge/internal/telemetry"
	"github.com/orderflow/shipbridge/pkg/carrier"
)

type fixture struct {
	store   *memshipment.Store
	service *reconcile.Service
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := memshipment.NewWithClock(func() time.Time { return *clock })
	metrics := telemetry.NewMetricsWith(prometheus.NewRegistry())
	service := reconcile.NewService(store, reconcile.Config{
		ReplayBackoffBase: 30 * time.Second,
		ReplayBackoffCap:  time.Hour,
	}, otelzap.New(zap.NewNop()), metrics).WithClock(func() time.Time { return *clock })
	return &fixture{store: store, service: service, clock: clock}
}

func (f *fixture) bookShipment(t *testing.T) *storage.ShipmentRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.CreateShipment(ctx, storage.NewShipment{
		OrderID: "ord-1", Provider: "swiftship", InternalReference: "ref-1",
		Status: carrier.StatusBookingInProgress,
	})
	require.NoError(t, err)
	booked, err := f.store.MarkBookedFromProvider(ctx, rec.ID, storage.BookingResult{
		ProviderOrderID:    "pord-1",
		ProviderShipmentID: "shp-1",
		ProviderAWB:        "awb-1",
		Status:             carrier.StatusBooked,
	})
	require.NoError(t, err)
	return booked
}

func TestProcessWebhookEvent_MatchesAndAdvances(t *testing.T) {
	f := newFixture(t)
	rec := f.bookShipment(t)

	res, err := f.service.ProcessWebhookEvent(context.Background(), reconcile.InboundWebhook{
		Provider:  "swiftship",
		EventType: "tracking_update",
		Payload: map[string]any{
			"event_id": "evt-1",
			"awb":      "awb-1",
			"status":   "in_transit",
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.True(t, res.Matched)
	assert.True(t, res.StatusUpdated)
	assert.False(t, res.Buffered)
	assert.Equal(t, rec.ID, res.ShipmentID)

	stored, err := f.store.GetShipment(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, carrier.StatusInTransit, stored.Status)
}

func TestProcessWebhookEvent_RedeliveryIsDeduped(t *testing.T) {
	f := newFixture(t)
	f.bookShipment(t)

	payload := map[string]any{"event_id": "evt-1", "awb": "awb-1", "status": "in_transit"}
	in := reconcile.InboundWebhook{Provider: "swiftship", EventType: "tracking_update", Payload: payload}

	first, err := f.service.ProcessWebhookEvent(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, first.Deduped)

	second, err := f.service.ProcessWebhookEvent(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.False(t, second.StatusUpdated)

	assert.Len(t, f.store.Events(), 1)
}

func TestProcessWebhookEvent_StaleStatusIgnored(t *testing.T) {
	f := newFixture(t)
	rec := f.bookShipment(t)
	ctx := context.Background()

	res, err := f.service.ProcessWebhookEvent(ctx, reconcile.InboundWebhook{
		Provider: "swiftship",
		Payload:  map[string]any{"event_id": "evt-1", "awb": "awb-1", "status": "in_transit"},
	})
	require.NoError(t, err)
	assert.True(t, res.StatusUpdated)

	// A delayed "booked" notification arrives after in_transit.
	res, err = f.service.ProcessWebhookEvent(ctx, reconcile.InboundWebhook{
		Provider: "swiftship",
		Payload:  map[string]any{"event_id": "evt-0", "awb": "awb-1", "status": "booked"},
	})
	require.NoError(t, err)
	assert.True(t, res.Processed, "the stale event is still recorded")
	assert.False(t, res.StatusUpdated)

	stored, err := f.store.GetShipment(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, carrier.StatusInTransit, stored.Status)
	assert.Len(t, f.store.Events(), 2, "stale events still land in the audit log")
}

func TestProcessWebhookEvent_UnmatchedIsBuffered(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.ProcessWebhookEvent(context.Background(), reconcile.InboundWebhook{
		Provider: "swiftship",
		Payload:  map[string]any{"event_id": "evt-1", "awb": "awb-unknown", "status": "in_transit"},
	})
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.True(t, res.Buffered)
	assert.False(t, res.Matched)

	// Redelivery of the buffered event dedups too.
	res, err = f.service.ProcessWebhookEvent(context.Background(), reconcile.InboundWebhook{
		Provider: "swiftship",
		Payload:  map[string]any{"event_id": "evt-1", "awb": "awb-unknown", "status": "in_transit"},
	})
	require.NoError(t, err)
	assert.True(t, res.Buffered)
	assert.True(t, res.Deduped)
}

func TestProcessWebhookEvent_RequiresEventID(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.ProcessWebhookEvent(context.Background(), reconcile.InboundWebhook{
		Provider: "swiftship",
		Payload:  map[string]any{"awb": "awb-1", "status": "delivered"},
	})
	require.Error(t, err)
	ce := carrier.AsError(err)
	assert.Equal(t, carrier.CodeValidationFailed, ce.Code)
}

func TestOnShipmentBooked_ReplaysBuffered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The webhook beats the booking write.
	res, err := f.service.ProcessWebhookEvent(ctx, reconcile.InboundWebhook{
		Provider: "swiftship",
		Payload:  map[string]any{"event_id": "evt-1", "awb": "awb-1", "status": "in_transit"},
	})
	require.NoError(t, err)
	require.True(t, res.Buffered)

	rec := f.bookShipment(t)
	require.NoError(t, f.service.OnShipmentBooked(ctx, rec))

	stored, err := f.store.GetShipment(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, carrier.StatusInTransit, stored.Status,
		"the buffered early webhook must apply right after booking")

	pending, err := f.store.ListPendingWebhooks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "replayed rows are stamped processed")
}

func TestReplaySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.ProcessWebhookEvent(ctx, reconcile.InboundWebhook{
		Provider: "swiftship",
		Payload:  map[string]any{"event_id": "evt-1", "awb": "awb-1", "status": "delivered"},
	})
	require.NoError(t, err)

	// Not due yet: received just now, backoff base is 30s.
	replayed, err := f.service.ReplaySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, replayed)

	// Due, but still unmatched: the attempt fails and bumps retry_count.
	*f.clock = f.clock.Add(time.Minute)
	replayed, err = f.service.ReplaySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, replayed)

	pending, err := f.store.ListPendingWebhooks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	// The shipment books; the next due sweep lands the event.
	rec := f.bookShipment(t)
	*f.clock = f.clock.Add(time.Hour)
	replayed, err = f.service.ReplaySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	stored, err := f.store.GetShipment(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, carrier.StatusDelivered, stored.Status)
}

func TestPurgeStalePayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bookShipment(t)

	_, err := f.service.ProcessWebhookEvent(ctx, reconcile.InboundWebhook{
		Provider: "swiftship",
		Payload:  map[string]any{"event_id": "evt-1", "awb": "awb-1", "status": "delivered"},
	})
	require.NoError(t, err)

	touched, err := f.service.PurgeStalePayloads(ctx)
	require.NoError(t, err)
	assert.Zero(t, touched, "fresh payloads are retained")

	*f.clock = f.clock.Add(91 * 24 * time.Hour)
	touched, err = f.service.PurgeStalePayloads(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched)
}
