// Package carrier provides a normalized abstraction layer over third-party
// logistics providers.
package carrier

import (
	"context"
)

// Provider defines the interface that every carrier adapter must implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "swiftship").
	Name() string

	// Capabilities reports which optional operations and guarantees the
	// provider supports. Callers must consult this instead of probing.
	Capabilities() Capabilities

	// Quote returns shipping rate quotes for a prospective shipment.
	Quote(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error)

	// CreateShipment books a shipment with the provider.
	CreateShipment(ctx context.Context, req *CreateShipmentRequest) (*CreateShipmentResponse, error)

	// GetLabel retrieves the shipping label for a booked shipment.
	GetLabel(ctx context.Context, req *GetLabelRequest) (*GetLabelResponse, error)

	// Track returns the current status and event history for a shipment.
	Track(ctx context.Context, req *TrackRequest) (*TrackResponse, error)

	// Cancel cancels a booked shipment.
	Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error)

	// HealthCheck verifies the provider API is reachable and authenticated.
	HealthCheck(ctx context.Context) error
}

// ReferenceFinder is implemented by providers that can look up a shipment by
// the caller-chosen internal reference. Gate calls on
// Capabilities.SupportsReferenceLookup.
type ReferenceFinder interface {
	FindShipmentByReference(ctx context.Context, internalReference string) (*TrackResponse, error)
}

// WebhookVerifier is implemented by providers that sign their webhooks. Gate
// calls on Capabilities.SupportsWebhookVerification.
type WebhookVerifier interface {
	// VerifyWebhook authenticates a raw webhook delivery. sourceIP may be
	// empty when the transport did not expose it.
	VerifyWebhook(body []byte, signature, sourceIP string) error
}

// Capabilities declares what a provider supports. Explicit booleans replace
// runtime type probing so the router can decide policy up front.
type Capabilities struct {
	// SupportsCOD indicates cash-on-delivery shipments are accepted.
	SupportsCOD bool

	// SupportsReferenceLookup indicates FindShipmentByReference works.
	SupportsReferenceLookup bool

	// SupportsIdempotency indicates the provider deduplicates bookings by
	// internal reference, making createShipment/cancel safe to retry.
	SupportsIdempotency bool

	// SupportsWebhookVerification indicates VerifyWebhook works.
	SupportsWebhookVerification bool

	// SupportsQuoting indicates Quote is implemented (some contract-rate
	// carriers book without a quote step).
	SupportsQuoting bool
}
