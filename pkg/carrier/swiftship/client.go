// Package swiftship provides the reference carrier adapter against the
// SwiftShip REST API.
package swiftship

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orderflow/shipbridge/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const providerName = "swiftship"

// Config holds SwiftShip adapter configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string

	// WebhookSecret signs inbound webhooks. Verification fails closed when
	// empty.
	WebhookSecret string

	// WebhookAllowedIPs, when non-empty, restricts webhook sources. Checked
	// before the signature.
	WebhookAllowedIPs []string

	// BookingDisabled is the kill switch: CreateShipment fails fast with
	// BOOKING_DISABLED and no network call.
	BookingDisabled bool

	// UseMock swaps in the mock API client.
	UseMock bool

	MaxAttempts int
	BackoffBase time.Duration
	TokenSkew   time.Duration
}

// Client is the SwiftShip adapter. It implements carrier.Provider and
// delegates API calls to the underlying APIClient (mock or HTTP).
type Client struct {
	config    Config
	apiClient APIClient
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a new SwiftShip adapter.
func New(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient
	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL:      cfg.BaseURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			MaxAttempts:  cfg.MaxAttempts,
			BackoffBase:  cfg.BackoffBase,
			TokenSkew:    cfg.TokenSkew,
		})
	}
	return &Client{config: cfg, apiClient: apiClient, logger: logger, tracer: tracer}
}

// NewWithAPIClient creates an adapter with a custom API client, useful for
// injecting mocks in tests.
func NewWithAPIClient(cfg Config, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	return &Client{config: cfg, apiClient: apiClient, logger: logger, tracer: tracer}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return providerName
}

// Capabilities reports what SwiftShip supports.
func (c *Client) Capabilities() carrier.Capabilities {
	return carrier.Capabilities{
		SupportsCOD:                 true,
		SupportsReferenceLookup:     true,
		SupportsIdempotency:         true, // unique_ref dedup on create-shipment
		SupportsWebhookVerification: true,
		SupportsQuoting:             true,
	}
}

// Quote checks serviceability and then fetches rates.
func (c *Client) Quote(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()

	c.logger.Info("swiftship quote",
		zap.String("correlation_id", correlationID),
		zap.String("pickup_postcode", req.Origin.PostalCode),
		zap.String("delivery_postcode", req.Destination.PostalCode),
		zap.Int("parcel_count", len(req.Parcels)),
	)

	svc, err := c.apiClient.CheckServiceability(ctx, &ServiceabilityRequest{
		PickupPostcode:   req.Origin.PostalCode,
		DeliveryPostcode: req.Destination.PostalCode,
		CountryCode:      req.Destination.CountryCode,
		WeightKG:         totalWeight(req.Parcels),
		COD:              req.PaymentMode == carrier.PaymentCOD,
	})
	if err != nil {
		return nil, c.mapError("quote", correlationID, err)
	}
	if !svc.Serviceable {
		return nil, carrier.NewError(carrier.CodeServiceabilityFailed, "lane not serviceable").
			WithDetail("reason", svc.Reason).
			WithCorrelationID(correlationID)
	}

	rates, err := c.apiClient.GetRates(ctx, &RatesRequest{
		PickupPostcode:   req.Origin.PostalCode,
		DeliveryPostcode: req.Destination.PostalCode,
		Parcels:          parcelsToAPI(req.Parcels),
		COD:              req.PaymentMode == carrier.PaymentCOD,
		DeclaredValue:    req.DeclaredValue.Amount,
	})
	if err != nil {
		return nil, c.mapError("quote", correlationID, err)
	}
	return ratesToCarrier(rates), nil
}

// CreateShipment books a shipment. The kill switch short-circuits before any
// network call.
func (c *Client) CreateShipment(ctx context.Context, req *carrier.CreateShipmentRequest) (*carrier.CreateShipmentResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()

	if c.config.BookingDisabled {
		c.logger.Warn("swiftship booking disabled by kill switch",
			zap.String("correlation_id", correlationID),
			zap.String("internal_reference", req.InternalReference),
		)
		return nil, carrier.NewError(carrier.CodeBookingDisabled, "booking is disabled by configuration").
			WithCorrelationID(correlationID)
	}

	c.logger.Info("swiftship create shipment",
		zap.String("correlation_id", correlationID),
		zap.String("order_id", req.OrderID),
		zap.String("internal_reference", req.InternalReference),
	)

	apiResp, err := c.apiClient.CreateShipment(ctx, &ShipmentRequest{
		UniqueRef:    req.InternalReference,
		OrderRef:     req.OrderID,
		ServiceCode:  req.ServiceCode,
		Pickup:       addressToAPI(req.Pickup),
		Delivery:     addressToAPI(req.Delivery),
		Parcels:      parcelsToAPI(req.Parcels),
		Items:        itemsToAPI(req.Items),
		PaymentMode:  string(req.PaymentMode),
		CODAmount:    req.CODAmount.Amount,
		Instructions: req.Instructions,
	})
	if err != nil {
		return nil, c.mapError("createShipment", correlationID, err)
	}
	return shipmentToCarrier(apiResp), nil
}

// GetLabel fetches the label for a booked shipment.
func (c *Client) GetLabel(ctx context.Context, req *carrier.GetLabelRequest) (*carrier.GetLabelResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()

	apiResp, err := c.apiClient.GenerateLabel(ctx, req.ProviderShipmentID)
	if err != nil {
		return nil, c.mapError("getLabel", correlationID, err)
	}
	return labelToCarrier(apiResp), nil
}

// Track returns the current status and scan history. AWB lookup is preferred
// when both identifiers are present.
func (c *Client) Track(ctx context.Context, req *carrier.TrackRequest) (*carrier.TrackResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()

	var (
		apiResp *TrackingResponse
		err     error
	)
	if req.ProviderAWB != "" {
		apiResp, err = c.apiClient.TrackByAWB(ctx, req.ProviderAWB)
	} else {
		apiResp, err = c.apiClient.TrackByShipment(ctx, req.ProviderShipmentID)
	}
	if err != nil {
		return nil, c.mapError("track", correlationID, err)
	}
	return trackingToCarrier(apiResp), nil
}

// Cancel cancels a booked shipment.
func (c *Client) Cancel(ctx context.Context, req *carrier.CancelRequest) (*carrier.CancelResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()

	c.logger.Info("swiftship cancel",
		zap.String("correlation_id", correlationID),
		zap.String("provider_shipment_id", req.ProviderShipmentID),
	)

	apiResp, err := c.apiClient.CancelShipment(ctx, &CancelShipmentRequest{
		ShipmentID: req.ProviderShipmentID,
		AWB:        req.ProviderAWB,
		Reason:     req.Reason,
	})
	if err != nil {
		return nil, c.mapError("cancel", correlationID, err)
	}
	return &carrier.CancelResponse{
		Provider:           providerName,
		ProviderShipmentID: apiResp.ShipmentID,
		Status:             mapStatus(apiResp.Status),
	}, nil
}

// FindShipmentByReference looks a shipment up by internal reference.
func (c *Client) FindShipmentByReference(ctx context.Context, internalReference string) (*carrier.TrackResponse, error) {
	if strings.TrimSpace(internalReference) == "" {
		return nil, carrier.NewError(carrier.CodeValidationFailed, "internal reference required")
	}
	correlationID := uuid.NewString()

	apiResp, err := c.apiClient.FindByReference(ctx, internalReference)
	if err != nil {
		return nil, c.mapError("findShipmentByReference", correlationID, err)
	}
	return trackingToCarrier(apiResp), nil
}

// HealthCheck verifies the API is reachable and authenticated.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.apiClient.Health(ctx); err != nil {
		return c.mapError("healthCheck", uuid.NewString(), err)
	}
	return nil
}

// ============================================================================
// Error mapping
// ============================================================================

// notCancellablePatterns are SwiftShip message fragments meaning the shipment
// has progressed past the cancellable window. Checked before status-code
// mapping.
var notCancellablePatterns = []string{
	"cannot be cancelled",
	"cannot be canceled",
	"already in transit",
	"already dispatched",
	"already shipped",
	"not cancellable",
}

// serviceabilityPatterns map upstream message fragments to
// SERVICEABILITY_FAILED before the generic fallback.
var serviceabilityPatterns = []string{
	"not serviceable",
	"serviceability",
	"pincode not served",
	"postcode not served",
}

// addressPatterns map upstream message fragments to INVALID_ADDRESS.
var addressPatterns = []string{
	"invalid address",
	"invalid postcode",
	"invalid pincode",
	"address not found",
}

// postAcceptanceOps are phases where a 5xx means the provider took the
// request but failed processing it, mapped to UPSTREAM_ERROR rather than
// PROVIDER_UNAVAILABLE.
var postAcceptanceOps = map[string]bool{
	"createShipment": true,
	"cancel":         true,
}

// mapError converts an APIClient error into the normalized taxonomy with a
// deterministic precedence: cancel-state message patterns, then auth, then
// rate limiting, then not-found, then 5xx by phase, then message substrings,
// then the UPSTREAM_ERROR fallback. Non-API errors (network faults) map to
// PROVIDER_UNAVAILABLE.
func (c *Client) mapError(op, correlationID string, err error) error {
	var ce *carrier.Error
	if errors.As(err, &ce) {
		if ce.CorrelationID == "" {
			ce.CorrelationID = correlationID
		}
		return ce
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return carrier.NewError(carrier.CodeProviderUnavailable, "swiftship unreachable").
			WithCause(err).
			WithDetail("operation", op).
			WithCorrelationID(correlationID)
	}

	msg := strings.ToLower(apiErr.Message)
	out := func(code carrier.Code, message string) error {
		return carrier.NewError(code, message).
			WithCause(apiErr).
			WithDetail("operation", op).
			WithDetail("http_status", apiErr.StatusCode).
			WithCorrelationID(correlationID)
	}

	if op == "cancel" && matchesAny(msg, notCancellablePatterns) {
		return out(carrier.CodeCannotCancelInState, "shipment is past the cancellable window")
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return out(carrier.CodeAuthFailed, "swiftship authentication failed")
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return out(carrier.CodeRateLimited, "swiftship rate limit exceeded")
	case apiErr.StatusCode == http.StatusNotFound:
		return out(carrier.CodeShipmentNotFound, "shipment not found at swiftship")
	case apiErr.StatusCode >= 500:
		if postAcceptanceOps[op] {
			return out(carrier.CodeUpstreamError, "swiftship failed processing the request")
		}
		return out(carrier.CodeProviderUnavailable, "swiftship is unavailable")
	}

	switch {
	case matchesAny(msg, serviceabilityPatterns):
		return out(carrier.CodeServiceabilityFailed, "lane not serviceable")
	case matchesAny(msg, addressPatterns):
		return out(carrier.CodeInvalidAddress, "address rejected by swiftship")
	}
	return out(carrier.CodeUpstreamError, apiErr.Message)
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ============================================================================
// Conversion helpers: carrier models <-> API models
// ============================================================================

func addressToAPI(a carrier.Address) APIAddress {
	return APIAddress{
		Name:        a.Name,
		Company:     a.Company,
		Line1:       a.Line1,
		Line2:       a.Line2,
		City:        a.City,
		State:       a.State,
		Postcode:    a.PostalCode,
		CountryCode: a.CountryCode,
		Phone:       a.Phone,
		Email:       a.Email,
	}
}

func parcelsToAPI(parcels []carrier.Parcel) []APIParcel {
	result := make([]APIParcel, len(parcels))
	for i, p := range parcels {
		result[i] = APIParcel{
			LengthCM: p.LengthCM,
			WidthCM:  p.WidthCM,
			HeightCM: p.HeightCM,
			WeightKG: p.WeightKG,
		}
	}
	return result
}

func itemsToAPI(items []carrier.LineItem) []APIItem {
	result := make([]APIItem, len(items))
	for i, it := range items {
		result[i] = APIItem{
			SKU:       it.SKU,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.Amount,
		}
	}
	return result
}

func totalWeight(parcels []carrier.Parcel) float64 {
	var total float64
	for _, p := range parcels {
		total += p.WeightKG
	}
	return total
}

func ratesToCarrier(resp *RatesResponse) *carrier.QuoteResponse {
	rates := make([]carrier.RateOption, len(resp.Rates))
	for i, r := range resp.Rates {
		rates[i] = carrier.RateOption{
			ServiceCode:   r.ServiceCode,
			ServiceName:   r.ServiceName,
			Total:         carrier.Money{Amount: r.Total, Currency: r.Currency},
			EstimatedDays: r.EstimatedDays,
			CODAvailable:  r.CODAvailable,
		}
	}
	return &carrier.QuoteResponse{Provider: providerName, Rates: rates}
}

func shipmentToCarrier(resp *ShipmentResponse) *carrier.CreateShipmentResponse {
	var estimated *time.Time
	if resp.EstimatedDelivery != "" {
		if t, err := time.Parse("2006-01-02", resp.EstimatedDelivery); err == nil {
			estimated = &t
		}
	}
	return &carrier.CreateShipmentResponse{
		Provider:           providerName,
		ProviderOrderID:    resp.OrderID,
		ProviderShipmentID: resp.ShipmentID,
		ProviderAWB:        resp.AWB,
		Status:             mapStatus(resp.Status),
		LabelURL:           resp.LabelURL,
		EstimatedDelivery:  estimated,
	}
}

func labelToCarrier(resp *LabelResponse) *carrier.GetLabelResponse {
	generatedAt, _ := time.Parse(time.RFC3339, resp.GeneratedAt)
	var expiresAt *time.Time
	if resp.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			expiresAt = &t
		}
	}
	return &carrier.GetLabelResponse{
		ProviderShipmentID: resp.ShipmentID,
		URL:                resp.LabelURL,
		GeneratedAt:        generatedAt,
		ExpiresAt:          expiresAt,
	}
}

func trackingToCarrier(resp *TrackingResponse) *carrier.TrackResponse {
	events := make([]carrier.TrackingEvent, len(resp.Events))
	for i, e := range resp.Events {
		ts, _ := time.Parse(time.RFC3339, e.Timestamp)
		events[i] = carrier.TrackingEvent{
			Timestamp:   ts,
			Status:      mapStatus(e.Status),
			Description: e.Description,
			Location:    e.Location,
			RawCode:     e.Status,
		}
	}
	return &carrier.TrackResponse{
		Provider:           providerName,
		ProviderShipmentID: resp.ShipmentID,
		ProviderAWB:        resp.AWB,
		Status:             mapStatus(resp.Status),
		Events:             events,
	}
}

// mapStatus normalizes SwiftShip status strings.
func mapStatus(status string) carrier.ShipmentStatus {
	switch strings.ToLower(status) {
	case "draft":
		return carrier.StatusDraft
	case "processing", "booking":
		return carrier.StatusBookingInProgress
	case "new", "booked", "confirmed":
		return carrier.StatusBooked
	case "pickup_scheduled", "pickup scheduled", "manifested":
		return carrier.StatusPickupScheduled
	case "in_transit", "in transit", "shipped":
		return carrier.StatusInTransit
	case "out_for_delivery", "out for delivery", "ofd":
		return carrier.StatusOutForDelivery
	case "failed", "undelivered", "delivery_failed":
		return carrier.StatusFailed
	case "rto_initiated", "rto initiated":
		return carrier.StatusRTOInitiated
	case "rto_in_transit", "rto in transit":
		return carrier.StatusRTOInTransit
	case "rto_delivered", "rto delivered":
		return carrier.StatusRTODelivered
	case "delivered":
		return carrier.StatusDelivered
	case "cancelled", "canceled", "void":
		return carrier.StatusCancelled
	default:
		return carrier.StatusBooked
	}
}

// Ensure Client satisfies the contract including the optional interfaces.
var (
	_ carrier.Provider        = (*Client)(nil)
	_ carrier.ReferenceFinder = (*Client)(nil)
	_ carrier.WebhookVerifier = (*Client)(nil)
)
