package carrier

import (
	"time"
)

// ShipmentStatus represents the normalized status of a shipment. Statuses
// form a total order (see StatusRank); a shipment only ever advances.
type ShipmentStatus string

const (
	StatusDraft             ShipmentStatus = "DRAFT"
	StatusBookingInProgress ShipmentStatus = "BOOKING_IN_PROGRESS"
	StatusBooked            ShipmentStatus = "BOOKED"
	StatusPickupScheduled   ShipmentStatus = "PICKUP_SCHEDULED"
	StatusInTransit         ShipmentStatus = "IN_TRANSIT"
	StatusOutForDelivery    ShipmentStatus = "OFD"
	StatusFailed            ShipmentStatus = "FAILED"
	StatusRTOInitiated      ShipmentStatus = "RTO_INITIATED"
	StatusRTOInTransit      ShipmentStatus = "RTO_IN_TRANSIT"
	StatusRTODelivered      ShipmentStatus = "RTO_DELIVERED"
	StatusDelivered         ShipmentStatus = "DELIVERED"
	StatusCancelled         ShipmentStatus = "CANCELLED"
)

// statusOrder is the canonical progression. Index = rank.
var statusOrder = []ShipmentStatus{
	StatusDraft,
	StatusBookingInProgress,
	StatusBooked,
	StatusPickupScheduled,
	StatusInTransit,
	StatusOutForDelivery,
	StatusFailed,
	StatusRTOInitiated,
	StatusRTOInTransit,
	StatusRTODelivered,
	StatusDelivered,
	StatusCancelled,
}

var statusRank = func() map[ShipmentStatus]int {
	m := make(map[ShipmentStatus]int, len(statusOrder))
	for i, s := range statusOrder {
		m[s] = i
	}
	return m
}()

// StatusRank returns the position of s in the total status order, or -1 for
// an unknown status. Monotonic updates only accept strictly greater ranks.
func StatusRank(s ShipmentStatus) int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsValidStatus reports whether s is one of the normalized statuses.
func IsValidStatus(s ShipmentStatus) bool {
	return StatusRank(s) >= 0
}

// LabelStatus tracks the lifecycle of a shipment's label artifact.
type LabelStatus string

const (
	LabelPending   LabelStatus = "pending"
	LabelGenerated LabelStatus = "generated"
	LabelFetched   LabelStatus = "fetched"
	LabelExpired   LabelStatus = "expired"
)

// PaymentMode distinguishes prepaid shipments from cash-on-delivery.
type PaymentMode string

const (
	PaymentPrepaid PaymentMode = "prepaid"
	PaymentCOD     PaymentMode = "cod"
)

// Address represents a pickup or delivery address.
type Address struct {
	Name        string `json:"name"`
	Company     string `json:"company,omitempty"`
	Line1       string `json:"line1"`
	Line2       string `json:"line2,omitempty"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code"` // ISO 3166-1 alpha-2
	Phone       string `json:"phone"`
	Email       string `json:"email,omitempty"`
}

// Parcel represents one physical package.
type Parcel struct {
	LengthCM float64 `json:"length_cm"`
	WidthCM  float64 `json:"width_cm"`
	HeightCM float64 `json:"height_cm"`
	WeightKG float64 `json:"weight_kg"`
}

// LineItem is one order line inside a shipment, used for manifests and COD
// value declaration.
type LineItem struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice Money  `json:"unit_price"`
}

// Money represents a monetary amount.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// QuoteRequest asks for rates between two postal codes.
type QuoteRequest struct {
	Provider      string      `json:"provider,omitempty"`
	Origin        Address     `json:"origin"`
	Destination   Address     `json:"destination"`
	Parcels       []Parcel    `json:"parcels"`
	PaymentMode   PaymentMode `json:"payment_mode,omitempty"`
	DeclaredValue Money       `json:"declared_value,omitempty"`
}

// RateOption is one serviceable rate returned by a provider.
type RateOption struct {
	ServiceCode   string `json:"service_code"`
	ServiceName   string `json:"service_name"`
	Total         Money  `json:"total"`
	EstimatedDays int    `json:"estimated_days"`
	CODAvailable  bool   `json:"cod_available"`
}

// QuoteResponse carries the rates for a quote request.
type QuoteResponse struct {
	Provider string       `json:"provider"`
	Rates    []RateOption `json:"rates"`
}

// CreateShipmentRequest books a shipment.
type CreateShipmentRequest struct {
	Provider string `json:"provider,omitempty"`

	// OrderID is the platform order this shipment fulfills.
	OrderID string `json:"order_id"`

	// InternalReference is the caller-chosen idempotency key. It must be
	// globally unique across bookings; providers that support idempotency
	// deduplicate on it.
	InternalReference string `json:"internal_reference"`

	Pickup       Address     `json:"pickup"`
	Delivery     Address     `json:"delivery"`
	Parcels      []Parcel    `json:"parcels"`
	Items        []LineItem  `json:"items,omitempty"`
	PaymentMode  PaymentMode `json:"payment_mode"`
	CODAmount    Money       `json:"cod_amount,omitempty"`
	ServiceCode  string      `json:"service_code,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
}

// CreateShipmentResponse carries the provider identifiers for a booking.
type CreateShipmentResponse struct {
	Provider           string         `json:"provider"`
	ProviderOrderID    string         `json:"provider_order_id"`
	ProviderShipmentID string         `json:"provider_shipment_id"`
	ProviderAWB        string         `json:"provider_awb"`
	Status             ShipmentStatus `json:"status"`
	LabelURL           string         `json:"label_url,omitempty"`
	EstimatedDelivery  *time.Time     `json:"estimated_delivery,omitempty"`
}

// GetLabelRequest fetches the label for a booked shipment.
type GetLabelRequest struct {
	Provider           string `json:"provider,omitempty"`
	ProviderShipmentID string `json:"provider_shipment_id"`
}

// GetLabelResponse carries the label artifact.
type GetLabelResponse struct {
	ProviderShipmentID string     `json:"provider_shipment_id"`
	URL                string     `json:"url"`
	GeneratedAt        time.Time  `json:"generated_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// TrackRequest tracks by AWB or provider shipment id.
type TrackRequest struct {
	Provider           string `json:"provider,omitempty"`
	ProviderShipmentID string `json:"provider_shipment_id,omitempty"`
	ProviderAWB        string `json:"provider_awb,omitempty"`
}

// TrackingEvent is one normalized tracking scan.
type TrackingEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	Status      ShipmentStatus `json:"status"`
	Description string         `json:"description"`
	Location    string         `json:"location,omitempty"`
	RawCode     string         `json:"raw_code,omitempty"`
}

// TrackResponse carries current status plus history.
type TrackResponse struct {
	Provider           string          `json:"provider"`
	ProviderShipmentID string          `json:"provider_shipment_id"`
	ProviderAWB        string          `json:"provider_awb"`
	Status             ShipmentStatus  `json:"status"`
	Events             []TrackingEvent `json:"events"`
}

// CancelRequest cancels a booked shipment.
type CancelRequest struct {
	Provider           string `json:"provider,omitempty"`
	ProviderShipmentID string `json:"provider_shipment_id,omitempty"`
	ProviderAWB        string `json:"provider_awb,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// CancelResponse confirms a cancellation.
type CancelResponse struct {
	Provider           string         `json:"provider"`
	ProviderShipmentID string         `json:"provider_shipment_id"`
	Status             ShipmentStatus `json:"status"`
	AlreadyCancelled   bool           `json:"already_cancelled"`
}
