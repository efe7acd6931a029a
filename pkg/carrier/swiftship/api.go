package swiftship

import (
	"context"
	"fmt"
)

// APIClient defines the SwiftShip API operations the adapter depends on.
// This abstraction allows mock implementations during testing and the real
// HTTP implementation in production.
type APIClient interface {
	// CheckServiceability verifies the lane is serviceable.
	CheckServiceability(ctx context.Context, req *ServiceabilityRequest) (*ServiceabilityResponse, error)

	// GetRates fetches rate options for a serviceable lane.
	GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error)

	// CreateShipment books a shipment order.
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)

	// GenerateLabel renders/fetches the label for a shipment.
	GenerateLabel(ctx context.Context, shipmentID string) (*LabelResponse, error)

	// TrackByAWB returns tracking history for an air waybill.
	TrackByAWB(ctx context.Context, awb string) (*TrackingResponse, error)

	// TrackByShipment returns tracking history for a shipment id.
	TrackByShipment(ctx context.Context, shipmentID string) (*TrackingResponse, error)

	// CancelShipment cancels a shipment order.
	CancelShipment(ctx context.Context, req *CancelShipmentRequest) (*CancelShipmentResponse, error)

	// FindByReference looks a shipment up by the caller's unique reference.
	FindByReference(ctx context.Context, reference string) (*TrackingResponse, error)

	// Health verifies the API is reachable and the credentials work.
	Health(ctx context.Context) error
}

// ============================================================================
// API wire types (SwiftShip REST v2)
// ============================================================================

// LoginRequest authenticates against POST /auth/login.
type LoginRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// LoginResponse carries the bearer token.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

// ServiceabilityRequest checks a lane via POST /serviceability.
type ServiceabilityRequest struct {
	PickupPostcode   string `json:"pickup_postcode"`
	DeliveryPostcode string `json:"delivery_postcode"`
	CountryCode      string `json:"country_code"`
	WeightKG         float64 `json:"weight_kg"`
	COD              bool   `json:"cod"`
}

// ServiceabilityResponse reports whether the lane is serviceable.
type ServiceabilityResponse struct {
	Serviceable bool   `json:"serviceable"`
	Reason      string `json:"reason,omitempty"`
}

// RatesRequest fetches rates via POST /rate-calculator.
type RatesRequest struct {
	PickupPostcode   string    `json:"pickup_postcode"`
	DeliveryPostcode string    `json:"delivery_postcode"`
	Parcels          []APIParcel `json:"parcels"`
	COD              bool      `json:"cod"`
	DeclaredValue    float64   `json:"declared_value,omitempty"`
}

// APIParcel is the wire shape of one package.
type APIParcel struct {
	LengthCM float64 `json:"length_cm"`
	WidthCM  float64 `json:"width_cm"`
	HeightCM float64 `json:"height_cm"`
	WeightKG float64 `json:"weight_kg"`
}

// RatesResponse carries the rate options.
type RatesResponse struct {
	Rates []APIRate `json:"rates"`
}

// APIRate is one rate option.
type APIRate struct {
	ServiceCode   string  `json:"service_code"`
	ServiceName   string  `json:"service_name"`
	Total         float64 `json:"total"`
	Currency      string  `json:"currency"`
	EstimatedDays int     `json:"estimated_days"`
	CODAvailable  bool    `json:"cod_available"`
}

// APIAddress is the wire shape of an address.
type APIAddress struct {
	Name        string `json:"name"`
	Company     string `json:"company,omitempty"`
	Line1       string `json:"address_line_1"`
	Line2       string `json:"address_line_2,omitempty"`
	City        string `json:"city"`
	State       string `json:"state"`
	Postcode    string `json:"postcode"`
	CountryCode string `json:"country_code"`
	Phone       string `json:"phone"`
	Email       string `json:"email,omitempty"`
}

// APIItem is one order line.
type APIItem struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// ShipmentRequest books a shipment via POST /create-shipment. UniqueRef
// deduplicates bookings server-side.
type ShipmentRequest struct {
	UniqueRef    string      `json:"unique_ref"`
	OrderRef     string      `json:"order_ref"`
	ServiceCode  string      `json:"service_code,omitempty"`
	Pickup       APIAddress  `json:"pickup"`
	Delivery     APIAddress  `json:"delivery"`
	Parcels      []APIParcel `json:"parcels"`
	Items        []APIItem   `json:"items,omitempty"`
	PaymentMode  string      `json:"payment_mode"` // "prepaid" | "cod"
	CODAmount    float64     `json:"cod_amount,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
}

// ShipmentResponse carries SwiftShip's identifiers for a booking.
type ShipmentResponse struct {
	OrderID           string `json:"order_id"`
	ShipmentID        string `json:"shipment_id"`
	AWB               string `json:"awb"`
	Status            string `json:"status"`
	LabelURL          string `json:"label_url,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"` // YYYY-MM-DD
	AlreadyExisted    bool   `json:"already_existed,omitempty"`
}

// LabelResponse represents GET /generate-label output.
type LabelResponse struct {
	ShipmentID  string `json:"shipment_id"`
	LabelURL    string `json:"label_url"`
	GeneratedAt string `json:"generated_at"` // RFC3339
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// TrackingResponse represents track-by-awb / track-by-shipment output.
type TrackingResponse struct {
	ShipmentID string     `json:"shipment_id"`
	AWB        string     `json:"awb"`
	Status     string     `json:"status"`
	Events     []APIEvent `json:"events"`
}

// APIEvent is one raw tracking scan.
type APIEvent struct {
	Timestamp   string `json:"timestamp"` // RFC3339
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// CancelShipmentRequest cancels via POST /cancel.
type CancelShipmentRequest struct {
	ShipmentID string `json:"shipment_id,omitempty"`
	AWB        string `json:"awb,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CancelShipmentResponse confirms a cancellation.
type CancelShipmentResponse struct {
	ShipmentID string `json:"shipment_id"`
	Status     string `json:"status"`
}

// APIError represents an error payload from the SwiftShip API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("swiftship api: %s: %s (http %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("swiftship api: %s (http %d)", e.Message, e.StatusCode)
}
