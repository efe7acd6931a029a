package carrier

import (
	"fmt"
	"strings"
)

// Request validation. Every request is checked before any network call;
// failures carry VALIDATION_FAILED and a details map keyed by field path.

func validationError(fields map[string]any) *Error {
	e := NewError(CodeValidationFailed, "request validation failed")
	e.Details = fields
	return e
}

func checkAddress(prefix string, a Address, fields map[string]any) {
	if strings.TrimSpace(a.Name) == "" {
		fields[prefix+".name"] = "required"
	}
	if strings.TrimSpace(a.Line1) == "" {
		fields[prefix+".line1"] = "required"
	}
	if strings.TrimSpace(a.City) == "" {
		fields[prefix+".city"] = "required"
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		fields[prefix+".postal_code"] = "required"
	}
	if len(a.CountryCode) != 2 {
		fields[prefix+".country_code"] = "must be ISO 3166-1 alpha-2"
	}
}

func checkParcels(parcels []Parcel, fields map[string]any) {
	if len(parcels) == 0 {
		fields["parcels"] = "at least one parcel required"
		return
	}
	for i, p := range parcels {
		if p.WeightKG <= 0 {
			fields[fmt.Sprintf("parcels[%d].weight_kg", i)] = "must be positive"
		}
		if p.LengthCM <= 0 || p.WidthCM <= 0 || p.HeightCM <= 0 {
			fields[fmt.Sprintf("parcels[%d].dimensions", i)] = "must be positive"
		}
	}
}

// Validate checks a quote request.
func (r *QuoteRequest) Validate() error {
	fields := map[string]any{}
	checkAddress("origin", r.Origin, fields)
	checkAddress("destination", r.Destination, fields)
	checkParcels(r.Parcels, fields)
	if r.PaymentMode != "" && r.PaymentMode != PaymentPrepaid && r.PaymentMode != PaymentCOD {
		fields["payment_mode"] = "must be prepaid or cod"
	}
	if len(fields) > 0 {
		return validationError(fields)
	}
	return nil
}

// Validate checks a create-shipment request.
func (r *CreateShipmentRequest) Validate() error {
	fields := map[string]any{}
	if strings.TrimSpace(r.OrderID) == "" {
		fields["order_id"] = "required"
	}
	if strings.TrimSpace(r.InternalReference) == "" {
		fields["internal_reference"] = "required"
	}
	checkAddress("pickup", r.Pickup, fields)
	checkAddress("delivery", r.Delivery, fields)
	checkParcels(r.Parcels, fields)
	switch r.PaymentMode {
	case PaymentPrepaid:
	case PaymentCOD:
		if r.CODAmount.Amount <= 0 {
			fields["cod_amount"] = "must be positive for cod shipments"
		}
	default:
		fields["payment_mode"] = "must be prepaid or cod"
	}
	for i, it := range r.Items {
		if it.Quantity <= 0 {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "must be positive"
		}
	}
	if len(fields) > 0 {
		return validationError(fields)
	}
	return nil
}

// Validate checks a get-label request.
func (r *GetLabelRequest) Validate() error {
	if strings.TrimSpace(r.ProviderShipmentID) == "" {
		return validationError(map[string]any{"provider_shipment_id": "required"})
	}
	return nil
}

// Validate checks a track request. Either identifier is acceptable.
func (r *TrackRequest) Validate() error {
	if strings.TrimSpace(r.ProviderShipmentID) == "" && strings.TrimSpace(r.ProviderAWB) == "" {
		return validationError(map[string]any{
			"provider_shipment_id": "one of provider_shipment_id or provider_awb required",
		})
	}
	return nil
}

// Validate checks a cancel request.
func (r *CancelRequest) Validate() error {
	if strings.TrimSpace(r.ProviderShipmentID) == "" && strings.TrimSpace(r.ProviderAWB) == "" {
		return validationError(map[string]any{
			"provider_shipment_id": "one of provider_shipment_id or provider_awb required",
		})
	}
	return nil
}
