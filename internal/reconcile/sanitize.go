package reconcile

// sanitizedKeys is the explicit allow-list of payload fields kept in the
// durable stores. Everything else (names, addresses, phone numbers, emails
// and whatever a carrier decides to add next quarter) is dropped before the
// payload is written anywhere.
var sanitizedKeys = map[string]bool{
	"event_id":             true,
	"id":                   true,
	"event_type":           true,
	"status":               true,
	"current_status":       true,
	"shipment_status":      true,
	"shipment_id":          true,
	"provider_shipment_id": true,
	"order_id":             true,
	"provider_order_id":    true,
	"awb":                  true,
	"awb_number":           true,
	"tracking_number":      true,
	"reference":            true,
	"internal_reference":   true,
	"unique_ref":           true,
	"timestamp":            true,
	"occurred_at":          true,
	"event_time":           true,
	"location":             true,
	"courier_remarks":      true,
}

// sanitizePayload keeps only allow-listed fields. Nested objects are dropped
// wholesale; operational fields are flat in every carrier payload seen so
// far.
func sanitizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if !sanitizedKeys[k] {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		default:
			out[k] = v
		}
	}
	return out
}
