package reconcile

import (
	"strings"

	"github.com/orderflow/shipbridge/pkg/carrier"
)

// statusRule maps message tokens to a normalized status. Rules are checked
// in order and the first match wins; the ordering is load-bearing. RTO
// tokens must precede "delivered"/"cancelled" because carrier strings like
// "rto_delivered" contain both; "undelivered" must precede "delivered";
// "out for delivery" must precede the in-transit tokens. Do not reorder
// without re-checking carrier payload samples.
type statusRule struct {
	tokens []string
	status carrier.ShipmentStatus
}

var statusRules = []statusRule{
	{[]string{"rto_delivered", "rto delivered"}, carrier.StatusRTODelivered},
	{[]string{"rto_in_transit", "rto in transit"}, carrier.StatusRTOInTransit},
	{[]string{"rto"}, carrier.StatusRTOInitiated},
	{[]string{"cancel", "void"}, carrier.StatusCancelled},
	{[]string{"failed", "undelivered"}, carrier.StatusFailed},
	{[]string{"delivered"}, carrier.StatusDelivered},
	{[]string{"out_for_delivery", "out for delivery", "ofd"}, carrier.StatusOutForDelivery},
	{[]string{"in_transit", "in transit", "shipped", "manifested"}, carrier.StatusInTransit},
	{[]string{"pickup", "picked"}, carrier.StatusPickupScheduled},
	{[]string{"booked", "new"}, carrier.StatusBooked},
}

// deriveStatus computes the candidate status from the event type plus any
// status-ish payload fields. Returns "" when nothing matches; the caller
// then skips the status update and keeps the event as audit only.
func deriveStatus(eventType string, payload map[string]any) carrier.ShipmentStatus {
	var sb strings.Builder
	sb.WriteString(eventType)
	for _, key := range []string{"status", "current_status", "shipment_status"} {
		if v, ok := payload[key].(string); ok {
			sb.WriteString(" ")
			sb.WriteString(v)
		}
	}
	text := strings.ToLower(sb.String())

	for _, rule := range statusRules {
		for _, token := range rule.tokens {
			if strings.Contains(text, token) {
				return rule.status
			}
		}
	}
	return ""
}
