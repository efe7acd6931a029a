package swiftship

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/orderflow/shipbridge/pkg/carrier"
)

// VerifyWebhook authenticates an inbound SwiftShip webhook delivery.
//
// The source IP allowlist (when configured) is checked before the signature.
// The signature is HMAC-SHA256 over the raw body, hex encoded, compared with
// a timing-safe equality check. Verification fails closed when no secret is
// configured.
func (c *Client) VerifyWebhook(body []byte, signature, sourceIP string) error {
	if len(c.config.WebhookAllowedIPs) > 0 {
		allowed := false
		for _, ip := range c.config.WebhookAllowedIPs {
			if ip == sourceIP {
				allowed = true
				break
			}
		}
		if !allowed {
			return carrier.NewError(carrier.CodeSignatureInvalid, "webhook source not allowed").
				WithDetail("source_ip", sourceIP)
		}
	}

	if c.config.WebhookSecret == "" {
		return carrier.NewError(carrier.CodeSignatureInvalid, "no webhook secret configured")
	}

	mac := hmac.New(sha256.New, []byte(c.config.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return carrier.NewError(carrier.CodeSignatureInvalid, "webhook signature mismatch")
	}
	return nil
}

// SignWebhook computes the signature SwiftShip would send for body. Test
// helper for simulating deliveries.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
