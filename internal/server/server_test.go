package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/orderflow/shipbridge/internal/reconcile"
	"github.com/orderflow/shipbridge/internal/router"
	"github.com/orderflow/shipbridge/internal/server"
	"github.com/orderflow/shipbridge/internal/storage/memshipment"
	"github.com/orderflow/shipbridge/internal/telemetry"
	"github.com/orderflow/shipbridge/pkg/carrier"
	"github.com/orderflow/shipbridge/pkg/carrier/swiftship"
)

const webhookSecret = "test-webhook-secret"

func newTestServer(t *testing.T, allowUnsigned bool) *httptest.Server {
	t.Helper()

	logger := otelzap.New(zap.NewNop())
	metrics := telemetry.NewMetricsWith(prometheus.NewRegistry())
	store := memshipment.New()

	ss := swiftship.NewWithAPIClient(
		swiftship.Config{WebhookSecret: webhookSecret},
		swiftship.NewMockAPIClient(),
		logger, nil,
	)
	registry := carrier.NewRegistry()
	registry.Register(ss, "swift")

	reconciler := reconcile.NewService(store, reconcile.Config{}, logger, metrics)
	rt := router.New(registry, store, reconciler, router.Config{}, logger, metrics)

	s := server.New(server.Config{AllowUnsigned: allowUnsigned}, registry, rt, store, reconciler, logger, metrics)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func shipmentBody(ref string) map[string]any {
	address := map[string]any{
		"name":         "Asha Rao",
		"line1":        "14 Cunningham Rd",
		"city":         "Bengaluru",
		"state":        "KA",
		"postal_code":  "560052",
		"country_code": "IN",
		"phone":        "+919800000000",
	}
	return map[string]any{
		"order_id":           "ord-100",
		"internal_reference": ref,
		"pickup":             address,
		"delivery":           address,
		"parcels": []map[string]any{
			{"length_cm": 30, "width_cm": 20, "height_cm": 10, "weight_kg": 1.5},
		},
		"payment_mode": "prepaid",
	}
}

// createShipment books through the API and returns the response view.
func createShipment(t *testing.T, srv *httptest.Server, ref string) map[string]any {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/shipments", shipmentBody(ref))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody(t, resp)
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	code, _ := envelope["code"].(string)
	return code
}

func TestCreateAndGetShipment(t *testing.T) {
	srv := newTestServer(t, false)

	view := createShipment(t, srv, "ref-100")
	assert.Equal(t, "BOOKED", view["status"])
	assert.Equal(t, "swiftship", view["provider"])
	assert.NotEmpty(t, view["id"])
	assert.NotEmpty(t, view["provider_awb"])

	resp, err := http.Get(fmt.Sprintf("%s/v1/shipments/%s", srv.URL, view["id"]))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decodeBody(t, resp)
	assert.Equal(t, view["id"], fetched["id"])
	assert.Equal(t, "ref-100", fetched["internal_reference"])
}

func TestCreateShipment_ValidationEnvelope(t *testing.T) {
	srv := newTestServer(t, false)

	body := shipmentBody("ref-100")
	delete(body, "order_id")
	resp := postJSON(t, srv.URL+"/v1/shipments", body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, decodeBody(t, resp)))
}

func TestCreateShipment_ConflictsOnSecondActiveBooking(t *testing.T) {
	srv := newTestServer(t, false)

	createShipment(t, srv, "ref-100")
	resp := postJSON(t, srv.URL+"/v1/shipments", shipmentBody("ref-101"))

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, decodeBody(t, resp)))
}

func TestGetShipment_NotFound(t *testing.T) {
	srv := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/v1/shipments/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "SHIPMENT_NOT_FOUND", errorCode(t, decodeBody(t, resp)))
}

func TestCancelShipment(t *testing.T) {
	srv := newTestServer(t, false)
	view := createShipment(t, srv, "ref-100")
	cancelURL := fmt.Sprintf("%s/v1/shipments/%s/cancel", srv.URL, view["id"])

	resp := postJSON(t, cancelURL, map[string]any{"reason": "customer request"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeBody(t, resp)
	assert.Equal(t, false, first["already_cancelled"])

	// Cancelling again is idempotent.
	resp = postJSON(t, cancelURL, map[string]any{"reason": "retry"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody(t, resp)
	assert.Equal(t, true, second["already_cancelled"])
}

func postWebhook(t *testing.T, srv *httptest.Server, provider string, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/webhooks/%s", srv.URL, provider), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestWebhook_ValidSignatureAdvancesShipment(t *testing.T) {
	srv := newTestServer(t, false)
	view := createShipment(t, srv, "ref-100")

	body, err := json.Marshal(map[string]any{
		"event_id": "evt-1",
		"event":    "tracking_update",
		"awb":      view["provider_awb"],
		"status":   "in_transit",
	})
	require.NoError(t, err)

	resp := postWebhook(t, srv, "swiftship", body, swiftship.SignWebhook(webhookSecret, body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody(t, resp)
	assert.Equal(t, true, result["processed"])
	assert.Equal(t, true, result["matched"])
	assert.Equal(t, true, result["status_updated"])
	assert.Equal(t, view["id"], result["shipment_id"])

	getResp, err := http.Get(fmt.Sprintf("%s/v1/shipments/%s", srv.URL, view["id"]))
	require.NoError(t, err)
	fetched := decodeBody(t, getResp)
	assert.Equal(t, "IN_TRANSIT", fetched["status"])
}

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	srv := newTestServer(t, false)
	body := []byte(`{"event_id":"evt-1","status":"delivered"}`)

	resp := postWebhook(t, srv, "swiftship", body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "SIGNATURE_INVALID", errorCode(t, decodeBody(t, resp)))
}

func TestWebhook_UnsignedOverrideAccepts(t *testing.T) {
	srv := newTestServer(t, true)
	body := []byte(`{"event_id":"evt-1","awb":"unknown-awb","status":"delivered"}`)

	resp := postWebhook(t, srv, "swiftship", body, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody(t, resp)
	assert.Equal(t, true, result["processed"])
	// No shipment matches, so the delivery lands in the buffer.
	assert.Equal(t, true, result["buffered"])
}

func TestWebhook_MalformedJSON(t *testing.T) {
	srv := newTestServer(t, false)
	body := []byte("not json at all")

	resp := postWebhook(t, srv, "swiftship", body, swiftship.SignWebhook(webhookSecret, body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, decodeBody(t, resp)))
}

func TestWebhook_MissingEventID(t *testing.T) {
	srv := newTestServer(t, false)
	body := []byte(`{"status":"delivered"}`)

	resp := postWebhook(t, srv, "swiftship", body, swiftship.SignWebhook(webhookSecret, body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, decodeBody(t, resp)))
}

func TestWebhook_UnknownProvider(t *testing.T) {
	srv := newTestServer(t, false)
	body := []byte(`{"event_id":"evt-1"}`)

	resp := postWebhook(t, srv, "some-courier", body, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", errorCode(t, decodeBody(t, resp)))
}

func TestWebhook_RedeliveryDeduped(t *testing.T) {
	srv := newTestServer(t, false)
	view := createShipment(t, srv, "ref-100")

	body, err := json.Marshal(map[string]any{
		"event_id": "evt-1",
		"awb":      view["provider_awb"],
		"status":   "delivered",
	})
	require.NoError(t, err)
	sig := swiftship.SignWebhook(webhookSecret, body)

	resp := postWebhook(t, srv, "swiftship", body, sig)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["deduped"])

	resp = postWebhook(t, srv, "swiftship", body, sig)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["deduped"])
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	providers, ok := body["providers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", providers["swiftship"])
}
