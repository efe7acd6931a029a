package swiftship_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/orderflow/shipbridge/pkg/carrier"
	"github.com/orderflow/shipbridge/pkg/carrier/swiftship"
)

func newTestClient(cfg swiftship.Config, mockAPI *swiftship.MockAPIClient) *swiftship.Client {
	logger := otelzap.New(zap.NewNop())
	return swiftship.NewWithAPIClient(cfg, mockAPI, logger, nil)
}

func testAddress() carrier.Address {
	return carrier.Address{
		Name:        "Asha Rao",
		Line1:       "14 Cunningham Rd",
		City:        "Bengaluru",
		State:       "KA",
		PostalCode:  "560052",
		CountryCode: "IN",
		Phone:       "+919800000000",
	}
}

func testCreateRequest() *carrier.CreateShipmentRequest {
	return &carrier.CreateShipmentRequest{
		OrderID:           "ord-100",
		InternalReference: "ref-100",
		Pickup:            testAddress(),
		Delivery:          testAddress(),
		Parcels:           []carrier.Parcel{{LengthCM: 30, WidthCM: 20, HeightCM: 10, WeightKG: 1.5}},
		PaymentMode:       carrier.PaymentPrepaid,
	}
}

func TestClient_Quote_Success(t *testing.T) {
	client := newTestClient(swiftship.Config{}, swiftship.NewMockAPIClient())

	resp, err := client.Quote(context.Background(), &carrier.QuoteRequest{
		Origin:      testAddress(),
		Destination: testAddress(),
		Parcels:     []carrier.Parcel{{LengthCM: 10, WidthCM: 10, HeightCM: 10, WeightKG: 2}},
	})

	require.NoError(t, err)
	assert.Equal(t, "swiftship", resp.Provider)
	assert.Len(t, resp.Rates, 2) // mock returns surface + express
	assert.Equal(t, "SURFACE", resp.Rates[0].ServiceCode)
	assert.Equal(t, "INR", resp.Rates[0].Total.Currency)
}

func TestClient_Quote_NotServiceable(t *testing.T) {
	mockAPI := swiftship.NewMockAPIClient()
	mockAPI.OnCheckServiceability = func(ctx context.Context, req *swiftship.ServiceabilityRequest) (*swiftship.ServiceabilityResponse, error) {
		return &swiftship.ServiceabilityResponse{Serviceable: false, Reason: "no courier for lane"}, nil
	}
	client := newTestClient(swiftship.Config{}, mockAPI)

	_, err := client.Quote(context.Background(), &carrier.QuoteRequest{
		Origin:      testAddress(),
		Destination: testAddress(),
		Parcels:     []carrier.Parcel{{LengthCM: 10, WidthCM: 10, HeightCM: 10, WeightKG: 2}},
	})

	var ce *carrier.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, carrier.CodeServiceabilityFailed, ce.Code)
	assert.Equal(t, "no courier for lane", ce.Details["reason"])
	assert.NotEmpty(t, ce.CorrelationID)
}

func TestClient_CreateShipment_Success(t *testing.T) {
	client := newTestClient(swiftship.Config{}, swiftship.NewMockAPIClient())

	resp, err := client.CreateShipment(context.Background(), testCreateRequest())

	require.NoError(t, err)
	assert.Equal(t, "swiftship", resp.Provider)
	assert.NotEmpty(t, resp.ProviderShipmentID)
	assert.NotEmpty(t, resp.ProviderAWB)
	assert.Equal(t, carrier.StatusBooked, resp.Status)
	assert.NotEmpty(t, resp.LabelURL)
	require.NotNil(t, resp.EstimatedDelivery)
}

func TestClient_CreateShipment_IdempotentOnReference(t *testing.T) {
	client := newTestClient(swiftship.Config{}, swiftship.NewMockAPIClient())
	req := testCreateRequest()

	first, err := client.CreateShipment(context.Background(), req)
	require.NoError(t, err)
	second, err := client.CreateShipment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ProviderShipmentID, second.ProviderShipmentID)
	assert.Equal(t, first.ProviderAWB, second.ProviderAWB)
}

func TestClient_CreateShipment_KillSwitch(t *testing.T) {
	mockAPI := swiftship.NewMockAPIClient()
	called := false
	mockAPI.OnCreateShipment = func(ctx context.Context, req *swiftship.ShipmentRequest) (*swiftship.ShipmentResponse, error) {
		called = true
		return nil, nil
	}
	client := newTestClient(swiftship.Config{BookingDisabled: true}, mockAPI)

	_, err := client.CreateShipment(context.Background(), testCreateRequest())

	var ce *carrier.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, carrier.CodeBookingDisabled, ce.Code)
	assert.False(t, called, "kill switch must short-circuit before any API call")
}

func TestClient_Track_PrefersAWB(t *testing.T) {
	mockAPI := swiftship.NewMockAPIClient()
	var byAWB, byShipment bool
	mockAPI.OnTrackByAWB = func(ctx context.Context, awb string) (*swiftship.TrackingResponse, error) {
		byAWB = true
		return &swiftship.TrackingResponse{AWB: awb, Status: "delivered"}, nil
	}
	mockAPI.OnTrackByShipment = func(ctx context.Context, shipmentID string) (*swiftship.TrackingResponse, error) {
		byShipment = true
		return &swiftship.TrackingResponse{ShipmentID: shipmentID, Status: "delivered"}, nil
	}
	client := newTestClient(swiftship.Config{}, mockAPI)

	resp, err := client.Track(context.Background(), &carrier.TrackRequest{
		ProviderShipmentID: "shp-1",
		ProviderAWB:        "AWB1",
	})

	require.NoError(t, err)
	assert.True(t, byAWB)
	assert.False(t, byShipment)
	assert.Equal(t, carrier.StatusDelivered, resp.Status)
}

func TestClient_Cancel_Success(t *testing.T) {
	client := newTestClient(swiftship.Config{}, swiftship.NewMockAPIClient())

	resp, err := client.Cancel(context.Background(), &carrier.CancelRequest{ProviderShipmentID: "shp-1"})

	require.NoError(t, err)
	assert.Equal(t, carrier.StatusCancelled, resp.Status)
}

func TestClient_FindShipmentByReference(t *testing.T) {
	mockAPI := swiftship.NewMockAPIClient()
	client := newTestClient(swiftship.Config{}, mockAPI)

	booked, err := client.CreateShipment(context.Background(), testCreateRequest())
	require.NoError(t, err)

	resp, err := client.FindShipmentByReference(context.Background(), "ref-100")
	require.NoError(t, err)
	assert.Equal(t, booked.ProviderShipmentID, resp.ProviderShipmentID)

	_, err = client.FindShipmentByReference(context.Background(), "never-booked")
	var ce *carrier.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, carrier.CodeShipmentNotFound, ce.Code)
}

func TestClient_HealthCheck(t *testing.T) {
	mockAPI := swiftship.NewMockAPIClient()
	client := newTestClient(swiftship.Config{}, mockAPI)
	assert.NoError(t, client.HealthCheck(context.Background()))

	mockAPI.SimulateErrors = true
	assert.Error(t, client.HealthCheck(context.Background()))
}
