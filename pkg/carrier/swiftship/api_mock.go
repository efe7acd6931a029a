package swiftship

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockAPIClient is a mock implementation of APIClient for testing and mock
// mode. Per-operation On* hooks override the canned responses; SimulateErrors
// makes every call fail. CreateShipment deduplicates by unique_ref like the
// real API.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnCheckServiceability func(ctx context.Context, req *ServiceabilityRequest) (*ServiceabilityResponse, error)
	OnGetRates            func(ctx context.Context, req *RatesRequest) (*RatesResponse, error)
	OnCreateShipment      func(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)
	OnGenerateLabel       func(ctx context.Context, shipmentID string) (*LabelResponse, error)
	OnTrackByAWB          func(ctx context.Context, awb string) (*TrackingResponse, error)
	OnTrackByShipment     func(ctx context.Context, shipmentID string) (*TrackingResponse, error)
	OnCancelShipment      func(ctx context.Context, req *CancelShipmentRequest) (*CancelShipmentResponse, error)
	OnFindByReference     func(ctx context.Context, reference string) (*TrackingResponse, error)

	mu        sync.Mutex
	shipments map[string]*ShipmentResponse // keyed by unique_ref
}

// NewMockAPIClient creates a new mock API client with default behavior.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{shipments: make(map[string]*ShipmentResponse)}
}

func (m *MockAPIClient) simulate() error {
	if m.SimulateLatency > 0 {
		time.Sleep(m.SimulateLatency)
	}
	if m.SimulateErrors {
		return &APIError{StatusCode: 500, Code: "MOCK_ERROR", Message: "simulated API error"}
	}
	return nil
}

// CheckServiceability reports every lane as serviceable by default.
func (m *MockAPIClient) CheckServiceability(ctx context.Context, req *ServiceabilityRequest) (*ServiceabilityResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCheckServiceability != nil {
		return m.OnCheckServiceability(ctx, req)
	}
	return &ServiceabilityResponse{Serviceable: true}, nil
}

// GetRates returns two canned rates.
func (m *MockAPIClient) GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnGetRates != nil {
		return m.OnGetRates(ctx, req)
	}
	return &RatesResponse{Rates: []APIRate{
		{
			ServiceCode:   "SURFACE",
			ServiceName:   "SwiftShip Surface",
			Total:         84.50,
			Currency:      "INR",
			EstimatedDays: 4,
			CODAvailable:  true,
		},
		{
			ServiceCode:   "EXPRESS",
			ServiceName:   "SwiftShip Express",
			Total:         142.00,
			Currency:      "INR",
			EstimatedDays: 2,
			CODAvailable:  true,
		},
	}}, nil
}

// CreateShipment books a mock shipment, deduplicating by unique_ref.
func (m *MockAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.shipments[req.UniqueRef]; ok && req.UniqueRef != "" {
		dup := *existing
		dup.AlreadyExisted = true
		return &dup, nil
	}

	id := uuid.New().String()[:8]
	resp := &ShipmentResponse{
		OrderID:           "ss-ord-" + id,
		ShipmentID:        "ss-shp-" + id,
		AWB:               "SSAWB" + id,
		Status:            "booked",
		LabelURL:          "https://labels.swiftship.test/ss-shp-" + id + ".pdf",
		EstimatedDelivery: time.Now().AddDate(0, 0, 4).Format("2006-01-02"),
	}
	if req.UniqueRef != "" {
		m.shipments[req.UniqueRef] = resp
	}
	return resp, nil
}

// GenerateLabel returns a canned label.
func (m *MockAPIClient) GenerateLabel(ctx context.Context, shipmentID string) (*LabelResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnGenerateLabel != nil {
		return m.OnGenerateLabel(ctx, shipmentID)
	}
	now := time.Now()
	return &LabelResponse{
		ShipmentID:  shipmentID,
		LabelURL:    "https://labels.swiftship.test/" + shipmentID + ".pdf",
		GeneratedAt: now.Format(time.RFC3339),
		ExpiresAt:   now.AddDate(0, 0, 7).Format(time.RFC3339),
	}, nil
}

// TrackByAWB returns a canned in-transit history.
func (m *MockAPIClient) TrackByAWB(ctx context.Context, awb string) (*TrackingResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnTrackByAWB != nil {
		return m.OnTrackByAWB(ctx, awb)
	}
	return m.cannedTracking("", awb), nil
}

// TrackByShipment returns a canned in-transit history.
func (m *MockAPIClient) TrackByShipment(ctx context.Context, shipmentID string) (*TrackingResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnTrackByShipment != nil {
		return m.OnTrackByShipment(ctx, shipmentID)
	}
	return m.cannedTracking(shipmentID, ""), nil
}

// CancelShipment cancels a mock shipment.
func (m *MockAPIClient) CancelShipment(ctx context.Context, req *CancelShipmentRequest) (*CancelShipmentResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCancelShipment != nil {
		return m.OnCancelShipment(ctx, req)
	}
	return &CancelShipmentResponse{ShipmentID: req.ShipmentID, Status: "cancelled"}, nil
}

// FindByReference looks a previously booked mock shipment up.
func (m *MockAPIClient) FindByReference(ctx context.Context, reference string) (*TrackingResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnFindByReference != nil {
		return m.OnFindByReference(ctx, reference)
	}

	m.mu.Lock()
	shipment, ok := m.shipments[reference]
	m.mu.Unlock()
	if !ok {
		return nil, &APIError{StatusCode: 404, Code: "NOT_FOUND", Message: "no shipment for reference"}
	}
	resp := m.cannedTracking(shipment.ShipmentID, shipment.AWB)
	resp.Status = shipment.Status
	return resp, nil
}

// Health always succeeds unless errors are simulated.
func (m *MockAPIClient) Health(ctx context.Context) error {
	return m.simulate()
}

func (m *MockAPIClient) cannedTracking(shipmentID, awb string) *TrackingResponse {
	if shipmentID == "" {
		shipmentID = "ss-shp-mock"
	}
	if awb == "" {
		awb = "SSAWBMOCK"
	}
	now := time.Now()
	return &TrackingResponse{
		ShipmentID: shipmentID,
		AWB:        awb,
		Status:     "in_transit",
		Events: []APIEvent{
			{
				Timestamp:   now.Add(-48 * time.Hour).Format(time.RFC3339),
				Status:      "booked",
				Description: "Shipment booked",
			},
			{
				Timestamp:   now.Add(-24 * time.Hour).Format(time.RFC3339),
				Status:      "in_transit",
				Description: "Departed origin facility",
				Location:    "Origin Hub",
			},
		},
	}
}

// Ensure MockAPIClient implements APIClient.
var _ APIClient = (*MockAPIClient)(nil)
