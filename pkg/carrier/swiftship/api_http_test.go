package swiftship_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflow/shipbridge/pkg/carrier/swiftship"
)

// apiServer is a scripted SwiftShip backend. The login counter and the
// per-endpoint handler let tests assert exactly how many upstream calls a
// client behavior costs.
type apiServer struct {
	t      *testing.T
	srv    *httptest.Server
	logins atomic.Int64
	calls  atomic.Int64

	mu      sync.Mutex
	handler func(w http.ResponseWriter, r *http.Request)

	tokenTTL int
}

func newAPIServer(t *testing.T) *apiServer {
	s := &apiServer{t: t, tokenTTL: 3600}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		n := s.logins.Add(1)
		json.NewEncoder(w).Encode(swiftship.LoginResponse{
			AccessToken: fmt.Sprintf("tok-%d", n),
			ExpiresIn:   s.tokenTTL,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h == nil {
			w.Write([]byte("{}"))
			return
		}
		h(w, r)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *apiServer) setHandler(h func(w http.ResponseWriter, r *http.Request)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func newHTTPClient(s *apiServer, sleep func(time.Duration)) *swiftship.HTTPAPIClient {
	if sleep == nil {
		sleep = func(time.Duration) {}
	}
	return swiftship.NewHTTPAPIClient(swiftship.HTTPAPIClientConfig{
		BaseURL:      s.srv.URL,
		ClientID:     "cid",
		ClientSecret: "secret",
		MaxAttempts:  3,
		BackoffBase:  100 * time.Millisecond,
		Sleep:        sleep,
		Jitter:       func(time.Duration) time.Duration { return 0 },
	})
}

func TestHTTPAPIClient_SingleFlightLogin(t *testing.T) {
	srv := newAPIServer(t)
	client := newHTTPClient(srv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Health(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), srv.logins.Load(),
		"concurrent callers racing on a cold token must share one login")
}

func TestHTTPAPIClient_TokenReusedAcrossCalls(t *testing.T) {
	srv := newAPIServer(t)
	client := newHTTPClient(srv, nil)

	for i := 0; i < 5; i++ {
		_, err := client.TrackByAWB(context.Background(), "AWB1")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), srv.logins.Load())
	assert.Equal(t, int64(5), srv.calls.Load())
}

func TestHTTPAPIClient_RefreshOnceReplayOnce(t *testing.T) {
	srv := newAPIServer(t)
	client := newHTTPClient(srv, nil)

	// The first token is rejected once; the replay with the refreshed token
	// succeeds.
	srv.setHandler(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": "token expired"})
			return
		}
		json.NewEncoder(w).Encode(swiftship.TrackingResponse{AWB: "AWB1", Status: "in_transit"})
	})

	resp, err := client.TrackByAWB(context.Background(), "AWB1")
	require.NoError(t, err)
	assert.Equal(t, "in_transit", resp.Status)
	assert.Equal(t, int64(2), srv.logins.Load(), "exactly one refresh")
	assert.Equal(t, int64(2), srv.calls.Load(), "exactly one replay")
}

func TestHTTPAPIClient_PersistentUnauthorizedDoesNotLoop(t *testing.T) {
	srv := newAPIServer(t)
	client := newHTTPClient(srv, nil)

	srv.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "revoked"})
	})

	_, err := client.CancelShipment(context.Background(), &swiftship.CancelShipmentRequest{ShipmentID: "shp-1"})
	require.Error(t, err)

	var apiErr *swiftship.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int64(2), srv.calls.Load(), "one original call plus one replay, never more")
}

func TestHTTPAPIClient_RetriesTransientFaults(t *testing.T) {
	srv := newAPIServer(t)
	var slept []time.Duration
	client := newHTTPClient(srv, func(d time.Duration) { slept = append(slept, d) })

	var hits atomic.Int64
	srv.setHandler(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"message": "slow down"})
		case 2:
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"message": "bad gateway"})
		default:
			json.NewEncoder(w).Encode(swiftship.TrackingResponse{AWB: "AWB1", Status: "delivered"})
		}
	})

	resp, err := client.TrackByAWB(context.Background(), "AWB1")
	require.NoError(t, err)
	assert.Equal(t, "delivered", resp.Status)
	assert.Equal(t, int64(3), hits.Load())

	// Exponential backoff with zero jitter: base, then 2x base.
	require.Len(t, slept, 2)
	assert.Equal(t, 100*time.Millisecond, slept[0])
	assert.Equal(t, 200*time.Millisecond, slept[1])
}

func TestHTTPAPIClient_NoRetryOnClientError(t *testing.T) {
	srv := newAPIServer(t)
	client := newHTTPClient(srv, nil)

	srv.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"message": "invalid postcode"})
	})

	_, err := client.GetRates(context.Background(), &swiftship.RatesRequest{})
	require.Error(t, err)
	assert.Equal(t, int64(1), srv.calls.Load(), "4xx is not retryable")
}

func TestHTTPAPIClient_CreateShipmentRetryNeedsUniqueRef(t *testing.T) {
	srv := newAPIServer(t)
	client := newHTTPClient(srv, nil)

	srv.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"message": "boom"})
	})

	_, err := client.CreateShipment(context.Background(), &swiftship.ShipmentRequest{OrderRef: "ord-1"})
	require.Error(t, err)
	assert.Equal(t, int64(1), srv.calls.Load(),
		"a booking without a unique reference must never be retried")

	srv.calls.Store(0)
	_, err = client.CreateShipment(context.Background(), &swiftship.ShipmentRequest{
		UniqueRef: "ref-1",
		OrderRef:  "ord-1",
	})
	require.Error(t, err)
	assert.Equal(t, int64(3), srv.calls.Load(),
		"a deduplicated booking retries up to the attempt cap")
}

func TestHTTPAPIClient_ExpiredTokenTriggersRelogin(t *testing.T) {
	srv := newAPIServer(t)
	srv.tokenTTL = 1 // expires inside the default 60s skew window

	client := newHTTPClient(srv, nil)

	_, err := client.TrackByAWB(context.Background(), "AWB1")
	require.NoError(t, err)
	_, err = client.TrackByAWB(context.Background(), "AWB1")
	require.NoError(t, err)

	assert.Equal(t, int64(2), srv.logins.Load(),
		"a token inside the skew window is refreshed before use")
}
