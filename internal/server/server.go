package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/orderflow/shipbridge/internal/reconcile"
	"github.com/orderflow/shipbridge/internal/router"
	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/orderflow/shipbridge/internal/telemetry"
	"github.com/orderflow/shipbridge/pkg/carrier"
)

// Server is the HTTP surface: a small shipment API, the provider webhook
// sink, health, and metrics.
type Server struct {
	port       int
	registry   *carrier.Registry
	router     *router.Router
	store      storage.Store
	reconciler *reconcile.Service
	logger     *otelzap.Logger
	metrics    *telemetry.Metrics

	// allowUnsigned accepts webhook deliveries that fail verification and
	// tags them as degraded instead of rejecting. Emergencies only.
	allowUnsigned bool
}

// Config holds server configuration.
type Config struct {
	Port          int
	AllowUnsigned bool
}

// New creates a new server instance.
func New(cfg Config, registry *carrier.Registry, rt *router.Router, store storage.Store, reconciler *reconcile.Service, logger *otelzap.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		port:          cfg.Port,
		registry:      registry,
		router:        rt,
		store:         store,
		reconciler:    reconciler,
		logger:        logger,
		metrics:       metrics,
		allowUnsigned: cfg.AllowUnsigned,
	}
}

// Routes builds the HTTP handler. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/quotes", s.handleQuote)
		r.Post("/shipments", s.handleCreateShipment)
		r.Get("/shipments/{id}", s.handleGetShipment)
		r.Post("/shipments/{id}/rebook", s.handleRebook)
		r.Get("/shipments/{id}/label", s.handleGetLabel)
		r.Get("/shipments/{id}/track", s.handleTrack)
		r.Post("/shipments/{id}/cancel", s.handleCancel)
		r.Get("/providers/{provider}/shipments", s.handleFindByReference)
	})

	r.Post("/webhooks/{provider}", s.handleWebhook)

	return r
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := s.registry.HealthAll(r.Context())
	status := http.StatusOK
	providers := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			providers[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			providers[name] = "ok"
		}
	}
	writeJSON(w, status, map[string]any{
		"status":    healthWord(status),
		"providers": providers,
	})
}

func healthWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req carrier.QuoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.router.Quote(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateShipment(w http.ResponseWriter, r *http.Request) {
	var req carrier.CreateShipmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.router.CreateShipment(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newShipmentView(rec))
}

func (s *Server) handleRebook(w http.ResponseWriter, r *http.Request) {
	var req carrier.CreateShipmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.router.Rebook(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newShipmentView(rec))
}

func (s *Server) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetShipment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newShipmentView(rec))
}

func (s *Server) handleGetLabel(w http.ResponseWriter, r *http.Request) {
	resp, err := s.router.GetLabel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	resp, err := s.router.Track(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !s.decode(w, r, &body) {
		return
	}
	resp, err := s.router.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFindByReference(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("reference")
	if ref == "" {
		s.writeError(w, r, carrier.NewError(carrier.CodeValidationFailed, "reference query parameter is required"))
		return
	}
	resp, err := s.router.FindShipmentByReference(r.Context(), chi.URLParam(r, "provider"), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWebhook authenticates and ingests one provider delivery. The raw
// body is verified before any parsing; a failed verification is rejected
// unless the unsigned override is on, in which case the event goes through
// flagged as degraded.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	p, err := s.registry.Get(providerName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, carrier.NewError(carrier.CodeValidationFailed, "reading webhook body failed"))
		return
	}

	degraded := false
	if verifier, ok := p.(carrier.WebhookVerifier); ok && p.Capabilities().SupportsWebhookVerification {
		signature := r.Header.Get("X-Webhook-Signature")
		if verr := verifier.VerifyWebhook(body, signature, clientIP(r)); verr != nil {
			if !s.allowUnsigned {
				s.metrics.RecordWebhook(p.Name(), "rejected")
				s.writeError(w, r, verr)
				return
			}
			degraded = true
			s.logger.Ctx(r.Context()).Warn("accepting unverified webhook",
				zap.String("provider", p.Name()), zap.Error(verr))
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.metrics.RecordWebhook(p.Name(), "malformed")
		s.writeError(w, r, carrier.NewError(carrier.CodeValidationFailed, "webhook body is not valid JSON"))
		return
	}

	eventType, _ := payload["event"].(string)
	if eventType == "" {
		eventType, _ = payload["event_type"].(string)
	}

	result, err := s.reconciler.ProcessWebhookEvent(r.Context(), reconcile.InboundWebhook{
		Provider:  p.Name(),
		EventType: eventType,
		Payload:   payload,
		Degraded:  degraded,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, carrier.NewError(carrier.CodeValidationFailed, "invalid JSON body").WithCause(err))
		return false
	}
	return true
}

// shipmentView is the API shape of a stored shipment.
type shipmentView struct {
	ID                 string                 `json:"id"`
	OrderID            string                 `json:"order_id"`
	Provider           string                 `json:"provider"`
	InternalReference  string                 `json:"internal_reference"`
	ProviderOrderID    string                 `json:"provider_order_id,omitempty"`
	ProviderShipmentID string                 `json:"provider_shipment_id,omitempty"`
	ProviderAWB        string                 `json:"provider_awb,omitempty"`
	Status             carrier.ShipmentStatus `json:"status"`
	IsActive           bool                   `json:"is_active"`
	ReplacementOf      string                 `json:"replacement_of_shipment_id,omitempty"`
	LabelURL           string                 `json:"label_url,omitempty"`
	LabelStatus        carrier.LabelStatus    `json:"label_status,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

func newShipmentView(rec *storage.ShipmentRecord) shipmentView {
	return shipmentView{
		ID:                 rec.ID,
		OrderID:            rec.OrderID,
		Provider:           rec.Provider,
		InternalReference:  rec.InternalReference,
		ProviderOrderID:    rec.ProviderOrderID,
		ProviderShipmentID: rec.ProviderShipmentID,
		ProviderAWB:        rec.ProviderAWB,
		Status:             rec.Status,
		IsActive:           rec.IsActive,
		ReplacementOf:      rec.ReplacementOfShipmentID,
		LabelURL:           rec.LabelURL,
		LabelStatus:        rec.LabelStatus,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses and writes the error
// envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, carrier.NewError(carrier.CodeShipmentNotFound, "shipment not found"))
		return
	case errors.Is(err, storage.ErrDuplicateReference):
		writeJSON(w, http.StatusConflict, carrier.NewError(carrier.CodeValidationFailed, "internal reference already used"))
		return
	case errors.Is(err, storage.ErrActiveShipmentExists):
		writeJSON(w, http.StatusConflict, carrier.NewError(carrier.CodeValidationFailed, "an active shipment already exists for this order and provider"))
		return
	}

	var ce *carrier.Error
	if !errors.As(err, &ce) {
		s.logger.Ctx(r.Context()).Error("unhandled error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, carrier.NewError(carrier.CodeUpstreamError, "internal error"))
		return
	}
	writeJSON(w, statusForCode(ce.Code), ce)
}

func statusForCode(code carrier.Code) int {
	switch code {
	case carrier.CodeValidationFailed, carrier.CodeInvalidAddress, carrier.CodeNotSupported:
		return http.StatusBadRequest
	case carrier.CodeSignatureInvalid:
		return http.StatusUnauthorized
	case carrier.CodeShipmentNotFound:
		return http.StatusNotFound
	case carrier.CodeCannotCancelInState:
		return http.StatusConflict
	case carrier.CodeServiceabilityFailed:
		return http.StatusUnprocessableEntity
	case carrier.CodeRateLimited:
		return http.StatusTooManyRequests
	case carrier.CodeBookingDisabled, carrier.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case carrier.CodeAuthFailed, carrier.CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
