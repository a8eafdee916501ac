package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"billingsync/internal/config"
	"billingsync/internal/models"
	"billingsync/internal/reconcile"
	"billingsync/internal/services"
	"billingsync/internal/stripegw"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// BillingService is what the handlers need from the service layer.
type BillingService interface {
	HandleGatewayEvent(ctx context.Context, event *stripe.Event) error
	GetSubscription(ctx context.Context, userID int64) (models.Subscription, error)
	CreateCheckout(ctx context.Context, userID int64, priceID, successURL, cancelURL string) (stripegw.CheckoutSession, error)
	CancelSubscription(ctx context.Context, userID int64) (models.Subscription, error)
	ResumeSubscription(ctx context.Context, userID int64) (models.Subscription, error)
	CreatePortalSession(ctx context.Context, userID int64, returnURL string) (string, error)
	ConsumeCalculation(ctx context.Context, userID int64) (models.Subscription, error)
	ConsumeAPICall(ctx context.Context, userID int64) (models.Subscription, error)
}

type Server struct {
	svc BillingService
	cfg config.Config
}

func NewServer(svc BillingService, cfg config.Config) *Server {
	return &Server{svc: svc, cfg: cfg}
}

func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				log.Error().Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).Msgf("panic recovered: %v", rvr)
				if r.Header.Get("Connection") != "Upgrade" {
					respondError(w, http.StatusInternalServerError, fmt.Errorf("internal server error"))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			log.Info().Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).Str("path", r.URL.Path).
				Int("status", ww.Status()).Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/billing/subscription", s.handleGetSubscription)
			r.Post("/billing/checkout", s.handleCreateCheckout)
			r.Post("/billing/cancel", s.handleCancelSubscription)
			r.Post("/billing/resume", s.handleResumeSubscription)
			r.Post("/billing/portal", s.handleCreatePortal)
			r.Post("/usage/calculations", s.handleConsumeCalculation)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(s.internalAPIKeyMiddleware)

			r.Post("/usage/api-calls", s.handleInternalConsumeAPICall)
			r.Get("/users/{id}/subscription", s.handleInternalGetSubscription)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleStripeWebhook verifies the signature over the exact raw body, then
// hands the envelope to the service. Signature failures come back 4xx so the
// gateway retries with a fresh delivery; store failures come back 5xx so the
// gateway redelivers; everything the service acknowledged is a 200.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("stripe webhook secret not configured"))
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.StripeWebhookSecret)
	if err != nil {
		log.Warn().Str("request_id", middleware.GetReqID(r.Context())).Err(err).
			Msg("webhook signature verification failed")
		respondError(w, http.StatusBadRequest, errors.New("invalid webhook signature"))
		return
	}

	if err := s.svc.HandleGatewayEvent(r.Context(), &event); err != nil {
		log.Error().Str("event_id", event.ID).Str("type", string(event.Type)).Err(err).
			Msg("webhook event processing failed")
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.GetSubscription(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type createCheckoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.PriceID == "" || req.SuccessURL == "" || req.CancelURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("price_id, success_url and cancel_url are required"))
		return
	}
	sess, err := s.svc.CreateCheckout(r.Context(), getUserIDFromContext(r.Context()), req.PriceID, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.CancelSubscription(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.ResumeSubscription(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type createPortalRequest struct {
	ReturnURL string `json:"return_url"`
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	var req createPortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ReturnURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("return_url is required"))
		return
	}
	url, err := s.svc.CreatePortalSession(r.Context(), getUserIDFromContext(r.Context()), req.ReturnURL)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (s *Server) handleConsumeCalculation(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.ConsumeCalculation(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usagePayload(sub))
}

type consumeAPICallRequest struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) handleInternalConsumeAPICall(w http.ResponseWriter, r *http.Request) {
	var req consumeAPICallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sub, err := s.svc.ConsumeAPICall(r.Context(), req.UserID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":         sub.UserID,
		"plan":            sub.Plan,
		"api_calls_used":  sub.APICallsUsed,
		"api_calls_limit": sub.APICallsLimit,
	})
}

func (s *Server) handleInternalGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sub, err := s.svc.GetSubscription(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func usagePayload(sub models.Subscription) map[string]any {
	return map[string]any{
		"user_id":            sub.UserID,
		"plan":               sub.Plan,
		"calculations_used":  sub.CalculationsUsed,
		"calculations_limit": sub.CalculationsLimit,
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrNoSubscription):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrQuotaExceeded):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, reconcile.ErrNotCancellable), errors.Is(err, reconcile.ErrResumeNotAllowed):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrConflict):
		respondError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, stripegw.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, stripegw.ErrUnavailable):
		respondError(w, http.StatusBadGateway, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	return strconv.ParseInt(raw, 10, 64)
}
