package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/searchforge/pcf/diameter"
	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/internal/engine"
	"github.com/searchforge/pcf/internal/health"
)

const maxBodyBytes = 1 << 20

// Config groups router dependencies.
type Config struct {
	Engine         *engine.Engine
	Diameter       *diameter.Adapter
	Ready          http.Handler
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// Router wires the HTTP endpoints of the policy function.
type Router struct {
	engine   *engine.Engine
	diameter *diameter.Adapter
	logger   *zap.Logger
	timeout  time.Duration
}

// NewRouter constructs the HTTP router.
func NewRouter(cfg Config) (*chi.Mux, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Diameter == nil {
		return nil, fmt.Errorf("diameter adapter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ready := cfg.Ready
	if ready == nil {
		ready = health.Readyz(health.Config{})
	}
	r := &Router{
		engine:   cfg.Engine,
		diameter: cfg.Diameter,
		logger:   logger,
		timeout:  cfg.RequestTimeout,
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", health.Healthz)
	mux.Method(http.MethodGet, "/readyz", ready)
	mux.Method(http.MethodGet, "/metrics", promhttp.Handler())

	mux.Route("/v1", func(v1 chi.Router) {
		v1.Use(r.trace, r.deadline, r.accessLog)
		v1.Post("/subscribers", r.handleRegister)
		v1.Get("/subscribers/{id}", r.handleGetSubscriber)
		v1.Post("/subscribers/{id}/usage", r.handleUsage)
		v1.Post("/subscribers/{id}/quota/reset", r.handleResetQuota)
		v1.Post("/policy/evaluate", r.handleEvaluate)
		v1.Post("/diameter/gx", r.handleGx)
		v1.Post("/diameter/gy", r.handleGy)
		v1.Post("/diameter/gz", r.handleGz)
	})

	return mux, nil
}

func (r *Router) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		traceID := req.Header.Get(contract.TraceIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(contract.TraceIDHeader, traceID)
		next.ServeHTTP(w, req.WithContext(contract.WithTraceID(req.Context(), traceID)))
	})
}

// deadline bounds the request by budget_ms when given, else by the
// configured request timeout.
func (r *Router) deadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		timeout := r.timeout
		if raw := req.URL.Query().Get("budget_ms"); raw != "" {
			ms, err := strconv.Atoi(raw)
			if err != nil || ms <= 0 {
				r.writeError(w, req, fmt.Errorf("%w: invalid budget_ms", contract.ErrInvalidRequest))
				return
			}
			timeout = time.Duration(ms) * time.Millisecond
		}
		if timeout <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func (r *Router) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		traceID, _ := contract.TraceIDFromContext(req.Context())
		r.logger.Debug("http request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("trace_id", traceID),
		)
	})
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body RegisterRequest
	if !r.decode(w, req, &body) {
		return
	}
	profile, err := body.Profile()
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	stored, err := r.engine.RegisterSubscriber(req.Context(), profile)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (r *Router) handleGetSubscriber(w http.ResponseWriter, req *http.Request) {
	profile, err := r.engine.GetSubscriberProfile(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (r *Router) handleUsage(w http.ResponseWriter, req *http.Request) {
	var body UsageRequest
	if !r.decode(w, req, &body) {
		return
	}
	res, err := r.engine.RecordUsage(req.Context(), contract.Usage{
		SubscriberID: chi.URLParam(req, "id"),
		Bytes:        body.Bytes,
		ZeroRated:    body.ZeroRated,
		Service:      body.Service,
	})
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse(res))
}

// handleResetQuota restarts the allowance. A body naming total_quota_bytes
// renews it with a new total.
func (r *Router) handleResetQuota(w http.ResponseWriter, req *http.Request) {
	var body ResetRequest
	if !r.decodeOptional(w, req, &body) {
		return
	}
	id := chi.URLParam(req, "id")
	var (
		q   contract.Quota
		err error
	)
	if body.TotalQuotaBytes != nil {
		q, err = r.engine.RenewQuota(req.Context(), id, *body.TotalQuotaBytes)
	} else {
		q, err = r.engine.ResetQuota(req.Context(), id)
	}
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (r *Router) handleEvaluate(w http.ResponseWriter, req *http.Request) {
	var body contract.PolicyRequest
	if !r.decode(w, req, &body) {
		return
	}
	gen, err := contract.ParseNetworkGeneration(string(body.NetworkGeneration))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	body.NetworkGeneration = gen

	decision, err := r.engine.Evaluate(req.Context(), body)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (r *Router) handleGx(w http.ResponseWriter, req *http.Request) {
	var body diameter.GxRequest
	if !r.decode(w, req, &body) {
		return
	}
	if body.NetworkGeneration != "" {
		gen, err := contract.ParseNetworkGeneration(string(body.NetworkGeneration))
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		body.NetworkGeneration = gen
	}
	ans, err := r.diameter.HandleGx(req.Context(), body)
	writeAnswer(w, ans, err)
}

func (r *Router) handleGy(w http.ResponseWriter, req *http.Request) {
	var body diameter.GyRequest
	if !r.decode(w, req, &body) {
		return
	}
	ans, err := r.diameter.HandleGy(req.Context(), body)
	writeAnswer(w, ans, err)
}

func (r *Router) handleGz(w http.ResponseWriter, req *http.Request) {
	var body diameter.GzRecord
	if !r.decode(w, req, &body) {
		return
	}
	ack, err := r.diameter.HandleGz(req.Context(), body)
	if err == nil {
		writeJSON(w, http.StatusAccepted, ack)
		return
	}
	writeAnswer(w, ack, err)
}

// writeAnswer sends a Diameter answer. The answer carries its own result
// code, so errors only change the HTTP status.
func writeAnswer(w http.ResponseWriter, answer any, err error) {
	status := http.StatusOK
	if err != nil {
		status, _ = statusFor(err)
	}
	writeJSON(w, status, answer)
}

func (r *Router) decode(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		r.writeError(w, req, fmt.Errorf("%w: %v", contract.ErrInvalidRequest, err))
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be omitted.
func (r *Router) decodeOptional(w http.ResponseWriter, req *http.Request, dst any) bool {
	if req.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		r.writeError(w, req, fmt.Errorf("%w: %v", contract.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status, code := statusFor(err)
	traceID, _ := contract.TraceIDFromContext(req.Context())
	if status >= http.StatusInternalServerError {
		r.logger.Warn("request failed",
			zap.String("path", req.URL.Path),
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, TraceID: traceID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}
