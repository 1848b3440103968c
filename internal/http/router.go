package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/helion-deployer/internal/blobstore"
	"github.com/splax/helion-deployer/internal/deploy"
	"github.com/splax/helion-deployer/internal/ledger"
)

// DeployService is the deployment API the router exposes.
type DeployService interface {
	Trigger(ctx context.Context, req deploy.TriggerRequest) (deploy.TriggerResult, error)
	Status(ctx context.Context, id string) (ledger.Record, bool)
	List(ctx context.Context) ([]ledger.Record, error)
	Packages(ctx context.Context) ([]blobstore.Object, error)
	Health(ctx context.Context) error
}

// Options configures optional router behaviour.
type Options struct {
	// JWTSecret enables bearer token checks on every deployment route.
	JWTSecret string
	// TriggerRate limits POST /deployments per operator or client IP per
	// TriggerWindow. Zero disables limiting.
	TriggerRate   int
	TriggerWindow time.Duration
	Limiter       RateLimiter
	Metrics       *Metrics
}

// Router wires HTTP endpoints to the deployment service.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    DeployService
	metrics   *Metrics
	limiter   RateLimiter
	jwtSecret string
}

const (
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 20
)

// New creates and registers handlers.
func New(logger *slog.Logger, svc DeployService, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		deploy:    svc,
		metrics:   opts.Metrics,
		limiter:   opts.Limiter,
		jwtSecret: strings.TrimSpace(opts.JWTSecret),
	}
	if r.limiter == nil && opts.TriggerRate > 0 {
		r.limiter = NewMemoryRateLimiter(opts.TriggerRate, opts.TriggerWindow)
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) routes() {
	r.mux.Handle("/metrics", r.metrics.Handler())
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/deployments", r.instrument("/deployments", r.requireAuth(r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/:id", r.requireAuth(r.handleDeploymentStatus)))
	r.mux.HandleFunc("/packages", r.instrument("/packages", r.requireAuth(r.handlePackages)))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if err := r.deploy.Health(ctx); err != nil {
		status = "degraded"
		component = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"blobstore": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.limitTriggers(r.handleTrigger)(w, req)
	case http.MethodGet:
		r.handleList(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTrigger(w http.ResponseWriter, req *http.Request) {
	var payload deploy.TriggerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		r.metrics.recordTrigger("invalid")
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.deploy.Trigger(req.Context(), payload)
	switch {
	case err == nil:
		r.metrics.recordTrigger("accepted")
		r.writeJSON(w, http.StatusAccepted, result)
	case errors.Is(err, deploy.ErrInvalidRequest):
		r.metrics.recordTrigger("invalid")
		r.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, deploy.ErrPackageNotFound):
		r.metrics.recordTrigger("not_found")
		r.writeJSON(w, http.StatusNotFound, map[string]any{"status": http.StatusNotFound})
	case errors.Is(err, deploy.ErrBusy):
		r.metrics.recordTrigger("busy")
		r.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.metrics.recordTrigger("error")
		r.logger.Error("trigger failed", "package", payload.PackageName, "error", err)
		r.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": http.StatusInternalServerError,
			"errors": err.Error(),
		})
	}
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	records, err := r.deploy.List(req.Context())
	if err != nil {
		r.logger.Error("list deployments failed", "error", err)
		r.writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	r.writeEnvelope(w, http.StatusOK, records)
}

func (r *Router) handleDeploymentStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if id == "" || strings.Contains(id, "/") {
		r.writeError(w, http.StatusBadRequest, "deployment id required")
		return
	}
	rec, found := r.deploy.Status(req.Context(), id)
	if !found {
		r.writeEnvelope(w, http.StatusNotFound, nil)
		return
	}
	r.writeEnvelope(w, http.StatusOK, rec)
}

func (r *Router) handlePackages(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	objects, err := r.deploy.Packages(req.Context())
	if err != nil {
		r.logger.Error("list packages failed", "error", err)
		r.writeError(w, http.StatusInternalServerError, "failed to list packages")
		return
	}
	r.writeEnvelope(w, http.StatusOK, objects)
}

// instrument records request metrics and writes one access log line.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.metrics.recordRequest(req.Method, route, status, duration)

		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if operator, ok := operatorFromContext(ctx); ok {
			fields = append(fields, "operator", operator)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}
