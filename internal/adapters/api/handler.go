package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	proxyPrefix        = "/api/v1/gateway/proxy"
	healthCheckTimeout = 2 * time.Second
)

// APIHandler serves the management API and the gated gateway routes.
type APIHandler struct {
	gate   Gate
	checks map[string]ports.Pinger
	proxy  http.Handler
	logger *slog.Logger
}

// NewAPIHandler creates a handler around gate. Health checks and the upstream
// proxy are optional and added with WithHealthCheck and WithUpstream.
func NewAPIHandler(gate Gate) *APIHandler {
	return &APIHandler{gate: gate, checks: make(map[string]ports.Pinger), logger: gate.logger()}
}

func (h *APIHandler) WithHealthCheck(name string, p ports.Pinger) *APIHandler {
	h.checks[name] = p
	return h
}

// WithUpstream forwards /api/v1/gateway/proxy/* to target after the gate admits the request.
func (h *APIHandler) WithUpstream(target *url.URL) *APIHandler {
	rp := httputil.NewSingleHostReverseProxy(target)
	director := rp.Director
	rp.Director = func(r *http.Request) {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, proxyPrefix)
		if r.URL.RawPath != "" {
			r.URL.RawPath = strings.TrimPrefix(r.URL.RawPath, proxyPrefix)
		}
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
		r.Header.Del(HeaderAPIKey)
		director(r)
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.logger.Error("upstream request failed", "error", err, "path", r.URL.Path)
		writeFailure(w, http.StatusBadGateway, "Bad gateway", "The upstream service is unavailable")
	}
	h.proxy = rp
	return h
}

// NewRouter returns a chi router with the standard middleware stack and all routes.
func NewRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.logger))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the API routes with the provided router.
func (h *APIHandler) RegisterRoutes(r chi.Router) {
	// Public Routes
	r.Get("/health", h.HealthCheck)
	r.Get("/metrics", h.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/plans", h.ListPlans)
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)
		r.Post("/auth/refresh", h.Refresh)

		// Owner routes (bearer token)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.gate))
			r.Use(UserRateLimitMiddleware(h.gate))
			r.Get("/users/me", h.Me)
			r.Put("/users/me/plan", h.ChangePlan)
			r.Post("/keys", h.CreateKey)
			r.Post("/keys/{id}/rotate", h.RotateKey)
			r.Delete("/keys/{id}", h.RevokeKey)
			r.Delete("/keys/{id}/permanent", h.DeleteKey)
		})

		// Read routes (bearer token or API key with read permission)
		r.Group(func(r chi.Router) {
			r.Use(EitherAuth(h.gate, domain.PermRead))
			r.Get("/keys", h.ListKeys)
			r.Get("/keys/{id}", h.GetKey)
			r.Get("/keys/{id}/usage", h.KeyUsage)
			r.Get("/keys/{id}/usage/daily", h.KeyDailyUsage)
		})

		// Gateway routes (API key)
		r.Group(func(r chi.Router) {
			r.Use(APIKeyMiddleware(h.gate))
			r.Get("/gateway/status", h.GatewayStatus)
			r.With(permissionForMethod).Handle("/gateway/proxy/*", http.HandlerFunc(h.Proxy))
		})
	})
}

// Metrics handles Prometheus metrics scraping requests.
func (h *APIHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// HealthCheck handles health check requests.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "UP"
	details := make(map[string]string)
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			status = "DEGRADED"
			details[name] = err.Error()
		} else {
			details[name] = "OK"
		}
	}

	resp := map[string]interface{}{
		"status":  status,
		"details": details,
	}
	code := http.StatusOK
	if status == "DEGRADED" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *APIHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, domain.Plans())
}

func (h *APIHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := h.gate.Auth.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User   *domain.User      `json:"user"`
	Tokens *domain.TokenPair `json:"tokens"`
}

func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, tokens, err := h.gate.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, loginResponse{User: user, Tokens: tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *APIHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, domain.NewValidationError("refresh_token is required"))
		return
	}
	tokens, err := h.gate.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, tokens)
}

// currentUser extracts the authenticated owner or writes a 401.
func currentUser(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "Authentication required", "Missing user context")
		return nil, false
	}
	return user, true
}

func (h *APIHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, user)
}

type changePlanRequest struct {
	Plan domain.Plan `json:"plan"`
}

func (h *APIHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req changePlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.gate.Auth.ChangePlan(r.Context(), user.ID, req.Plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (h *APIHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req domain.CreateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.gate.Keys.Create(r.Context(), user.ID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: created, Message: domain.CreatedKeyMessage})
}

func (h *APIHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	keys, err := h.gate.Keys.List(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	count := len(keys)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: keys, Count: &count})
}

func (h *APIHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	key, err := h.gate.Keys.Get(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, key)
}

func (h *APIHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.gate.Keys.Revoke(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "API key revoked successfully"})
}

func (h *APIHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	created, err := h.gate.Keys.Rotate(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: created, Message: domain.CreatedKeyMessage})
}

func (h *APIHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.gate.Keys.DeleteHard(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) KeyUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	stats, err := h.gate.Keys.GetUsageStats(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (h *APIHandler) KeyDailyUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, domain.NewValidationError("days must be an integer"))
			return
		}
		days = n
	}
	daily, err := h.gate.Keys.GetDailyUsage(r.Context(), user.ID, chi.URLParam(r, "id"), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, daily)
}

type gatewayStatus struct {
	Status      string              `json:"status"`
	UserID      string              `json:"user_id"`
	Plan        domain.Plan         `json:"plan"`
	KeyID       string              `json:"key_id"`
	KeyPreview  string              `json:"key_preview"`
	Permissions []domain.Permission `json:"permissions"`
	RateLimit   int                 `json:"rate_limit"`
}

// GatewayStatus echoes what the gate knows about the calling key.
func (h *APIHandler) GatewayStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	key, _ := APIKeyFromContext(r.Context())
	status := gatewayStatus{Status: "ok", UserID: user.ID, Plan: user.Plan}
	if key != nil {
		status.KeyID = key.ID
		status.KeyPreview = key.KeyPreview
		status.Permissions = key.Permissions
		status.RateLimit = key.RateLimit
	}
	writeData(w, http.StatusOK, status)
}

func (h *APIHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	if h.proxy == nil {
		writeFailure(w, http.StatusNotFound, "Not found", "No upstream is configured")
		return
	}
	h.proxy.ServeHTTP(w, r)
}

// permissionForMethod maps the HTTP method to the key permission it needs.
func permissionForMethod(next http.Handler) http.Handler {
	read := RequirePermission(domain.PermRead)(next)
	write := RequirePermission(domain.PermWrite)(next)
	del := RequirePermission(domain.PermDelete)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			read.ServeHTTP(w, r)
		case http.MethodDelete:
			del.ServeHTTP(w, r)
		default:
			write.ServeHTTP(w, r)
		}
	})
}
