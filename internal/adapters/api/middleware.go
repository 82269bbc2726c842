package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/core/ports"
	"github.com/poyrazK/quotagate/internal/core/services"
	"github.com/poyrazK/quotagate/internal/infrastructure/metrics"
)

type contextKey string

const (
	CtxUser   contextKey = "user"
	CtxAPIKey contextKey = "api_key"
)

const (
	HeaderAPIKey             = "X-API-Key"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// UserFromContext returns the authenticated owner, set by either auth path.
func UserFromContext(ctx context.Context) (*domain.User, bool) {
	u, ok := ctx.Value(CtxUser).(*domain.User)
	return u, ok && u != nil
}

// APIKeyFromContext returns the key that admitted the request, if any.
func APIKeyFromContext(ctx context.Context) (*domain.APIKey, bool) {
	k, ok := ctx.Value(CtxAPIKey).(*domain.APIKey)
	return k, ok && k != nil
}

// Gate bundles what the request pipeline needs to admit a caller.
type Gate struct {
	Keys        ports.APIKeyService
	Auth        ports.AuthService
	Limiter     ports.RateLimiter
	Concurrency *services.ConcurrencyLimiter
	Usage       ports.UsageService
	// FailOpen admits requests when the rate-limit store is unreachable.
	FailOpen bool
	Logger   *slog.Logger
}

func (g Gate) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// maxErrorBody bounds how much of a failed response is kept for the usage record.
const maxErrorBody = 4096

// statusRecorder captures the status code written by downstream handlers and,
// for status >= 400, a bounded prefix of the body.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	errBody     []byte
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if rw.status >= 400 && len(rw.errBody) < maxErrorBody {
		n := min(len(b), maxErrorBody-len(rw.errBody))
		rw.errBody = append(rw.errBody, b[:n]...)
	}
	return rw.ResponseWriter.Write(b)
}

// errorMessage extracts the "error" field of a JSON error body, falling back to
// "message" and then to the raw text. Empty for successful responses.
func (rw *statusRecorder) errorMessage() string {
	if rw.status < 400 || len(rw.errBody) == 0 {
		return ""
	}
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rw.errBody, &body); err != nil {
		return strings.TrimSpace(string(rw.errBody))
	}
	if msg, ok := body.Error.(string); ok && msg != "" {
		return msg
	}
	return body.Message
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res *domain.RateLimitResult) {
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	w.Header().Set(HeaderRateLimitReset, res.ResetAt.UTC().Format(time.RFC3339))
}

func writeRateLimited(w http.ResponseWriter, res *domain.RateLimitResult) {
	reset := res.ResetAt.UTC()
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:   "Rate limit exceeded",
		Message: "Too many requests. Please try again later.",
		ResetAt: &reset,
	})
}

// APIKeyMiddleware is the request gate for API-key callers: validate the key,
// take a concurrency slot, consume quota, forward, then record usage.
func APIKeyMiddleware(g Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serveAPIKey(w, r, next)
		})
	}
}

func (g Gate) serveAPIKey(w http.ResponseWriter, r *http.Request, next http.Handler) {
	logger := g.logger()
	rawKey := r.Header.Get(HeaderAPIKey)
	if rawKey == "" {
		metrics.GateDecisions.WithLabelValues("missing").Inc()
		writeFailure(w, http.StatusUnauthorized, "API key is required", "Please provide a valid API key in X-API-Key header")
		return
	}

	validation, err := g.Keys.Validate(r.Context(), rawKey)
	if err != nil {
		metrics.GateDecisions.WithLabelValues("error").Inc()
		logger.Error("api key validation failed", "error", err)
		writeFailure(w, http.StatusInternalServerError, "Internal server error", "An error occurred while validating the API key")
		return
	}
	if !validation.Valid {
		metrics.GateDecisions.WithLabelValues("invalid").Inc()
		writeFailure(w, http.StatusUnauthorized, "Invalid API key", validation.Reason)
		return
	}

	key, user := validation.APIKey, validation.User
	planLimits, err := domain.LimitsFor(user.Plan)
	if err != nil {
		metrics.GateDecisions.WithLabelValues("error").Inc()
		logger.Error("key owner has an unusable plan", "user_id", user.ID, "plan", user.Plan)
		writeFailure(w, http.StatusInternalServerError, "Internal server error", "An error occurred while validating the API key")
		return
	}
	limits := domain.RateLimitConfig{
		RequestsPerDay:     key.RateLimit,
		RequestsPerMinute:  planLimits.RequestsPerMinute,
		ConcurrentRequests: planLimits.ConcurrentRequests,
	}

	if g.Concurrency != nil {
		release, ok := g.Concurrency.Acquire(key.ID, limits.ConcurrentRequests)
		if !ok {
			metrics.GateDecisions.WithLabelValues("concurrency").Inc()
			writeFailure(w, http.StatusTooManyRequests, "Too many concurrent requests",
				"Concurrent request limit of "+strconv.Itoa(limits.ConcurrentRequests)+" reached")
			return
		}
		defer release()
	}

	if !g.consume(w, key.ID, limits, r) {
		return
	}

	ctx := context.WithValue(r.Context(), CtxUser, user)
	ctx = context.WithValue(ctx, CtxAPIKey, key)
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	next.ServeHTTP(rec, r)
	elapsed := time.Since(start)

	metrics.GateDecisions.WithLabelValues("allowed").Inc()
	if g.Usage != nil {
		g.Usage.TrackUsage(domain.UsageRecord{
			APIKeyID:       key.ID,
			UserID:         user.ID,
			Endpoint:       routePattern(r),
			Method:         r.Method,
			StatusCode:     rec.status,
			ResponseTimeMs: elapsed.Milliseconds(),
			IPAddress:      clientIP(r),
			UserAgent:      r.UserAgent(),
			ErrorMessage:   rec.errorMessage(),
		})
	}
}

// consume charges one request against identifier. It writes the response and
// returns false when the request must not proceed.
func (g Gate) consume(w http.ResponseWriter, identifier string, limits domain.RateLimitConfig, r *http.Request) bool {
	res, err := g.Limiter.Consume(r.Context(), identifier, limits)
	if err != nil {
		if g.FailOpen {
			metrics.GateDecisions.WithLabelValues("fail_open").Inc()
			g.logger().Warn("rate limit store unavailable, admitting request", "identifier", identifier, "error", err)
			return true
		}
		metrics.GateDecisions.WithLabelValues("error").Inc()
		g.logger().Error("rate limit check failed", "identifier", identifier, "error", err)
		writeFailure(w, http.StatusInternalServerError, "Internal server error", "An error occurred while checking the rate limit")
		return false
	}

	setRateLimitHeaders(w, res)
	if !res.Allowed {
		metrics.GateDecisions.WithLabelValues("limited").Inc()
		g.logger().Warn("rate limit exceeded", "identifier", identifier, "window", res.Window)
		writeRateLimited(w, res)
		return false
	}
	return true
}

// AuthMiddleware admits callers presenting a valid access token as
// "Authorization: Bearer <token>".
func AuthMiddleware(g Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := g.authenticateBearer(w, r)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), CtxUser, user)))
		})
	}
}

func (g Gate) authenticateBearer(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		writeFailure(w, http.StatusUnauthorized, "Authentication required", "Missing or invalid authorization header")
		return nil, false
	}

	claims, err := g.Auth.VerifyAccessToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	user, err := g.Auth.GetUser(r.Context(), claims.UserID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			writeFailure(w, http.StatusUnauthorized, "Authentication failed", "User no longer exists")
			return nil, false
		}
		writeError(w, err)
		return nil, false
	}
	return user, true
}

// EitherAuth routes API-key callers through the request gate (requiring perm)
// and everyone else through bearer-token auth with per-user rate limiting.
func EitherAuth(g Gate, perm domain.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		keyed := APIKeyMiddleware(g)(RequirePermission(perm)(next))
		owner := AuthMiddleware(g)(UserRateLimitMiddleware(g)(next))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(HeaderAPIKey) != "" {
				keyed.ServeHTTP(w, r)
				return
			}
			owner.ServeHTTP(w, r)
		})
	}
}

// RequirePermission rejects API-key callers whose key lacks perm. Requests
// authenticated without a key pass through.
func RequirePermission(perm domain.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := APIKeyFromContext(r.Context())
			if ok && !key.HasPermission(perm) {
				writeFailure(w, http.StatusForbidden, "Forbidden",
					"API key lacks the '"+string(perm)+"' permission")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserRateLimitMiddleware limits token-authenticated owners with their plan's
// daily and per-minute quotas. It must run after AuthMiddleware.
func UserRateLimitMiddleware(g Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				writeFailure(w, http.StatusUnauthorized, "Authentication required", "Missing user context")
				return
			}
			planLimits, err := domain.LimitsFor(user.Plan)
			if err != nil {
				g.logger().Error("user has an unusable plan", "user_id", user.ID, "plan", user.Plan)
				writeFailure(w, http.StatusInternalServerError, "Internal server error", "An unexpected error occurred")
				return
			}
			if !g.consume(w, "user:"+user.ID, planLimits.RateLimitConfig(), r) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs every request and records its latency.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			metrics.RequestDuration.WithLabelValues(r.Method, statusClass(rec.status)).Observe(elapsed.Seconds())
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// routePattern prefers the matched chi pattern so usage groups by route, not by raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
