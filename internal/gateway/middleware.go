// ABOUTME: HTTP middleware for the gateway: access log, correlation ids, rate limit, timeout
// ABOUTME: Also converts handler panics into 500 responses

package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/time/rate"

	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// HeaderRequestID carries the correlation id in and out.
const HeaderRequestID = "X-Request-Id"

// ErrRequestTimedOut is the cause attached to the request-level deadline.
var ErrRequestTimedOut = errors.New("request timeout exceeded")

type middleware func(http.Handler) http.Handler

// chain applies middlewares so the last one is outermost.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for _, mw := range mws {
		h = mw(h)
	}
	return h
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.status = http.StatusOK
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// requestIDFrom returns the caller's correlation id or a fresh one.
func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

// correlate puts the correlation id on the context and echoes it back.
func (g *Gateway) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestIDFrom(r)
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(tools.WithRequestID(r.Context(), id)))
	})
}

// accessLog logs one line per request and records HTTP metrics.
func (g *Gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		g.metrics.RecordHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(rec.status), elapsed.Seconds())
		g.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", rec.Header().Get(HeaderRequestID),
		)
	})
}

// routeLabel keeps metric cardinality bounded.
func routeLabel(r *http.Request) string {
	switch p := r.URL.Path; {
	case p == "/", p == "/health", p == "/health/ready", p == "/api/tools", p == "/api/history", p == "/api/usage", p == "/metrics":
		return p
	case strings.HasPrefix(p, "/api/history/"):
		return "/api/history/{id}"
	case p == "/mcp", strings.HasPrefix(p, "/mcp/"):
		return "/mcp"
	default:
		return "other"
	}
}

// recoverPanics turns a handler panic into a 500, with the stack in dev mode.
func (g *Gateway) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pc panics.Catcher
		pc.Try(func() { next.ServeHTTP(w, r) })

		rec := pc.Recovered()
		if rec == nil {
			return
		}
		if err, ok := rec.Value.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(rec.Value)
		}
		g.logger.Error("handler panicked",
			"path", r.URL.Path,
			"request_id", tools.RequestIDFromContext(r.Context()),
			"panic", rec.Value,
		)
		body := map[string]any{"error": "Internal server error"}
		if g.config.RunMode == config.RunModeDev {
			body["detail"] = rec.String()
			body["traceback"] = string(rec.Stack)
		}
		writeJSON(w, http.StatusInternalServerError, body)
	})
}

// rateLimit rejects requests beyond the configured rate with 429.
// A zero rate disables limiting.
func rateLimit(cfg config.RateLimitConfig) middleware {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestTimeout bounds the request context. Zero disables it.
func requestTimeout(d time.Duration) middleware {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeoutCause(r.Context(), d, ErrRequestTimedOut)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
