package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pawbridge/bridge-backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Middleware struct {
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewMiddleware(logger *zap.SugaredLogger, metrics *metrics.Metrics) *Middleware {
	return &Middleware{
		logger:  logger,
		metrics: metrics,
	}
}

// CORS middleware
func (m *Middleware) CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// RateLimit caps request throughput per instance.
func (m *Middleware) RateLimit(rpm int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/6)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one structured line per request.
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			duration := time.Since(start)
			m.logger.Infow("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"size", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
			)
			if m.metrics != nil {
				m.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, ww.Status(), duration)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}

// SecurityHeaders sets the standard hardening headers.
func (m *Middleware) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

// Recoverer converts panics into 500s with a structured log line.
func (m *Middleware) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				m.logger.Errorw("Panic recovered",
					"panic", rvr,
					"method", r.Method,
					"path", r.URL.Path,
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestID tags every request; the SSE endpoint is exempt from Timeout so
// RequestID is the only middleware it strictly needs.
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}

		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Timeout bounds handler latency.
func (m *Middleware) Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, "Request timeout")
	}
}
