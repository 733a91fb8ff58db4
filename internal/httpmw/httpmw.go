// Package httpmw implements the middleware chain shared by every route on
// the API server: CORS, security headers, panic recovery, request timeout,
// body-size limiting, structured request logging, Prometheus metrics, and a
// JWT verification seam (§1 scopes real authorization enforcement out of
// this build; the seam only decodes and attaches claims when a token is
// present).
package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/r3e-network/creditflow/internal/logger"
	"github.com/r3e-network/creditflow/internal/servererr"
)

type ctxKey string

const (
	ctxRequestIDKey ctxKey = "request_id"
	ctxClaimsKey    ctxKey = "jwt_claims"
)

// RequestIDHeader is both the inbound header checked for a caller-supplied
// correlation id and the outbound header the response carries it on.
const RequestIDHeader = "X-Request-ID"

// RequestIDFromContext returns the id attached to ctx by the RequestID
// middleware, or "" if the middleware never ran.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestIDKey).(string)
	return id
}

// Claims returns the JWT claims attached to ctx by Auth, or nil if no token
// was presented or the seam is disabled.
func Claims(ctx context.Context) jwt.MapClaims {
	claims, _ := ctx.Value(ctxClaimsKey).(jwt.MapClaims)
	return claims
}

// RequestID assigns a correlation id to every request — the caller's own
// X-Request-ID if supplied, otherwise a fresh random one — and carries it
// in both the request context and the response header, so it can double as
// the error envelope's request_id (§7).
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxRequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// CORSConfig configures cross-origin behavior.
type CORSConfig struct {
	AllowedOrigins []string
	AllowAll       bool
}

// CORS mirrors the teacher's origin-allowlist CORS middleware: an explicit
// allowlist (or "*") reflected back per-request rather than a static
// wildcard header, so Access-Control-Allow-Credentials can be set safely.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				_, ok := allowed[origin]
				if cfg.AllowAll || ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
					w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
					w.Header().Set("Access-Control-Max-Age", "3600")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the fixed set of defensive response headers the
// teacher applies to every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Recovery turns a panic anywhere downstream into a 500 error envelope
// instead of killing the connection, logging the stack trace for
// diagnosis.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.NewFromEnv("httpmw")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithContext(r.Context()).WithFields(map[string]interface{}{
						"panic":  fmt.Sprintf("%v", rec),
						"stack":  string(debug.Stack()),
						"path":   r.URL.Path,
						"method": r.Method,
					}).Error("panic recovered")
					writeError(w, servererr.Internal("internal server error", nil), RequestIDFromContext(r.Context()))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

const defaultMaxBodyBytes int64 = 2 << 20 // 2MiB, overridden by Config.MaxPayloadSizeMB

// BodyLimit caps request bodies at maxBytes so a caller cannot force
// unbounded buffering downstream. When maxBytes <= 0 a conservative
// default is applied.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, servererr.Validation("request body too large"), RequestIDFromContext(r.Context()))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

const defaultTimeout = 30 * time.Second

// Timeout bounds how long a handler may run, responding 504 if the
// deadline elapses before the handler has written a response.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				tw.mu.Lock()
				wrote := tw.wroteHeader
				tw.mu.Unlock()
				if !wrote {
					writeError(w, servererr.NetworkTimeout("request", ctx.Err()), RequestIDFromContext(r.Context()))
				}
			}
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(code)
	}
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	tw.wroteHeader = true
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}

// statusRecorder captures the status code written so Logging/Metrics can
// report it after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging records one structured line per request: method, path, status,
// duration and request id.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log.WithContext(r.Context()).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  RequestIDFromContext(r.Context()),
				"remote_addr": clientIP(r),
			}).Info("http request")
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.SplitN(fwd, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

// Metrics registers and exposes the request-duration/in-flight/total
// gauges & histograms for the circuit-breaker-style observability the
// teacher wires into every service.
type Metrics struct {
	inFlight prometheus.Gauge
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the collectors against reg (pass prometheus.DefaultRegisterer
// in production, a fresh registry in tests to avoid global collisions).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Middleware instruments every request through m's collectors.
func (m *Metrics) Middleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.inFlight.Inc()
			defer m.inFlight.Dec()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if routePattern != nil {
				if p := routePattern(r); p != "" {
					path = p
				}
			}
			m.duration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			m.total.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		})
	}
}

// Auth is the JWT verification seam named in §1/§6: it decodes a bearer
// token with the configured secret and attaches its claims to the request
// context when present and valid, but never rejects a request for a
// missing or invalid token — enforcing authorization is explicitly out of
// scope here, left to a future gateway/service per the teacher's own
// service-to-service auth layer, which this seam does not attempt to
// reproduce.
func Auth(secret string, log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.NewFromEnv("httpmw")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !parsed.Valid {
				log.WithContext(r.Context()).WithError(err).Debug("jwt seam: ignoring invalid bearer token")
				next.ServeHTTP(w, r)
				return
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), ctxClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, err error, requestID string) {
	env := servererr.ToEnvelope(err, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(servererr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(env)
}
