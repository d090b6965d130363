/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RealIP:      Client IP from X-Forwarded-For / X-Real-IP
  2. RequestID:   Unique ID per request for tracing
  3. Request log: slog line per request (method, route, status, duration)
  4. Recoverer:   Panic recovery (500 instead of crash)
  5. Timeout:     Per-request deadline, propagated through ctx
  6. Secure:      Security headers (unrolled/secure)
  7. CORS:        Cross-origin requests for frontend
  8. Rate limit:  Requests per minute per client IP (httprate)
  9. Metrics:     Prometheus request counters per route

ROUTE GROUPS:
  /api/kinds            Registered schedule kinds
  /api/schedules/*      Schedules, periods, events
  /api/scenarios/*      Demo scenarios
  /api/audit/*          Projection audit
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/warp/allocation-engine/metrics"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	Production         bool

	// HTTPMetrics records per-route request metrics; nil disables them.
	HTTPMetrics *metrics.HTTP
	// MetricsHandler serves /metrics; nil serves the default registry.
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = metrics.Handler(nil)
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(secureHeaders(h.Logger, opts.Production))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	if opts.RateLimitPerMinute > 0 {
		r.Use(httprate.Limit(opts.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	r.Use(opts.HTTPMetrics.Middleware)

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/kinds", h.ListKinds)

		// Schedule routes
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", h.ListSchedules)
			r.Post("/", h.CreateSchedule)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSchedule)
				r.Get("/periods", h.GetPeriods)
				r.Post("/periods/{period}/close", h.ClosePeriod)
				r.Get("/events", h.GetEvents)
				r.Post("/events", h.AppendEvent)
				r.Post("/terminate", h.Terminate)
				r.Post("/advance", h.Advance)
				r.Post("/rebuild", h.Rebuild)
				r.Post("/verify", h.Verify)
			})
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		// Audit routes
		r.Route("/audit", func(r chi.Router) {
			r.Get("/last", h.LastAudit)
			r.Post("/run", h.RunAudit)
		})
	})

	return r
}

// requestLogger logs one structured line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// secureHeaders applies unrolled/secure. SSL redirect only in production.
func secureHeaders(logger *slog.Logger, production bool) func(http.Handler) http.Handler {
	sm := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLRedirect:           production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !production,
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sm.Process(w, r); err != nil {
				logger.Warn("secure headers blocked request", slog.Any("error", err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
