/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address from proxy headers
  3. Logger:     One zap line per request (method, path, status, latency)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests from configured origins

ROUTE GROUPS:
  /api/health           Liveness + database ping
  /api/formulas/*       Formula versions and expression tooling
  /api/templates/*      Ready-made concept sets
  /api/tables/*         Fiscal tables
  /api/values           UMA/SMG
  /api/calculate/*      Stand-alone ISR and IMSS
  /api/runs/*           Payroll runs
  /api/details/*        Payroll details and their verification
  /api/audit/*          Audit entries
  /api/sweeps/audit     Audit integrity sweeps
  /api/settlements      Termination payments
  /api/companies/*      Per-company rounding policy
  /api/rounding/*       Rounding tooling

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Formula routes
		r.Route("/formulas", func(r chi.Router) {
			r.Get("/", h.ListFormulas)
			r.Post("/", h.CreateFormula)
			r.Get("/resolve", h.ResolveFormula)
			r.Post("/overlap", h.CheckOverlap)
			r.Post("/validate", h.ValidateExpression)
			r.Post("/test", h.TestExpression)
			r.Post("/{id}/versions", h.CreateFormulaVersion)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/install", h.InstallTemplate)
		})

		// Fiscal table routes
		r.Route("/tables", func(r chi.Router) {
			r.Post("/", h.InstallCatalog)
			r.Get("/imss/{year}", h.GetIMSSRates)
			r.Get("/{kind}/{year}/{period}", h.GetBracketTable)
		})
		r.Get("/values", h.GetValues)
		r.Route("/calculate", func(r chi.Router) {
			r.Post("/isr", h.CalculateISR)
			r.Post("/imss", h.CalculateIMSS)
		})

		// Payroll routes
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.CreateRun)
			r.Get("/{id}/details", h.ListRunDetails)
			r.Get("/{id}/totals", h.GetRunTotals)
		})
		r.Route("/details/{id}", func(r chi.Router) {
			r.Get("/", h.GetDetail)
			r.Get("/verify", h.VerifyDetail)
		})
		r.Route("/audit/{id}", func(r chi.Router) {
			r.Get("/", h.GetAuditEntry)
			r.Get("/verify", h.VerifyAuditEntry)
		})

		r.Route("/sweeps/audit", func(r chi.Router) {
			r.Get("/", h.GetLastSweep)
			r.Post("/", h.SweepAudit)
		})

		r.Post("/settlements", h.CalculateSettlement)

		// Rounding routes
		r.Route("/companies/{id}/rounding", func(r chi.Router) {
			r.Get("/", h.GetRoundingPolicy)
			r.Put("/", h.SetRoundingPolicy)
			r.Post("/invalidate", h.InvalidateRoundingPolicy)
		})
		r.Post("/rounding/apply", h.ApplyRounding)
	})

	return r
}

// requestLogger logs every request once it completes.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
