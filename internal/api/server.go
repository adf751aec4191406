// Package api serves the job submission and polling HTTP API.
//
// Job and credit routes expect an X-User-ID header forwarded by the
// gateway in front of this service. Admin routes need X-Admin-Token.
//
//	GET  /health
//	POST /upload/preview
//	POST /jobs
//	GET  /jobs
//	GET  /jobs/{id}
//	GET  /jobs/{id}/results
//	GET  /jobs/{id}/export.csv
//	POST /jobs/{id}/cancel
//	GET  /credits
//	POST /credits/grants       (admin)
//	GET  /admin/jobs.csv       (admin)
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/credits"
	"github.com/sells-group/dm-finder/internal/orchestrator"
	"github.com/sells-group/dm-finder/internal/store"
)

const (
	headerUserID     = "X-User-ID"
	headerAdminToken = "X-Admin-Token"

	defaultMaxBodyBytes = 20 << 20
)

// Config configures the HTTP API.
type Config struct {
	CORSOrigins []string
	// AdminToken enables the admin routes. Empty disables them.
	AdminToken   string
	MaxBodyBytes int64
}

// Server routes API requests to the orchestrator, store and ledger.
type Server struct {
	orch       *orchestrator.Orchestrator
	store      store.Store
	ledger     *credits.Ledger
	dispatcher orchestrator.Dispatcher
	cfg        Config
	router     chi.Router
	now        func() time.Time
}

// New builds a Server and its routes.
func New(orch *orchestrator.Orchestrator, st store.Store, ledger *credits.Ledger, d orchestrator.Dispatcher, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{
		orch:       orch,
		store:      st,
		ledger:     ledger,
		dispatcher: d,
		cfg:        cfg,
		now:        time.Now,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", headerUserID, headerAdminToken},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/upload/preview", s.handleUploadPreview)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Get("/results", s.handleListResults)
				r.Get("/export.csv", s.handleExportCSV)
				r.Post("/cancel", s.handleCancelJob)
			})
		})
		r.Get("/credits", s.handleGetCredits)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/credits/grants", s.handleGrantCredits)
		r.Get("/admin/jobs.csv", s.handleExportJobsCSV)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerUserID) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+headerUserID+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return r.Header.Get(headerUserID)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(headerAdminToken)
		if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
