// Package server provides the HTTP API: dataset configuration, run
// lifecycle, result queries, and the streaming endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sheetflow/importd/internal/blob"
	"github.com/sheetflow/importd/internal/broadcast"
	"github.com/sheetflow/importd/internal/config"
	"github.com/sheetflow/importd/internal/queue"
	"github.com/sheetflow/importd/internal/store"
	"github.com/sheetflow/importd/internal/stream"
)

// Server is the HTTP server for the import API.
type Server struct {
	cfg     *config.Config
	store   store.Store
	blobs   *blob.DiskStore
	queue   queue.Queue
	bus     *broadcast.Broadcaster
	gateway *stream.Gateway
	router  *chi.Mux
	server  *http.Server
	log     *zap.Logger
}

// New creates a Server with routes and middleware configured.
func New(cfg *config.Config, st store.Store, blobs *blob.DiskStore, q queue.Queue, bus *broadcast.Broadcaster) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		queue:   q,
		bus:     bus,
		gateway: stream.NewGateway(st, bus, cfg.Stream),
		log:     zap.L().Named("server"),
	}
	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.log))
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/datasets", func(r chi.Router) {
			r.Post("/", s.handleCreateDataset)
			r.Get("/", s.handleListDatasets)
			r.Get("/{datasetID}", s.handleGetDataset)
			r.Put("/{datasetID}/mapping", s.handlePutMapping)
			r.Post("/{datasetID}/runs", s.handleCreateRun)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/events", s.gateway.ServeFleet)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/upload", s.handleUpload)
				r.Get("/header", s.handleGetHeader)
				r.Post("/start", s.handleStartRun)
				r.Post("/retry", s.handleRetryRun)
				r.Post("/clone", s.handleCloneRun)
				r.Get("/attempts", s.handleListAttempts)
				r.Get("/records", s.handleListRecords)
				r.Get("/records.csv", s.handleExportRecords)
				r.Get("/errors", s.handleListRowErrors)
				r.Get("/errors.csv", s.handleExportRowErrors)
				r.Get("/events", s.gateway.ServeRun)
			})
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	s.log.Info("starting server", zap.Int("port", s.cfg.Server.Port))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
