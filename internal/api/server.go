// Package api implements the HTTP layer for the forensic reasoning council.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tgwilson/forensic-council-backend/internal/provider"
	"github.com/tgwilson/forensic-council-backend/internal/search"
	"github.com/tgwilson/forensic-council-backend/internal/store"
	"github.com/tgwilson/forensic-council-backend/internal/worker"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// Env is "production", "staging", or "development".
	Env string
	// SynthesisProvider is the deployment-wide synthesis preference applied
	// to report requests that do not name one.
	SynthesisProvider string
}

// Server holds all shared dependencies. Each handler file attaches methods
// to this type and uses only the fields it needs.
type Server struct {
	// store handles report persistence and the lifecycle writes.
	store *store.Store

	// worker enqueues council jobs after a report request is created.
	worker worker.Enqueuer

	// primary and secondary answer follow-up questions. Either may be nil;
	// the Q&A handler degrades to a heuristic answer.
	primary   provider.Reasoner
	secondary provider.Reasoner

	// searcher fetches fresh web evidence for follow-up questions. May be a
	// disabled client.
	searcher search.Searcher

	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server.
func NewServer(
	st *store.Store,
	enqueuer worker.Enqueuer,
	primary, secondary provider.Reasoner,
	searcher search.Searcher,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	s := &Server{
		store:     st,
		worker:    enqueuer,
		primary:   primary,
		secondary: secondary,
		searcher:  searcher,
		cfg:       cfg,
		logger:    logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ── API v1 ────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {

		// Report creation — no auth (anonymous requests, token comes back in
		// the response).
		r.Post("/reports", s.handleCreateReport)

		// Report access — no auth (opaque access token in URL).
		r.Route("/reports/{accessToken}", func(r chi.Router) {
			r.Get("/", s.handleGetReport)
			r.Post("/question", s.handleAskQuestion)
		})
	})

	return r
}
