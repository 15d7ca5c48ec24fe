// Package dashboard exposes read-only JSON views of the live run over HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/P0W/option-strategies/internal/storage"
	"github.com/P0W/option-strategies/internal/strategy"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     storage.Store
	strat     *strategy.Strategy
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

// RunView is the JSON shape served for the active run.
type RunView struct {
	Tag        string    `json:"tag"`
	State      string    `json:"state"`
	Legs       []legView `json:"legs"`
	PnL        float64   `json:"pnl"`
	PnLDefined bool      `json:"pnl_defined"`
	LastUpdate time.Time `json:"last_update"`
}

type legView struct {
	ScripCode int     `json:"scrip_code"`
	Name      string  `json:"name"`
	AvgPrice  float64 `json:"avg_price"`
	Qty       int     `json:"qty"`
	LTP       float64 `json:"ltp"`
	PnL       float64 `json:"pnl"`
}

func NewServer(cfg Config, store storage.Store, strat *strategy.Strategy, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		strat:     strat,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/api/run", s.handleGetRun)
	s.router.Get("/api/history", s.handleGetHistory)
	s.router.Get("/api/history/{runID}", s.handleGetHistoryRun)
	s.router.Get("/api/pnl", s.handleGetPnL)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	pnl, defined := s.strat.PnL()
	view := RunView{
		Tag:        s.strat.Tag(),
		State:      string(s.strat.State()),
		PnL:        pnl,
		PnLDefined: defined,
		LastUpdate: time.Now(),
	}
	for _, leg := range s.strat.Legs() {
		view.Legs = append(view.Legs, legView{
			ScripCode: leg.Instrument.ScripCode,
			Name:      leg.Instrument.Name,
			AvgPrice:  leg.AvgPrice,
			Qty:       leg.Qty,
			LTP:       leg.LTP,
			PnL:       leg.PnL,
		})
	}
	s.writeJSON(w, view)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, []storage.Run{})
		return
	}
	s.writeJSON(w, s.store.History())
}

func (s *Server) handleGetHistoryRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no journal configured", http.StatusNotFound)
		return
	}
	run, err := s.store.Run(chi.URLParam(r, "runID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, run)
}

func (s *Server) handleGetPnL(w http.ResponseWriter, r *http.Request) {
	live, defined := s.strat.PnL()
	var total float64
	if s.store != nil {
		total = s.store.TotalPnL()
	}
	s.writeJSON(w, map[string]interface{}{
		"live":         live,
		"live_defined": defined,
		"closed_total": total,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
