package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantfall/gatekeeper/internal/connector"
	"github.com/quantfall/gatekeeper/internal/market"
)

// Server exposes the operational HTTP surface: health, metrics, risk
// status, and read-only market state. Order entry stays off HTTP; the
// connector is an in-process API.
type Server struct {
	addr string
	conn *connector.Connector
	agg  *market.Aggregator
	srv  *http.Server
}

// NewServer builds the ops server on the given listen address.
func NewServer(addr string, conn *connector.Connector, agg *market.Aggregator) *Server {
	s := &Server{addr: addr, conn: conn, agg: agg}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/risk/status", s.handleRiskStatus).Methods(http.MethodGet)
	r.HandleFunc("/snapshot/{symbol}", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/best/{symbol}", s.handleCrossVenueBest).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}", s.handleExecution).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"max_staleness": s.agg.MaxStaleness().String(),
		"time":          time.Now().UTC(),
	})
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.QueryRiskStatus())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	snap, err := s.agg.GetSnapshot(symbol)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, market.ErrUnknownInstrument):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, market.ErrStaleData):
		// The stale snapshot still ships, flagged, so operators can see
		// what the system last knew.
		writeJSON(w, http.StatusOK, snap)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleCrossVenueBest(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	best, err := s.agg.GetCrossVenueBest(symbol)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, best)
	case errors.Is(err, market.ErrUnknownInstrument):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, market.ErrStaleData):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	progress, ok := s.conn.QueryState(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("execution not found or already terminal"))
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
