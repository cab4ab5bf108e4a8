package storemaster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// APIServer exposes the control plane's admin surface over HTTP: candidate
// status, the observed master address, graceful step-down and table enable.
type APIServer struct {
	master *Master
	router *mux.Router
	server *http.Server
	log    *slog.Logger
}

// NewAPIServer creates the admin API for a master candidate.
func NewAPIServer(master *Master, log *slog.Logger) *APIServer {
	if log == nil {
		log = slog.Default()
	}
	s := &APIServer{
		master: master,
		router: mux.NewRouter(),
		log:    log,
	}
	s.routes()
	return s
}

func (s *APIServer) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/master", s.handleMaster).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/master/stepdown", s.handleStepDown).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/tables/{table}/enable", s.handleEnableTable).Methods(http.MethodPost)
}

// Handler returns the API's HTTP handler.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Start begins serving the API on addr.
func (s *APIServer) Start(ctx context.Context, addr string) {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()
}

// Stop stops the API server.
func (s *APIServer) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.master.Status())
}

func (s *APIServer) handleMaster(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.master.MasterAddress()
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoActiveMaster.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":          addr.String(),
		"clusterHasMaster": s.master.ClusterHasActiveMaster(),
	})
}

func (s *APIServer) handleStepDown(w http.ResponseWriter, r *http.Request) {
	if !s.master.IsActiveMaster() {
		writeError(w, http.StatusConflict, ErrNotActiveMaster.Error())
		return
	}
	if err := s.master.StepDown(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleEnableTable(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	err := s.master.EnableTable(r.Context(), table)
	switch {
	case errors.Is(err, ErrTableNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"table": table, "status": "enabled"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
