package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"swingbot/internal/app"
	"swingbot/internal/domain"
	"swingbot/internal/ports"
)

// Controller is the orchestrator surface the server exposes. Reads are
// served from in-memory snapshots; the two POST actions enqueue commands.
type Controller interface {
	Status() app.Status
	Positions() []domain.Position
	OpenOrders() []app.OpenOrder
	TriggerEmergencyStop()
	Resume() error
}

// Server exposes the monitoring and control endpoints over HTTP.
type Server struct {
	addr       string
	logger     ports.Logger
	controller Controller
	srv        *http.Server
}

// New builds the server and its routes.
func New(addr string, controller Controller, logger ports.Logger) (*Server, error) {
	if controller == nil || logger == nil {
		return nil, errors.New("controller and logger are required for webserver")
	}
	s := &Server{addr: addr, logger: logger, controller: controller}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("POST /api/emergency-stop", s.handleEmergencyStop)
	mux.HandleFunc("POST /api/resume", s.handleResume)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves in a background goroutine until Stop is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info(context.Background(), "Control server listening", map[string]interface{}{"addr": s.addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), err, "Control server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.controller.Status()
	body := map[string]interface{}{
		"status": "ok",
		"state":  st.State,
		"time":   time.Now(),
	}
	code := http.StatusOK
	if st.State == domain.StateEmergencyStopped {
		body["status"] = "halted"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.controller.Positions()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.controller.OpenOrders()
	if orders == nil {
		orders = []app.OpenOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn(r.Context(), "Emergency stop requested over HTTP", map[string]interface{}{"remote": r.RemoteAddr})
	s.controller.TriggerEmergencyStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "emergency stop triggered"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Resume(); err != nil {
		if errors.Is(err, ports.ErrNotInEmergencyState) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "not in emergency-stopped state"})
			return
		}
		s.logger.Error(r.Context(), err, "Resume failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info(r.Context(), "Trading resumed over HTTP", map[string]interface{}{"remote": r.RemoteAddr})
	writeJSON(w, http.StatusOK, map[string]string{"result": "resumed"})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
