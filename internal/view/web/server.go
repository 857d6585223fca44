// Package web serves the car's view state over HTTP and WebSocket and accepts
// destination picks and GO/STOP commands from a browser.
//
// Routes:
//
//	GET  /api/state        current view as JSON
//	POST /api/destination  {"latitude":..,"longitude":..}
//	POST /api/go           toggle GO/STOP
//	POST /api/stop         emergency stop
//	POST /api/retry        retry the connection
//	GET  /ws               view stream; accepts {"type":"destination"|"toggle"|"stop"}
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/rcble/internal/session"
)

// Session is the subset of the session the web view drives.
type Session interface {
	Snapshot() session.View
	Subscribe() (<-chan session.View, func())
	SetDestination(fix session.LocationFix) error
	ToggleGo() session.GoState
	EmergencyStop()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const (
	pingInterval = 20 * time.Second
	writeWait    = 5 * time.Second
)

// Server holds handler dependencies.
type Server struct {
	addr    string
	session Session
	retry   func()
}

// NewServer creates a web view on addr. retry may be nil.
func NewServer(addr string, sess Session, retry func()) *Server {
	return &Server{addr: addr, session: sess, retry: retry}
}

// Handler wires all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.state)
	mux.HandleFunc("POST /api/destination", s.destination)
	mux.HandleFunc("POST /api/go", s.toggle)
	mux.HandleFunc("POST /api/stop", s.stop)
	mux.HandleFunc("POST /api/retry", s.retryLink)
	mux.HandleFunc("GET /ws", s.stream)
	return withLogging(mux)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[WEB] listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newViewJSON(s.session.Snapshot()))
}

type destinationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (d destinationRequest) fix() (session.LocationFix, bool) {
	if d.Latitude == nil || d.Longitude == nil {
		return session.LocationFix{}, false
	}
	return session.LocationFix{Latitude: *d.Latitude, Longitude: *d.Longitude}, true
}

func (s *Server) destination(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	fix, ok := req.fix()
	if !ok {
		http.Error(w, "latitude and longitude are required", http.StatusBadRequest)
		return
	}
	if err := s.session.SetDestination(fix); err != nil {
		if errors.Is(err, session.ErrInvalidDestination) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("[WEB] set destination", "error", err)
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, newViewJSON(s.session.Snapshot()))
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request) {
	st := s.session.ToggleGo()
	slog.Info("[WEB] toggled", "state", st)
	writeJSON(w, http.StatusOK, newViewJSON(s.session.Snapshot()))
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.session.EmergencyStop()
	slog.Info("[WEB] emergency stop")
	writeJSON(w, http.StatusOK, newViewJSON(s.session.Snapshot()))
}

func (s *Server) retryLink(w http.ResponseWriter, r *http.Request) {
	if s.retry == nil {
		http.Error(w, "retry not supported", http.StatusNotImplemented)
		return
	}
	s.retry()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

// clientMessage is a command sent over the WebSocket.
type clientMessage struct {
	Type string `json:"type"`
	destinationRequest
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WEB] ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	views, unsub := s.session.Subscribe()
	defer unsub()

	// Reader: commands from the browser. Closing readDone ends the writer.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				slog.Debug("[WEB] ws read", "error", err)
				return
			}
			s.apply(msg)
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case v, ok := <-views:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(newViewJSON(v)); err != nil {
				slog.Debug("[WEB] ws write", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) apply(msg clientMessage) {
	switch msg.Type {
	case "destination":
		fix, ok := msg.fix()
		if !ok {
			slog.Warn("[WEB] destination without coordinates")
			return
		}
		if err := s.session.SetDestination(fix); err != nil {
			slog.Warn("[WEB] set destination", "error", err)
		}
	case "toggle":
		s.session.ToggleGo()
	case "stop":
		s.session.EmergencyStop()
	default:
		slog.Warn("[WEB] unknown message", "type", msg.Type)
	}
}

// viewJSON is the wire form of session.View.
type viewJSON struct {
	Current     session.LocationFix `json:"current"`
	Destination session.LocationFix `json:"destination"`
	HasFix      bool                `json:"has_fix"`
	Sensors     []string            `json:"sensors"`
	Go          string              `json:"go"`
	Link        string              `json:"link"`
	LinkReason  string              `json:"link_reason,omitempty"`
	Device      string              `json:"device,omitempty"`
	Alert       string              `json:"alert,omitempty"`
	AlertAt     *time.Time          `json:"alert_at,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func newViewJSON(v session.View) viewJSON {
	out := viewJSON{
		Current:     v.Current,
		Destination: v.Destination,
		HasFix:      v.HasFix,
		Sensors:     v.Sensors[:],
		Go:          v.Go.String(),
		Link:        v.Link.String(),
		LinkReason:  v.LinkReason,
		Device:      v.Device.Name,
		Alert:       v.Alert,
		UpdatedAt:   v.UpdatedAt,
	}
	if !v.AlertAt.IsZero() {
		at := v.AlertAt
		out.AlertAt = &at
	}
	return out
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Debug("[WEB] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.code,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
