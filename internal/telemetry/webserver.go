package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/GoInspect/internal/logging"
)

// WebServer exposes hub history, live events, inspectors and the spectrum
// over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	ln     net.Listener
	logger logging.Logger
}

// NewWebServer builds an HTTP server for hub on addr.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebServer{
		hub:    hub,
		srv:    &http.Server{Addr: addr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second},
		logger: logger.With(logging.F("subsystem", "telemetry")),
	}
}

// Handler returns the API routes of the hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/config", h.handleGetConfig)
	mux.HandleFunc("/api/config/update", h.handleSetConfig)
	mux.HandleFunc("/api/inspectors", h.handleInspectors)
	mux.HandleFunc("/api/psd", h.handlePSD)
	return mux
}

// Listen binds the server address and returns the port in use, so ":0"
// can be advertised.
func (w *WebServer) Listen() (int, error) {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return 0, err
	}
	w.ln = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve runs until ctx is canceled. It listens first if Listen was not
// called.
func (w *WebServer) Serve(ctx context.Context) error {
	if w.ln == nil {
		if _, err := w.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.F("err", err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", w.ln.Addr().String()))
	if err := w.srv.Serve(w.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("web telemetry server error", logging.F("err", err))
		return err
	}
	return nil
}
