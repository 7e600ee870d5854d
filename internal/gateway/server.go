package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// reservedProcessID is the path segment reserved for the HTTP surface;
// a container may not claim it as a process id.
const reservedProcessID = "task"

// Server accepts container duplex connections and serves the metrics
// and health endpoints.
type Server struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routing surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleUpgrade)
	return mux
}

// handleUpgrade accepts a duplex connection. The trailing path segment
// is the process id; a missing or reserved id is rejected before the
// upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	processID := trailingSegment(r.URL.Path)
	if processID == "" || processID == reservedProcessID {
		s.logger.Warn("upgrade rejected", "path", r.URL.Path)
		http.Error(w, "invalid process id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "process", processID, "error", err)
		return
	}

	cc := s.hub.Attach(processID, conn)
	go s.readLoop(cc, conn)
}

// readLoop is the connection's reader task: frames are processed
// strictly in arrival order.
func (s *Server) readLoop(cc *ContainerConnection, conn *websocket.Conn) {
	defer s.hub.Detach(cc, conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read loop ended", "process", cc.ProcessID(), "error", err)
			}
			return
		}
		s.hub.HandleFrame(cc, raw)
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, then flushes and closes every
// container channel.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

func trailingSegment(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}
