package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/shadectl/internal/logging"
	"github.com/muurk/shadectl/internal/registry"
	"github.com/muurk/shadectl/internal/version"
)

const (
	// DefaultPort is the default listen port for the bridge daemon's API
	DefaultPort = 8642

	// mdnsService is the service type advertised so integrations can find
	// the bridge without configuration
	mdnsService = "_shadectl._tcp"
	mdnsDomain  = "local."

	// writeWait is the time allowed to write one message to a subscriber
	writeWait = 10 * time.Second

	// pingPeriod is how often idle WebSocket connections are pinged
	pingPeriod = 30 * time.Second
)

// DeviceSource is the read side of the registry the API serves snapshots
// from. Implemented by *registry.Reconciler.
type DeviceSource interface {
	Entries() []registry.Entry
}

// Server exposes the daemon's device registry over HTTP: a JSON snapshot at
// /devices, a WebSocket event stream at /events, and a liveness probe at
// /healthz. The server advertises itself over mDNS so integrations on the
// same network need no address configuration.
type Server struct {
	Port int

	// Advertise controls the mDNS announcement (on by default; off in tests)
	Advertise bool

	source DeviceSource
	feed   *Feed

	httpServer *http.Server
	mdns       *zeroconf.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a server over the given device source and event feed
func NewServer(source DeviceSource, feed *Feed) *Server {
	return &Server{
		Port:      DefaultPort,
		Advertise: true,
		source:    source,
		feed:      feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is LAN-only and carries no credentials; any origin
			// on the segment may subscribe.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the API routes. Used by Start and exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.Advertise {
		if err := s.advertise(); err != nil {
			// mDNS failure is not fatal; the API still works by address.
			logging.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}

	logging.Info("API server listening",
		zap.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		<-errCh
		return nil
	case err := <-errCh:
		s.shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// advertise registers the _shadectl._tcp mDNS service
func (s *Server) advertise() error {
	srv, err := zeroconf.Register(
		"shadectl",
		mdnsService,
		mdnsDomain,
		s.Port,
		[]string{"version=" + version.Version},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.mdns = srv
	logging.Info("Advertising on mDNS",
		zap.String("service", mdnsService),
		zap.Int("port", s.Port))
	return nil
}

func (s *Server) shutdown() {
	if s.mdns != nil {
		s.mdns.Shutdown()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
}

// handleDevices serves a JSON snapshot of every known device
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := s.source.Entries()
	views := make([]*DeviceView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		logging.Error("Failed to encode device snapshot", zap.Error(err))
	}
}

// handleEvents upgrades the connection and streams feed events as JSON
// text messages until the client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	logging.Info("Event feed subscriber connected",
		zap.String("remote_addr", r.RemoteAddr))

	sub := s.feed.Subscribe()
	defer func() {
		s.feed.Unsubscribe(sub)
		_ = conn.Close()
		logging.Info("Event feed subscriber disconnected",
			zap.String("remote_addr", r.RemoteAddr))
	}()

	// Drain client frames so close and pong handling work; the feed is
	// one-directional and inbound payloads are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				// Dropped as a slow subscriber.
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleHealth is the liveness probe
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q}`+"\n", version.Version)
}
