package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dexterhq/dexter/internal/bus"
	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/pkg/protocol"
)

// StatusSource exposes one channel manager's account snapshot.
type StatusSource interface {
	ID() string
	Snapshot() map[string]channels.AccountStatus
}

// Server exposes gateway runtime state: a health probe, a JSON status
// snapshot, and a websocket feed of agent events and heartbeats.
type Server struct {
	addr           string
	heartbeat      time.Duration
	allowedOrigins []string
	eventPub       bus.EventPublisher
	sources        []StatusSource
	started        time.Time

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*wsClient

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the status server from the gateway config. eventPub
// may be nil; the feed then carries heartbeats only.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, sources ...StatusSource) *Server {
	gw := cfg.Snapshot().Gateway
	s := &Server{
		addr:           gw.StatusAddr,
		allowedOrigins: gw.AllowedOrigins,
		eventPub:       eventPub,
		sources:        sources,
		clients:        make(map[string]*wsClient),
	}
	if gw.HeartbeatSeconds > 0 {
		s.heartbeat = time.Duration(gw.HeartbeatSeconds) * time.Second
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the websocket Origin header against the
// configured whitelist. No configuration allows all origins; an empty
// Origin header (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	s.mux = mux
	return mux
}

// Start serves until ctx is canceled, then broadcasts a shutdown frame
// and drains within five seconds.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	s.started = time.Now()
	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	slog.Info("status server starting", "addr", s.addr)

	if s.heartbeat > 0 {
		go s.heartbeatLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	tick := time.NewTicker(s.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.BroadcastEvent(*protocol.NewEvent(protocol.EventHeartbeat, s.snapshot()))
		}
	}
}

type statusPayload struct {
	Status        string                                       `json:"status"`
	UptimeSeconds int64                                        `json:"uptimeSeconds"`
	Channels      map[string]map[string]channels.AccountStatus `json:"channels"`
}

func (s *Server) snapshot() statusPayload {
	p := statusPayload{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Channels:      make(map[string]map[string]channels.AccountStatus, len(s.sources)),
	}
	for _, src := range s.sources {
		p.Channels[src.ID()] = src.Snapshot()
	}
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.Version)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		slog.Debug("status encode failed", "error", err)
	}
}

// handleWebSocket upgrades the connection and streams events until the
// peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	go client.writePump()
	client.readPump()
}

// BroadcastEvent sends a frame to every connected client.
func (s *Server) BroadcastEvent(ev protocol.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(ev)
	}
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	if s.eventPub != nil {
		s.eventPub.Subscribe(c.id, func(ev bus.Event) {
			c.SendEvent(*protocol.NewEvent(ev.Name, ev.Payload))
		})
	}
	slog.Info("status client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	if s.eventPub != nil {
		s.eventPub.Unsubscribe(c.id)
	}
	slog.Info("status client disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.close()
	}
}

// wsClient is one websocket status consumer. Frames are queued on a
// buffered channel; a slow client drops frames rather than blocking the
// broadcaster.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Event
	once sync.Once
	done chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.Event, 64),
		done: make(chan struct{}),
	}
}

// SendEvent queues a frame for delivery.
func (c *wsClient) SendEvent(ev protocol.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
	}
}

func (c *wsClient) writePump() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if err := c.conn.WriteJSON(ev); err != nil {
				c.closeQuiet()
				return
			}
		}
	}
}

// readPump drains inbound frames so control messages are processed; any
// read error ends the connection.
func (c *wsClient) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.closeQuiet()
			return
		}
	}
}

func (c *wsClient) close()      { c.closeQuiet() }
func (c *wsClient) closeQuiet() { c.once.Do(func() { close(c.done); c.conn.Close() }) }

// StartTestServer binds a random local port and returns the address plus
// a blocking start function. Used by tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.started = time.Now()
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		if s.heartbeat > 0 {
			go s.heartbeatLoop(ctx)
		}
		go func() {
			<-ctx.Done()
			s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
			s.closeClients()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
