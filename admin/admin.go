// Package admin serves the operator's side of the chat server: a static file
// tree with a stats endpoint, and a password-protected WebSocket stream of
// the server's event log.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"multichat/chatlog"
	"multichat/server"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	authFailed  = "Authentication Failed. Connection closed."
	authSuccess = "Authentication Success. Receiving live logs."

	authTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxReadSize  = 4096
)

// EventLog records admin activity in the server's event log.
type EventLog interface {
	LogEvent(level, message string)
}

// StatsSource reports live server statistics.
type StatsSource interface {
	Stats() server.Stats
}

type Config struct {
	HTTPAddr  string
	WSAddr    string
	Password  string
	StaticDir string
}

type Server struct {
	config Config
	feed   *chatlog.Feed
	events EventLog
	stats  StatsSource
	log    zerolog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	servers  []*http.Server
	addrs    map[string]net.Addr
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

func New(config Config, feed *chatlog.Feed, events EventLog, stats StatsSource, logger zerolog.Logger) *Server {
	return &Server{
		config: config,
		feed:   feed,
		events: events,
		stats:  stats,
		log:    logger.With().Str("component", "admin").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The viewer page is served from the HTTP port, so its origin never
			// matches the stream's host. The password gates access instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		addrs: make(map[string]net.Addr),
		quit:  make(chan struct{}),
	}
}

// StaticHandler serves the static tree and /stats.
func (s *Server) StaticHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/", http.FileServer(http.Dir(s.config.StaticDir)))
	return mux
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.stats == nil {
		http.Error(w, "Stats unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.stats.Stats()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write stats")
	}
}

// StreamHandler upgrades to a WebSocket, checks the password sent as the
// first message and then forwards every log entry.
func (s *Server) StreamHandler() http.Handler {
	return http.HandlerFunc(s.handleStream)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.events.LogEvent("WEBSOCKET", fmt.Sprintf("New connection from %s", r.RemoteAddr))

	if !s.authenticate(conn) {
		s.events.LogEvent("WEBSOCKET_FAIL", fmt.Sprintf("Failed authentication attempt from %s", r.RemoteAddr))
		return
	}
	s.events.LogEvent("WEBSOCKET_AUTH", "Client authenticated successfully.")

	entries, cancel := s.feed.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, entries, closed)

	s.events.LogEvent("WEBSOCKET", "Connection closed.")
}

func (s *Server) authenticate(conn *websocket.Conn) bool {
	conn.SetReadLimit(maxReadSize)
	conn.SetReadDeadline(time.Now().Add(authTimeout))

	_, password, err := conn.ReadMessage()
	if err != nil {
		s.log.Debug().Err(err).Msg("No password received")
		return false
	}

	ok := subtle.ConstantTimeCompare(password, []byte(s.config.Password)) == 1
	reply := authSuccess
	if !ok {
		reply = authFailed
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
		return false
	}
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeTimeout))
	}
	return ok
}

// readPump discards viewer input and reports when the connection ends.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("Viewer read failed")
			}
			return
		}
	}
}

type logMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (s *Server) writePump(conn *websocket.Conn, entries <-chan string, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			msg, err := json.Marshal(logMessage{Type: "log", Content: entry})
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Msg("Viewer write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

// Listen binds the HTTP and WebSocket ports.
func (s *Server) Listen() error {
	httpLn, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("admin http listen on %s: %w", s.config.HTTPAddr, err)
	}
	wsLn, err := net.Listen("tcp", s.config.WSAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("admin websocket listen on %s: %w", s.config.WSAddr, err)
	}

	s.serve("http", httpLn, s.StaticHandler())
	s.serve("ws", wsLn, s.StreamHandler())

	s.events.LogEvent("WEB", fmt.Sprintf("HTTP Server listening on %s", httpLn.Addr()))
	s.events.LogEvent("WEB", fmt.Sprintf("WebSocket Server listening on %s", wsLn.Addr()))
	return nil
}

func (s *Server) serve(name string, ln net.Listener, handler http.Handler) {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.addrs[name] = ln.Addr()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("listener", name).Msg("Admin server stopped")
		}
	}()
}

// HTTPAddr returns the bound static server address, or nil before Listen.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs["http"]
}

// WSAddr returns the bound WebSocket address, or nil before Listen.
func (s *Server) WSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs["ws"]
}

// Shutdown stops both servers and ends every log stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
			srv.Close()
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
