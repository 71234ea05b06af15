package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"multichat/chatlog"
	"multichat/models"
	"multichat/protocol"
	"multichat/ratelimit"
	"multichat/userdb"

	"github.com/rs/zerolog"
)

// History reads archived chat lines. A nil History disables /history.
type History interface {
	GetConversation(owner, contact string, limit int) ([]models.ArchivedMessage, error)
	GetPublic(limit int) ([]models.ArchivedMessage, error)
}

type Server struct {
	config  *ServerConfig
	users   *userdb.Store
	chatlog *chatlog.Logger
	history History
	limiter *ratelimit.Limiter
	router  *Router
	log     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	closing  atomic.Bool
	accepted atomic.Int64
	wg       sync.WaitGroup
}

type ServerConfig struct {
	Host            string
	Port            int
	WriteTimeout    time.Duration
	TakeoverTimeout time.Duration
	MaxMessages     int
	RateWindow      time.Duration
}

type Stats struct {
	Active   int      `json:"active"`
	Users    []string `json:"users"`
	Accepted int64    `json:"accepted"`
}

// String renders stats for the control socket.
func (st Stats) String() string {
	return "connections=" + strconv.Itoa(st.Active) + ",users=" + strings.Join(st.Users, ";") +
		",accepted=" + strconv.FormatInt(st.Accepted, 10)
}

func New(config *ServerConfig, users *userdb.Store, chatLog *chatlog.Logger, history History, logger zerolog.Logger) *Server {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.TakeoverTimeout == 0 {
		config.TakeoverTimeout = 2 * time.Second
	}

	logger = logger.With().Str("component", "server").Logger()
	limiter := ratelimit.New(config.MaxMessages, config.RateWindow)
	router := NewRouter(users, chatLog, logger)
	router.OnLeave(limiter.Forget)

	return &Server{
		config:  config,
		users:   users,
		chatlog: chatLog,
		history: history,
		limiter: limiter,
		router:  router,
		log:     logger,

		sessions: make(map[*Session]struct{}),
	}
}

func (s *Server) Router() *Router {
	return s.router
}

// Listen binds the chat port. Failing to bind is the only fatal server error.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.chatlog.LogEvent("SERVER", fmt.Sprintf("Server listening on %s", listener.Addr()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("Error accepting connection")
			continue
		}

		s.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sess := newSession(conn, s.config.WriteTimeout, s.log)
	defer close(sess.done)
	defer sess.Close()

	if !s.track(sess) {
		return
	}
	defer s.untrack(sess)

	remote := conn.RemoteAddr().String()
	s.chatlog.LogEvent("CONNECT", fmt.Sprintf("Attempting connection from %s", remote))
	sess.setState(StateConnected)

	if !s.authenticate(sess) {
		sess.setState(StateClosed)
		sess.log.Info().Msg("Client disconnected before authenticating")
		return
	}

	nickname := sess.Nickname()
	sess.setState(StateAuthenticated)
	welcome := protocol.Text{Content: fmt.Sprintf(welcomeTemplate, nickname), Nickname: nickname}
	if err := sess.Send(protocol.Encode(protocol.TypeAuthSuccess, welcome)); err == nil {
		s.router.BroadcastSystem(fmt.Sprintf("User %s has joined the chat.", nickname), nickname)
		s.serveSession(sess)
	}

	sess.setState(StateClosed)
	sess.Close()
	s.router.Leave(sess)
	s.chatlog.LogEvent("DISCONNECT", fmt.Sprintf("User %s disconnected.", nickname))
}

// serveSession reads and dispatches lines until exit or connection loss.
func (s *Server) serveSession(sess *Session) {
	for {
		line, err := sess.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				sess.log.Warn().Err(err).Msg("Read failed")
			}
			return
		}

		if !s.handleLine(sess, line) {
			return
		}
	}
}

// track records a live connection so Shutdown can reach sessions that have
// not authenticated yet.
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// Stats reports the current registry and accept counters.
func (s *Server) Stats() Stats {
	users := s.router.SnapshotNicknames()
	return Stats{
		Active:   len(users),
		Users:    users,
		Accepted: s.accepted.Load(),
	}
}

// Shutdown stops accepting, tells every session why and closes it, then
// waits up to timeout for session goroutines to finish.
func (s *Server) Shutdown(reason string, timeout time.Duration) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	live := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	s.chatlog.LogEvent("SERVER", "Server shutting down...")
	notice := "Server is shutting down."
	if reason != "" {
		notice = fmt.Sprintf("Server is shutting down (%s).", reason)
	}

	for _, sess := range live {
		if sess.State() == StateAuthenticated {
			sess.sendText(protocol.TypeSystem, notice)
		}
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for sessions to close")
	}
}
