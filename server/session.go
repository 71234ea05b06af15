package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"multichat/protocol"
	"multichat/userdb"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a session's position in the authentication state machine.
type State int32

const (
	StateConnected State = iota
	StateAwaitingCredentials
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingCredentials:
		return "awaiting_credentials"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	authPrompt      = "Welcome! Please register or login. Format: <nickname> <password>"
	authBadFormat   = "Invalid format. Use: <nickname> <password>"
	authRejected    = "Authentication failed (Wrong password or nickname reserved)."
	welcomeTemplate = "Welcome back, %s! You are now connected."
)

var ErrSessionClosed = errors.New("session closed")

// Session is the server side of one client connection.
type Session struct {
	ID     string
	Conn   net.Conn
	reader *bufio.Reader

	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu       sync.Mutex
	nickname string
	state    atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	log zerolog.Logger
}

func newSession(conn net.Conn, writeTimeout time.Duration, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:           id,
		Conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
		log: logger.With().
			Str("session", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

func (s *Session) setNickname(nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nickname = nickname
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Send writes one encoded frame. Writes are serialised per session.
func (s *Session) Send(frame []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.Conn.Write(frame); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrSessionClosed
		}
		return err
	}
	return nil
}

func (s *Session) sendText(msgType, content string) error {
	return s.Send(protocol.Encode(msgType, protocol.Text{Content: content}))
}

// Close shuts the connection. The session's goroutine then unwinds and
// closes Done.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.Conn.Close()
	})
}

// Done is closed once the session has deregistered and released its
// connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// readLine returns the next non-empty line, without its terminator. Lines
// that are not valid UTF-8 are dropped.
func (s *Session) readLine() (string, error) {
	for {
		// A final unterminated line is returned before the read error.
		line, err := s.reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			if utf8.ValidString(line) {
				return line, nil
			}
			s.log.Debug().Msg("Dropping line with invalid UTF-8")
		}
		if err != nil {
			return "", err
		}
	}
}

// authenticate runs the credential exchange until the session holds its
// nickname in the router. It returns false if the connection went away.
func (srv *Server) authenticate(sess *Session) bool {
	sess.setState(StateAwaitingCredentials)
	if err := sess.sendText(protocol.TypeAuthReq, authPrompt); err != nil {
		return false
	}

	for {
		line, err := sess.readLine()
		if err != nil {
			return false
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			sess.sendText(protocol.TypeAuthFail, authBadFormat)
			continue
		}
		nickname, password := fields[0], fields[1]

		if !srv.verifyCredentials(sess, nickname, password) {
			sess.sendText(protocol.TypeAuthFail, authRejected)
			continue
		}

		sess.setNickname(nickname)
		sess.log = sess.log.With().Str("nickname", nickname).Logger()
		return srv.claim(sess, nickname)
	}
}

// verifyCredentials logs nickname in, registering it on first use.
func (srv *Server) verifyCredentials(sess *Session, nickname, password string) bool {
	remote := sess.Conn.RemoteAddr().String()

	if srv.users.IsRegistered(nickname) {
		if !srv.users.Authenticate(nickname, password) {
			sess.log.Info().Str("attempt", nickname).Msg("Wrong password")
			return false
		}
		srv.chatlog.LogEvent("LOGIN", fmt.Sprintf("User %s logged in from %s", nickname, remote))
		return true
	}

	err := srv.users.Register(nickname, password)
	switch {
	case err == nil:
		srv.chatlog.LogEvent("REGISTER", fmt.Sprintf("New user %s registered and logged in from %s", nickname, remote))
		return true
	case errors.Is(err, userdb.ErrExists):
		// Registered concurrently by another connection.
		return srv.users.Authenticate(nickname, password)
	case errors.Is(err, userdb.ErrReservedNickname), errors.Is(err, userdb.ErrInvalidNickname):
		return false
	default:
		sess.log.Error().Err(err).Msg("Registration failed")
		srv.chatlog.LogEvent("AUTH_ERROR", fmt.Sprintf("Registration of %s failed: %v", nickname, err))
		return false
	}
}

// claim inserts sess into the router. A live holder of the same nickname is
// closed first, and the claim waits until that session reports it has
// finished cleaning up.
func (srv *Server) claim(sess *Session, nickname string) bool {
	for {
		prior := srv.router.Add(nickname, sess)
		if prior == nil {
			return true
		}

		srv.chatlog.LogEvent("WARN", fmt.Sprintf("Nickname '%s' is already active. Forcing cleanup for new login.", nickname))
		prior.Close()

		timer := time.NewTimer(srv.config.TakeoverTimeout)
		select {
		case <-prior.Done():
			timer.Stop()
		case <-timer.C:
			sess.log.Warn().Str("evicted", prior.ID).Msg("Evicted session did not finish in time, removing it")
			srv.router.Leave(prior)
		case <-sess.closed:
			timer.Stop()
			return false
		}
	}
}
