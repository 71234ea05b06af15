package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"multichat/protocol"

	"github.com/rs/zerolog"
)

const clockFormat = "15:04:05"

// Directory answers whether a nickname was ever registered.
type Directory interface {
	IsRegistered(nickname string) bool
}

// EventLog records events and chat lines.
type EventLog interface {
	LogEvent(level, message string)
	LogPublic(sender, content string)
	LogPrivate(sender, recipient, content string)
}

// Router owns the table of authenticated sessions and delivers messages to
// them. Deliveries iterate over a snapshot taken under the lock and write to
// sockets outside it.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	users   Directory
	events  EventLog
	onLeave func(nickname string)
	now     func() time.Time
	log     zerolog.Logger
}

func NewRouter(users Directory, events EventLog, logger zerolog.Logger) *Router {
	return &Router{
		sessions: make(map[string]*Session),
		users:    users,
		events:   events,
		now:      time.Now,
		log:      logger.With().Str("component", "router").Logger(),
	}
}

// OnLeave sets a hook run under the table lock whenever a nickname is
// removed.
func (r *Router) OnLeave(hook func(nickname string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeave = hook
}

// Add registers sess under nickname and pushes the new user list to every
// member. If another session already holds nickname nothing is inserted and
// that session is returned.
func (r *Router) Add(nickname string, sess *Session) *Session {
	r.mu.Lock()
	if prior, ok := r.sessions[nickname]; ok && prior != sess {
		r.mu.Unlock()
		return prior
	}
	r.sessions[nickname] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.log.Debug().Str("nickname", nickname).Int("active", count).Msg("Session registered")
	r.broadcastList()
	return nil
}

// Remove deletes nickname whichever session holds it.
func (r *Router) Remove(nickname string) bool {
	return r.remove(nickname, nil)
}

// Leave deletes sess if it still holds its nickname. A session replaced by a
// takeover leaves the new holder in place.
func (r *Router) Leave(sess *Session) bool {
	return r.remove(sess.Nickname(), sess)
}

func (r *Router) remove(nickname string, sess *Session) bool {
	if nickname == "" {
		return false
	}

	r.mu.Lock()
	cur, ok := r.sessions[nickname]
	if !ok || (sess != nil && cur != sess) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, nickname)
	if r.onLeave != nil {
		r.onLeave(nickname)
	}
	r.mu.Unlock()

	r.BroadcastSystem(fmt.Sprintf("User %s has left the chat.", nickname), "")
	r.broadcastList()
	r.events.LogEvent("DISCONNECT", fmt.Sprintf("Client %s removed from active list.", nickname))
	return true
}

func (r *Router) IsActive(nickname string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[nickname]
	return ok
}

// Lookup returns the session holding nickname, if any.
func (r *Router) Lookup(nickname string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[nickname]
	return sess, ok
}

// SnapshotNicknames returns the active nicknames, sorted for display.
func (r *Router) SnapshotNicknames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nicks := make([]string, 0, len(r.sessions))
	for nick := range r.sessions {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)
	return nicks
}

func (r *Router) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// BroadcastPublic delivers a chat line to every member, the sender included,
// and logs it.
func (r *Router) BroadcastPublic(sender, content string) {
	display := fmt.Sprintf("[%s] <%s>: %s", r.now().Format(clockFormat), sender, content)
	frame := protocol.Encode(protocol.TypePublic, protocol.Chat{Sender: sender, Content: display})

	for _, sess := range r.snapshot() {
		r.deliver(sess, frame)
	}
	r.events.LogPublic(sender, content)
}

// BroadcastSystem delivers a SYSTEM notice to every member except exclude.
func (r *Router) BroadcastSystem(content, exclude string) {
	frame := protocol.Encode(protocol.TypeSystem, protocol.Text{Content: content})
	for _, sess := range r.snapshot() {
		if exclude != "" && sess.Nickname() == exclude {
			continue
		}
		r.deliver(sess, frame)
	}
}

// SendSystemTo delivers a SYSTEM notice to nickname if it is online.
func (r *Router) SendSystemTo(nickname, content string) {
	if sess, ok := r.Lookup(nickname); ok {
		r.deliver(sess, protocol.Encode(protocol.TypeSystem, protocol.Text{Content: content}))
	}
}

// SendPrivate logs the message for both parties and delivers it if target is
// online. Targets that never registered get nothing and nothing is logged.
func (r *Router) SendPrivate(sender, target, content string) {
	if !r.users.IsRegistered(target) {
		r.SendSystemTo(sender, fmt.Sprintf("Error: User '%s' is not registered.", target))
		return
	}

	r.events.LogPrivate(sender, target, content)

	sess, ok := r.Lookup(target)
	if !ok {
		r.SendSystemTo(sender, fmt.Sprintf("Warning: User '%s' is currently offline. Message logged but not delivered.", target))
		return
	}

	display := fmt.Sprintf("[%s] [PRIVATE from %s]: %s", r.now().Format(clockFormat), sender, content)
	r.deliver(sess, protocol.Encode(protocol.TypePrivate, protocol.Chat{Sender: sender, Content: display}))
	r.SendSystemTo(sender, fmt.Sprintf("[Private message sent to %s]", target))
}

// SendActiveList delivers the current user list to nickname.
func (r *Router) SendActiveList(nickname string) {
	sess, ok := r.Lookup(nickname)
	if !ok {
		return
	}
	r.deliver(sess, r.listFrame())
}

func (r *Router) broadcastList() {
	frame := r.listFrame()
	for _, sess := range r.snapshot() {
		r.deliver(sess, frame)
	}
}

func (r *Router) listFrame() []byte {
	nicks := r.SnapshotNicknames()
	return protocol.Encode(protocol.TypeList, protocol.UserList{Users: nicks, Count: len(nicks)})
}

// deliver writes frame to sess. A failed write closes only that session and
// drops it from the table.
func (r *Router) deliver(sess *Session, frame []byte) {
	err := sess.Send(frame)
	if err == nil {
		return
	}
	if errors.Is(err, ErrSessionClosed) {
		r.Leave(sess)
		return
	}

	r.log.Warn().Err(err).Str("nickname", sess.Nickname()).Str("session", sess.ID).Msg("Delivery failed, closing session")
	r.events.LogEvent("ERROR", fmt.Sprintf("Failed to send data to %s: %v", sess.Nickname(), err))
	sess.Close()
	r.Leave(sess)
}
