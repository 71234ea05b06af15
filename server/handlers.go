package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"multichat/db"
	"multichat/models"
	"multichat/protocol"
)

const (
	rateLimitWarning = "WARNING: Message rate limit exceeded. Please slow down."
	msgUsage         = "Invalid /msg format. Use: /msg <nickname> <content>"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	historyTimeFormat   = "2006-01-02 15:04:05"
)

// handleLine processes one line from an authenticated session. It returns
// false when the session asked to leave.
func (s *Server) handleLine(sess *Session, line string) bool {
	nickname := sess.Nickname()

	if s.limiter.CheckAndUpdate(nickname) {
		sess.log.Debug().Msg("Rate limit exceeded")
		s.router.SendSystemTo(nickname, rateLimitWarning)
		return true
	}

	kind, target, content := protocol.ParseClientCommand(line)
	switch kind {
	case protocol.KindPublic:
		s.router.BroadcastPublic(nickname, content)
	case protocol.KindListReq:
		s.router.SendActiveList(nickname)
	case protocol.KindExit:
		return false
	case protocol.KindPrivate:
		if target == "" || content == "" {
			s.router.SendSystemTo(nickname, msgUsage)
			return true
		}
		s.router.SendPrivate(nickname, target, content)
	case protocol.KindHistory:
		s.handleHistory(nickname, target, content)
	default:
		s.router.SendSystemTo(nickname, "Unknown command or invalid format: "+line)
	}
	return true
}

// handleHistory answers /history [nick|public] [n] with one SYSTEM line per
// archived message.
func (s *Server) handleHistory(nickname, target, arg string) {
	if s.history == nil {
		s.router.SendSystemTo(nickname, "History is not available on this server.")
		return
	}

	limit := defaultHistoryLimit
	if n, err := strconv.Atoi(strings.TrimSpace(arg)); err == nil && n > 0 {
		limit = min(n, maxHistoryLimit)
	}

	var (
		messages []models.ArchivedMessage
		err      error
		empty    string
	)
	if target == "" || strings.EqualFold(target, "public") {
		messages, err = s.history.GetPublic(limit)
		empty = "No public history."
	} else {
		if !s.users.IsRegistered(target) {
			s.router.SendSystemTo(nickname, fmt.Sprintf("Error: User '%s' is not registered.", target))
			return
		}
		messages, err = s.history.GetConversation(nickname, target, limit)
		empty = fmt.Sprintf("No history with %s.", target)
	}

	if errors.Is(err, db.ErrNoRows) {
		s.router.SendSystemTo(nickname, empty)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("nickname", nickname).Msg("History query failed")
		s.router.SendSystemTo(nickname, "Internal error while reading history.")
		return
	}

	for _, m := range messages {
		s.router.SendSystemTo(nickname, formatHistory(m))
	}
}

func formatHistory(m models.ArchivedMessage) string {
	ts := m.Timestamp.Local().Format(historyTimeFormat)
	if m.Kind == db.KindPrivate {
		return fmt.Sprintf("[history] [%s] <%s -> %s>: %s", ts, m.Sender, m.Recipient, m.Text)
	}
	return fmt.Sprintf("[history] [%s] <%s>: %s", ts, m.Sender, m.Text)
}
