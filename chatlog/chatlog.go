// Package chatlog records system events and chat history on disk.
//
// System events go to a single append-only file and are mirrored to the
// operator logger and to a Feed for live viewers. Private messages are filed
// twice, once under each participant:
//
//	<log_dir>/user_data/<owner>/<peer>/<YYYYMMDD>.log
package chatlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"multichat/db"

	"github.com/rs/zerolog"
)

const (
	systemLogName = "system_events.log"
	userDataDir   = "user_data"

	entryTimeFormat = "2006-01-02 15:04:05"
	dayFormat       = "20060102"

	LevelPublic = "PUBLIC_MSG"
)

// Archive receives a copy of every chat line written to disk.
type Archive interface {
	SaveMessage(kind, sender, recipient, text string, timestamp time.Time) error
}

type Logger struct {
	baseDir string
	userDir string
	feed    *Feed
	archive Archive
	log     zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	files map[string]*sync.Mutex
}

// New prepares the directory tree under baseDir. archive may be nil.
func New(baseDir string, feed *Feed, archive Archive, logger zerolog.Logger) (*Logger, error) {
	userDir := filepath.Join(baseDir, userDataDir)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if feed == nil {
		feed = NewFeed()
	}

	return &Logger{
		baseDir: baseDir,
		userDir: userDir,
		feed:    feed,
		archive: archive,
		log:     logger.With().Str("component", "chatlog").Logger(),
		now:     time.Now,
		files:   make(map[string]*sync.Mutex),
	}, nil
}

func (l *Logger) Feed() *Feed {
	return l.feed
}

func (l *Logger) SystemLogPath() string {
	return filepath.Join(l.baseDir, systemLogName)
}

// ChatFilePath returns the file holding owner's history with peer on day.
func (l *Logger) ChatFilePath(owner, peer string, day time.Time) string {
	return filepath.Join(l.userDir, owner, peer, day.Format(dayFormat)+".log")
}

// LogEvent appends a timestamped line to the system log and publishes it.
func (l *Logger) LogEvent(level, message string) {
	entry := fmt.Sprintf("[%s] [%s]: %s", l.now().Format(entryTimeFormat), strings.ToUpper(level), message)

	l.log.Info().Str("level_tag", strings.ToUpper(level)).Msg(message)
	l.write(l.SystemLogPath(), entry)
	l.feed.Publish(entry)
}

func (l *Logger) LogPublic(sender, content string) {
	l.LogEvent(LevelPublic, fmt.Sprintf("<%s>: %s", sender, content))
	l.saveArchive(db.KindPublic, sender, "", content)
}

// LogPrivate files the same entry under sender/recipient and
// recipient/sender.
func (l *Logger) LogPrivate(sender, recipient, content string) {
	now := l.now()
	entry := fmt.Sprintf("[%s] <%s -> %s>: %s", now.Format(entryTimeFormat), sender, recipient, content)

	l.write(l.ChatFilePath(sender, recipient, now), entry)
	l.write(l.ChatFilePath(recipient, sender, now), entry)
	l.saveArchive(db.KindPrivate, sender, recipient, content)
}

func (l *Logger) saveArchive(kind, sender, recipient, content string) {
	if l.archive == nil {
		return
	}
	if err := l.archive.SaveMessage(kind, sender, recipient, content, l.now()); err != nil {
		l.log.Error().Err(err).Str("kind", kind).Str("sender", sender).Msg("Failed to archive message")
	}
}

// write appends entry to path. Failures are reported on the operator log
// only.
func (l *Logger) write(path, entry string) {
	mu := l.fileLock(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		l.log.Error().Err(err).Str("path", path).Msg("Failed to create log dir")
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Error().Err(err).Str("path", path).Msg("Failed to open log file")
		return
	}
	defer f.Close()

	if _, err := f.WriteString(entry + "\n"); err != nil {
		l.log.Error().Err(err).Str("path", path).Msg("Failed to write log file")
	}
}

func (l *Logger) fileLock(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.files[path]
	if !ok {
		mu = &sync.Mutex{}
		l.files[path] = mu
	}
	return mu
}
