// Package userdb keeps the registered nicknames and their password hashes in
// a JSON file that is rewritten on every registration.
package userdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"multichat/models"

	"github.com/rs/zerolog"
)

const reservedPrefix = "*"

var (
	ErrExists           = errors.New("nickname already registered")
	ErrReservedNickname = errors.New("nickname uses the reserved prefix")
	ErrInvalidNickname  = errors.New("invalid nickname")
	ErrUnknownUser      = errors.New("unknown user")
)

type Store struct {
	path   string
	hasher Hasher
	log    zerolog.Logger

	mu    sync.RWMutex
	users map[string]models.UserRecord
}

// Open loads the table at path. A missing or unreadable file yields an empty
// store; the problem is logged, never returned.
func Open(path string, hasher Hasher, logger zerolog.Logger) *Store {
	if hasher == nil {
		hasher = SHA256Hasher{}
	}
	s := &Store{
		path:   path,
		hasher: hasher,
		log:    logger.With().Str("component", "userdb").Logger(),
		users:  make(map[string]models.UserRecord),
	}
	if err := s.load(); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Starting with an empty user table")
	}
	return s
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read user table: %w", err)
	}

	users := make(map[string]models.UserRecord)
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("decode user table: %w", err)
	}
	for nick, rec := range users {
		rec.Nickname = nick
		s.users[nick] = rec
	}
	return nil
}

// Register adds nickname with the given password and persists the table.
func (s *Store) Register(nickname, password string) error {
	if err := validateNickname(nickname); err != nil {
		return err
	}

	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[nickname]; ok {
		return ErrExists
	}

	s.users[nickname] = models.UserRecord{
		Nickname:     nickname,
		Password:     hashed,
		RegisteredAt: time.Now().Format("2006-01-02T15:04:05.000000"),
	}
	if err := s.save(); err != nil {
		delete(s.users, nickname)
		return err
	}
	return nil
}

// Authenticate reports whether password matches the stored hash.
func (s *Store) Authenticate(nickname, password string) bool {
	s.mu.RLock()
	rec, ok := s.users[nickname]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return verify(rec.Password, password)
}

func (s *Store) IsRegistered(nickname string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[nickname]
	return ok
}

func (s *Store) Get(nickname string) (models.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[nickname]
	if !ok {
		return models.UserRecord{}, ErrUnknownUser
	}
	return rec, nil
}

// Nicknames returns all registered nicknames, sorted.
func (s *Store) Nicknames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nicks := make([]string, 0, len(s.users))
	for nick := range s.users {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)
	return nicks
}

// save writes the table to a temp file next to path and renames it into
// place. Callers hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.users, "", "    ")
	if err != nil {
		return fmt.Errorf("encode user table: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create user table dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp user table: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write user table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync user table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close user table: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace user table: %w", err)
	}
	return nil
}

// validateNickname rejects the reserved prefix and names that cannot be used
// as a log directory.
func validateNickname(nickname string) error {
	if strings.HasPrefix(nickname, reservedPrefix) {
		return ErrReservedNickname
	}
	if nickname == "" || nickname == "." || nickname == ".." ||
		strings.ContainsAny(nickname, `/\`) || strings.ContainsFunc(nickname, isSpace) {
		return ErrInvalidNickname
	}
	return nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
