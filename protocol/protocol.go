package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	Separator = "|"
	Newline   = '\n'
)

// Message types
const (
	TypeAuthReq     = "AUTH_REQ"
	TypeAuthFail    = "AUTH_FAIL"
	TypeAuthSuccess = "AUTH_SUCCESS"
	TypePublic      = "PUBLIC"
	TypePrivate     = "PRIVATE"
	TypeSystem      = "SYSTEM"
	TypeList        = "LIST"
	TypeListReq     = "LIST_REQ"
)

var (
	ErrEmptyFrame      = errors.New("empty frame")
	ErrInvalidEncoding = errors.New("frame is not valid UTF-8")
	ErrInvalidPayload  = errors.New("invalid frame payload")
)

// Text is the payload of AUTH_*, SYSTEM frames.
type Text struct {
	Content  string `json:"content"`
	Nickname string `json:"nickname,omitempty"`
}

// Chat is the payload of PUBLIC and PRIVATE frames.
type Chat struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// UserList is the payload of LIST frames.
type UserList struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// Payload is the decoded form of any frame payload. Fields absent from the
// wire are left zero.
type Payload struct {
	Sender   string   `json:"sender,omitempty"`
	Content  string   `json:"content,omitempty"`
	Nickname string   `json:"nickname,omitempty"`
	Users    []string `json:"users,omitempty"`
	Count    int      `json:"count,omitempty"`
}

type Frame struct {
	Type    string
	Payload Payload
}

// Encode renders one wire frame, newline included. A nil payload produces a
// type-only frame.
func Encode(msgType string, payload any) []byte {
	var buf bytes.Buffer
	buf.WriteString(msgType)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			buf.WriteString(Separator)
			buf.Write(data)
		}
	}
	buf.WriteByte(Newline)
	return buf.Bytes()
}

// Decode parses one frame. Only the first separator splits type from payload,
// so the JSON may itself contain the separator. Callers drop frames that fail
// to decode.
func Decode(raw []byte) (*Frame, error) {
	if !utf8.Valid(raw) {
		return nil, ErrInvalidEncoding
	}
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return nil, ErrEmptyFrame
	}

	msgType, data, found := strings.Cut(line, Separator)
	frame := &Frame{Type: msgType}
	if !found {
		return frame, nil
	}

	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "{") {
		return nil, ErrInvalidPayload
	}
	if err := json.Unmarshal([]byte(data), &frame.Payload); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	return frame, nil
}

// Command kinds returned by ParseClientCommand.
const (
	KindPublic  = TypePublic
	KindPrivate = TypePrivate
	KindListReq = TypeListReq
	KindHistory = "HISTORY"
	KindExit    = "EXIT"
	KindUnknown = "UNKNOWN_CMD"
)

// ParseClientCommand classifies one line typed by a user. Lines without a
// leading slash are public messages; the rest are commands whose last
// argument keeps its inner spacing.
func ParseClientCommand(text string) (kind, target, content string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return KindPublic, "", text
	}

	command, rest := nextToken(text[1:])
	arg, remainder := nextToken(rest)

	switch strings.ToUpper(command) {
	case "MSG", "FOCUS":
		if arg == "" {
			return KindUnknown, "", ""
		}
		return KindPrivate, arg, remainder
	case "LIST":
		return KindListReq, "", ""
	case "HISTORY":
		return KindHistory, arg, remainder
	case "EXIT":
		return KindExit, "", ""
	}
	return KindUnknown, "", ""
}

// nextToken splits s at the first whitespace run.
func nextToken(s string) (token, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}
