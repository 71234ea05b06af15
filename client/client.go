package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"multichat/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrExited       = errors.New("exited")
)

const (
	dialTimeout  = 10 * time.Second
	welcomeMark  = "Welcome back, "
	publicTarget = "public"
)

// Client is the protocol side of an interactive chat client.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	mu       sync.Mutex
	handlers map[string][]func(protocol.Payload)
	nickname string
	focus    string

	sendMu    sync.Mutex
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	auth      chan bool
}

func NewClient() *Client {
	return &Client{
		handlers: make(map[string][]func(protocol.Payload)),
		done:     make(chan struct{}),
		auth:     make(chan bool, 1),
	}
}

// Connect dials the chat server and starts reading frames.
func (c *Client) Connect(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected.Store(true)

	go c.readLoop()
	return nil
}

// Disconnect tells the server we are leaving and closes the connection.
func (c *Client) Disconnect() error {
	if !c.connected.Load() {
		return nil
	}
	c.Send("/exit")
	return c.close()
}

func (c *Client) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// Done is closed when the connection ends, from either side.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Nickname is set once the server accepts our credentials.
func (c *Client) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// Focus is the peer plain lines are sent to, or "" for the public room.
func (c *Client) Focus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focus
}

// OnFrame registers a handler for a frame type. Handlers run on the read
// goroutine in arrival order.
func (c *Client) OnFrame(msgType string, handler func(protocol.Payload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
}

func (c *Client) readLoop() {
	defer c.close()
	for {
		line, err := c.reader.ReadBytes('\n')
		if len(line) > 0 {
			if frame, derr := protocol.Decode(line); derr == nil {
				c.dispatch(frame)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) dispatch(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeAuthSuccess:
		if nick := NicknameFrom(frame.Payload); nick != "" {
			c.mu.Lock()
			c.nickname = nick
			c.mu.Unlock()
		}
		c.signalAuth(true)
	case protocol.TypeAuthFail:
		c.signalAuth(false)
	}

	c.mu.Lock()
	handlers := c.handlers[frame.Type]
	c.mu.Unlock()
	for _, h := range handlers {
		h(frame.Payload)
	}
}

func (c *Client) signalAuth(ok bool) {
	select {
	case c.auth <- ok:
	default:
	}
}

// Send writes one raw line to the server.
func (c *Client) Send(line string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.connected.Load() {
		return ErrNotConnected
	}
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

// Login sends credentials and waits for the server's verdict. A rejected
// attempt returns false with a nil error; the caller may retry.
func (c *Client) Login(ctx context.Context, nickname, password string) (bool, error) {
	select {
	case <-c.auth:
	default:
	}
	if err := c.Send(nickname + " " + password); err != nil {
		return false, err
	}

	select {
	case ok := <-c.auth:
		return ok, nil
	case <-c.done:
		return false, ErrNotConnected
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Input applies focus handling to a line typed by the user and sends the
// result. The returned notice, if any, is meant for local display.
// ErrExited is returned after /exit.
func (c *Client) Input(line string) (string, error) {
	out, notice, exit := c.rewrite(line)
	if exit {
		return "", errors.Join(ErrExited, c.Disconnect())
	}
	if out == "" {
		return notice, nil
	}
	return notice, c.Send(out)
}

// rewrite maps user input to the line to send. /msg or /focus with a target
// moves the focus; with no text nothing is sent. Plain lines go to the
// focused peer.
func (c *Client) rewrite(line string) (out, notice string, exit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}

	if strings.HasPrefix(line, "/") {
		if strings.EqualFold(line, "/exit") {
			return "", "", true
		}

		parts := strings.SplitN(line[1:], " ", 3)
		switch strings.ToUpper(parts[0]) {
		case "MSG", "FOCUS":
			if len(parts) < 2 || parts[1] == "" {
				return "", "Invalid format. Use: /msg <nick> <msg>", false
			}
			c.mu.Lock()
			if strings.EqualFold(parts[1], publicTarget) {
				c.focus = ""
				notice = "Focus reset to Public Chat."
			} else {
				c.focus = parts[1]
				notice = fmt.Sprintf("Chat focus set to %s.", parts[1])
			}
			c.mu.Unlock()
			if len(parts) == 2 {
				return "", notice, false
			}
		}
		return line, notice, false
	}

	if focus := c.Focus(); focus != "" {
		return fmt.Sprintf("/msg %s %s", focus, line), "", false
	}
	return line, "", false
}

// NicknameFrom returns the nickname carried by an AUTH_SUCCESS payload. Older
// servers only state it in the welcome text.
func NicknameFrom(p protocol.Payload) string {
	if p.Nickname != "" {
		return p.Nickname
	}
	_, rest, ok := strings.Cut(p.Content, welcomeMark)
	if !ok {
		return ""
	}
	nick, _, ok := strings.Cut(rest, "!")
	if !ok {
		return ""
	}
	return strings.TrimSpace(nick)
}
