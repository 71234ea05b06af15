package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"multichat/chatlog"
	"multichat/protocol"
	"multichat/server"
	"multichat/userdb"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

// scriptedServer accepts one connection and hands it to script.
func scriptedServer(t *testing.T, script func(conn net.Conn, lines *bufio.Reader)) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, bufio.NewReader(conn))
	}()
	return listener.Addr().String()
}

func TestNicknameFrom(t *testing.T) {
	tests := []struct {
		name    string
		payload protocol.Payload
		want    string
	}{
		{"field", protocol.Payload{Content: "Welcome back, alice! You are now connected.", Nickname: "alice"}, "alice"},
		{"field wins", protocol.Payload{Content: "Welcome back, bob!", Nickname: "alice"}, "alice"},
		{"text only", protocol.Payload{Content: "Welcome back, carol! You are now connected."}, "carol"},
		{"no marker", protocol.Payload{Content: "hello"}, ""},
		{"no bang", protocol.Payload{Content: "Welcome back, dave"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NicknameFrom(tt.payload); got != tt.want {
				t.Errorf("NicknameFrom() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRewriteFocus(t *testing.T) {
	c := NewClient()

	steps := []struct {
		input      string
		wantOut    string
		wantNotice string
		wantFocus  string
	}{
		{"hello all", "hello all", "", ""},
		{"/msg bob", "", "Chat focus set to bob.", "bob"},
		{"are you there", "/msg bob are you there", "", "bob"},
		{"/msg carol hi carol", "/msg carol hi carol", "Chat focus set to carol.", "carol"},
		{"/list", "/list", "", "carol"},
		{"/focus PUBLIC", "", "Focus reset to Public Chat.", ""},
		{"back in the room", "back in the room", "", ""},
		{"/msg", "", "Invalid format. Use: /msg <nick> <msg>", ""},
		{"   ", "", "", ""},
	}
	for _, step := range steps {
		out, notice, exit := c.rewrite(step.input)
		if exit {
			t.Fatalf("%q: unexpected exit", step.input)
		}
		if out != step.wantOut || notice != step.wantNotice {
			t.Errorf("%q: got (%q, %q), want (%q, %q)", step.input, out, notice, step.wantOut, step.wantNotice)
		}
		if c.Focus() != step.wantFocus {
			t.Errorf("%q: focus %q, want %q", step.input, c.Focus(), step.wantFocus)
		}
	}

	if _, _, exit := c.rewrite("/EXIT"); !exit {
		t.Error("Expected /EXIT to exit")
	}
}

func TestLoginFallsBackToWelcomeText(t *testing.T) {
	received := make(chan string, 4)
	addr := scriptedServer(t, func(conn net.Conn, lines *bufio.Reader) {
		conn.Write(protocol.Encode(protocol.TypeAuthReq, protocol.Text{Content: "login please"}))

		line, _ := lines.ReadString('\n')
		received <- strings.TrimSpace(line)
		conn.Write(protocol.Encode(protocol.TypeAuthFail, protocol.Text{Content: "nope"}))

		line, _ = lines.ReadString('\n')
		received <- strings.TrimSpace(line)
		conn.Write(protocol.Encode(protocol.TypeAuthSuccess, protocol.Text{Content: "Welcome back, alice! You are now connected."}))

		line, _ = lines.ReadString('\n')
		received <- strings.TrimSpace(line)
	})

	c := NewClient()
	if err := c.Connect(addr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := c.Login(ctx, "alice", "wrong")
	if err != nil || ok {
		t.Fatalf("Expected rejection, got ok=%v err=%v", ok, err)
	}
	ok, err = c.Login(ctx, "alice", "secret1")
	if err != nil || !ok {
		t.Fatalf("Expected success, got ok=%v err=%v", ok, err)
	}
	if c.Nickname() != "alice" {
		t.Errorf("Expected nickname alice, got %q", c.Nickname())
	}

	if _, err := c.Input("/exit"); !errors.Is(err, ErrExited) {
		t.Errorf("Expected ErrExited, got %v", err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case line := <-received:
			got = append(got, line)
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out after %v", got)
		}
	}
	if diff := cmp.Diff([]string{"alice wrong", "alice secret1", "/exit"}, got); diff != "" {
		t.Errorf("Lines sent mismatch (-want +got):\n%s", diff)
	}
}

func TestDoneOnRemoteClose(t *testing.T) {
	addr := scriptedServer(t, func(conn net.Conn, _ *bufio.Reader) {
		conn.Write(protocol.Encode(protocol.TypeSystem, protocol.Text{Content: "bye"}))
	})

	c := NewClient()
	var (
		mu    sync.Mutex
		notes []string
	)
	c.OnFrame(protocol.TypeSystem, func(p protocol.Payload) {
		mu.Lock()
		notes = append(notes, p.Content)
		mu.Unlock()
	})
	if err := c.Connect(addr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected Done after remote close")
	}
	if c.IsConnected() {
		t.Error("Expected client to be disconnected")
	}
	if err := c.Send("hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"bye"}, notes); diff != "" {
		t.Errorf("System notes mismatch (-want +got):\n%s", diff)
	}
}

func TestFocusedChatAgainstServer(t *testing.T) {
	dir := t.TempDir()
	users := userdb.Open(filepath.Join(dir, "user_db.json"), nil, zerolog.Nop())
	chatLog, err := chatlog.New(filepath.Join(dir, "log"), nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(&server.ServerConfig{Host: "127.0.0.1"}, users, chatLog, nil, zerolog.Nop())
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Shutdown("", 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connect := func(nick string) (*Client, chan protocol.Payload) {
		c := NewClient()
		private := make(chan protocol.Payload, 8)
		c.OnFrame(protocol.TypePrivate, func(p protocol.Payload) { private <- p })
		if err := c.Connect(srv.Addr().String()); err != nil {
			t.Fatal(err)
		}
		if ok, err := c.Login(ctx, nick, "pw-"+nick); err != nil || !ok {
			t.Fatalf("Login %s failed: ok=%v err=%v", nick, ok, err)
		}
		return c, private
	}

	alice, _ := connect("alice")
	defer alice.Disconnect()
	bob, bobPrivate := connect("bob")
	defer bob.Disconnect()

	if alice.Nickname() != "alice" {
		t.Errorf("Expected nickname field to be used, got %q", alice.Nickname())
	}

	if _, err := alice.Input("/focus bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Input("just for you"); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-bobPrivate:
		if p.Sender != "alice" || !strings.HasSuffix(p.Content, "[PRIVATE from alice]: just for you") {
			t.Errorf("Unexpected private payload %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Bob never received the focused message")
	}
}
