package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"multichat/chatlog"
	"multichat/server"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type fixedStats server.Stats

func (f fixedStats) Stats() server.Stats { return server.Stats(f) }

func setupAdmin(t *testing.T, stats StatsSource) (*Server, *chatlog.Logger) {
	t.Helper()
	dir := t.TempDir()
	static := filepath.Join(dir, "static")
	if err := os.MkdirAll(static, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>chat admin</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}

	chatLog, err := chatlog.New(filepath.Join(dir, "log"), nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create chat log: %v", err)
	}
	config := Config{
		HTTPAddr:  "127.0.0.1:0",
		WSAddr:    "127.0.0.1:0",
		Password:  "admin123",
		StaticDir: static,
	}
	return New(config, chatLog.Feed(), chatLog, stats, zerolog.Nop()), chatLog
}

func dialStream(t *testing.T, url, password string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(password)); err != nil {
		t.Fatalf("Failed to send password: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read auth reply: %v", err)
	}
	return conn, string(reply)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func waitSubscribers(t *testing.T, feed *chatlog.Feed, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for feed.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d subscribers, have %d", n, feed.Subscribers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamRejectsWrongPassword(t *testing.T) {
	adm, chatLog := setupAdmin(t, nil)
	ts := httptest.NewServer(adm.StreamHandler())
	defer ts.Close()

	conn, reply := dialStream(t, wsURL(ts.URL), "guess")
	if reply != authFailed {
		t.Errorf("Expected %q, got %q", authFailed, reply)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed after a failed login")
	}
	if n := chatLog.Feed().Subscribers(); n != 0 {
		t.Errorf("Rejected viewer must not subscribe, have %d", n)
	}
}

func TestStreamForwardsLogEvents(t *testing.T) {
	adm, chatLog := setupAdmin(t, nil)
	ts := httptest.NewServer(adm.StreamHandler())
	defer ts.Close()

	conn, reply := dialStream(t, wsURL(ts.URL), "admin123")
	if reply != authSuccess {
		t.Fatalf("Expected %q, got %q", authSuccess, reply)
	}
	waitSubscribers(t, chatLog.Feed(), 1)

	chatLog.LogEvent("LOGIN", "User alice logged in from 127.0.0.1:5555")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read log entry: %v", err)
	}
	var msg logMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Invalid JSON %q: %v", data, err)
	}
	if msg.Type != "log" || !strings.HasSuffix(msg.Content, "[LOGIN]: User alice logged in from 127.0.0.1:5555") {
		t.Errorf("Unexpected log message %+v", msg)
	}

	conn.Close()
	waitSubscribers(t, chatLog.Feed(), 0)
}

func TestStatsEndpoint(t *testing.T) {
	want := server.Stats{Active: 2, Users: []string{"alice", "bob"}, Accepted: 7}
	adm, _ := setupAdmin(t, fixedStats(want))

	rec := httptest.NewRecorder()
	adm.StaticHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var got server.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Invalid stats JSON: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	adm.StaticHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST, got %d", rec.Code)
	}
}

func TestStaticFiles(t *testing.T) {
	adm, _ := setupAdmin(t, nil)

	rec := httptest.NewRecorder()
	adm.StaticHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	// FileServer redirects /index.html to /.
	if rec.Code != http.StatusMovedPermanently {
		t.Errorf("Expected redirect for index.html, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	adm.StaticHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != http.StatusOK || !strings.Contains(string(body), "chat admin") {
		t.Errorf("Expected index page, got %d %q", rec.Code, body)
	}
}

func TestListenAndShutdown(t *testing.T) {
	adm, chatLog := setupAdmin(t, nil)
	if err := adm.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	resp, err := http.Get("http://" + adm.HTTPAddr().String() + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	conn, reply := dialStream(t, "ws://"+adm.WSAddr().String()+"/", "admin123")
	if reply != authSuccess {
		t.Fatalf("Expected %q, got %q", authSuccess, reply)
	}
	waitSubscribers(t, chatLog.Feed(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adm.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Logf("Stream ended with %v", err)
			}
			break
		}
	}
	waitSubscribers(t, chatLog.Feed(), 0)
}
