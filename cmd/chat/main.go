package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"multichat/client"
	"multichat/protocol"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/scott-cotton/cli"
)

const loginTimeout = 30 * time.Second

type ChatConfig struct {
	Chat    *cli.Command
	Host    string `cli:"name=host desc='server host default 127.0.0.1'"`
	Port    int    `cli:"name=port desc='server port default 9999'"`
	NoColor bool   `cli:"name=no-color desc='disable coloured output'"`
}

func ChatCommand() *cli.Command {
	cfg := &ChatConfig{Host: "127.0.0.1", Port: 9999}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Chat, "chat").
		WithSynopsis("chat [-host h] [-port n]").
		WithDescription("connect to a chat server").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return chat(cfg, cc, args)
		})
}

func main() {
	cli.MainContext(context.Background(), ChatCommand())
}

// terminal serialises output from the read goroutine and the input loop.
type terminal struct {
	mu  sync.Mutex
	out io.Writer

	auth    func(a ...any) string
	system  func(a ...any) string
	private func(a ...any) string
	list    func(a ...any) string
}

func newTerminal(out io.Writer, noColor bool) *terminal {
	if f, ok := out.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) || noColor {
		color.NoColor = true
	}
	return &terminal{
		out:     out,
		auth:    color.New(color.FgCyan, color.Bold).SprintFunc(),
		system:  color.New(color.FgYellow).SprintFunc(),
		private: color.New(color.FgMagenta).SprintFunc(),
		list:    color.New(color.FgGreen).SprintFunc(),
	}
}

func (t *terminal) println(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, line)
}

func (t *terminal) attach(c *client.Client) {
	c.OnFrame(protocol.TypeAuthReq, func(p protocol.Payload) {
		t.println(t.auth("[AUTH REQUIRED] ") + p.Content)
	})
	c.OnFrame(protocol.TypeAuthFail, func(p protocol.Payload) {
		t.println(t.auth("[AUTH FAILED] ") + p.Content)
	})
	c.OnFrame(protocol.TypeAuthSuccess, func(p protocol.Payload) {
		t.println(t.auth("[AUTH SUCCESS] ") + p.Content)
	})
	c.OnFrame(protocol.TypePublic, func(p protocol.Payload) {
		t.println(p.Content)
	})
	c.OnFrame(protocol.TypePrivate, func(p protocol.Payload) {
		t.println(t.private(p.Content))
	})
	c.OnFrame(protocol.TypeSystem, func(p protocol.Payload) {
		t.println(t.system("[SYSTEM] ") + p.Content)
	})
	c.OnFrame(protocol.TypeList, func(p protocol.Payload) {
		t.println(t.list(fmt.Sprintf("--- ACTIVE USERS (%d) ---\n%s\n---------------------------",
			p.Count, strings.Join(p.Users, " | "))))
	})
}

func chat(cfg *ChatConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Chat.Parse(cc, args); err != nil {
		return err
	}

	term := newTerminal(cc.Out, cfg.NoColor)
	c := client.NewClient()
	term.attach(c)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if err := c.Connect(addr); err != nil {
		return fmt.Errorf("connection to %s failed, make sure the server is running: %w", addr, err)
	}
	term.println(term.system("[SYSTEM] ") + "Connected to server at " + addr)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cc.In)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	if err := login(c, term, lines); err != nil {
		c.Disconnect()
		return err
	}
	term.println("--- You are now in the main chat. Available commands: /list /msg <nick> /focus <nick|public> /history [nick] /exit ---")

	for {
		select {
		case <-c.Done():
			term.println(term.system("[SYSTEM] ") + "Connection with server was lost.")
			return nil
		case line, ok := <-lines:
			if !ok {
				return c.Disconnect()
			}
			notice, err := c.Input(line)
			if notice != "" {
				term.println(term.system("[SYSTEM] ") + notice)
			}
			if errors.Is(err, client.ErrExited) {
				term.println(term.system("[SYSTEM] ") + "Connection closed.")
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// login reads "<nickname> <password>" lines until the server accepts one.
func login(c *client.Client, term *terminal, lines <-chan string) error {
	for {
		var line string
		select {
		case <-c.Done():
			return errors.New("server closed the connection")
		case l, ok := <-lines:
			if !ok {
				return io.EOF
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		nickname, password, _ := strings.Cut(line, " ")
		ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
		ok, err := c.Login(ctx, nickname, strings.TrimSpace(password))
		cancel()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}
