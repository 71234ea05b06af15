package main

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"multichat/server"

	"github.com/rs/zerolog"
)

const defaultShutdownReason = "maintenance"

type statsSource interface {
	Stats() server.Stats
}

// controlSocket accepts management commands on a unix socket:
//
//	stats
//	shutdown|<reason>
type controlSocket struct {
	path     string
	listener net.Listener
	stats    statsSource
	shutdown chan<- string
	log      zerolog.Logger
}

func startControlSocket(path string, stats statsSource, shutdown chan<- string, logger zerolog.Logger) (*controlSocket, error) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	c := &controlSocket{
		path:     path,
		listener: listener,
		stats:    stats,
		shutdown: shutdown,
		log:      logger.With().Str("component", "control").Logger(),
	}
	c.log.Info().Str("path", path).Msg("Control socket listening")

	go c.serve()
	return c, nil
}

func (c *controlSocket) serve() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go c.handle(conn)
	}
}

func (c *controlSocket) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), "|")
	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + c.stats.Stats().String() + "\n"))

	case "shutdown":
		reason := defaultShutdownReason
		if arg != "" {
			reason = arg
		}
		c.log.Info().Str("reason", reason).Msg("Shutdown requested")
		select {
		case c.shutdown <- reason:
			conn.Write([]byte("OK|Shutting down\n"))
		default:
			conn.Write([]byte("ERROR|Shutdown already in progress\n"))
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

func (c *controlSocket) Close() error {
	err := c.listener.Close()
	os.Remove(c.path)
	return err
}
