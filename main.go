package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"multichat/admin"
	"multichat/chatlog"
	"multichat/config"
	"multichat/db"
	"multichat/logging"
	"multichat/server"
	"multichat/userdb"

	"github.com/scott-cotton/cli"
)

const shutdownTimeout = 10 * time.Second

type ChatdConfig struct {
	Chatd      *cli.Command
	ConfigFile string `cli:"name=config desc='path to a YAML config file'"`
	Port       int    `cli:"name=port desc='chat port, overrides the config file'"`
	LogLevel   string `cli:"name=log-level desc='debug, info, warn or error'"`
}

func ChatdCommand() *cli.Command {
	cfg := &ChatdConfig{}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Chatd, "chatd").
		WithSynopsis("chatd [-config file] [-port n]").
		WithDescription("run the multi-user chat server").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return chatd(cfg, cc, args)
		})
}

func main() {
	cli.MainContext(context.Background(), ChatdCommand())
}

func chatd(cfg *ChatdConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Chatd.Parse(cc, args); err != nil {
		return err
	}

	conf, err := config.Load(cfg.ConfigFile)
	if err != nil {
		return err
	}
	if cfg.Port != 0 {
		conf.Port = cfg.Port
	}
	if cfg.LogLevel != "" {
		conf.LogLevel = cfg.LogLevel
	}

	logger := logging.New(conf.LogLevel, conf.LogFormat, os.Stderr)

	hasher, err := userdb.NewHasher(conf.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: %w", cli.ErrUsage, err)
	}
	users := userdb.Open(conf.UsersFile, hasher, logger)

	// Interfaces stay nil when the archive is off so /history reports it.
	var (
		archive chatlog.Archive
		history server.History
	)
	if conf.ArchivePath != "" {
		if err := os.MkdirAll(filepath.Dir(conf.ArchivePath), 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		database, err := db.New(conf.ArchivePath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()
		archive, history = database, database
	}

	chatLog, err := chatlog.New(conf.LogDir, nil, archive, logger)
	if err != nil {
		return err
	}

	srv := server.New(&server.ServerConfig{
		Host:            conf.Host,
		Port:            conf.Port,
		WriteTimeout:    time.Duration(conf.WriteTimeout) * time.Second,
		TakeoverTimeout: time.Duration(conf.TakeoverTimeoutMs) * time.Millisecond,
		MaxMessages:     conf.RateLimit.MaxMessages,
		RateWindow:      time.Duration(conf.RateLimit.WindowSeconds) * time.Second,
	}, users, chatLog, history, logger)

	if err := srv.Listen(); err != nil {
		return err
	}
	fmt.Fprintf(cc.Out, "chatd listening on %s\n", srv.Addr())

	var adm *admin.Server
	if conf.Admin.Enabled {
		adm = admin.New(admin.Config{
			HTTPAddr:  net.JoinHostPort(conf.Host, strconv.Itoa(conf.Admin.HTTPPort)),
			WSAddr:    net.JoinHostPort(conf.Host, strconv.Itoa(conf.Admin.WSPort)),
			Password:  conf.Admin.Password,
			StaticDir: conf.Admin.StaticDir,
		}, chatLog.Feed(), chatLog, srv, logger)
		if err := adm.Listen(); err != nil {
			chatLog.LogEvent("CRITICAL_HTTP", fmt.Sprintf("Admin servers unavailable: %v", err))
			adm = nil
		}
	}

	shutdown := make(chan string, 1)
	if conf.ControlSocket != "" {
		ctl, err := startControlSocket(conf.ControlSocket, srv, shutdown, logger)
		if err != nil {
			logger.Warn().Err(err).Str("path", conf.ControlSocket).Msg("Failed to create control socket")
		} else {
			defer ctl.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()

	reason := defaultShutdownReason
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case reason = <-shutdown:
	case err := <-serveErr:
		return err
	}

	if adm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := adm.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Admin shutdown incomplete")
		}
	}
	return srv.Shutdown(reason, shutdownTimeout)
}
