package main

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hostpanel/broadcast"
	"hostpanel/config"
	"hostpanel/dashboard"
	"hostpanel/history"
	"hostpanel/lifecycle"
	"hostpanel/process"
	"hostpanel/runner"
	"hostpanel/session"
	"hostpanel/store"
	"hostpanel/tools"
)

// app holds the long-lived components shared by the dashboard and the MCP
// server.
type app struct {
	cfg config.Config
	log *zap.Logger

	store     *store.DirStore
	history   *history.History
	hub       *broadcast.Hub[runner.Event]
	tracker   *lifecycle.Tracker
	runner    *runner.Runner
	terminals *dashboard.Terminals
	sessions  *session.Registry
}

func newApp(cfg config.Config, log *zap.Logger) (*app, error) {
	st, err := store.OpenDirStore(cfg.HistoryDir())
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		store:   st,
		hub:     broadcast.NewHub[runner.Event](),
		tracker: lifecycle.NewTracker(log.Named("lifecycle")),
	}
	a.history = history.New(st,
		history.WithLogDir(cfg.LogDir()),
		history.WithLogger(log.Named("history")),
	)
	if n, err := a.history.Prune(cfg.History.Retention.Duration); err != nil {
		log.Warn("pruning run history", zap.Error(err))
	} else if n > 0 {
		log.Info("pruned run history", zap.Int("removed", n))
	}

	grace := cfg.Exec.TerminateGrace.Duration
	factory := func(name string) process.Factory {
		plog := log.Named(name)
		return func(spec process.Spec) process.Process {
			return process.New(spec, process.WithGrace(grace), process.WithLogger(plog))
		}
	}

	a.runner = runner.New(a.hub, a.tracker,
		runner.WithFactory(factory("run")),
		runner.WithLogger(log.Named("runner")),
		runner.WithRecorder(a.history),
	)

	a.terminals = dashboard.NewTerminals(log.Named("terminal"))
	a.sessions = session.NewRegistry(session.Config{
		Shell:  cfg.Terminal.Shell,
		Dir:    cfg.Terminal.Dir,
		Term:   cfg.Terminal.Term,
		Cols:   cfg.Terminal.Cols,
		Rows:   cfg.Terminal.Rows,
		Buffer: cfg.Stream.SubscriberBuffer,
	}, a.terminals, a.tracker,
		session.WithFactory(factory("session")),
		session.WithLogger(log.Named("session")),
	)
	return a, nil
}

// execSpec is the template for one-shot commands.
func (a *app) execSpec() process.Spec {
	return process.Spec{
		Shell:      a.cfg.Exec.Shell,
		LoginShell: a.cfg.Exec.LoginShell,
		Env:        a.cfg.Exec.Env,
	}
}

func (a *app) dashboard() *dashboard.Server {
	return dashboard.NewServer(dashboard.Options{
		Addr:           a.cfg.Listen,
		Runner:         a.runner,
		History:        a.history,
		Sessions:       a.sessions,
		Terminals:      a.terminals,
		Exec:           a.execSpec(),
		ExitedSince:    a.cfg.History.ExitedSince.Duration,
		Keepalive:      a.cfg.Stream.Keepalive.Duration,
		Buffer:         a.cfg.Stream.SubscriberBuffer,
		AllowedOrigins: a.cfg.Transport.AllowedOrigins,
		Logger:         a.log.Named("dashboard"),
	})
}

func (a *app) mcpServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "hostpanel",
		Version: Version,
	}, nil)
	tools.RegisterRunTools(server, tools.Runs{Runner: a.runner, History: a.history, Exec: a.execSpec()})
	tools.RegisterSessionTools(server, a.sessions)
	return server
}

// close terminates every live process, then closes run logs and releases
// the history directory.
func (a *app) close(ctx context.Context) error {
	err := a.tracker.Shutdown(ctx)
	a.terminals.CloseAll()
	a.hub.Close()
	return multierr.Combine(err, a.history.Close(), a.store.Close())
}
