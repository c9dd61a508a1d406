// Package dashboard serves the web dashboard: a JSON API over command runs,
// Server-Sent Event streams of their output, and a WebSocket endpoint that
// multiplexes interactive terminal sessions.
package dashboard

import (
	"context"
	"embed"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hostpanel/history"
	"hostpanel/process"
	"hostpanel/runner"
	"hostpanel/session"
)

//go:embed static/*
var staticFS embed.FS

// Options wires the server to the rest of the system.
type Options struct {
	Addr string

	Runner    *runner.Runner
	History   *history.History
	Sessions  *session.Registry
	Terminals *Terminals

	// Exec is the template for commands started through the API. Command,
	// Args, Dir and extra Env come from the request.
	Exec process.Spec

	// ExitedSince is the default history window for GET /api/runs.
	ExitedSince time.Duration
	// Keepalive is the interval of SSE keepalive comments.
	Keepalive time.Duration
	// Buffer is the per-subscriber event buffer for SSE streams.
	Buffer int
	// AllowedOrigins lists WebSocket origins accepted besides the server's own.
	AllowedOrigins []string

	Logger *zap.Logger
}

// Server serves the web dashboard for starting and watching commands and
// for interactive terminals.
type Server struct {
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a new dashboard server bound to opts.Addr.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 15 * time.Second
	}
	if opts.Terminals == nil {
		opts.Terminals = NewTerminals(opts.Logger)
	}
	s := &Server{opts: opts, log: opts.Logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/live", s.handleLiveRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/logs", s.handleGetLogs)
	mux.HandleFunc("GET /api/runs/{id}/stream", s.handleStreamRun)
	mux.HandleFunc("POST /api/runs/{id}/kill", s.handleKillRun)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /ws", s.handleTerminal)

	// Static files
	staticContent, _ := fs.Sub(staticFS, "static")
	mux.Handle("/", http.FileServer(http.FS(staticContent)))

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving HTTP requests. This blocks until the server is shut down.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket connections
// are not tracked by net/http, so they are closed explicitly.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.opts.Terminals.CloseAll()
	return err
}
