// Package session multiplexes interactive terminal sessions over client
// connections. A connection may hold any number of independently named
// sessions, each backed by its own pseudo-terminal process.
package session

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"hostpanel/lifecycle"
	"hostpanel/process"
)

// Sink receives session events for delivery to the owning connection.
// Calls for one session arrive in order: created, output..., closed.
type Sink interface {
	SessionCreated(connID, sessionID string)
	SessionOutput(connID, sessionID string, data []byte)
	SessionClosed(connID, sessionID string, exitCode int)
}

// Config describes the terminals the registry starts.
type Config struct {
	// Command runs instead of the interactive shell when set.
	Command string
	Shell   string
	Dir     string
	Env     map[string]string
	Term    string
	Cols    int
	Rows    int

	// Buffer is the per-session output relay buffer.
	Buffer int
}

func (c Config) spec() process.Spec {
	return process.Spec{
		Command: c.Command,
		Shell:   c.Shell,
		Dir:     c.Dir,
		Env:     c.Env,
		TTY:     true,
		Term:    c.Term,
		Cols:    c.Cols,
		Rows:    c.Rows,
	}
}

type state int

const (
	stateRequested state = iota
	stateActive
)

type entry struct {
	conn    string
	id      string
	proc    process.Process
	created time.Time
	state   state

	// disconnected suppresses the closed notification; the connection is gone.
	disconnected bool
}

// Info describes one live session.
type Info struct {
	Connection string       `json:"connection_id"`
	Session    string       `json:"session_id"`
	Created    time.Time    `json:"created_at"`
	Process    process.Info `json:"process"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithFactory replaces how session processes are created.
func WithFactory(f process.Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry maps connection ids to their named sessions. All access to the
// map goes through its methods, which serialize on one lock.
type Registry struct {
	cfg     Config
	sink    Sink
	tracker *lifecycle.Tracker
	factory process.Factory
	log     *zap.Logger

	mu    sync.Mutex
	conns map[string]map[string]*entry
}

// NewRegistry creates an empty registry delivering events to sink.
func NewRegistry(cfg Config, sink Sink, tracker *lifecycle.Tracker, opts ...Option) *Registry {
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 30
	}
	r := &Registry{
		cfg:     cfg,
		sink:    sink,
		tracker: tracker,
		log:     zap.NewNop(),
		conns:   make(map[string]map[string]*entry),
	}
	r.factory = func(spec process.Spec) process.Process {
		return process.New(spec, process.WithLogger(r.log))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession starts a terminal for sessionID on connID. A duplicate id is
// rejected without touching the existing session; a launch failure leaves
// nothing registered.
func (r *Registry) CreateSession(connID, sessionID string) error {
	log := r.log.With(zap.String("connection_id", connID), zap.String("session_id", sessionID))

	r.mu.Lock()
	sessions := r.conns[connID]
	if _, exists := sessions[sessionID]; exists {
		r.mu.Unlock()
		return ErrDuplicateSession
	}
	if sessions == nil {
		sessions = make(map[string]*entry)
		r.conns[connID] = sessions
	}
	e := &entry{
		conn:    connID,
		id:      sessionID,
		proc:    r.factory(r.cfg.spec()),
		created: time.Now().UTC(),
		state:   stateRequested,
	}
	// Reserve the id so a concurrent duplicate is rejected while we spawn.
	sessions[sessionID] = e
	r.mu.Unlock()

	sub := e.proc.SubscribeBlocking(r.cfg.Buffer)
	if err := e.proc.Start(); err != nil {
		sub.Unsubscribe()
		r.mu.Lock()
		r.removeLocked(e)
		r.mu.Unlock()
		log.Warn("session failed to start", zap.Error(err))
		return err
	}
	r.tracker.Track(e.proc)

	r.mu.Lock()
	if r.conns[connID][sessionID] != e {
		// The connection went away while we were spawning.
		r.mu.Unlock()
		_ = e.proc.Terminate()
		go func() {
			for range sub.C() {
			}
		}()
		return ErrUnknownSession
	}
	e.state = stateActive
	r.mu.Unlock()

	log.Info("session created", zap.Int("pid", e.proc.Info().PID))
	r.sink.SessionCreated(connID, sessionID)

	go r.pump(e, sub.C(), log)
	return nil
}

// pump relays output until the process ends, then evicts the entry and
// tells the connection, unless the connection itself is gone.
func (r *Registry) pump(e *entry, output <-chan process.Chunk, log *zap.Logger) {
	for c := range output {
		r.sink.SessionOutput(e.conn, e.id, c.Data)
	}
	<-e.proc.Done()

	r.mu.Lock()
	r.removeLocked(e)
	disconnected := e.disconnected
	r.mu.Unlock()

	res := e.proc.Result()
	log.Info("session closed", zap.Int("exit_code", res.ExitCode), zap.Bool("disconnected", disconnected))
	if !disconnected {
		r.sink.SessionClosed(e.conn, e.id, res.ExitCode)
	}
}

// removeLocked deletes e if it is still the registered entry for its id.
func (r *Registry) removeLocked(e *entry) {
	sessions := r.conns[e.conn]
	if sessions[e.id] != e {
		return
	}
	delete(sessions, e.id)
	if len(sessions) == 0 {
		delete(r.conns, e.conn)
	}
}

func (r *Registry) active(connID, sessionID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.conns[connID][sessionID]
	if e == nil || e.state != stateActive {
		return nil
	}
	return e
}

// Input writes data to the session's terminal.
func (r *Registry) Input(connID, sessionID string, data []byte) error {
	e := r.active(connID, sessionID)
	if e == nil {
		r.log.Debug("input for unknown session", zap.String("connection_id", connID), zap.String("session_id", sessionID))
		return ErrUnknownSession
	}
	if err := e.proc.WriteInput(data); err != nil {
		if errors.Is(err, process.ErrNotRunning) {
			return ErrUnknownSession
		}
		return err
	}
	return nil
}

// Resize changes the session's terminal size. Unknown sessions are ignored;
// resizes racing with teardown are expected.
func (r *Registry) Resize(connID, sessionID string, cols, rows int) error {
	e := r.active(connID, sessionID)
	if e == nil {
		r.log.Debug("resize for unknown session", zap.String("connection_id", connID), zap.String("session_id", sessionID))
		return nil
	}
	err := e.proc.Resize(cols, rows)
	if errors.Is(err, process.ErrNotRunning) {
		return nil
	}
	return err
}

// CloseSession terminates and removes a session. Closing an unknown or
// already closed session is a no-op.
func (r *Registry) CloseSession(connID, sessionID string) error {
	r.mu.Lock()
	e := r.conns[connID][sessionID]
	if e != nil {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	if e == nil {
		return nil
	}
	return e.proc.Terminate()
}

// Disconnect tears down every session owned by connID. Each session is
// attempted even if others fail; the failures are returned together. It is
// meant to be called once per connection, but repeated calls are harmless.
func (r *Registry) Disconnect(connID string) error {
	r.mu.Lock()
	sessions := r.conns[connID]
	delete(r.conns, connID)
	procs := make([]process.Process, 0, len(sessions))
	for _, e := range sessions {
		e.disconnected = true
		procs = append(procs, e.proc)
	}
	r.mu.Unlock()

	if len(procs) == 0 {
		return nil
	}
	log := r.log.With(zap.String("connection_id", connID))
	log.Info("connection lost, closing sessions", zap.Int("count", len(procs)))
	return lifecycle.TerminateAll(procs, log)
}

// Sessions lists the live sessions of a connection ordered by creation.
func (r *Registry) Sessions(connID string) []Info {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.conns[connID]))
	for _, e := range r.conns[connID] {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	return infos(entries)
}

// All lists every live session across connections.
func (r *Registry) All() []Info {
	r.mu.Lock()
	var entries []*entry
	for _, sessions := range r.conns {
		for _, e := range sessions {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()
	return infos(entries)
}

// Connections returns the ids of connections with at least one session.
func (r *Registry) Connections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of sessions on connID.
func (r *Registry) Len(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[connID])
}

func infos(entries []*entry) []Info {
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, Info{
			Connection: e.conn,
			Session:    e.id,
			Created:    e.created,
			Process:    e.proc.Info(),
		})
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.Session, b.Session)
	})
	return out
}
