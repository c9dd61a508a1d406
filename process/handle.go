// Package process owns spawned OS processes: it launches them on pipes or on
// a pseudo-terminal, fans their output out to observers, forwards input,
// resizes terminals and guarantees that every launched process is reaped and
// its descriptors closed exactly once.
package process

import (
	"errors"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"hostpanel/broadcast"
)

// DefaultGrace is how long Terminate waits after the polite signal before
// sending SIGKILL.
const DefaultGrace = 5 * time.Second

const readBufferSize = 32 * 1024

// Option configures a Handle.
type Option func(*Handle)

// WithID overrides the generated handle id.
func WithID(id string) Option {
	return func(h *Handle) { h.id = id }
}

// WithGrace sets the SIGKILL escalation delay used by Terminate.
func WithGrace(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.log = l
		}
	}
}

// Handle is the single owner of one OS process.
type Handle struct {
	id    string
	spec  Spec
	grace time.Duration
	log   *zap.Logger

	out *broadcast.Broadcaster[Chunk]

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	ptmx      *os.File
	stdin     io.WriteCloser
	cols      int
	rows      int
	startedAt time.Time
	exitedAt  time.Time
	result    Result
	hooks     []func(Result)

	done        chan struct{}
	finishOnce  sync.Once
	releaseOnce sync.Once
	termOnce    sync.Once
}

// New creates an unstarted handle for spec.
func New(spec Spec, opts ...Option) *Handle {
	h := &Handle{
		id:    uuid.NewString(),
		spec:  spec,
		grace: DefaultGrace,
		log:   zap.NewNop(),
		out:   broadcast.New[Chunk](),
		state: StateSpawning,
		done:  make(chan struct{}),
	}
	if spec.TTY {
		h.cols, h.rows = clamp(spec.Cols, spec.Rows)
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(zap.String("handle_id", h.id))
	return h
}

// Spawn creates and starts a handle. Observers that must not miss early
// output should use New, Subscribe and Start instead.
func Spawn(spec Spec, opts ...Option) (*Handle, error) {
	h := New(spec, opts...)
	if err := h.Start(); err != nil {
		return h, err
	}
	return h, nil
}

func (h *Handle) ID() string { return h.id }

// Spec returns the spec the handle was created with.
func (h *Handle) Spec() Spec { return h.spec }

// Subscribe registers an observer that is dropped if it falls behind.
func (h *Handle) Subscribe(buffer int) *broadcast.Subscription[Chunk] {
	return h.out.Subscribe(buffer)
}

// SubscribeBlocking registers an observer that the output pumps wait for.
func (h *Handle) SubscribeBlocking(buffer int) *broadcast.Subscription[Chunk] {
	return h.out.SubscribeBlocking(buffer)
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Size returns the terminal geometry. Zero for pipe-backed handles.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Start launches the process. On failure the handle moves to Failed, its
// terminal notification fires with the launch error and no output is ever
// published.
func (h *Handle) Start() error {
	h.mu.Lock()
	if h.state != StateSpawning {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}

	var (
		streams []stream
		err     error
	)
	cmd := h.spec.command()
	switch {
	case !h.spec.TTY && h.spec.Command == "":
		err = ErrEmptyCommand
	case h.spec.TTY:
		var ptmx *os.File
		ptmx, err = pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(h.cols), Rows: uint16(h.rows)})
		if err == nil {
			h.ptmx = ptmx
			streams = []stream{{ChannelStdout, ptmx}}
		}
	default:
		streams, err = h.startPiped(cmd)
	}

	if err != nil {
		h.state = StateFailed
		h.mu.Unlock()
		launchErr := &LaunchError{Command: h.spec.String(), Err: err}
		h.log.Info("launch failed", zap.String("command", h.spec.String()), zap.Error(err))
		h.finish(StateFailed, Result{ExitCode: -1, Err: launchErr})
		return launchErr
	}

	h.cmd = cmd
	h.state = StateRunning
	h.startedAt = time.Now().UTC()
	h.mu.Unlock()

	h.log.Debug("process started",
		zap.String("command", h.spec.String()),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("tty", h.spec.TTY),
	)

	go h.wait(streams)
	return nil
}

// startPiped must be called with h.mu held.
func (h *Handle) startPiped(cmd *exec.Cmd) ([]stream, error) {
	// Own process group so Terminate reaches the whole pipeline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h.stdin = stdin
	return []stream{{ChannelStdout, stdout}, {ChannelStderr, stderr}}, nil
}

type stream struct {
	channel Channel
	r       io.Reader
}

// wait drains every output stream, reaps the process and finishes the
// handle. Output is fully published before the terminal notification.
func (h *Handle) wait(streams []stream) {
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.pump(s)
		}()
	}
	wg.Wait()

	err := h.cmd.Wait()
	h.release()

	code := exitCode(h.cmd.ProcessState, err)
	h.log.Debug("process exited", zap.Int("exit_code", code))
	h.finish(StateExited, Result{ExitCode: code})
}

func (h *Handle) pump(s stream) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.out.Publish(Chunk{SourceID: h.id, Channel: s.channel, Data: data})
		}
		if err != nil {
			// EOF on pipes; EIO on a PTY master once the slave side is gone.
			return
		}
	}
}

// release closes the parent side of the process's descriptors. It runs once
// no matter which path gets there first.
func (h *Handle) release() {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		ptmx, stdin := h.ptmx, h.stdin
		h.mu.Unlock()
		if ptmx != nil {
			_ = ptmx.Close()
		}
		if stdin != nil {
			_ = stdin.Close()
		}
	})
}

func (h *Handle) finish(state State, res Result) {
	h.finishOnce.Do(func() {
		h.mu.Lock()
		h.state = state
		h.result = res
		h.exitedAt = time.Now().UTC()
		hooks := h.hooks
		h.hooks = nil
		h.mu.Unlock()

		h.out.Close()
		close(h.done)
		for _, fn := range hooks {
			fn(res)
		}
	})
}

// OnExit registers fn to run once with the terminal result. If the handle
// has already finished fn runs immediately.
func (h *Handle) OnExit(fn func(Result)) {
	h.mu.Lock()
	select {
	case <-h.done:
		res := h.result
		h.mu.Unlock()
		fn(res)
		return
	default:
	}
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// WriteInput writes p to the terminal or to stdin.
func (h *Handle) WriteInput(p []byte) error {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return ErrNotRunning
	}
	var w io.Writer = h.stdin
	if h.ptmx != nil {
		w = h.ptmx
	}
	h.mu.Unlock()

	if _, err := w.Write(p); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EIO) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// Resize clamps cols and rows to 1..65535 and applies them to the
// terminal. Before Start the size is only recorded.
func (h *Handle) Resize(cols, rows int) error {
	if !h.spec.TTY {
		return ErrNotInteractive
	}
	cols, rows = clamp(cols, rows)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return ErrNotRunning
	}
	h.cols, h.rows = cols, rows
	if h.ptmx == nil {
		return nil
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Terminate asks the process group to stop: SIGHUP for terminals, SIGTERM
// otherwise, then SIGKILL once the grace period passes. Calling it on a
// finished handle is a no-op; calling it before Start fails the handle.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	state := h.state
	cmd := h.cmd
	if state == StateSpawning {
		h.state = StateFailed
	}
	h.mu.Unlock()

	switch state {
	case StateSpawning:
		h.finish(StateFailed, Result{ExitCode: -1, Err: &LaunchError{Command: h.spec.String(), Err: ErrTerminatedBeforeStart}})
		return nil
	case StateExited, StateFailed:
		return nil
	}

	var err error
	h.termOnce.Do(func() {
		sig := syscall.SIGTERM
		if h.spec.TTY {
			sig = syscall.SIGHUP
		}
		err = signalGroup(cmd.Process.Pid, sig)
		h.log.Debug("terminate requested", zap.Stringer("signal", sig), zap.Error(err))

		go func() {
			select {
			case <-h.done:
			case <-time.After(h.grace):
				h.log.Info("grace period expired, killing", zap.Int("pid", cmd.Process.Pid))
				_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
			}
		}()
	})
	return err
}

// Done is closed after the last chunk has been published and the result is set.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the terminal result; the zero Result until Done closes.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Info returns a snapshot of the handle.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := Info{
		ID:        h.id,
		Command:   h.spec.String(),
		Dir:       h.spec.Dir,
		TTY:       h.spec.TTY,
		Cols:      h.cols,
		Rows:      h.rows,
		State:     h.state,
		StartedAt: h.startedAt,
	}
	if h.cmd != nil && h.cmd.Process != nil {
		info.PID = h.cmd.Process.Pid
	}
	if h.state.Terminal() {
		exited := h.exitedAt
		info.ExitedAt = &exited
		if h.result.Err != nil {
			info.Error = h.result.Err.Error()
		} else {
			code := h.result.ExitCode
			info.ExitCode = &code
		}
	}
	return info
}

// signalGroup signals the process group led by pid, falling back to the
// process alone. An already-gone process is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	if err != nil {
		err = unix.Kill(pid, sig)
		if err == unix.ESRCH {
			return nil
		}
	}
	return err
}

// exitCode maps a wait status to a shell-style exit code: the process's own
// code, or 128+signal when it was killed.
func exitCode(ps *os.ProcessState, waitErr error) int {
	if ps == nil {
		return -1
	}
	if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	if code := ps.ExitCode(); code >= 0 {
		return code
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// clamp bounds a terminal size to what a winsize can carry.
func clamp(cols, rows int) (int, int) {
	return min(max(1, cols), math.MaxUint16), min(max(1, rows), math.MaxUint16)
}
