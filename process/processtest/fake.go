// Package processtest provides an in-memory process.Process for tests.
package processtest

import (
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"

	"hostpanel/broadcast"
	"hostpanel/process"
)

// Fake is a controllable process.Process. Output and exit are driven by the
// test through Emit and Exit.
type Fake struct {
	id   string
	spec process.Spec
	out  *broadcast.Broadcaster[process.Chunk]

	// StartErr makes Start fail with a launch error wrapping it.
	StartErr error

	// TerminateErr is returned from Terminate. The fake still exits, the way
	// a process does once the grace period escalates to SIGKILL.
	TerminateErr error

	mu         sync.Mutex
	state      process.State
	input      []byte
	cols, rows int
	terminates int
	result     process.Result

	done chan struct{}
	once sync.Once
}

// New returns an unstarted fake for spec.
func New(spec process.Spec) *Fake {
	return &Fake{
		id:    uuid.NewString(),
		spec:  spec,
		out:   broadcast.New[process.Chunk](),
		state: process.StateSpawning,
		cols:  spec.Cols,
		rows:  spec.Rows,
		done:  make(chan struct{}),
	}
}

// Factory returns a process.Factory that records every fake it creates.
func Factory(created *[]*Fake, mu *sync.Mutex, configure func(*Fake)) process.Factory {
	return func(spec process.Spec) process.Process {
		f := New(spec)
		if configure != nil {
			configure(f)
		}
		mu.Lock()
		*created = append(*created, f)
		mu.Unlock()
		return f
	}
}

func (f *Fake) ID() string { return f.id }

func (f *Fake) Spec() process.Spec { return f.spec }

func (f *Fake) Subscribe(buffer int) *broadcast.Subscription[process.Chunk] {
	return f.out.Subscribe(buffer)
}

func (f *Fake) SubscribeBlocking(buffer int) *broadcast.Subscription[process.Chunk] {
	return f.out.SubscribeBlocking(buffer)
}

func (f *Fake) Start() error {
	f.mu.Lock()
	if f.state != process.StateSpawning {
		f.mu.Unlock()
		return process.ErrAlreadyStarted
	}
	if f.StartErr != nil {
		f.mu.Unlock()
		err := &process.LaunchError{Command: f.spec.String(), Err: f.StartErr}
		f.finish(process.StateFailed, process.Result{ExitCode: -1, Err: err})
		return err
	}
	f.state = process.StateRunning
	f.mu.Unlock()
	return nil
}

func (f *Fake) WriteInput(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != process.StateRunning {
		return process.ErrNotRunning
	}
	f.input = append(f.input, p...)
	return nil
}

func (f *Fake) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.spec.TTY {
		return process.ErrNotInteractive
	}
	f.cols, f.rows = min(max(1, cols), math.MaxUint16), min(max(1, rows), math.MaxUint16)
	return nil
}

func (f *Fake) Terminate() error {
	f.mu.Lock()
	f.terminates++
	state := f.state
	err := f.TerminateErr
	f.mu.Unlock()
	if state.Terminal() {
		return nil
	}
	go f.Exit(128 + 1)
	return err
}

func (f *Fake) Done() <-chan struct{} { return f.done }

func (f *Fake) Result() process.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *Fake) Info() process.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return process.Info{ID: f.id, Command: f.spec.String(), TTY: f.spec.TTY, Cols: f.cols, Rows: f.rows, State: f.state}
}

// Emit publishes data on stdout.
func (f *Fake) Emit(data string) {
	f.EmitOn(process.ChannelStdout, data)
}

// EmitOn publishes data on ch.
func (f *Fake) EmitOn(ch process.Channel, data string) {
	f.out.Publish(process.Chunk{SourceID: f.id, Channel: ch, Data: []byte(data)})
}

// Exit finishes the fake with code. Later calls are ignored.
func (f *Fake) Exit(code int) {
	f.finish(process.StateExited, process.Result{ExitCode: code})
}

// Input returns everything written to the fake.
func (f *Fake) Input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.input)
}

// Size returns the last applied terminal size.
func (f *Fake) Size() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols, f.rows
}

// Terminates returns how many times Terminate was called.
func (f *Fake) Terminates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminates
}

// State returns the fake's lifecycle state.
func (f *Fake) State() process.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) finish(state process.State, res process.Result) {
	f.once.Do(func() {
		f.mu.Lock()
		f.state = state
		f.result = res
		f.mu.Unlock()
		f.out.Close()
		close(f.done)
	})
}

// ErrSimulated is a convenience error for failure injection.
var ErrSimulated = errors.New("simulated failure")

var _ process.Process = (*Fake)(nil)
