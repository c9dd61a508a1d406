package process

import "hostpanel/broadcast"

// Process is the contract owners program against. *Handle implements it;
// tests substitute fakes.
type Process interface {
	ID() string

	// Subscribe registers an observer of every chunk produced after the call.
	// Subscribe before Start to see all output.
	Subscribe(buffer int) *broadcast.Subscription[Chunk]

	// SubscribeBlocking registers the owner's relay. It is never dropped;
	// output production waits for it instead.
	SubscribeBlocking(buffer int) *broadcast.Subscription[Chunk]

	// Start launches the process. It returns a *LaunchError if the OS refused.
	Start() error

	// WriteInput forwards p to the process's input. ErrNotRunning unless running.
	WriteInput(p []byte) error

	// Resize changes the terminal geometry of a TTY-backed process.
	Resize(cols, rows int) error

	// Terminate requests termination. Idempotent and safe in any state.
	Terminate() error

	// Done is closed once the process reached a terminal state and every
	// chunk has been handed to subscribers.
	Done() <-chan struct{}

	// Result is valid after Done is closed.
	Result() Result

	Info() Info
}

// Factory creates an unstarted Process.
type Factory func(spec Spec) Process

var _ Process = (*Handle)(nil)
