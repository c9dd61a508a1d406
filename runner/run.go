package runner

import (
	"context"
	"maps"
	"sync"

	"hostpanel/process"
)

// Metadata is caller-supplied correlation data attached to every event of a
// run, for example {"site": "blog", "action": "enable"}.
type Metadata map[string]string

// Completion is the single terminal outcome of a run: a launch error or an
// exit code, never both.
type Completion struct {
	RunID    string `json:"run_id"`
	ExitCode int    `json:"exit_code"`
	Err      error  `json:"-"`
}

// Success reports whether the process launched and exited 0. Whether a
// non-zero code is a failure is the caller's call; this is the common case.
func (c Completion) Success() bool {
	return c.Err == nil && c.ExitCode == 0
}

// Run is the completion handle of one Runner.Run invocation. Its completion
// resolves exactly once.
type Run struct {
	id   string
	meta Metadata
	proc process.Process

	once       sync.Once
	done       chan struct{}
	completion Completion
}

func newRun(p process.Process, meta Metadata) *Run {
	return &Run{
		id:   p.ID(),
		meta: maps.Clone(meta),
		proc: p,
		done: make(chan struct{}),
	}
}

func (r *Run) ID() string { return r.id }

// Meta returns a copy of the run's metadata.
func (r *Run) Meta() Metadata { return maps.Clone(r.meta) }

// Done is closed once the run completed and its callback returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// Completion is valid after Done is closed.
func (r *Run) Completion() Completion {
	<-r.done
	return r.completion
}

// Wait blocks until the run completes or ctx ends.
func (r *Run) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-r.done:
		return r.completion, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Terminate requests termination of the underlying process. Idempotent.
func (r *Run) Terminate() error {
	return r.proc.Terminate()
}

// Info is a snapshot of a run.
type Info struct {
	process.Info
	Meta Metadata `json:"meta,omitempty"`
}

func (r *Run) Info() Info {
	return Info{Info: r.proc.Info(), Meta: r.Meta()}
}

// resolve records c and fires onComplete. Only the first call has any effect.
func (r *Run) resolve(c Completion, onComplete func(Completion)) {
	r.once.Do(func() {
		r.completion = c
		if onComplete != nil {
			onComplete(c)
		}
		close(r.done)
	})
}
