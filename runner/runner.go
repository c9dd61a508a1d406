// Package runner executes one-shot commands whose output is streamed live to
// observers and whose outcome is delivered through a single completion.
package runner

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"hostpanel/broadcast"
	"hostpanel/lifecycle"
	"hostpanel/process"
)

// Event is one observable step of a run: an output chunk, or the final exit.
type Event struct {
	RunID    string          `json:"run_id"`
	Meta     Metadata        `json:"meta,omitempty"`
	Channel  process.Channel `json:"type"`
	Data     string          `json:"chunk,omitempty"`
	ExitCode *int            `json:"code,omitempty"`
}

// Recorder is notified when runs start and finish, and sees every event of
// a run in order. RunOutput is called from the run's relay goroutine and is
// never skipped, so a slow Recorder slows the run's output instead.
type Recorder interface {
	RunStarted(info Info)
	RunOutput(e Event)
	RunFinished(info Info, c Completion)
}

// Option configures a Runner.
type Option func(*Runner)

// WithFactory replaces how processes are created.
func WithFactory(f process.Factory) Option {
	return func(r *Runner) { r.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithBuffer sets the buffer of the runner's relay from each process.
func WithBuffer(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithRecorder attaches a Recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// Runner owns every process it starts until that process completes.
type Runner struct {
	hub      *broadcast.Hub[Event]
	tracker  *lifecycle.Tracker
	factory  process.Factory
	recorder Recorder
	log      *zap.Logger
	buffer   int

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates a runner publishing on hub and registering processes with
// tracker.
func New(hub *broadcast.Hub[Event], tracker *lifecycle.Tracker, opts ...Option) *Runner {
	r := &Runner{
		hub:     hub,
		tracker: tracker,
		log:     zap.NewNop(),
		buffer:  1024,
		runs:    make(map[string]*Run),
	}
	r.factory = func(spec process.Spec) process.Process {
		return process.New(spec, process.WithLogger(r.log))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run launches spec and returns without waiting for it.
//
// If the launch fails, onComplete is called with the launch error before Run
// returns, the same error is returned and nothing is published. Otherwise
// every chunk is published on the hub under the run id, tagged with meta,
// followed by one exit event; then onComplete fires exactly once.
func (r *Runner) Run(spec process.Spec, meta Metadata, onComplete func(Completion)) (*Run, error) {
	run, _, err := r.start(spec, meta, onComplete, 0)
	return run, err
}

// RunWatched is Run that also returns a subscription to the run's events,
// taken before any of them is published. The subscription is nil when the
// launch fails.
func (r *Runner) RunWatched(spec process.Spec, meta Metadata, buffer int) (*Run, *broadcast.Subscription[Event], error) {
	if buffer <= 0 {
		buffer = r.buffer
	}
	return r.start(spec, meta, nil, buffer)
}

func (r *Runner) start(spec process.Spec, meta Metadata, onComplete func(Completion), watch int) (*Run, *broadcast.Subscription[Event], error) {
	p := r.factory(spec)
	run := newRun(p, meta)
	log := r.log.With(zap.String("run_id", run.id), zap.Any("meta", run.meta))

	sub := p.SubscribeBlocking(r.buffer)
	if err := p.Start(); err != nil {
		sub.Unsubscribe()
		log.Warn("run failed to launch", zap.String("command", spec.String()), zap.Error(err))
		c := Completion{RunID: run.id, ExitCode: -1, Err: err}
		run.resolve(c, onComplete)
		if r.recorder != nil {
			r.recorder.RunFinished(run.Info(), c)
		}
		return run, nil, err
	}

	r.tracker.Track(p)
	var watcher *broadcast.Subscription[Event]
	r.mu.Lock()
	r.runs[run.id] = run
	if watch > 0 {
		watcher = r.hub.Subscribe(run.id, watch)
	}
	r.mu.Unlock()

	info := run.Info()
	log.Info("run started", zap.String("command", spec.String()), zap.Int("pid", info.PID))
	if r.recorder != nil {
		r.recorder.RunStarted(info)
	}

	go r.stream(run, sub, onComplete, log)
	return run, watcher, nil
}

func (r *Runner) stream(run *Run, sub *broadcast.Subscription[process.Chunk], onComplete func(Completion), log *zap.Logger) {
	for c := range sub.C() {
		r.publish(Event{
			RunID:   run.id,
			Meta:    run.meta,
			Channel: c.Channel,
			Data:    string(c.Data),
		})
	}

	<-run.proc.Done()
	res := run.proc.Result()
	code := res.ExitCode
	exit := Event{
		RunID:    run.id,
		Meta:     run.meta,
		Channel:  process.ChannelExit,
		ExitCode: &code,
	}
	if r.recorder != nil {
		r.recorder.RunOutput(exit)
	}

	// Subscribe holds r.mu too, so a subscriber either gets the exit event
	// or finds the run gone.
	r.mu.Lock()
	r.hub.Publish(run.id, exit)
	delete(r.runs, run.id)
	r.hub.CloseTopic(run.id)
	r.mu.Unlock()

	c := Completion{RunID: run.id, ExitCode: code, Err: res.Err}
	run.resolve(c, onComplete)

	log.Info("run finished", zap.Int("exit_code", code))
	if r.recorder != nil {
		r.recorder.RunFinished(run.Info(), c)
	}
}

func (r *Runner) publish(e Event) {
	if r.recorder != nil {
		r.recorder.RunOutput(e)
	}
	r.hub.Publish(e.RunID, e)
}

// Get returns an in-flight run.
func (r *Runner) Get(id string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

// Subscribe joins the event stream of an in-flight run. The subscription
// ends after the run's exit event. A run that already finished yields
// ErrUnknownRun.
func (r *Runner) Subscribe(id string, buffer int) (*broadcast.Subscription[Event], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; !ok {
		return nil, ErrUnknownRun
	}
	return r.hub.Subscribe(id, buffer), nil
}

// SubscribeAll joins the stream of every run's events.
func (r *Runner) SubscribeAll(buffer int) *broadcast.Subscription[Event] {
	return r.hub.SubscribeAll(buffer)
}

// Terminate requests termination of an in-flight run.
func (r *Runner) Terminate(id string) error {
	run, ok := r.Get(id)
	if !ok {
		return ErrUnknownRun
	}
	return run.Terminate()
}

// List returns snapshots of in-flight runs ordered by start time.
func (r *Runner) List() []Info {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(runs))
	for _, run := range runs {
		infos = append(infos, run.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return infos
}
