package runner

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostpanel/broadcast"
	"hostpanel/lifecycle"
	"hostpanel/process"
	"hostpanel/process/processtest"
)

type fixture struct {
	hub     *broadcast.Hub[Event]
	tracker *lifecycle.Tracker
	runner  *Runner

	mu    sync.Mutex
	fakes []*processtest.Fake
}

func newFixture(t *testing.T, fake bool, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		hub:     broadcast.NewHub[Event](),
		tracker: lifecycle.NewTracker(nil),
	}
	if fake {
		opts = append(opts, WithFactory(processtest.Factory(&f.fakes, &f.mu, nil)))
	}
	f.runner = New(f.hub, f.tracker, opts...)
	t.Cleanup(func() { _ = f.tracker.Shutdown(context.Background()) })
	return f
}

func (f *fixture) fake(i int) *processtest.Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fakes[i]
}

func next(t *testing.T, sub *broadcast.Subscription[Event]) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertQuiet(t *testing.T, sub *broadcast.Subscription[Event]) {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected event after completion: %+v", e)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunner_ScenarioStdoutThenExit(t *testing.T) {
	f := newFixture(t, true)
	all := f.hub.SubscribeAll(64)

	var calls atomic.Int32
	var got Completion
	meta := Metadata{"site": "blog", "action": "enable"}
	run, err := f.runner.Run(process.Spec{Command: "printf A; printf B"}, meta, func(c Completion) {
		calls.Add(1)
		got = c
	})
	require.NoError(t, err)

	p := f.fake(0)
	p.Emit("A")
	p.Emit("B")
	p.Exit(0)

	for _, want := range []string{"A", "B"} {
		e := next(t, all)
		assert.Equal(t, process.ChannelStdout, e.Channel)
		assert.Equal(t, want, e.Data)
		assert.Equal(t, meta, e.Meta)
		assert.Equal(t, run.ID(), e.RunID)
	}
	exit := next(t, all)
	assert.Equal(t, process.ChannelExit, exit.Channel)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 0, *exit.ExitCode)

	<-run.Done()
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, got.Success())
	assert.Equal(t, run.ID(), got.RunID)
	assertQuiet(t, all)

	_, ok := f.runner.Get(run.ID())
	assert.False(t, ok)
}

func TestRunner_NonZeroExitIsNotAnError(t *testing.T) {
	f := newFixture(t, true)
	run, err := f.runner.Run(process.Spec{Command: "apache2ctl configtest"}, nil, nil)
	require.NoError(t, err)

	f.fake(0).EmitOn(process.ChannelStderr, "Syntax error")
	f.fake(0).Exit(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.NoError(t, c.Err)
	assert.Equal(t, 1, c.ExitCode)
	assert.False(t, c.Success())
}

func TestRunner_LaunchFailure(t *testing.T) {
	f := newFixture(t, false)
	all := f.hub.SubscribeAll(16)

	var calls atomic.Int32
	var got Completion
	run, err := f.runner.Run(process.Spec{Command: "/nonexistent/hostpanel", Args: []string{"x"}}, Metadata{"action": "x"}, func(c Completion) {
		calls.Add(1)
		got = c
	})

	require.Error(t, err)
	assert.True(t, process.IsLaunchError(err))
	assert.Equal(t, int32(1), calls.Load(), "callback must fire before Run returns")
	assert.True(t, process.IsLaunchError(got.Err))
	assert.False(t, got.Success())
	assert.Equal(t, got, run.Completion())
	assertQuiet(t, all)
	assert.Empty(t, f.runner.List())
}

func TestRunner_RealProcess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	f := newFixture(t, false)
	all := f.hub.SubscribeAll(256)

	done := make(chan Completion, 2)
	run, err := f.runner.Run(process.Spec{Command: "printf A; sleep 0.05; printf B; exit 4", Shell: "/bin/sh"}, nil, func(c Completion) {
		done <- c
	})
	require.NoError(t, err)

	var out strings.Builder
	for {
		e := next(t, all)
		if e.Channel == process.ChannelExit {
			require.NotNil(t, e.ExitCode)
			assert.Equal(t, 4, *e.ExitCode)
			break
		}
		out.WriteString(e.Data)
	}
	assert.Equal(t, "AB", out.String())

	select {
	case c := <-done:
		assert.Equal(t, 4, c.ExitCode)
		assert.Equal(t, run.ID(), c.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
	assert.Empty(t, done)
	assert.Eventually(t, func() bool { return f.tracker.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunner_TopicSubscriptionEndsAfterExit(t *testing.T) {
	f := newFixture(t, true)
	run, err := f.runner.Run(process.Spec{Command: "x"}, nil, nil)
	require.NoError(t, err)

	sub, err := f.runner.Subscribe(run.ID(), 16)
	require.NoError(t, err)
	f.fake(0).Emit("line\n")
	f.fake(0).Exit(0)

	assert.Equal(t, "line\n", next(t, sub).Data)
	assert.Equal(t, process.ChannelExit, next(t, sub).Channel)
	_, ok := <-sub.C()
	assert.False(t, ok)

	<-run.Done()
	assert.Eventually(t, func() bool {
		_, err := f.runner.Subscribe(run.ID(), 16)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	_, err = f.runner.Subscribe(run.ID(), 16)
	assert.ErrorIs(t, err, ErrUnknownRun)
	assert.Equal(t, 0, f.hub.Topics())
}

func TestRunner_TerminateAndList(t *testing.T) {
	f := newFixture(t, true)
	run, err := f.runner.Run(process.Spec{Command: "certbot renew"}, Metadata{"action": "renew"}, nil)
	require.NoError(t, err)

	list := f.runner.List()
	require.Len(t, list, 1)
	assert.Equal(t, run.ID(), list[0].ID)
	assert.Equal(t, "renew", list[0].Meta["action"])

	require.NoError(t, f.runner.Terminate(run.ID()))
	<-run.Done()
	assert.Equal(t, 1, f.fake(0).Terminates())
	assert.ErrorIs(t, f.runner.Terminate(run.ID()), ErrUnknownRun)
}

func TestRunner_RunWatchedSeesEveryEvent(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	f := newFixture(t, false)
	run, sub, err := f.runner.RunWatched(process.Spec{Command: "printf early", Shell: "/bin/sh"}, nil, 16)
	require.NoError(t, err)
	require.NotNil(t, sub)

	var out strings.Builder
	for e := range sub.C() {
		if e.Channel == process.ChannelExit {
			require.NotNil(t, e.ExitCode)
			assert.Equal(t, 0, *e.ExitCode)
			continue
		}
		out.WriteString(e.Data)
	}
	assert.Equal(t, "early", out.String())
	assert.True(t, run.Completion().Success())

	_, sub, err = f.runner.RunWatched(process.Spec{Command: "/nonexistent", Args: []string{"x"}}, nil, 16)
	assert.Error(t, err)
	assert.Nil(t, sub)
}

type recorder struct {
	mu       sync.Mutex
	started  []Info
	output   []Event
	finished []Completion
}

func (r *recorder) RunOutput(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, e)
}

func (r *recorder) RunStarted(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info)
}

func (r *recorder) RunFinished(_ Info, c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, c)
}

func TestRunner_NotifiesRecorder(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, true, WithRecorder(rec))

	run, err := f.runner.Run(process.Spec{Command: "x"}, nil, nil)
	require.NoError(t, err)
	f.fake(0).Emit("one")
	f.fake(0).EmitOn(process.ChannelStderr, "two")
	f.fake(0).Exit(2)
	<-run.Done()

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.started) == 1 && len(rec.finished) == 1
	}, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.finished[0].ExitCode)
	require.Len(t, rec.output, 3)
	assert.Equal(t, "one", rec.output[0].Data)
	assert.Equal(t, "two", rec.output[1].Data)
	assert.Equal(t, process.ChannelExit, rec.output[2].Channel)
}

// slowRecorder takes a while with every event.
type slowRecorder struct {
	recorder
}

func (r *slowRecorder) RunOutput(e Event) {
	time.Sleep(time.Millisecond)
	r.recorder.RunOutput(e)
}

func TestRunner_SlowRecorderSeesAllOutput(t *testing.T) {
	rec := &slowRecorder{}
	f := newFixture(t, true, WithRecorder(rec), WithBuffer(2))

	run, err := f.runner.Run(process.Spec{Command: "yes"}, nil, nil)
	require.NoError(t, err)
	const n = 200
	for i := 0; i < n; i++ {
		f.fake(0).Emit("y\n")
	}
	f.fake(0).Exit(0)
	<-run.Done()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.output, n+1)
	assert.Equal(t, process.ChannelExit, rec.output[n].Channel)
}

func TestRunner_LateSubscriberAlwaysSeesExit(t *testing.T) {
	f := newFixture(t, true)
	for i := 0; i < 200; i++ {
		run, err := f.runner.Run(process.Spec{Command: "x"}, nil, nil)
		require.NoError(t, err)
		go f.fake(i).Exit(0)

		sub, err := f.runner.Subscribe(run.ID(), 4)
		if err != nil {
			assert.ErrorIs(t, err, ErrUnknownRun)
			<-run.Done()
			continue
		}
		var last Event
		for e := range sub.C() {
			last = e
		}
		assert.Equal(t, process.ChannelExit, last.Channel, "iteration %d", i)
		<-run.Done()
	}
}
