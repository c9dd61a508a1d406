package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostpanel/lifecycle"
	"hostpanel/process"
	"hostpanel/process/processtest"
)

type event struct {
	kind    string
	conn    string
	session string
	data    string
	code    int
}

// recordingSink captures every event delivered by the registry.
type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (s *recordingSink) SessionCreated(conn, sid string) {
	s.add(event{kind: "created", conn: conn, session: sid})
}

func (s *recordingSink) SessionOutput(conn, sid string, data []byte) {
	s.add(event{kind: "output", conn: conn, session: sid, data: string(data)})
}

func (s *recordingSink) SessionClosed(conn, sid string, code int) {
	s.add(event{kind: "closed", conn: conn, session: sid, code: code})
}

func (s *recordingSink) add(e event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) kinds(sid string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.session == sid {
			out = append(out, e.kind)
		}
	}
	return out
}

func (s *recordingSink) output(sid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, e := range s.events {
		if e.session == sid && e.kind == "output" {
			b.WriteString(e.data)
		}
	}
	return b.String()
}

type fixture struct {
	sink    *recordingSink
	tracker *lifecycle.Tracker
	reg     *Registry

	mu    sync.Mutex
	fakes []*processtest.Fake
}

func newFixture(t *testing.T, configure func(*processtest.Fake)) *fixture {
	t.Helper()
	f := &fixture{sink: &recordingSink{}, tracker: lifecycle.NewTracker(nil)}
	f.reg = NewRegistry(Config{}, f.sink, f.tracker,
		WithFactory(processtest.Factory(&f.fakes, &f.mu, configure)))
	t.Cleanup(func() { _ = f.tracker.Shutdown(context.Background()) })
	return f
}

func (f *fixture) fake(i int) *processtest.Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fakes[i]
}

func TestRegistry_CreateManyDistinctSessions(t *testing.T) {
	f := newFixture(t, nil)

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.reg.CreateSession("conn", fmt.Sprintf("s%d", i)))
		}()
	}
	wg.Wait()

	assert.Equal(t, n, f.reg.Len("conn"))
	assert.Len(t, f.reg.Sessions("conn"), n)
	assert.Equal(t, []string{"conn"}, f.reg.Connections())

	// A duplicate is rejected and leaves the original untouched.
	err := f.reg.CreateSession("conn", "s3")
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, n, f.reg.Len("conn"))
	assert.NoError(t, f.reg.Input("conn", "s3", []byte("ls\n")))
}

func TestRegistry_DefaultTerminalGeometry(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.CreateSession("c", "s1"))

	spec := f.fake(0).Spec()
	assert.True(t, spec.TTY)
	assert.Equal(t, 80, spec.Cols)
	assert.Equal(t, 30, spec.Rows)
}

func TestRegistry_SameSessionIDOnDifferentConnections(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.CreateSession("a", "s1"))
	require.NoError(t, f.reg.CreateSession("b", "s1"))
	assert.Equal(t, 1, f.reg.Len("a"))
	assert.Equal(t, 1, f.reg.Len("b"))
	assert.Len(t, f.reg.All(), 2)
}

func TestRegistry_InputRoutesBySessionID(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.CreateSession("c", "s1"))
	require.NoError(t, f.reg.CreateSession("c", "s2"))

	require.NoError(t, f.reg.Input("c", "s2", []byte("whoami\n")))
	assert.Equal(t, "", f.fake(0).Input())
	assert.Equal(t, "whoami\n", f.fake(1).Input())

	assert.ErrorIs(t, f.reg.Input("c", "nope", []byte("x")), ErrUnknownSession)
	assert.ErrorIs(t, f.reg.Input("other", "s1", []byte("x")), ErrUnknownSession)
}

func TestRegistry_ResizeUnknownIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.reg.Resize("c", "ghost", 100, 40))

	require.NoError(t, f.reg.CreateSession("c", "s1"))
	require.NoError(t, f.reg.Resize("c", "s1", 0, 0))
	cols, rows := f.fake(0).Size()
	assert.Equal(t, 1, cols)
	assert.Equal(t, 1, rows)
}

func TestRegistry_OutputAndSelfExit(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.CreateSession("c", "s1"))

	f.fake(0).Emit("$ ")
	f.fake(0).Emit("logout\r\n")
	f.fake(0).Exit(0)

	assert.Eventually(t, func() bool { return f.reg.Len("c") == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		k := f.sink.kinds("s1")
		return len(k) > 0 && k[len(k)-1] == "closed"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"created", "output", "output", "closed"}, f.sink.kinds("s1"))
	assert.Equal(t, "$ logout\r\n", f.sink.output("s1"))
	assert.ErrorIs(t, f.reg.Input("c", "s1", []byte("x")), ErrUnknownSession)
}

func TestRegistry_RelaysEveryChunkWithSmallBuffer(t *testing.T) {
	sink := &recordingSink{}
	tracker := lifecycle.NewTracker(nil)
	t.Cleanup(func() { _ = tracker.Shutdown(context.Background()) })
	var (
		mu    sync.Mutex
		fakes []*processtest.Fake
	)
	reg := NewRegistry(Config{Buffer: 1}, sink, tracker, WithFactory(processtest.Factory(&fakes, &mu, nil)))
	require.NoError(t, reg.CreateSession("c", "s1"))

	var want strings.Builder
	for i := 0; i < 500; i++ {
		chunk := fmt.Sprintf("%d;", i)
		want.WriteString(chunk)
		fakes[0].Emit(chunk)
	}
	fakes[0].Exit(0)

	assert.Eventually(t, func() bool { return reg.Len("c") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want.String(), sink.output("s1"))
}

func TestRegistry_CloseOneKeepsOther(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.reg.CreateSession("c", "s1"))
	require.NoError(t, f.reg.CreateSession("c", "s2"))

	require.NoError(t, f.reg.CloseSession("c", "s1"))
	require.NoError(t, f.reg.CloseSession("c", "s1"))
	assert.Equal(t, 1, f.fake(0).Terminates())

	assert.Equal(t, 1, f.reg.Len("c"))
	assert.NoError(t, f.reg.Input("c", "s2", []byte("pwd\n")))
	assert.Equal(t, "pwd\n", f.fake(1).Input())
	assert.Equal(t, 0, f.fake(1).Terminates())

	assert.Eventually(t, func() bool {
		k := f.sink.kinds("s1")
		return len(k) == 2 && k[1] == "closed"
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_DisconnectTerminatesAllDespiteFailure(t *testing.T) {
	var n int
	f := newFixture(t, func(p *processtest.Fake) {
		n++
		if n == 2 {
			p.TerminateErr = processtest.ErrSimulated
		}
	})

	const k = 4
	for i := 0; i < k; i++ {
		require.NoError(t, f.reg.CreateSession("c", fmt.Sprintf("s%d", i)))
	}
	require.NoError(t, f.reg.CreateSession("other", "s0"))

	err := f.reg.Disconnect("c")
	require.Error(t, err)
	assert.ErrorIs(t, err, processtest.ErrSimulated)
	assert.Equal(t, 0, f.reg.Len("c"))

	for i := 0; i < k; i++ {
		p := f.fake(i)
		assert.Equal(t, 1, p.Terminates())
		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatalf("session %d never reached a terminal state", i)
		}
	}

	// The other connection is untouched and no closed events go to the lost one.
	assert.Equal(t, 1, f.reg.Len("other"))
	assert.Equal(t, 0, f.fake(k).Terminates())
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < k; i++ {
		assert.NotContains(t, f.sink.kinds(fmt.Sprintf("s%d", i)), "closed")
	}

	assert.NoError(t, f.reg.Disconnect("c"))
}

func TestRegistry_LaunchFailureRegistersNothing(t *testing.T) {
	f := newFixture(t, func(p *processtest.Fake) {
		p.StartErr = processtest.ErrSimulated
	})

	err := f.reg.CreateSession("c", "s1")
	require.Error(t, err)
	assert.True(t, process.IsLaunchError(err))
	assert.Equal(t, 0, f.reg.Len("c"))
	assert.Empty(t, f.reg.Connections())
	assert.Empty(t, f.sink.kinds("s1"))
}

func TestRegistry_IndependentInstances(t *testing.T) {
	a := newFixture(t, nil)
	b := newFixture(t, nil)
	require.NoError(t, a.reg.CreateSession("c", "s1"))
	assert.Equal(t, 0, b.reg.Len("c"))
	require.NoError(t, b.reg.CreateSession("c", "s1"))
}

func TestRegistry_RealTerminalEcho(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	sink := &recordingSink{}
	tracker := lifecycle.NewTracker(nil)
	reg := NewRegistry(Config{Shell: "/bin/sh", Term: "xterm-color"}, sink, tracker)
	t.Cleanup(func() { _ = tracker.Shutdown(context.Background()) })

	require.NoError(t, reg.CreateSession("c", "s1"))
	require.NoError(t, reg.Input("c", "s1", []byte("echo hi\n")))

	assert.Eventually(t, func() bool {
		return strings.Contains(sink.output("s1"), "hi")
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, sink.kinds("s1"), "closed")

	require.NoError(t, reg.Input("c", "s1", []byte("exit\n")))
	assert.Eventually(t, func() bool { return reg.Len("c") == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		k := sink.kinds("s1")
		return len(k) > 0 && k[len(k)-1] == "closed"
	}, 5*time.Second, 10*time.Millisecond)
}
