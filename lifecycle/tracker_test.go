package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostpanel/process"
	"hostpanel/process/processtest"
)

func started(t *testing.T) *processtest.Fake {
	t.Helper()
	f := processtest.New(process.Spec{Command: "sleep"})
	require.NoError(t, f.Start())
	return f
}

func TestTracker_EvictsOnExit(t *testing.T) {
	tr := NewTracker(nil)
	f := started(t)
	tr.Track(f)
	assert.Equal(t, []string{f.ID()}, tr.Live())

	f.Exit(0)
	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTracker_ShutdownTerminatesEverything(t *testing.T) {
	tr := NewTracker(nil)
	a, b, c := started(t), started(t), started(t)
	b.TerminateErr = processtest.ErrSimulated
	for _, f := range []*processtest.Fake{a, b, c} {
		tr.Track(f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tr.Shutdown(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, processtest.ErrSimulated)
	for _, f := range []*processtest.Fake{a, b, c} {
		assert.Equal(t, 1, f.Terminates())
		assert.True(t, f.State().Terminal())
	}
	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)

	// Second call returns the first result without terminating again.
	assert.ErrorIs(t, tr.Shutdown(ctx), processtest.ErrSimulated)
	assert.Equal(t, 1, a.Terminates())
}

func TestTracker_TrackAfterShutdownTerminates(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Shutdown(context.Background()))

	f := started(t)
	tr.Track(f)
	assert.Equal(t, 1, f.Terminates())
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ShutdownRespectsContext(t *testing.T) {
	tr := NewTracker(nil)
	stuck := &stubborn{Fake: started(t)}
	tr.Track(stuck)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tr.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// stubborn ignores Terminate.
type stubborn struct {
	*processtest.Fake
}

func (s *stubborn) Terminate() error { return nil }
