// Package lifecycle keeps the books on every live process so that none is
// leaked: owners register each handle they start, the tracker forgets it once
// it reaches a terminal state, and Shutdown terminates whatever is left.
package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hostpanel/process"
)

// Tracker records live processes across every owner.
type Tracker struct {
	log *zap.Logger

	mu       sync.Mutex
	live     map[string]process.Process
	shutdown bool

	once     sync.Once
	sweepErr error
}

// NewTracker creates an empty tracker. A nil logger disables logging.
func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		log:  log,
		live: make(map[string]process.Process),
	}
}

// Track registers a started process and evicts it once it finishes. A
// process tracked after Shutdown is terminated immediately.
func (t *Tracker) Track(p process.Process) {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		if err := p.Terminate(); err != nil {
			t.log.Warn("terminate after shutdown failed", zap.String("handle_id", p.ID()), zap.Error(err))
		}
		return
	}
	t.live[p.ID()] = p
	t.mu.Unlock()

	go func() {
		<-p.Done()
		t.mu.Lock()
		if cur, ok := t.live[p.ID()]; ok && cur == p {
			delete(t.live, p.ID())
		}
		t.mu.Unlock()
	}()
}

// Len returns the number of live processes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Live returns the ids of live processes, sorted.
func (t *Tracker) Live() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.live))
	for id := range t.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown terminates every live process and waits for all of them to
// finish or for ctx to end. A failure to terminate one process never stops
// the others from being attempted. Safe to call multiple times; later calls
// return the first call's error.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.shutdown = true
		procs := make([]process.Process, 0, len(t.live))
		for _, p := range t.live {
			procs = append(procs, p)
		}
		t.mu.Unlock()

		t.log.Info("shutting down live processes", zap.Int("count", len(procs)))
		t.sweepErr = TerminateAll(procs, t.log)

		for _, p := range procs {
			select {
			case <-p.Done():
			case <-ctx.Done():
				t.sweepErr = multierr.Append(t.sweepErr, fmt.Errorf("waiting for %s: %w", p.ID(), ctx.Err()))
				return
			}
		}
	})
	return t.sweepErr
}

// TerminateAll calls Terminate on every process, logging and collecting
// failures instead of stopping at the first one.
func TerminateAll(procs []process.Process, log *zap.Logger) error {
	var errs error
	for _, p := range procs {
		if err := p.Terminate(); err != nil {
			log.Warn("terminate failed", zap.String("handle_id", p.ID()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("terminating %s: %w", p.ID(), err))
		}
	}
	return errs
}
