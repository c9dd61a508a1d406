// Package history persists a record of every one-shot run and writes its
// output to a log file, so finished runs can be listed and inspected after
// their process is gone.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"hostpanel/process"
	"hostpanel/runner"
	"hostpanel/store"
)

const (
	keyPrefix  = "run:"
	maxLogRead = 100 * 1024 // 100KB
)

// Option configures a History.
type Option func(*History)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *History) {
		if l != nil {
			h.log = l
		}
	}
}

// WithLogDir enables writing each run's output to a file under dir.
func WithLogDir(dir string) Option {
	return func(h *History) { h.logDir = dir }
}

// History records runs in a Store. It implements runner.Recorder.
type History struct {
	store  store.Store
	logDir string
	log    *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	live map[string]bool
	logs map[string]*os.File
}

// New creates a History persisting into s.
func New(s store.Store, opts ...Option) *History {
	h := &History{
		store: s,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
		live:  make(map[string]bool),
		logs:  make(map[string]*os.File),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunStarted persists the initial record of a run.
func (h *History) RunStarted(info runner.Info) {
	rec := h.record(info)
	h.mu.Lock()
	h.live[info.ID] = true
	h.mu.Unlock()
	if err := h.persist(rec); err != nil {
		h.log.Warn("persisting run start", zap.String("run_id", info.ID), zap.Error(err))
	}
}

// RunFinished records the outcome of a run. Launch failures arrive here
// without a preceding RunStarted.
func (h *History) RunFinished(info runner.Info, c runner.Completion) {
	rec := h.record(info)
	if rec.ExitedAt == nil {
		now := h.now()
		rec.ExitedAt = &now
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = *rec.ExitedAt
	}
	if c.Err != nil {
		rec.ExitCode = nil
		rec.Error = c.Err.Error()
	} else {
		code := c.ExitCode
		rec.ExitCode = &code
		rec.Error = ""
	}

	h.mu.Lock()
	delete(h.live, info.ID)
	h.mu.Unlock()
	h.closeLog(info.ID)

	if err := h.persist(rec); err != nil {
		h.log.Warn("persisting run completion", zap.String("run_id", info.ID), zap.Error(err))
	}
}

func (h *History) record(info runner.Info) Record {
	rec := Record{
		ID:        info.ID,
		Command:   info.Command,
		Dir:       info.Dir,
		Meta:      maps.Clone(info.Meta),
		PID:       info.PID,
		StartedAt: info.StartedAt,
		ExitedAt:  info.ExitedAt,
		ExitCode:  info.ExitCode,
		Error:     info.Error,
	}
	if h.logDir != "" {
		rec.LogPath = h.logPath(info.ID)
	}
	return rec
}

func (h *History) persist(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling run record: %w", err)
	}
	return h.store.Set(keyPrefix+rec.ID, string(data))
}

// Get returns the view of one run.
func (h *History) Get(id string) (*View, error) {
	raw, err := h.store.Get(keyPrefix + id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%q: %w", id, ErrUnknownRun)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding run record: %w", err)
	}
	return &View{Record: rec, Status: h.status(rec)}, nil
}

// List returns recorded runs, newest first, filtered by f.
func (h *History) List(f Filter) ([]View, error) {
	keys, err := h.store.List(keyPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("listing run keys: %w", err)
	}

	var cutoff time.Time
	if f.ExitedSince > 0 {
		cutoff = h.now().Add(-f.ExitedSince)
	}

	views := make([]View, 0, len(keys))
	for _, key := range keys {
		raw, err := h.store.Get(key)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		status := h.status(rec)

		// Filter out exited/failed runs older than the cutoff.
		if !cutoff.IsZero() && (status == StatusExited || status == StatusFailed) {
			if rec.ExitedAt != nil && rec.ExitedAt.Before(cutoff) {
				continue
			}
		}
		if !matches(rec.Meta, f.Meta) {
			continue
		}
		views = append(views, View{Record: rec, Status: status})
	}

	slices.SortFunc(views, func(a, b View) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if f.Limit > 0 && len(views) > f.Limit {
		views = views[:f.Limit]
	}
	return views, nil
}

// Prune deletes records of runs that finished before now minus age, along
// with their log files. It returns how many records were removed.
func (h *History) Prune(age time.Duration) (int, error) {
	views, err := h.List(Filter{})
	if err != nil {
		return 0, err
	}
	cutoff := h.now().Add(-age)
	var removed int
	for _, v := range views {
		if v.ExitedAt == nil || !v.ExitedAt.Before(cutoff) {
			continue
		}
		if err := h.store.Delete(keyPrefix + v.ID); err != nil {
			return removed, fmt.Errorf("deleting run %s: %w", v.ID, err)
		}
		if v.LogPath != "" {
			_ = os.Remove(v.LogPath)
		}
		removed++
	}
	return removed, nil
}

func (h *History) status(rec Record) Status {
	if rec.Error != "" {
		return StatusFailed
	}
	// Already recorded an exit.
	if rec.ExitCode != nil {
		if *rec.ExitCode == 0 {
			return StatusExited
		}
		return StatusFailed
	}

	h.mu.Lock()
	live := h.live[rec.ID]
	h.mu.Unlock()
	if live {
		return StatusRunning
	}

	// Fallback: signal-0 check for a process group orphaned by an earlier server.
	if rec.PID > 0 && unix.Kill(-rec.PID, 0) == nil {
		return StatusRunning
	}
	return StatusUnknown
}

func matches(meta, want map[string]string) bool {
	for k, v := range want {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// RunOutput appends a run's output to its log file and closes the file on
// the exit event. The runner calls it for every event in order.
func (h *History) RunOutput(e runner.Event) {
	if h.logDir == "" {
		return
	}
	if e.Channel == process.ChannelExit {
		h.closeLog(e.RunID)
		return
	}
	f, err := h.openLog(e.RunID)
	if err != nil {
		h.log.Warn("opening run log", zap.String("run_id", e.RunID), zap.Error(err))
		return
	}
	if _, err := io.WriteString(f, e.Data); err != nil {
		h.log.Warn("writing run log", zap.String("run_id", e.RunID), zap.Error(err))
	}
}

// Close closes the log files of runs still in flight.
func (h *History) Close() error {
	h.mu.Lock()
	files := h.logs
	h.logs = make(map[string]*os.File)
	h.mu.Unlock()
	var err error
	for _, f := range files {
		err = multierr.Append(err, f.Close())
	}
	return err
}

func (h *History) openLog(id string) (*os.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f := h.logs[id]; f != nil {
		return f, nil
	}
	if err := os.MkdirAll(h.logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(h.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	h.logs[id] = f
	return f, nil
}

func (h *History) closeLog(id string) {
	h.mu.Lock()
	f := h.logs[id]
	delete(h.logs, id)
	h.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

func (h *History) logPath(id string) string {
	return filepath.Join(h.logDir, id+".log")
}

// Logs returns the last ~100KB of a run's captured output.
func (h *History) Logs(id string) (string, error) {
	v, err := h.Get(id)
	if err != nil {
		return "", err
	}
	if v.LogPath == "" {
		return "", nil
	}

	f, err := os.Open(v.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat log file: %w", err)
	}
	if offset := stat.Size() - maxLogRead; offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return "", fmt.Errorf("seeking log file: %w", err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("reading log file: %w", err)
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

var _ runner.Recorder = (*History)(nil)
