package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gofrs/flock"
)

const lockName = ".lock"

// DirStore implements Store using one file per key in a directory.
// Keys are mapped to filenames by escaping path separators.
// Writes are atomic (temp file + rename).
type DirStore struct {
	dir  string
	lock *flock.Flock
}

// NewDirStore creates an unlocked DirStore rooted at dir. The directory must
// already exist.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// OpenDirStore creates dir if needed and takes an exclusive lock on it, so
// two servers never share one history directory. Close releases the lock.
func OpenDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}
	return &DirStore{dir: dir, lock: lock}, nil
}

func (s *DirStore) Get(key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return "", err
	}
	return string(data), nil
}

func (s *DirStore) Set(key, value string) error {
	p := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, p)
}

func (s *DirStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *DirStore) List(prefix string, limit int) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".tmp-") || name == lockName {
			continue
		}
		if key := unescape(name); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *DirStore) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

func (s *DirStore) path(key string) string {
	return filepath.Join(s.dir, escape(key))
}

var (
	escaper   = strings.NewReplacer("/", "__", "\\", "__", ":", "_c_")
	unescaper = strings.NewReplacer("_c_", ":", "__", "/")
)

// escape replaces characters unsafe for filenames.
func escape(key string) string { return escaper.Replace(key) }

func unescape(name string) string { return unescaper.Replace(name) }

var _ Store = (*DirStore)(nil)
