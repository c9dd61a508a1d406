// Package store persists small string values under string keys.
package store

import (
	"errors"
	"io"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("key not found")

	// ErrLocked is returned when another process already owns the store.
	ErrLocked = errors.New("store is locked by another process")
)

// Store defines a persistent key/value store.
type Store interface {
	io.Closer

	// Get retrieves the value for a key. Returns ErrNotFound if the key does not exist.
	Get(key string) (string, error)

	// Set stores a key/value pair, creating or overwriting as needed.
	Set(key, value string) error

	// Delete removes a key. No error if the key does not exist.
	Delete(key string) error

	// List returns keys matching the given prefix in sorted order. An empty
	// prefix returns all keys. Returns at most limit keys (0 means no limit).
	List(prefix string, limit int) ([]string, error)
}
