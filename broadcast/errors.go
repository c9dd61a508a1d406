package broadcast

import "errors"

var (
	// ErrSlowConsumer is reported by a subscription that was dropped because
	// its buffer filled up.
	ErrSlowConsumer = errors.New("subscriber too slow, dropped")

	// ErrClosed is reported by a subscription whose broadcaster was closed.
	ErrClosed = errors.New("broadcaster closed")
)
