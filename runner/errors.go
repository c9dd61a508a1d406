package runner

import "errors"

// ErrUnknownRun is returned for run ids that are not in flight.
var ErrUnknownRun = errors.New("unknown run")
