package history

import "errors"

// ErrUnknownRun is returned for a run id with no record.
var ErrUnknownRun = errors.New("run not found")
