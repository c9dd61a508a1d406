package session

import "errors"

var (
	// ErrDuplicateSession is returned when a session id is already in use on
	// the connection.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrUnknownSession is returned when no active session matches.
	ErrUnknownSession = errors.New("unknown session")
)
