package replication

import "errors"

var (
	// ErrTransient wraps every failed pull or push call. Replicators retry
	// these indefinitely.
	ErrTransient = errors.New("replication transient failure")
	// ErrConflict is reserved for rows the remote rejects as conflicting.
	// Push never reports conflicts today: remote rows are overwritten.
	ErrConflict = errors.New("replication conflict")
	// ErrAlreadyRunning is returned when a collection already has a loop.
	ErrAlreadyRunning = errors.New("replication already running")
)
