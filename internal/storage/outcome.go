package storage

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// OutcomeKind classifies the result of creating a store.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeCorruption
	OutcomeTimeout
	OutcomeOther
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeCorruption:
		return "corruption"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Outcome is the classified result of one creation attempt. Handle is set
// only when Kind is OutcomeOK.
type Outcome struct {
	Kind   OutcomeKind
	Handle Handle
	Err    error
}

// Classify maps a storage error onto an OutcomeKind. Only corruption is
// recoverable by deleting the store. A locked or busy store is healthy and
// classifies as OutcomeOther; OutcomeTimeout is reserved for the lifecycle
// manager's own creation bound.
func Classify(err error) OutcomeKind {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, ErrCorrupt) {
		return OutcomeCorruption
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return OutcomeCorruption
		}
	}
	return OutcomeOther
}
