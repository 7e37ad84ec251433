package store

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound means the record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means the caller's version stamp is stale.
	ErrConflict = errors.New("store: version conflict")
	// ErrDuplicate means a unique column already holds the value.
	ErrDuplicate = errors.New("store: duplicate")
)

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

// isTransient reports whether err is a lock contention error worth retrying.
func isTransient(err error) bool {
	code, ok := sqliteCode(err)
	return ok && transientCode(code)
}

// transientCode matches BUSY and LOCKED along with their extended codes.
func transientCode(code int) bool {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
