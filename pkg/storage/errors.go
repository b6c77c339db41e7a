package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the key or document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists means a create-only write hit an existing key.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict means a compare-and-swap lost to a concurrent writer.
	// Callers re-read and retry the logical action.
	ErrConflict = errors.New("revision conflict")

	// ErrCompacted means a watch resume point predates the retained event
	// window. The watcher must re-list and resume from the list revision.
	ErrCompacted = errors.New("revision compacted")

	// ErrLeaseNotFound means the lease id is unknown or already expired.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrClosed means the store has been shut down.
	ErrClosed = errors.New("store closed")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err wraps ErrConflict or ErrAlreadyExists, the
// two shapes a lost optimistic write can take.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}

// keyError decorates a sentinel with the key it concerns.
func keyError(sentinel error, key string) error {
	return fmt.Errorf("%w: %s", sentinel, key)
}
