// Package errs defines the sentinel error kinds the memory engine produces.
//
// Callers should compare with errors.Is against the Err* sentinels; backend
// and replication implementations wrap them with fmt.Errorf("...: %w", Err...)
// to keep the stack readable while preserving the comparison.
package errs

import "errors"

var (
	// ErrNotFound is returned by get/update/delete of an absent key.
	ErrNotFound = errors.New("membank: not found")

	// ErrPermissionDenied is returned when a namespace ACL forbids an action.
	ErrPermissionDenied = errors.New("membank: permission denied")

	// ErrStorageUnavailable is returned when a backend I/O operation failed.
	ErrStorageUnavailable = errors.New("membank: storage unavailable")

	// ErrIndexCorruption is returned when the indexer's persisted state could
	// not be read and a rebuild is required.
	ErrIndexCorruption = errors.New("membank: index corruption")

	// ErrConflictUnresolvable is returned by a custom resolver that declines
	// to merge two versions.
	ErrConflictUnresolvable = errors.New("membank: conflict unresolvable")

	// ErrTimeout is returned when a caller-supplied deadline expired mid-operation.
	ErrTimeout = errors.New("membank: timeout")

	// ErrValidation is returned for input that cannot be encoded (a value the
	// canonical encoder rejects, or an item a backend cannot serialize).
	// Embedding dimensions and reserved characters in keys are not checked.
	ErrValidation = errors.New("membank: validation error")
)
