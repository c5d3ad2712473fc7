package storage

import (
	"errors"
	"fmt"
)

// Error conditions every adapter maps its provider errors onto. Adapters wrap
// them with operation context; callers test with errors.Is.
var (
	// ErrBackendUnavailable covers network and provider failures.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrObjectNotFound means the key does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrSessionUnknown means the backend has no record of an upload ID,
	// typically because it expired or was already completed. The upload must
	// restart from scratch.
	ErrSessionUnknown = errors.New("upload session unknown")

	// ErrAlreadyExists is returned when an unconditional create hits an
	// existing object.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrRangeNotSupported is returned by ReadRange on backends that can only
	// stream whole objects.
	ErrRangeNotSupported = errors.New("ranged read not supported")
)

// Wrap annotates err with operation context and the given condition, keeping
// err in the chain so provider details stay visible in logs.
func Wrap(kind error, op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, key, kind, err)
}
