// Package errors holds the sentinel errors shared across zref. Callers match
// them with errors.Is; the helpers below wrap them with the offending name.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotImplemented        = errors.New("this function is not yet implemented")
	ErrMissingRequiredFields = errors.New("missing required fields")
	ErrEmptyOwners           = errors.New("a file reference needs at least one owner")
	ErrNotFound              = errors.New("resource not found")
	ErrConflict              = errors.New("resource was modified concurrently")
	ErrInvalidStatus         = errors.New("invalid request status")

	ErrUnknownStorage     = errors.New("storage location is unknown or disabled")
	ErrNoReachableBackend = errors.New("no reachable backend")
	ErrNothingToCopy      = errors.New("file does not exist in any known storage location")
	ErrNotAvailable       = errors.New("file must be made available before it can be read")

	ErrInsufficientShards = errors.New("insufficient shards available for reconstruction")
	ErrEmptyFile          = errors.New("cannot upload empty file")
)

// NotFoundError wraps ErrNotFound with a description of the missing resource.
func NotFoundError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// UnknownStorageError wraps ErrUnknownStorage with the storage name.
func UnknownStorageError(storage string) error {
	return fmt.Errorf("%w: %s", ErrUnknownStorage, storage)
}

// MissingFieldError wraps ErrMissingRequiredFields with the name of the field.
func MissingFieldError(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingRequiredFields, field)
}

func ConfigNotSetError(config string) error {
	return fmt.Errorf("the %s configuration value must be set", config)
}
