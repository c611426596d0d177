package catalog

import (
	"errors"
	"fmt"
)

// ErrTransient marks catalog calls that may succeed when retried: lost
// connections, timeouts, lock contention.
var ErrTransient = errors.New("catalog temporarily unavailable")

// Structural failures. The catalog refused the change and retrying it
// cannot help.
var (
	ErrNotFound           = errors.New("no such catalog entry")
	ErrCollectionNotEmpty = errors.New("collection not empty")
	ErrAlreadyExists      = errors.New("catalog entry already exists")
	ErrUnknownResource    = errors.New("unknown storage resource")
	ErrInvalidPath        = errors.New("invalid catalog path")
	ErrUnsupportedOp      = errors.New("unsupported operation")
)

// StructuralError wraps one of the structural sentinels with the operation
// and path it applies to
type StructuralError struct {
	Op   string
	Path string
	Err  error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

func structural(op, path string, err error) error {
	return &StructuralError{Op: op, Path: path, Err: err}
}

// IsStructural reports whether err is a structural catalog failure
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// IsTransient reports whether a failed call is worth retrying. Every error
// that is not structural is.
func IsTransient(err error) bool {
	return err != nil && !IsStructural(err)
}

// errorKinds maps structural sentinels to their wire names
var errorKinds = map[string]error{
	"not_found":        ErrNotFound,
	"not_empty":        ErrCollectionNotEmpty,
	"already_exists":   ErrAlreadyExists,
	"unknown_resource": ErrUnknownResource,
	"invalid_path":     ErrInvalidPath,
	"unsupported_op":   ErrUnsupportedOp,
}

// errorKind returns the wire name of a structural error, "" for transient ones
func errorKind(err error) string {
	for kind, sentinel := range errorKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
