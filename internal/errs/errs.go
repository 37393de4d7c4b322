// Package errs defines the failure kinds the engine reports to its callers.
// Each kind is a concrete type matchable with errors.As and a sentinel
// matchable with errors.Is, so wrapping with eris keeps them detectable.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrInvalidValue     = errors.New("invalid value")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrStorage          = errors.New("storage fault")
)

// UnknownParameterError reports submitted parameter names with no definition.
type UnknownParameterError struct {
	Names []string
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("unknown parameter: %s", strings.Join(e.Names, ", "))
}

func (e *UnknownParameterError) Is(target error) bool { return target == ErrUnknownParameter }

// InvalidValueError reports a value that cannot be coerced to its
// parameter's type.
type InvalidValueError struct {
	Parameter string
	Value     any
	Reason    string
}

func (e *InvalidValueError) Error() string {
	if e.Parameter == "" {
		return fmt.Sprintf("invalid value %v: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid value %v for %s: %s", e.Value, e.Parameter, e.Reason)
}

func (e *InvalidValueError) Is(target error) bool { return target == ErrInvalidValue }

type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError is transient: retrying the whole operation is safe.
type ConflictError struct {
	Entity string
	Key    string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: conflict: %v", e.Entity, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: conflict", e.Entity, e.Key)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.Err }

// StorageError wraps a failure of the record store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it already carries a kind.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

type Kind int

const (
	KindInternal Kind = iota
	KindUnknownParameter
	KindInvalidValue
	KindNotFound
	KindConflict
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindUnknownParameter:
		return "unknown_parameter"
	case KindInvalidValue:
		return "invalid_value"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// KindOf classifies err by the first kind found in its chain.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrUnknownParameter):
		return KindUnknownParameter
	case errors.Is(err, ErrInvalidValue):
		return KindInvalidValue
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindInternal
	}
}

// IsClientError reports whether err was caused by caller input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindUnknownParameter, KindInvalidValue:
		return true
	}
	return false
}
