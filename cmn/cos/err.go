// Package cos provides common low-level types and utilities shared across
// flowbroker packages: the validation-error taxonomy of spec §7 and a
// small multi-error aggregate, adapted from the teacher's cmn/cos/err.go
// (ErrNotFound-style typed errors plus the Errs aggregate).
package cos

import (
	"fmt"
	"strings"
	"sync"
)

// ErrKind is the one-byte wire representation of a validation error
// (spec §4.A "Error kinds").
type ErrKind uint8

const (
	ErrKindInvalidNamespaceGlob ErrKind = 15
	ErrKindInvalidConsumerState ErrKind = 16
	ErrKindInvalidVersionVector ErrKind = 17
	ErrKindStorageEngineError   ErrKind = 18
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindInvalidNamespaceGlob:
		return "InvalidNamespaceGlob"
	case ErrKindInvalidConsumerState:
		return "InvalidConsumerState"
	case ErrKindInvalidVersionVector:
		return "InvalidVersionVector"
	case ErrKindStorageEngineError:
		return "StorageEngineError"
	default:
		return fmt.Sprintf("ErrKind(%d)", uint8(k))
	}
}

// ValidationError is any spec §7 "validation" failure: the connection
// stays open and the kind/description are echoed back as a wire Error
// frame.
type ValidationError struct {
	Kind ErrKind
	Desc string
}

func NewValidationError(kind ErrKind, format string, a ...any) *ValidationError {
	return &ValidationError{Kind: kind, Desc: fmt.Sprintf(format, a...)}
}

func (e *ValidationError) Error() string { return e.Kind.String() + ": " + e.Desc }

func IsValidationError(err error) (*ValidationError, bool) {
	ve, ok := err.(*ValidationError)
	return ve, ok
}

// StorageError wraps a failure surfaced by the segment store (spec §7
// "storage"); the stream engine that produced it may be marked unhealthy,
// but the server continues serving other streams.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return "storage engine error during " + e.Op + ": " + e.Err.Error()
}
func (e *StorageError) Unwrap() error { return e.Err }

// Errs aggregates multiple errors, e.g. several malformed version-vector
// entries discovered while decoding a single cluster_state body.
type Errs struct {
	mu   sync.Mutex
	errs []error
}

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *Errs) Empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs) == 0
}

func (e *Errs) Error() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	parts := make([]string, len(e.errs))
	for i, err := range e.errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
