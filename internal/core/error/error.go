package errx

import (
	"errors"
	"fmt"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal error"
	// StorageErrorMessage describes persistence failures.
	StorageErrorMessage = "storage operation failed"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
)

// Kind groups errors by the layer that detected them.
type Kind string

const (
	KindPrecondition Kind = "precondition"
	KindTransport    Kind = "transport"
	KindDecode       Kind = "decode"
	KindPersistence  Kind = "persistence"
	KindInternal     Kind = "internal"
)

// Category is the user-facing classification of a transport failure.
type Category string

const (
	CategoryNone               Category = ""
	CategoryInvalidCredentials Category = "invalid_credentials"
	CategoryRateLimited        Category = "rate_limited"
	CategoryUnavailable        Category = "upstream_unavailable"
	CategoryTimeout            Category = "timeout"
	CategoryNetwork            Category = "network_unreachable"
	CategoryUnknown            Category = "unknown"
)

var (
	// ErrQuotaExceeded is returned by storage backends when a write does not fit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrStorageFull is returned when pruning reached its floor and the write still failed.
	ErrStorageFull = errors.New("storage full after pruning to floor")
	// ErrNotFound is returned by storage backends for missing keys.
	ErrNotFound = errors.New("key not found")
)

// AppError wraps an underlying error with a kind, an optional transport
// category and HTTP status, and a safe message.
type AppError struct {
	Err      error
	Kind     Kind
	Category Category
	Status   int
	Message  string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, kind Kind, message string) *AppError {
	return &AppError{
		Err:     err,
		Kind:    kind,
		Message: message,
	}
}

// Precondition builds an error for a failed check that happened before any I/O.
func Precondition(message string) *AppError {
	return &AppError{Kind: KindPrecondition, Message: message}
}

// Transport builds a classified transport error.
func Transport(err error, category Category, status int, message string) *AppError {
	return &AppError{
		Err:      err,
		Kind:     KindTransport,
		Category: category,
		Status:   status,
		Message:  message,
	}
}

// WrapStorage wraps a backend error so callers can tell persistence
// failures apart. Nil stays nil.
func WrapStorage(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind == KindPersistence {
		return err
	}
	return New(err, KindPersistence, StorageErrorMessage)
}

// IsKind reports whether err carries an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// Is reports whether the target matches the underlying error.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e == t
	}
	return errors.Is(e.Err, target)
}
