package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryDecode      Category = "decode"
	CategoryEncode      Category = "encode"
	CategoryPipeline    Category = "pipeline"
	CategoryCache       Category = "cache"
	CategoryConfig      Category = "config"
	CategoryTransient   Category = "transient"
	CategoryInput       Category = "input"
	CategoryValidation  Category = "validation"
	CategorySource      Category = "source"
	CategoryUnsupported Category = "unsupported"
	CategoryState       Category = "state"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// Validation reports a request that cannot be satisfied against the source,
// e.g. a crop outside the image. op names the offending operation.
func Validation(op string, format string, args ...any) *ProcessingError {
	return New(CategoryValidation, op, fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...)))
}

// SourceRead reports an undecodable or unreadable source.
func SourceRead(op string, err error) *ProcessingError {
	return New(CategorySource, op, err)
}

// Unsupported reports an output format or feature the processor cannot produce.
func Unsupported(op string, what any) *ProcessingError {
	return New(CategoryUnsupported, op, fmt.Errorf("%w: %v", ErrUnsupportedFormat, what))
}

// CacheFailure wraps a backend failure of a cache. Callers log it and treat
// the access as a miss.
func CacheFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(CategoryCache, op, err)
}

// ImmutableState reports an attempt to mutate a frozen value.
func ImmutableState(op string) *ProcessingError {
	return New(CategoryState, op, ErrImmutable)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

func IsValidation(err error) bool     { return IsCategory(err, CategoryValidation) }
func IsSourceRead(err error) bool     { return IsCategory(err, CategorySource) }
func IsUnsupported(err error) bool    { return IsCategory(err, CategoryUnsupported) }
func IsCache(err error) bool          { return IsCategory(err, CategoryCache) }
func IsImmutableState(err error) bool { return errors.Is(err, ErrImmutable) }

// StatusCode maps err to the HTTP status a front end should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case IsValidation(err):
		return http.StatusBadRequest
	case IsUnsupported(err):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat  = errors.New("unsupported image format")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrEmptyInput         = errors.New("empty input")
	ErrWorkerPoolFull     = errors.New("worker pool queue full")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrImmutable          = errors.New("value is frozen")
	ErrNotFound           = errors.New("source not found")
	ErrAccessDenied       = errors.New("source access denied")
)
