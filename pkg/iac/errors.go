package iac

import (
	"errors"
	"strings"
)

// ErrorClass tells the scheduler whether a failed unit may be retried and how
// long to back off first.
type ErrorClass string

const (
	// ErrorClassTransient covers daemon hiccups that usually clear on a retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled covers rate limiting by the daemon or a registry.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict covers a name still held by a container or network
	// that is being removed.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent is never retried.
	ErrorClassPermanent ErrorClass = "permanent"
)

// retryable lists the classes the scheduler retries.
var retryable = map[ErrorClass]bool{
	ErrorClassTransient: true,
	ErrorClassThrottled: true,
	ErrorClassConflict:  true,
}

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCorruptState     = "CORRUPT_STATE"
	ErrCodeMissingImage     = "MISSING_IMAGE"
	ErrCodeCancelled        = "CANCELLED"
)

// EngineError is a classified failure from planning, applying or a provider.
// Output holds raw tool output (build logs, daemon messages) that callers
// surface to users verbatim.
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Code      string     `json:"code,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Output    string     `json:"output,omitempty"`
	Err       error      `json:"-"`
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError returns a retryable error for a passing failure.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError returns a retryable error that backs off longer.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError returns a retryable error for a name or state clash.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError returns an error the scheduler gives up on immediately.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Class) + "] " + e.Message)

	var ctx []string
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
		if e.Operation != "" {
			ctx = append(ctx, "operation="+e.Operation)
		}
	}
	if len(ctx) > 0 {
		b.WriteString(" (" + strings.Join(ctx, ", ") + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another *EngineError with the same class and code, so
// errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCancelled})
// works as a sentinel check.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithOutput attaches raw tool output. Empty output leaves the error as is.
func (e *EngineError) WithOutput(output string) *EngineError {
	if output != "" {
		e.Output = output
	}
	return e
}

// ClassOf returns the class of the first EngineError in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Class, true
}

func hasClass(err error, class ErrorClass) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}

func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }
func IsConflict(err error) bool  { return hasClass(err, ErrorClassConflict) }
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable reports whether the scheduler should try err's unit again.
func IsRetryable(err error) bool {
	c, ok := ClassOf(err)
	return ok && retryable[c]
}

// Output collects the tool output attached to err. For joined errors the
// outputs of every branch are returned one per line.
func Output(err error) string {
	if err == nil {
		return ""
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var parts []string
		for _, branch := range joined.Unwrap() {
			if o := Output(branch); o != "" {
				parts = append(parts, o)
			}
		}
		return strings.Join(parts, "\n")
	}
	var e *EngineError
	if !errors.As(err, &e) {
		return ""
	}
	if e.Output != "" {
		return e.Output
	}
	return Output(e.Err)
}
