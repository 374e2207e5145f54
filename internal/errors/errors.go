package errors

import (
	"fmt"
	"runtime"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeInvalidHandle indicates an operation on a store index that
	// is not currently registered (closed handle, stale generation)
	ErrorTypeInvalidHandle ErrorType = "INVALID_HANDLE"
	// ErrorTypeInvalidState indicates an operation illegal for the current
	// mutation-set state, such as an insert after seal
	ErrorTypeInvalidState ErrorType = "INVALID_STATE"
	// ErrorTypeResourceExhausted indicates the registration table is full
	ErrorTypeResourceExhausted ErrorType = "RESOURCE_EXHAUSTED"
	// ErrorTypeAllocation indicates memory for a new mutation set could
	// not be obtained
	ErrorTypeAllocation ErrorType = "ALLOCATION_FAILURE"
	// ErrorTypeIngest indicates the persistent tree rejected a sealed set;
	// the underlying error is surfaced verbatim via Unwrap
	ErrorTypeIngest ErrorType = "INGEST"
	// ErrorTypeNotFound indicates the requested key was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeInvalidInput indicates invalid input parameters
	ErrorTypeInvalidInput ErrorType = "INVALID_INPUT"
)

// KVError represents a custom error with additional context
type KVError struct {
	Type    ErrorType
	Message string
	Err     error
	Stack   string
}

// Error implements the error interface
func (e *KVError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *KVError) Unwrap() error {
	return e.Err
}

// New creates a new KVError
func New(errType ErrorType, message string, err error) *KVError {
	// Capture stack trace
	_, file, line, _ := runtime.Caller(1)
	stack := fmt.Sprintf("%s:%d", file, line)

	return &KVError{
		Type:    errType,
		Message: message,
		Err:     err,
		Stack:   stack,
	}
}

func isType(err error, t ErrorType) bool {
	if kvErr, ok := err.(*KVError); ok {
		return kvErr.Type == t
	}
	return false
}

// IsInvalidHandle checks if the error is an invalid handle error
func IsInvalidHandle(err error) bool {
	return isType(err, ErrorTypeInvalidHandle)
}

// IsInvalidState checks if the error is an invalid state error
func IsInvalidState(err error) bool {
	return isType(err, ErrorTypeInvalidState)
}

// IsResourceExhausted checks if the error is a resource exhausted error
func IsResourceExhausted(err error) bool {
	return isType(err, ErrorTypeResourceExhausted)
}

// IsAllocation checks if the error is an allocation failure
func IsAllocation(err error) bool {
	return isType(err, ErrorTypeAllocation)
}

// IsIngest checks if the error is an ingest error
func IsIngest(err error) bool {
	return isType(err, ErrorTypeIngest)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool {
	return isType(err, ErrorTypeInvalidInput)
}

// RecoverError recovers from a panic and converts it to a KVError
func RecoverError(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("%s", v)
	default:
		err = fmt.Errorf("%v", v)
	}

	return New(ErrorTypeInvalidState, "recovered from panic", err)
}
