package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is an error raised by the database runtime rather than by a
// single record's configuration.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Record names the affected record, if any.
	Record string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeDuplicateRecord indicates two definitions share a name. The
	// first definition wins.
	ErrCodeDuplicateRecord RuntimeErrorCode = "DUPLICATE_RECORD"

	// ErrCodeUnknownRecord indicates a put, get or process named a record
	// the database does not hold.
	ErrCodeUnknownRecord RuntimeErrorCode = "UNKNOWN_RECORD"

	// ErrCodeAlreadyStarted indicates Start or Run was called twice.
	ErrCodeAlreadyStarted RuntimeErrorCode = "ALREADY_STARTED"

	// ErrCodeEventLog indicates the event log could not be written.
	ErrCodeEventLog RuntimeErrorCode = "EVENT_LOG"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Record != "" {
		msg = fmt.Sprintf("%s (record=%s)", msg, e.Record)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsUnknownRecord reports whether err is an ErrCodeUnknownRecord error.
// Uses errors.As to handle wrapped errors.
func IsUnknownRecord(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeUnknownRecord
	}
	return false
}

// IsDuplicateRecord reports whether err is an ErrCodeDuplicateRecord error.
func IsDuplicateRecord(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeDuplicateRecord
	}
	return false
}

func unknownRecord(name string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownRecord,
		Message: "no such record",
		Record:  name,
	}
}
