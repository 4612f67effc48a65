package record

import (
	"errors"
	"fmt"
)

// ErrorCode categorises record errors.
type ErrorCode string

const (
	// ErrCodeMissingDevice: no device support for (type, DTYP).
	ErrCodeMissingDevice ErrorCode = "E201"
	// ErrCodeBadExpression: CALC/OCAL does not compile.
	ErrCodeBadExpression ErrorCode = "E202"
	// ErrCodeBadLink: link text does not parse or resolve.
	ErrCodeBadLink ErrorCode = "E203"
	// ErrCodeUnknownType: no record type of that name.
	ErrCodeUnknownType ErrorCode = "E204"
	// ErrCodeUnknownField: field not defined for the record type.
	ErrCodeUnknownField ErrorCode = "E205"
	// ErrCodeBadValue: value cannot be converted to the field's type.
	ErrCodeBadValue ErrorCode = "E206"
	// ErrCodeDeviceInit: device support rejected the record.
	ErrCodeDeviceInit ErrorCode = "E207"
)

// ConfigError is a problem with a record's definition. A record whose
// initialisation fails with a ConfigError is left inert.
type ConfigError struct {
	Code    ErrorCode
	Record  string
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s.%s: %s", e.Code, e.Record, e.Field, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Record, msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a ConfigError.
func NewConfigError(code ErrorCode, record, field, message string, err error) *ConfigError {
	return &ConfigError{Code: code, Record: record, Field: field, Message: message, Err: err}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// LogicError is a violation of the processing discipline: re-entrant
// processing, a completion nobody is waiting for, an illegal phase change.
// These are bugs in device support or record code, not in configuration.
type LogicError struct {
	Record string
	Op     string
	Phase  string
	Detail string
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("logic error: %s: %s in phase %s: %s", e.Record, e.Op, e.Phase, e.Detail)
}

// IsLogicError reports whether err is or wraps a LogicError.
func IsLogicError(err error) bool {
	var le *LogicError
	return errors.As(err, &le)
}

var (
	// ErrUnknownField is returned by Get and Put for undefined fields.
	ErrUnknownField = errors.New("unknown field")
	// ErrReadOnly is returned by Put on a read-only field.
	ErrReadOnly = errors.New("field is read-only")
	// ErrInert is returned by operations on a record that failed to
	// initialise.
	ErrInert = errors.New("record is inert")
)
