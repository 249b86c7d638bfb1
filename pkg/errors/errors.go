package errors

import (
	stdErrors "errors"
	"fmt"
	"unicode/utf8"
)

type Code string

const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodePoison      Code = "POISON_MESSAGE"
	CodeDuplicate   Code = "DUPLICATE_DELIVERY"
	CodeTransport   Code = "TRANSPORT_ERROR"
	CodePersistence Code = "PERSISTENCE_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeConflict    Code = "CONFLICT"
	CodeInternal    Code = "INTERNAL_ERROR"
	CodeDependency  Code = "DEPENDENCY_ERROR"
)

// Metadata describes how a failure of a given code is treated by consumers and pollers.
type Metadata struct {
	Retryable bool
	// Acknowledge marks failures that are not failures at all from the broker's point of
	// view: the delivery is acked and no retry budget is spent.
	Acknowledge bool
	Summary     string
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		Retryable: false,
		Summary:   "validation failed",
	},
	CodePoison: {
		Retryable: false,
		Summary:   "message could not be decoded",
	},
	CodeDuplicate: {
		Retryable:   false,
		Acknowledge: true,
		Summary:     "message already processed",
	},
	CodeTransport: {
		Retryable: true,
		Summary:   "broker transport unavailable",
	},
	CodePersistence: {
		Retryable: true,
		Summary:   "persistence failure",
	},
	CodeNotFound: {
		Retryable: false,
		Summary:   "resource not found",
	},
	CodeConflict: {
		Retryable: false,
		Summary:   "conflict detected",
	},
	CodeInternal: {
		Retryable: true,
		Summary:   "internal error",
	},
	CodeDependency: {
		Retryable: true,
		Summary:   "dependency unavailable",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code carried by err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// IsCode reports whether any typed error in err's chain carries code.
func IsCode(err error, code Code) bool {
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		if typed, ok := e.(*Error); ok && typed.code == code {
			return true
		}
	}
	return false
}

// Truncate shortens msg to at most limit bytes without splitting a UTF-8
// sequence.
func Truncate(msg string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(msg) <= limit {
		return msg
	}
	n := limit
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
