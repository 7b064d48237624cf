// Package domainerrors carries a machine-readable Code alongside an error so
// services can classify failures without string matching and the transport
// layer can map them onto status codes.
package domainerrors

import "errors"

// Code identifies a class of failure.
type Code string

const (
	// Registry protocol failures.
	CodeDuplicateIdentifier Code = "duplicate_identifier"
	CodeNameTaken           Code = "name_taken"
	CodeNotFound            Code = "not_found"
	CodeNotAuthorized       Code = "not_authorized"
	CodeInvalidOwner        Code = "invalid_owner"
	CodeInvalidAmount       Code = "invalid_amount"
	CodeDuplicateStake      Code = "duplicate_stake"
	CodeTransferFailed      Code = "transfer_failed"
	CodeInconsistent        Code = "inconsistent"

	// Input and platform failures.
	CodeInvalidName  Code = "invalid_name"
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeConflict     Code = "conflict"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal_error"
)

// Error is a coded domain error. Err, when set, is the underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to err. A nil err yields a plain coded error.
func Wrap(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code in err's chain, or CodeInternal when err
// carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost coded error in err's chain has code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == code
}
