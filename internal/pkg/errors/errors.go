// Package errors provides the error taxonomy shared by the worker, the job
// stores, the render client and the admin API. Errors carry a Code used for
// branching, the failing operation and the wrapped cause.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeTimeout       Code = "TIMEOUT"
	CodeSubmission    Code = "SUBMISSION_ERROR"
	CodeStatusCheck   Code = "STATUS_CHECK_ERROR"
	CodeConfiguration Code = "CONFIGURATION_ERROR"
)

// Error is the error type returned across package boundaries.
type Error struct {
	// Code is the error category.
	Code Code
	// Message is the human-readable message.
	Message string
	// Op is the failing operation, e.g. "jobstore.claim".
	Op string
	// Err is the underlying cause.
	Err error
	// Fields holds extra context (job_id, render_id, key...).
	Fields map[string]any
	// Stack is captured at construction.
	Stack []Frame
}

// Frame is a single stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: CodeNotFound}) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField attaches a context field.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// HTTPStatus maps the code onto a response status for the admin API.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeSubmission, CodeStatusCheck:
		return 502
	case CodeUnavailable:
		return 503
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}

// StackTrace formats the captured stack.
func (e *Error) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(2)}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap adds an operation and message to err, keeping the code of an inner *Error.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}

	code := CodeInternal
	var fields map[string]any
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
		fields = e.Fields
	}

	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Fields:  fields,
		Stack:   captureStack(2),
	}
}

// WrapWithCode wraps err and forces the code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// StoreUnavailable marks a job store fault. The worker logs it and moves on.
func StoreUnavailable(op string, err error) *Error {
	e := WrapWithCode(err, CodeUnavailable, op, "job store unavailable")
	if e == nil {
		e = New(CodeUnavailable, "job store unavailable")
		e.Op = op
	}
	return e
}

// Submission marks a render submission that failed before a render id was obtained.
func Submission(err error, message string) *Error {
	if err == nil {
		e := New(CodeSubmission, message)
		e.Op = "render.submit"
		return e
	}
	return WrapWithCode(err, CodeSubmission, "render.submit", message)
}

// StatusCheck marks a transport-level failure while polling a render.
// It is distinct from a render that legitimately ended in "failed".
func StatusCheck(err error, message string) *Error {
	if err == nil {
		e := New(CodeStatusCheck, message)
		e.Op = "render.status"
		return e
	}
	return WrapWithCode(err, CodeStatusCheck, "render.status", message)
}

// Configuration reports a missing or invalid setting. Fatal at startup.
func Configuration(key string, message string) *Error {
	return New(CodeConfiguration, message).WithField("key", key)
}

func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e.Fields != nil {
		return e.Fields
	}
	return nil
}

func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

func IsNotFound(err error) bool         { return IsCode(err, CodeNotFound) }
func IsValidation(err error) bool       { return IsCode(err, CodeValidation) }
func IsConflict(err error) bool         { return IsCode(err, CodeConflict) }
func IsStoreUnavailable(err error) bool { return IsCode(err, CodeUnavailable) }
func IsSubmission(err error) bool       { return IsCode(err, CodeSubmission) }
func IsStatusCheck(err error) bool      { return IsCode(err, CodeStatusCheck) }
func IsConfiguration(err error) bool    { return IsCode(err, CodeConfiguration) }

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callersFrames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			frames = append(frames, Frame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			})
		}
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// As is errors.As, re-exported so callers need a single import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
