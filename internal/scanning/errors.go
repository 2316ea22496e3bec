package scanning

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code identifies why a pipeline stage failed
type Code string

const (
	CodeInvalidImage     Code = "INVALID_IMAGE"
	CodeNoTextDetected   Code = "NO_TEXT_DETECTED"
	CodeTimeout          Code = "TIMEOUT"
	CodeCanceled         Code = "CANCELED"
	CodeEmptyResponse    Code = "EMPTY_RESPONSE"
	CodeInvalidJSON      Code = "INVALID_JSON"
	CodeAuth             Code = "AUTH_ERROR"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeModelUnavailable Code = "MODEL_UNAVAILABLE"
	CodeProvider         Code = "PROVIDER_ERROR"
)

// Class groups codes by how the pipeline reacts to them
type Class int

const (
	ClassInvalidInput Class = iota + 1 // fatal, never retried
	ClassTransient                     // retried with backoff, then surfaced
	ClassAuthOrQuota                   // fatal, needs operator action
	ClassValidation                    // malformed provider output, retried like a transient failure
	ClassCanceled
)

// Class returns the error class of the code
func (c Code) Class() Class {
	switch c {
	case CodeInvalidImage, CodeEmptyResponse:
		return ClassInvalidInput
	case CodeAuth, CodeQuotaExceeded:
		return ClassAuthOrQuota
	case CodeInvalidJSON:
		return ClassValidation
	case CodeCanceled:
		return ClassCanceled
	default:
		return ClassTransient
	}
}

// Stage names the pipeline stage an error came from
type Stage string

const (
	StageRecognition Stage = "recognition"
	StageStructuring Stage = "structuring"
)

// Error is the typed failure returned by the recognition and structuring stages
type Error struct {
	Code     Code
	Stage    Stage
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Stage != "" {
		msg = string(e.Stage) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Stage == "" || t.Stage == e.Stage)
}

// Sentinels for errors.Is
var (
	ErrInvalidImage     = &Error{Code: CodeInvalidImage}
	ErrNoTextDetected   = &Error{Code: CodeNoTextDetected}
	ErrTimeout          = &Error{Code: CodeTimeout}
	ErrCanceled         = &Error{Code: CodeCanceled}
	ErrEmptyResponse    = &Error{Code: CodeEmptyResponse}
	ErrInvalidJSON      = &Error{Code: CodeInvalidJSON}
	ErrAuth             = &Error{Code: CodeAuth}
	ErrQuotaExceeded    = &Error{Code: CodeQuotaExceeded}
	ErrModelUnavailable = &Error{Code: CodeModelUnavailable}
)

// CodeOf returns the code carried by err, or an empty code
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// statusCoder is implemented by provider errors that carry an HTTP status
type statusCoder interface {
	HTTPStatus() int
}

// ClassifyProviderError maps a raw structurer failure onto a Code. Typed
// signals are consulted first; providers that only report free text fall
// through to substring matching on the message.
func ClassifyProviderError(err error) Code {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if c := codeForHTTPStatus(gerr.Code); c != "" {
			return c
		}
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if c := codeForHTTPStatus(sc.HTTPStatus()); c != "" {
			return c
		}
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return CodeAuth
		case codes.ResourceExhausted:
			return CodeQuotaExceeded
		case codes.NotFound:
			return CodeModelUnavailable
		case codes.DeadlineExceeded:
			return CodeTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "api key", "api_key", "unauthenticated", "unauthorized", "permission denied", "permission_denied", "permissiondenied"):
		return CodeAuth
	case containsAny(msg, "quota", "resource exhausted", "resource_exhausted", "resourceexhausted", "rate limit", "too many requests"):
		return CodeQuotaExceeded
	case containsAny(msg, "model not found", "not found", "not_found", "notfound", "is not supported", "model unavailable"):
		return CodeModelUnavailable
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return CodeTimeout
	}
	return CodeProvider
}

func codeForHTTPStatus(code int) Code {
	switch code {
	case 401, 403:
		return CodeAuth
	case 429:
		return CodeQuotaExceeded
	case 404:
		return CodeModelUnavailable
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
