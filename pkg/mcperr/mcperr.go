// Package mcperr defines the small, stable error taxonomy returned at the
// meta-tool and request-handler boundary. These are structured response
// fields, never Go errors thrown across the MCP wire.
package mcperr

import "fmt"

// Kind classifies a meta-tool or routing failure for the inbound client.
type Kind string

const (
	Validation Kind = "validation"
	NotFound   Kind = "not_found"
	Upstream   Kind = "upstream"
	Internal   Kind = "internal"
)

// Error is the structured error shape returned in meta-tool responses.
type Error struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Type) + ": " + e.Message
}

func New(kind Kind, message string) *Error {
	return &Error{Type: kind, Message: message}
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Upstreamf(format string, args ...any) *Error {
	return New(Upstream, fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, fmt.Sprintf(format, args...))
}
