package imagecache

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a request failure. Every failure that leaves the origin
// stage carries exactly one Kind, which determines the HTTP status and the
// stable client-visible reason string.
type Kind string

const (
	// KindBadRequest covers malformed URLs and parameters. Never retried;
	// the caller must correct the request.
	KindBadRequest Kind = "bad-request"

	// KindSecurity covers SSRF rejections by the origin guard. Never
	// retried, always logged for audit.
	KindSecurity Kind = "security-rejection"

	// KindTimeout is an expired fetch deadline.
	KindTimeout Kind = "timeout"

	// KindTooLarge covers a source exceeding the fetch ceiling, or an
	// output exceeding the inline ceiling with no durable store available.
	KindTooLarge Kind = "too-large"

	// KindUnsupportedMedia is a source whose content type is absent,
	// unparseable, or outside the image allow list.
	KindUnsupportedMedia Kind = "unsupported-media-type"

	// KindFetchFailed covers non-2xx upstream responses and transport
	// errors other than timeouts.
	KindFetchFailed Kind = "fetch-failed"

	// KindTransform is a codec decode or encode failure. Fatal, no retry.
	KindTransform Kind = "transform-error"

	// KindPersistence is a durable-store write failure. Never client
	// visible on its own; the oversize policy decides what the client sees.
	KindPersistence Kind = "persistence-error"
)

// HTTPStatus maps a failure kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindSecurity:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case KindFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Message is a terse, stable string suitable
// for programmatic branching by clients; diagnostic detail stays in Err and
// is only ever logged server side.
type Error struct {
	Kind    Kind
	Message string

	// UpstreamStatus carries the origin's status code for fetch failures,
	// zero otherwise.
	UpstreamStatus int

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error with a stable client-visible message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates a classified error wrapping an underlying cause.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AsError extracts the classified error from a chain, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
