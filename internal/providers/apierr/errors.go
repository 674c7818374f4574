// Package apierr holds the error types shared by provider adapters and their callers.
package apierr

import (
	"errors"
	"fmt"
)

// ErrStreamTruncated reports an event stream that ended before the sentinel or a finish reason.
var ErrStreamTruncated = errors.New("provider stream ended before completion")

// ErrUnsupportedProvider matches every UnsupportedProviderError.
var ErrUnsupportedProvider = errors.New("provider type unsupported")

// HTTPError is a non-success upstream response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, truncate(e.Body, 512))
}

// ProtocolError is a streamed frame that could not be decoded. Adapters log it and continue.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unparseable stream frame %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UnsupportedProviderError is returned when a type tag has no adapter.
type UnsupportedProviderError struct {
	Type string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("provider type %q is not supported", e.Type)
}

func (e *UnsupportedProviderError) Is(target error) bool { return target == ErrUnsupportedProvider }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
