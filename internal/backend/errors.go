package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Error is the decoded failure payload of the row API. Code carries
// either a PostgREST code (PGRSTxxx) or a raw Postgres SQLSTATE.
type Error struct {
	Status  int
	Code    string
	Message string
	Details string
	Hint    string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend: status %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " code %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Details != "" {
		fmt.Fprintf(&b, " (%s)", e.Details)
	}

	return b.String()
}

func asBackendError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}

	return nil, false
}

// IsPermission reports whether the caller is not authorized for the
// resource. These errors propagate to the caller immediately.
func IsPermission(err error) bool {
	be, ok := asBackendError(err)
	if !ok {
		return false
	}
	if be.Status == http.StatusUnauthorized || be.Status == http.StatusForbidden {
		return true
	}
	switch be.Code {
	case "42501", "PGRST301":
		return true
	}

	return false
}

// IsNotFound reports a missing row or resource.
func IsNotFound(err error) bool {
	be, ok := asBackendError(err)
	if !ok {
		return false
	}

	return be.Status == http.StatusNotFound || be.Code == "PGRST116"
}

// IsPolicyRecursion detects the backend's recursive row-policy mode.
// Callers treat it as "no rows visible", not as a failure.
func IsPolicyRecursion(err error) bool {
	be, ok := asBackendError(err)
	if !ok {
		return false
	}

	return be.Code == "42P17"
}

// IsSchemaMismatch reports that a table, column or function the client
// expects does not exist on the server. Retrying soon is pointless.
func IsSchemaMismatch(err error) bool {
	be, ok := asBackendError(err)
	if !ok {
		return false
	}
	switch be.Code {
	case "42P01", "42703", "PGRST202", "PGRST204", "PGRST205":
		return true
	}

	return false
}

// IsTransient reports failures worth retrying with backoff: timeouts,
// broken connections, server overload.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if be, ok := asBackendError(err); ok {
		switch {
		case be.Status == http.StatusTooManyRequests:
			return true
		case be.Status == http.StatusRequestTimeout:
			return true
		case be.Status >= http.StatusInternalServerError:
			return true
		}

		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return false
}
