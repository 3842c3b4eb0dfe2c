package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

var (
	ErrWorkerPanic        = fmt.Errorf("worker panic")
	ErrNotFound           = fmt.Errorf("not found")
	ErrReservationExpired = fmt.Errorf("reservation expired")
	ErrStaleVersion       = fmt.Errorf("backup version is not newer than the stored one")
	ErrInvalidPayload     = fmt.Errorf("invalid payload")
	ErrConnectionClosed   = fmt.Errorf("connection is not open")
	ErrBackpressure       = fmt.Errorf("connection outbound buffer full")
)

// MapToHTTPStatus translates domain errors into HTTP status codes.
// Anything unrecognized is an internal failure: callers get a generic 500
// and the real cause stays in the logs.
func MapToHTTPStatus(err error) int {
	switch {
	case stderrors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrReservationExpired):
		return http.StatusGone
	case stderrors.Is(err, ErrStaleVersion):
		return http.StatusConflict
	case stderrors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case stderrors.Is(err, ErrConnectionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
