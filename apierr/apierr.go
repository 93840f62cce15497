// Package apierr implements the error-kind taxonomy of spec §7,
// mapping each kind to an HTTP status code. It is built on
// github.com/ansel1/merry (a direct dependency declared by the
// teacher's go.mod), which lets a status code and a machine-readable
// kind ride along with the normal Go error chain instead of being
// threaded through call signatures separately.
package apierr

import (
	"net/http"

	"github.com/ansel1/merry"
)

// Kind is the machine-readable classification of an error, matching
// the Error Kinds table in spec §7.
type Kind string

const (
	KindForbidden            Kind = "Forbidden"
	KindRangeNotSatisfiable  Kind = "RangeNotSatisfiable"
	KindBadRequest           Kind = "BadRequest"
	KindMethodNotAllowed     Kind = "MethodNotAllowed"
	KindNotFound             Kind = "NotFound"
	KindNotSupported         Kind = "NotSupported"
	KindConflict             Kind = "Conflict"
	KindInternal             Kind = "Internal"
	KindCanceled             Kind = "Canceled"
)

const kindValueKey = "apierr.kind"

var kindHTTPStatus = map[Kind]int{
	KindForbidden:           http.StatusForbidden,
	KindRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	KindBadRequest:          http.StatusBadRequest,
	KindMethodNotAllowed:    http.StatusMethodNotAllowed,
	KindNotFound:            http.StatusNotFound,
	KindNotSupported:        http.StatusBadRequest,
	KindConflict:            http.StatusConflict,
	KindInternal:            http.StatusInternalServerError,
	KindCanceled:            0, // no response is sent; the connection is reset
}

// New builds an error of the given kind carrying message as its
// user-visible text, with the HTTP status code attached via merry.
func New(kind Kind, message string) error {
	err := merry.New(message)
	err = merry.WithValue(err, kindValueKey, kind)
	if status, ok := kindHTTPStatus[kind]; ok && status != 0 {
		err = merry.WithHTTPCode(err, status)
	}
	return err
}

// Wrap tags an existing error (typically a backend or I/O failure)
// with kind and message, preserving the original error in the merry
// chain for server-side logging while giving handlers a stable kind
// to switch on.
func Wrap(kind Kind, err error, message string) error {
	wrapped := merry.WithMessage(merry.Wrap(err), message)
	wrapped = merry.WithValue(wrapped, kindValueKey, kind)
	if status, ok := kindHTTPStatus[kind]; ok && status != 0 {
		wrapped = merry.WithHTTPCode(wrapped, status)
	}
	return wrapped
}

// KindOf extracts the Kind previously attached with New or Wrap,
// defaulting to KindInternal for plain errors that never passed
// through this package (an uncaught backend/system failure, per §7).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if v := merry.Value(err, kindValueKey); v != nil {
		if kind, ok := v.(Kind); ok {
			return kind
		}
	}
	return KindInternal
}

// HTTPStatus returns the status code to write for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if code := merry.HTTPCode(err); code != 0 {
		return code
	}
	return http.StatusInternalServerError
}

// Convenience constructors for each kind, used at the point an error
// first becomes user-facing (handlers, not backends).

func Forbidden(message string) error           { return New(KindForbidden, message) }
func RangeNotSatisfiable(message string) error { return New(KindRangeNotSatisfiable, message) }
func BadRequest(message string) error          { return New(KindBadRequest, message) }
func MethodNotAllowed(message string) error    { return New(KindMethodNotAllowed, message) }
func NotFound(message string) error            { return New(KindNotFound, message) }
func NotSupported(message string) error        { return New(KindNotSupported, message) }
func Conflict(message string) error            { return New(KindConflict, message) }
func Internal(message string) error            { return New(KindInternal, message) }
func Canceled(message string) error            { return New(KindCanceled, message) }

// IsCanceled reports whether err represents an operation aborted by
// ticket cancellation (§7 Canceled: surfaces as connection reset, no
// HTTP response body).
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}

// WriteResponse renders err as an HTTP response: status code plus a
// short human-readable text body, and never leaks a stack trace to
// the client (§7 Propagation policy). Canceled errors write nothing —
// callers handling a Canceled error should instead close the
// connection directly.
func WriteResponse(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if IsCanceled(err) {
		return
	}
	status := HTTPStatus(err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(err.Error()))
}
