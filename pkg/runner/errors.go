package runner

import (
	"errors"
	"net/http"

	"github.com/joeydtaylor/steeze-tunnel/pkg/codec"
	"github.com/joeydtaylor/steeze-tunnel/pkg/worker"
)

// Error is the gateway failure taxonomy. Code doubles as the HTTP status and
// CodeName is the stable machine-readable name clients branch on.
type Error struct {
	Code     int    `json:"code"`
	CodeName string `json:"codeName"`
	Message  string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

func ErrUnauthorized() *Error {
	return &Error{Code: http.StatusUnauthorized, CodeName: "UNAUTHORIZED", Message: "Invalid or missing token"}
}

func ErrForbidden() *Error {
	return &Error{Code: http.StatusForbidden, CodeName: "FORBIDDEN", Message: "Task or event not in allow-list"}
}

func ErrNotFound() *Error {
	return &Error{Code: http.StatusNotFound, CodeName: "NOT_FOUND", Message: "Task or event not found"}
}

func ErrMethodNotAllowed() *Error {
	return &Error{Code: http.StatusMethodNotAllowed, CodeName: "METHOD_NOT_ALLOWED", Message: "Method not allowed"}
}

func ErrInvalidJSON(msg string) *Error {
	return &Error{Code: http.StatusBadRequest, CodeName: "INVALID_JSON", Message: msg}
}

func ErrInternal(msg string) *Error {
	return &Error{Code: http.StatusInternalServerError, CodeName: "INTERNAL_ERROR", Message: msg}
}

func ErrUnavailable(msg string) *Error {
	return &Error{Code: http.StatusServiceUnavailable, CodeName: "SERVICE_UNAVAILABLE", Message: msg}
}

// AsError maps any failure onto the taxonomy. Worker-supplied structured
// codes pass through verbatim; everything else is an internal error with the
// message preserved for diagnostics.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var re *worker.RemoteError
	if errors.As(err, &re) {
		out := ErrInternal(re.Detail.Message)
		if re.Detail.Code != 0 && re.Detail.CodeName != "" {
			out.Code = re.Detail.Code
			out.CodeName = re.Detail.CodeName
		}
		return out
	}
	if errors.Is(err, worker.ErrOverloaded) {
		return ErrUnavailable(err.Error())
	}
	return ErrInternal(err.Error())
}

type successEnvelope struct {
	OK     bool `json:"ok"`
	Result any  `json:"result,omitempty"`
}

type errorEnvelope struct {
	OK    bool   `json:"ok"`
	Error *Error `json:"error"`
}

// WriteResult writes the success envelope; a nil result omits the field
// (event responses).
func WriteResult(w http.ResponseWriter, result any) {
	writeEnvelope(w, http.StatusOK, successEnvelope{OK: true, Result: result})
}

// WriteError writes the error envelope with the HTTP status taken from the
// error code.
func WriteError(w http.ResponseWriter, err error) {
	e := AsError(err)
	writeEnvelope(w, e.Code, errorEnvelope{OK: false, Error: e})
}

func writeEnvelope(w http.ResponseWriter, status int, v any) {
	raw, err := codec.JSONStrict.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.JSONStrict.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
