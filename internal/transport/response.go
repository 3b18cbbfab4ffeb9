// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the dashboard API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pitabwire/doorhub/model"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrUnauthorized:           http.StatusUnauthorized,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrInternalError:          http.StatusInternalServerError,
	model.ErrPackageNotFound:        http.StatusNotFound,
	model.ErrManifestInvalid:        http.StatusUnprocessableEntity,
	model.ErrTransformCompileFailed: http.StatusUnprocessableEntity,
	model.ErrConfigurationMissing:   http.StatusUnprocessableEntity,
	model.ErrTransportFailure:       http.StatusBadGateway,
	model.ErrRequestFailed:          http.StatusBadGateway,
	model.ErrResponseParseFailed:    http.StatusBadGateway,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// DecodeJSON reads a JSON request body into v. Unknown fields are rejected
// and bodies over 1 MiB fail.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewBadRequestError("invalid request body: " + err.Error())
	}
	return nil
}
