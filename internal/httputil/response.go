package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/monitoring"
)

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a successful JSON response (200 OK).
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// StatusForKind maps an error kind to the HTTP status a handler reports.
func StatusForKind(k fault.Kind) int {
	switch k {
	case fault.Input:
		return http.StatusBadRequest
	case fault.IncompleteManifest:
		return http.StatusConflict
	case fault.Collaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault writes err as {"error": {kind, op, message}} with the status
// its kind maps to. Errors outside the taxonomy are reported as storage
// errors with a 500.
func WriteFault(w http.ResponseWriter, err error) {
	fe := fault.AsError(err, fault.Storage)
	WriteJSON(w, StatusForKind(fe.Kind), map[string]*fault.Error{"error": fe})
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 Bad Request response with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 Internal Server Error response.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// NotFound writes a 404 Not Found response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}
