package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/conoscope-control/conoctl/internal/device"
)

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

// API error codes for transport/security/lookup conditions
var (
	ErrBadRequest        = errors.New("BAD_REQUEST")
	ErrUnauthorizedError = errors.New("UNAUTHORIZED")
	ErrForbiddenError    = errors.New("FORBIDDEN")
	ErrNotFoundError     = errors.New("NOT_FOUND")
)

// errorMapping is one row of the error table. Rows are checked in order.
type errorMapping struct {
	target  error
	code    string
	status  int
	message string
}

var errorTable = []errorMapping{
	{device.ErrSequenceActive, "SEQUENCE_ACTIVE", http.StatusConflict, "A capture sequence is already running"},
	{device.ErrSessionClosed, "SESSION_CLOSED", http.StatusServiceUnavailable, "Device session is closed"},
	{device.ErrBusy, "BUSY", http.StatusServiceUnavailable, "Device is busy, retry with backoff"},
	{device.ErrUnavailable, "UNAVAILABLE", http.StatusServiceUnavailable, "Device is unavailable"},
	{device.ErrTimeout, "TIMEOUT", http.StatusGatewayTimeout, "Device did not answer in time"},
	{device.ErrMalformedResponse, "MALFORMED_RESPONSE", http.StatusBadGateway, "Device reply could not be decoded"},
	{device.ErrIncompatibleVersion, "INCOMPATIBLE_VERSION", http.StatusBadGateway, "Device library version is not supported"},
	{device.ErrInvalidParameter, "INVALID_PARAMETER", http.StatusBadRequest, "Parameter rejected by the device"},
	{device.ErrInvalidState, "INVALID_STATE", http.StatusConflict, "Command not allowed in the current device state"},
	{device.ErrNotImplemented, "NOT_IMPLEMENTED", http.StatusNotImplemented, "Command not implemented by the device"},
	{device.ErrDeviceFailure, "DEVICE_FAILURE", http.StatusInternalServerError, "Device reported a failure"},
	{ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest, "Malformed or missing required parameter"},
	{ErrUnauthorizedError, "UNAUTHORIZED", http.StatusUnauthorized, "Authentication required"},
	{ErrForbiddenError, "FORBIDDEN", http.StatusForbidden, "Insufficient permissions"},
	{ErrNotFoundError, "NOT_FOUND", http.StatusNotFound, "Resource not found"},
}

// ToAPIError converts an error to an HTTP status code and JSON body. Device
// codes and messages are passed through verbatim in details.
func ToAPIError(err error) (int, []byte) {
	if err == nil {
		return http.StatusOK, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, marshalErrorResponse(apiErr.Code, apiErr.Message, apiErr.Details)
	}

	var details interface{}
	var devErr *device.DeviceError
	if errors.As(err, &devErr) {
		details = map[string]interface{}{
			"command":       string(devErr.Command),
			"deviceCode":    int(devErr.Code),
			"deviceMessage": devErr.Message,
		}
	}

	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, marshalErrorResponse(m.code, m.message, details)
		}
	}

	// Default to internal server error for unknown errors
	return http.StatusInternalServerError, marshalErrorResponse("INTERNAL", "Internal server error", map[string]interface{}{
		"original": err.Error(),
	})
}

// writeAPIError writes the mapped error.
func writeAPIError(w http.ResponseWriter, err error) {
	status, body := ToAPIError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// marshalErrorResponse creates a JSON error response with correlation ID.
func marshalErrorResponse(code, message string, details interface{}) []byte {
	response := ErrorResponse(code, message, details)

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		fallback := map[string]interface{}{
			"result":        "error",
			"code":          "INTERNAL",
			"message":       "Failed to marshal error response",
			"correlationId": generateCorrelationID(),
		}
		jsonBytes, _ := json.Marshal(fallback)
		return jsonBytes
	}

	return jsonBytes
}

// NewAPIError creates a new API error.
func NewAPIError(code string, message string, statusCode int, details interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: statusCode,
	}
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
