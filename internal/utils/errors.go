package utils

import (
	"encoding/json"
	"net/http"
)

// Error codes surfaced to clients over REST and the socket wire.
const (
	CodePasscodeRequired  = "PASSCODE_REQUIRED"
	CodeInvalidPasscode   = "INVALID_PASSCODE"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeDuplicateRoomName = "DUPLICATE_ROOM_NAME"
	CodeServerError       = "SERVER_ERROR"
	CodeGeneric           = "GENERIC"
)

// ErrorBody is the standard REST error envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ErrorResponse wraps an ErrorBody the way clients expect it.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// RespondError sends an error response with a machine-readable code
func RespondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{Message: message, Code: code},
	})
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
