package dto

// APIResponse is the envelope every endpoint answers with, including the
// webhook acknowledgements the processor's redelivery logic keys off.
type APIResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    any          `json:"data,omitempty" validate:"omitempty"`
	Error   *ErrorDetail `json:"error,omitempty" validate:"omitempty"`
}

// ErrorDetail carries a machine-readable error code next to the human message
type ErrorDetail struct {
	Code    string `json:"code"`
	Details any    `json:"details,omitempty" validate:"omitempty"`
}
