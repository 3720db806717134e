// Package dto provides Data Transfer Objects for API requests and responses.
package dto

// Error codes carried in the error envelope.
const (
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeFlowNotFound       = "flow-not-found"
	CodeNotFound           = "not-found"
	CodeBadInput           = "bad-input"
	CodeInvalidMIME        = "invalid-MIME"
	CodeInvalidJSON        = "invalid-JSON"
	CodeInvalidSyntax      = "invalid-draco-syntax"
	CodeFlowAlreadyRunning = "flow-already-running"
	CodeFlowNotRunning     = "flow-not-running"
	CodeEmailExists        = "email-exists"
	CodeQueryTimeout       = "query-timeout"
	CodeRateLimited        = "rate-limited"
	CodePayloadTooLarge    = "payload-too-large"
	CodeMethodNotAllowed   = "method-not-allowed"
	CodeInternal           = "internal-error"
)

// ErrorBody is the inner error object.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse is the envelope for every non-2xx response.
type ErrorResponse struct {
	Error  ErrorBody `json:"error"`
	Status int       `json:"status"`
}

// NewError builds an envelope.
func NewError(status int, code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error:  ErrorBody{Code: code, Message: message, Details: details},
		Status: status,
	}
}
