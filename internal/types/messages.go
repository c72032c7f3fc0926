package types

// ErrorBody is the payload of a structured rejection on the command socket
// and the debug API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Type: "error",
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
