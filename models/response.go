package models

// FailureKind classifies an error reply so clients can decide between a
// page banner, a transient message, or an inline form error.
type FailureKind string

const (
	FetchFailure      FailureKind = "fetch"
	CommandFailure    FailureKind = "command"
	ValidationFailure FailureKind = "validation"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    FailureKind `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

func SuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

func ErrorResponse(kind FailureKind, err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
		Kind:    kind,
	}
}

func MessageResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	}
}
