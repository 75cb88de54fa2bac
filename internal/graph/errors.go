package graph

// ProviderError is an OAuth/Graph error payload the provider returned in a
// well-formed response body. It is expected, recoverable error data: callers
// decide whether to show the code/description to the admin or just log it.
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

// GraphError is a protocol fault: a response that violates the expected
// contract (missing id on create, mismatched id on renew, a corrupted device
// code, a refresh failing mid-operation). Unlike ProviderError it means
// something is structurally wrong, not a transient condition.
type GraphError struct {
	Msg string
}

func (e *GraphError) Error() string { return e.Msg }

// APIError is the error object Graph embeds in failed subscription responses.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}
