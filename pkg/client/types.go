package client

// StartRequest represents a request to start a recording session.
type StartRequest struct {
	Name string `json:"name"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
