package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the chat API. Callers can use
// errors.As to extract it:
//
//	var apiErr *gateway.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict { ... }
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	// Message is the server's "error" field, or the raw body when the
	// server did not answer with the usual JSON shape.
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// The services answer errors as {"error": "..."} or, for validation
// failures, {"error": ["...", "..."]}.
func newAPIError(request *Request, response *Response) *APIError {
	apiErr := &APIError{
		Method:     request.Method,
		Path:       request.Path,
		StatusCode: response.StatusCode,
		Body:       response.Body,
	}

	var shaped struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(response.Body, &shaped); err == nil && len(shaped.Error) > 0 {
		var single string
		var many []string
		switch {
		case json.Unmarshal(shaped.Error, &single) == nil:
			apiErr.Message = single
		case json.Unmarshal(shaped.Error, &many) == nil:
			apiErr.Message = strings.Join(many, "; ")
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(response.Body))
	}
	return apiErr
}

// StatusCode returns the HTTP status carried by err, or 0 when err is not
// an *APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
