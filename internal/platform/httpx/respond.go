// Package httpx provides JSON response utilities following RFC7807
// problem details, plus the permission-denial payload shape.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Denial is the payload returned with 401/403 on permission failures.
type Denial struct {
	Error                string         `json:"error"`
	Message              string         `json:"message"`
	RequiredCapability   string         `json:"required_capability,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	MissingCapabilities  []string       `json:"missing_capabilities,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	JSON(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// Deny sends the denial payload with the given status (401 when no
// identity resolved, 403 when a capability is absent).
func Deny(w http.ResponseWriter, status int, d Denial) {
	JSON(w, status, d)
}

// DecodeJSON decodes a JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}
