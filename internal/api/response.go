// Package api implements the hub's HTTP surface: the WebSocket upgrade
// endpoints for clients and gateways, plus health, readiness and metrics
// for operability. There is no REST CRUD API — all application state
// changes travel over the WebSocket wire protocol handled by wsserver.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper used by the handful of
// plain HTTP endpoints this package serves (health, readiness).
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}
