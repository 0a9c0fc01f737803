// Package api holds the JSON bodies of the room HTTP API shared by the
// server and its clients.
package api

import "github.com/wfunc/roomsync/models"

// ReplaceRequest is the body of POST /api/rooms/:kind/:id/state.
type ReplaceRequest struct {
	Document        models.Document `json:"document"`
	ExpectedVersion *uint64         `json:"expected_version,omitempty"`
}

// ResetRequest is the body of POST /api/rooms/:kind/:id/reset.
type ResetRequest struct {
	Document models.Document `json:"document,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
