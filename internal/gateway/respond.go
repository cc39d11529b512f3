// Package gateway is the HTTP surface of the authentication gateway: the
// session management endpoints the browser talks to, and the authenticated
// reverse proxy in front of the resource API.
package gateway

import (
	"encoding/json"
	"net/http"

	dErrors "authgate/pkg/domain-errors"
)

// writeError centralizes domain error translation to HTTP responses so every
// handler emits the same JSON error envelope. Only the error code crosses
// the wire; messages may reference internals.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dErrors.ToHTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": string(code),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
