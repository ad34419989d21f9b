// Package web holds the response and request helpers shared by the route
// packages.
package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes bounds request bodies decoded by Decode.
const maxBodyBytes = 1 << 20

// Respond writes v as JSON with status. A nil v writes only the status.
func Respond(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"code":"Internal","message":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// Decode reads a JSON request body into v and validates it.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return Check(v)
}
