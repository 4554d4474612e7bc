/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for the gateway's
// HTTP handlers: the JSON error envelope, trace error mapping, and
// streaming reply helpers.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serializable value or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads the HTTP request body and unmarshals it into val.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("invalid JSON: %v", err)
	}
	return nil
}

// ReplyJSON writes a JSON response with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, val interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:errcheck // headers are already out, nothing to report to
	json.NewEncoder(w).Encode(val)
}

// ReplyError writes the JSON error envelope for err. API errors keep
// their status and code, trace errors are mapped, everything else is a
// 500 internal_error.
func ReplyError(w http.ResponseWriter, err error) {
	apiErr := ToAPIError(err)
	ReplyJSON(w, apiErr.Status, apiErr.Body())
}

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// SetStreamingHeaders prepares the response for a text SSE stream.
func SetStreamingHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// Flush flushes buffered response bytes to the client when the
// underlying writer supports it.
func Flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
