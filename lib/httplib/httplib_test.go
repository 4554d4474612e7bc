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

package httplib

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		token  string
		ok     bool
	}{
		{name: "valid", header: "Bearer sk-test", token: "sk-test", ok: true},
		{name: "case insensitive scheme", header: "bearer sk-test", token: "sk-test", ok: true},
		{name: "missing header", header: "", ok: false},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", ok: false},
		{name: "empty token", header: "Bearer  ", ok: false},
		{name: "scheme only", header: "Bearer", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			token, ok := BearerToken(r)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.token, token)
		})
	}
}

func TestReplyErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	ReplyError(w, ErrModelNotAllowed("gpt-4"))

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, CodeModelNotAllowed, body.Error.Code)
	require.Equal(t, TypePermission, body.Error.Type)
	require.Contains(t, body.Error.Message, "gpt-4")
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "api error passes through",
			err:    ErrTTFTTimeout("b1"),
			status: http.StatusGatewayTimeout,
			code:   CodeTTFTTimeout,
		},
		{
			name:   "wrapped api error passes through",
			err:    trace.Wrap(ErrAllBackendsAtCapacity()),
			status: http.StatusTooManyRequests,
			code:   CodeAllBackendsAtCapacity,
		},
		{
			name:   "bad parameter",
			err:    trace.BadParameter("bad input"),
			status: http.StatusBadRequest,
			code:   CodeInvalidRequest,
		},
		{
			name:   "not found",
			err:    trace.NotFound("no such backend"),
			status: http.StatusNotFound,
			code:   CodeBackendNotFound,
		},
		{
			name:   "access denied",
			err:    trace.AccessDenied("nope"),
			status: http.StatusForbidden,
			code:   CodeModelNotAllowed,
		},
		{
			name:   "limit exceeded",
			err:    trace.LimitExceeded("full"),
			status: http.StatusTooManyRequests,
			code:   CodeAllBackendsAtCapacity,
		},
		{
			name:   "connection problem",
			err:    trace.ConnectionProblem(errors.New("refused"), "dial failed"),
			status: http.StatusInternalServerError,
			code:   CodeNetworkError,
		},
		{
			name:   "unknown error",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			code:   CodeInternalError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := ToAPIError(tt.err)
			require.Equal(t, tt.status, apiErr.Status)
			require.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestHTTPCode(t *testing.T) {
	require.Equal(t, "http_503", HTTPCode(503))
	require.Equal(t, "http_418", HTTPCode(418))
}
