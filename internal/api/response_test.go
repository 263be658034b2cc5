package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestWriteJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"session": "abc"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	env := decodeEnvelope(t, w)
	assert.Empty(t, env.Error)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok, "data should be an object, got %T", env.Data)
	assert.Equal(t, "abc", data["session"])
	assert.NotContains(t, w.Body.String(), `"error"`)
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusNotFound, "session not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "session not found", env.Error)
	assert.Nil(t, env.Data)
}

func TestReadJSON(t *testing.T) {
	type hangupBody struct {
		Cause string `json:"cause"`
	}

	tests := []struct {
		name string
		body string
		want string
	}{
		{"valid object", `{"cause":"USER_BUSY"}`, ""},
		{"empty body", ``, "request body must not be empty"},
		{"malformed", `{"cause":`, "malformed json"},
		{"unknown field", `{"cause":"USER_BUSY","extra":1}`, `unknown field "extra"`},
		{"wrong type", `{"cause":17}`, `wrong type for field "cause"`},
		{"trailing object", `{"cause":"USER_BUSY"}{"cause":"NO_ANSWER"}`, "request body must contain a single json object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst hangupBody
			assert.Equal(t, tt.want, readJSON(r, &dst))
			if tt.want == "" {
				assert.Equal(t, "USER_BUSY", dst.Cause)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantErr    string
	}{
		{"defaults", "", defaultLimit, 0, ""},
		{"explicit window", "?limit=25&offset=50", 25, 50, ""},
		{"limit clamped", "?limit=9999", maxLimit, 0, ""},
		{"zero limit", "?limit=0", 0, 0, "limit must be a positive integer"},
		{"negative limit", "?limit=-3", 0, 0, "limit must be a positive integer"},
		{"garbage limit", "?limit=many", 0, 0, "limit must be a positive integer"},
		{"negative offset", "?offset=-1", 0, 0, "offset must be a non-negative integer"},
		{"garbage offset", "?offset=some", 0, 0, "offset must be a non-negative integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/calls"+tt.query, nil)
			p, errMsg := parsePagination(r)
			assert.Equal(t, tt.wantErr, errMsg)
			if tt.wantErr == "" {
				assert.Equal(t, tt.wantLimit, p.Limit)
				assert.Equal(t, tt.wantOffset, p.Offset)
			}
		})
	}
}

func TestPaginatedResponseShape(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items: []string{"a", "b"}, Total: 7, Limit: 2, Offset: 4,
	})

	env := decodeEnvelope(t, w)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), data["total"])
	assert.Equal(t, float64(2), data["limit"])
	assert.Equal(t, float64(4), data["offset"])
	items, ok := data["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
}
