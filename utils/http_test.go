package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusOK, map[string]string{"message": "test"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		require.NoError(t, WriteJSON(w, http.StatusNoContent, nil))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOK(t *testing.T) {
	w := httptest.NewRecorder()

	require.NoError(t, WriteOK(w, map[string]string{"provider": "openai"}))
	assert.Equal(t, http.StatusOK, w.Code)

	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	dataMap := response.Data.(map[string]interface{})
	assert.Equal(t, "openai", dataMap["provider"])
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name         string
		write        func(w http.ResponseWriter) error
		expectStatus int
		expectCode   string
		expectMsg    string
	}{
		{
			name:         "bad request",
			write:        func(w http.ResponseWriter) error { return WriteBadRequest(w, "bad body", nil) },
			expectStatus: http.StatusBadRequest,
			expectCode:   "bad_request",
			expectMsg:    "bad body",
		},
		{
			name:         "not found default message",
			write:        func(w http.ResponseWriter) error { return WriteNotFound(w, "") },
			expectStatus: http.StatusNotFound,
			expectCode:   "not_found",
			expectMsg:    "Resource not found",
		},
		{
			name:         "service unavailable",
			write:        func(w http.ResponseWriter) error { return WriteServiceUnavailable(w, "") },
			expectStatus: http.StatusServiceUnavailable,
			expectCode:   "service_unavailable",
			expectMsg:    "Service unavailable",
		},
		{
			name:         "internal error",
			write:        func(w http.ResponseWriter) error { return WriteInternalServerError(w, "boom") },
			expectStatus: http.StatusInternalServerError,
			expectCode:   "internal_error",
			expectMsg:    "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))

			assert.Equal(t, tt.expectStatus, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectCode, response.Error)
			assert.Equal(t, tt.expectMsg, response.Message)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var body struct {
		Provider string `json:"provider"`
	}

	r := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"provider":"groq"}`))
	require.NoError(t, DecodeJSON(r, &body))
	assert.Equal(t, "groq", body.Provider)

	r = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"provider":"groq","extra":1}`))
	assert.Error(t, DecodeJSON(r, &body))
}
