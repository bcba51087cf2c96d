package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertJSONResponse asserts that an HTTP response has the expected status code and JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedBody interface{}) {
	t.Helper()

	assert.Equal(t, expectedStatus, w.Code, "unexpected status code")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "unexpected content type")

	if expectedBody != nil {
		expectedJSON, err := json.Marshal(expectedBody)
		require.NoError(t, err, "failed to marshal expected body")

		assert.JSONEq(t, string(expectedJSON), w.Body.String(), "unexpected response body")
	}
}

// AssertErrorResponse asserts the status and the machine-readable code of an API error
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedCode string) {
	t.Helper()

	assert.Equal(t, expectedStatus, w.Code, "unexpected status code")

	var response struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), "failed to decode response: %s", w.Body.String())
	assert.NotEmpty(t, response.Error, "error message missing")
	if expectedCode != "" {
		assert.Equal(t, expectedCode, response.Code, "unexpected error code")
	}
}
