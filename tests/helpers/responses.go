package helpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/v3/assert"
)

type errorResponse struct {
	Message string `json:"message"`
}

// AssertErrorResponse checks the recorded response is an echo HTTP error
// with the status and message provided. An empty message expects the
// default status text.
func AssertErrorResponse(t *testing.T, response *httptest.ResponseRecorder, expectedStatusCode int, expectedMessage string) {
	assert.Equal(t, response.Code, expectedStatusCode, "HTTP response status code did not match expected")

	var apiErr errorResponse
	if err := json.Unmarshal(response.Body.Bytes(), &apiErr); err != nil {
		t.Errorf("Could not extract error from HTTP response body: %s", err)
		return
	}

	if expectedMessage == "" {
		expectedMessage = http.StatusText(expectedStatusCode)
	}
	assert.Equal(t, apiErr.Message, expectedMessage)
}

// DecodeResponse unmarshals the recorded JSON body in to a T.
func DecodeResponse[T any](t *testing.T, response *httptest.ResponseRecorder) T {
	var out T
	assert.NilError(t, json.Unmarshal(response.Body.Bytes(), &out))
	return out
}
