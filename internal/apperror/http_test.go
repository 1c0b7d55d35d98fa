package apperror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", Validation("page must be a positive integer"), http.StatusBadRequest, "page must be a positive integer"},
		{"not found", NotFound("order not found"), http.StatusNotFound, "order not found"},
		{"internal", errors.New("pq: password authentication failed"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Write(rr, tc.err)

			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var body Response
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.False(t, body.Status)
			assert.Equal(t, tc.message, body.Message)
		})
	}
}
