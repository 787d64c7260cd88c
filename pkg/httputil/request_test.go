package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	type body struct {
		UserCount int `json:"user_count"`
	}

	tests := []struct {
		name        string
		body        string
		expectError bool
		expected    int
	}{
		{name: "valid", body: `{"user_count": 4}`, expected: 4},
		{name: "malformed", body: `{user_count}`, expectError: true},
		{name: "unknown field", body: `{"seats": 4}`, expectError: true},
		{name: "empty", body: ``, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(tt.body))
			var dest body

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, dest.UserCount)
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`nope`))
	w := httptest.NewRecorder()
	var dest map[string]any

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name        string
		vars        map[string]string
		expected    int64
		expectError bool
	}{
		{name: "valid", vars: map[string]string{"id": "17"}, expected: 17},
		{name: "missing", vars: map[string]string{}, expectError: true},
		{name: "not a number", vars: map[string]string{"id": "abc"}, expectError: true},
		{name: "zero", vars: map[string]string{"id": "0"}, expectError: true},
		{name: "negative", vars: map[string]string{"id": "-3"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), tt.vars)

			val, err := ParsePathInt64(req, "id")

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, val)
		})
	}
}

func TestParsePathInt64OrError(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "x"})
	w := httptest.NewRecorder()

	_, ok := ParsePathInt64OrError(w, req, "id")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=25&bad=x", nil)

	val, err := ParseQueryInt(req, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 25, val)

	val, err = ParseQueryInt(req, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, val)

	_, err = ParseQueryInt(req, "bad", 10)
	assert.Error(t, err)
}

func TestParseQueryDate(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/?date=2024-03-15&bad=15/03/2024", nil)

	date, err := ParseQueryDate(req, "date")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), date)

	date, err = ParseQueryDate(req, "missing")
	require.NoError(t, err)
	assert.True(t, date.IsZero())

	_, err = ParseQueryDate(req, "bad")
	assert.Error(t, err)
}
