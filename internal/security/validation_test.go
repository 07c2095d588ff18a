package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestValidator(t *testing.T) {
	config := &ValidationConfig{
		MaxRequestSize:  1024,
		AllowedMethods:  []string{"GET", "POST"},
		BlockedPatterns: []string{"(?i)script"},
	}

	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)
	assert.NotNil(t, validator)
	assert.Len(t, validator.blockedRegexes, 1)
}

func TestNewRequestValidator_DefaultSize(t *testing.T) {
	validator, err := NewRequestValidator(&ValidationConfig{}, authTestLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(32*1024*1024), validator.config.MaxRequestSize)
}

func TestNewRequestValidator_InvalidPattern(t *testing.T) {
	config := &ValidationConfig{
		BlockedPatterns: []string{"[invalid regex"},
	}

	validator, err := NewRequestValidator(config, authTestLogger())
	assert.Error(t, err)
	assert.Nil(t, validator)
	assert.Contains(t, err.Error(), "invalid blocked pattern")
}

func TestRequestValidator_ValidateRequest_ValidRequest(t *testing.T) {
	config := &ValidationConfig{
		MaxRequestSize: 1024,
		AllowedMethods: []string{"GET", "POST"},
		ContentTypes:   []string{"application/json"},
	}
	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/analyze", strings.NewReader(`{"prompt": "hi"}`))
	req.Header.Set("Content-Type", "application/json")

	result := validator.ValidateRequest(req)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestRequestValidator_ValidateRequest_InvalidMethod(t *testing.T) {
	config := &ValidationConfig{
		AllowedMethods: []string{"GET", "POST"},
	}
	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)

	req := httptest.NewRequest("DELETE", "/v1/analyze", nil)

	result := validator.ValidateRequest(req)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Method DELETE not allowed")
}

func TestRequestValidator_ValidateRequest_RequestTooLarge(t *testing.T) {
	config := &ValidationConfig{
		MaxRequestSize: 100,
	}
	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/analyze", nil)
	req.ContentLength = 200

	result := validator.ValidateRequest(req)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Request size 200 exceeds maximum 100")
}

func TestRequestValidator_ValidateRequest_InvalidContentType(t *testing.T) {
	config := &ValidationConfig{
		ContentTypes: []string{"application/json"},
	}
	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/analyze", nil)
	req.Header.Set("Content-Type", "text/plain")

	result := validator.ValidateRequest(req)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Content-Type text/plain not allowed")
}

func TestRequestValidator_ValidateRequest_ContentTypeCharset(t *testing.T) {
	config := &ValidationConfig{
		ContentTypes: []string{"application/json"},
	}
	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/analyze", nil)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	result := validator.ValidateRequest(req)
	assert.True(t, result.Valid, "charset parameter should not fail the check")
}

func TestRequestValidator_ValidateRequest_BlockedPattern(t *testing.T) {
	config := &ValidationConfig{
		BlockedPatterns: []string{"(?i)script"},
	}
	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/v1/history?param=<script>alert(1)</script>", nil)

	result := validator.ValidateRequest(req)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Request contains blocked patterns")
}

func TestRequestValidator_ValidateBody(t *testing.T) {
	config := &ValidationConfig{
		BlockedPatterns: []string{"(?i)drop table"},
	}
	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)

	t.Run("clean body passes", func(t *testing.T) {
		result := validator.ValidateBody([]byte(`{"prompt": "review this"}`))
		assert.True(t, result.Valid)
	})

	t.Run("large payloads pass untouched", func(t *testing.T) {
		// Context payloads routinely run to hundreds of kilobytes and
		// must not trip any per-field limits.
		payload := `{"context_payload": "` + strings.Repeat("x", 500000) + `"}`
		result := validator.ValidateBody([]byte(payload))
		assert.True(t, result.Valid)
	})

	t.Run("invalid UTF-8 fails", func(t *testing.T) {
		result := validator.ValidateBody([]byte{0xff, 0xfe, 0xfd})
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, "Request body contains invalid UTF-8")
	})

	t.Run("blocked pattern fails", func(t *testing.T) {
		result := validator.ValidateBody([]byte(`{"prompt": "DROP TABLE users"}`))
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, "Request body contains blocked patterns")
	})
}

func TestRequestValidator_IsAllowedMethod(t *testing.T) {
	validator, err := NewRequestValidator(&ValidationConfig{
		AllowedMethods: []string{"GET", "POST"},
	}, authTestLogger())
	require.NoError(t, err)

	assert.True(t, validator.isAllowedMethod("GET"))
	assert.True(t, validator.isAllowedMethod("post"))
	assert.False(t, validator.isAllowedMethod("DELETE"))

	open, err := NewRequestValidator(&ValidationConfig{}, authTestLogger())
	require.NoError(t, err)
	assert.True(t, open.isAllowedMethod("DELETE"), "empty list allows everything")
}

func TestRequestValidator_ValidationMiddleware(t *testing.T) {
	config := &ValidationConfig{
		MaxRequestSize: 64,
		AllowedMethods: []string{"GET", "POST"},
		ContentTypes:   []string{"application/json"},
	}
	validator, err := NewRequestValidator(config, authTestLogger())
	require.NoError(t, err)

	handler := validator.ValidationMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid request passes", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/analyze", strings.NewReader(`{"prompt": "hi"}`))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid request gets the error envelope", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/analyze", nil)
		req.Header.Set("Content-Type", "text/html")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "validation_error")
		assert.Contains(t, rec.Body.String(), "Content-Type text/html not allowed")
	})

	t.Run("body reader is capped", func(t *testing.T) {
		// The declared length fits but the actual body does not, as with
		// a lying client; MaxBytesReader stops the handler's read.
		body := strings.Repeat("x", 200)
		req := httptest.NewRequest("POST", "/v1/analyze", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = 10

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
