package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNewDefaultAuthProvider(t *testing.T) {
	config := &Config{
		APIKeys:   []string{"test-key-1", "test-key-2"},
		JWTSecret: "test-secret",
	}

	provider := NewDefaultAuthProvider(config, authTestLogger())

	require.NotNil(t, provider)
	assert.Equal(t, 24*time.Hour, config.JWTExpiry, "zero expiry should fall back to a day")
}

func TestDefaultAuthProvider_ValidateAPIKey(t *testing.T) {
	config := &Config{
		APIKeys: []string{"valid-key-1", "valid-key-2"},
	}
	provider := NewDefaultAuthProvider(config, authTestLogger())
	ctx := context.Background()

	tests := []struct {
		name    string
		apiKey  string
		wantErr bool
	}{
		{
			name:    "valid API key 1",
			apiKey:  "valid-key-1",
			wantErr: false,
		},
		{
			name:    "valid API key 2",
			apiKey:  "valid-key-2",
			wantErr: false,
		},
		{
			name:    "invalid API key",
			apiKey:  "invalid-key",
			wantErr: true,
		},
		{
			name:    "empty API key",
			apiKey:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authInfo, err := provider.ValidateAPIKey(ctx, tt.apiKey)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, authInfo)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, authInfo)
				assert.NotEmpty(t, authInfo.UserID)
				assert.Equal(t, tt.apiKey, authInfo.APIKey)
				assert.Contains(t, authInfo.Permissions, "api:access")
				assert.Equal(t, "api_key", authInfo.Metadata["auth_type"])
			}
		})
	}
}

func TestDefaultAuthProvider_GenerateAndValidateJWT(t *testing.T) {
	config := &Config{
		JWTSecret: "test-secret-key-for-jwt-signing-must-be-long-enough",
		JWTExpiry: time.Hour,
	}
	provider := NewDefaultAuthProvider(config, authTestLogger())

	token, err := provider.GenerateJWT("user-42", map[string]interface{}{
		"permissions": []string{"api:access", "swarm:manage"},
		"team":        "analysis",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := provider.ValidateJWT(token)
	require.NoError(t, err)

	assert.Equal(t, "user-42", claims.UserID)
	assert.Equal(t, "analysis-router", claims.Issuer)
	assert.Equal(t, []string{"api:access", "swarm:manage"}, claims.Permissions)
	assert.Equal(t, "analysis", claims.Metadata["team"])
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestDefaultAuthProvider_ValidateJWT_InvalidToken(t *testing.T) {
	config := &Config{
		JWTSecret: "test-secret-key-for-jwt-signing-must-be-long-enough",
		JWTExpiry: time.Hour,
	}
	provider := NewDefaultAuthProvider(config, authTestLogger())

	otherProvider := NewDefaultAuthProvider(&Config{
		JWTSecret: "a-different-secret-entirely",
		JWTExpiry: time.Hour,
	}, authTestLogger())
	foreignToken, err := otherProvider.GenerateJWT("user-42", nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "invalid token format",
			token: "not.a.jwt",
		},
		{
			name:  "token signed with another secret",
			token: foreignToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := provider.ValidateJWT(tt.token)
			assert.Error(t, err)
			assert.Nil(t, claims)
		})
	}
}

func TestDefaultAuthProvider_JWTRequiresSecret(t *testing.T) {
	provider := NewDefaultAuthProvider(&Config{}, authTestLogger())

	_, err := provider.GenerateJWT("user-42", nil)
	assert.Error(t, err)

	_, err = provider.ValidateJWT("any-token")
	assert.Error(t, err)
}

func TestDefaultAuthProvider_Authenticate(t *testing.T) {
	config := &Config{
		APIKeys:   []string{"valid-api-key"},
		JWTSecret: "test-secret-key-for-jwt-signing-must-be-long-enough",
		JWTExpiry: time.Hour,
	}
	provider := NewDefaultAuthProvider(config, authTestLogger())
	ctx := context.Background()

	t.Run("API key", func(t *testing.T) {
		authInfo, err := provider.Authenticate(ctx, "valid-api-key")
		require.NoError(t, err)
		assert.Equal(t, "api_key", authInfo.Metadata["auth_type"])
	})

	t.Run("JWT", func(t *testing.T) {
		token, err := provider.GenerateJWT("user-42", nil)
		require.NoError(t, err)

		authInfo, err := provider.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "user-42", authInfo.UserID)
	})

	t.Run("invalid token", func(t *testing.T) {
		authInfo, err := provider.Authenticate(ctx, "neither-key-nor-jwt")
		assert.Error(t, err)
		assert.Nil(t, authInfo)
	})
}

func TestDefaultAuthProvider_AuthMiddleware(t *testing.T) {
	config := &Config{
		APIKeys:     []string{"router-key"},
		JWTSecret:   "test-secret-key-for-jwt-signing-must-be-long-enough",
		JWTExpiry:   time.Hour,
		RequireAuth: true,
	}
	provider := NewDefaultAuthProvider(config, authTestLogger())

	var sawAuthInfo bool
	handler := provider.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuthInfo = GetAuthInfo(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing token is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/analyze", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "authentication_error")
	})

	t.Run("health bypasses auth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("docs bypass auth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/docs/openapi.json", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("API key header is accepted", func(t *testing.T) {
		sawAuthInfo = false
		req := httptest.NewRequest("POST", "/v1/analyze", nil)
		req.Header.Set("X-API-Key", "router-key")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, sawAuthInfo, "handler should see auth info in context")
	})

	t.Run("bearer JWT is accepted", func(t *testing.T) {
		token, err := provider.GenerateJWT("user-42", nil)
		require.NoError(t, err)

		req := httptest.NewRequest("POST", "/v1/analyze", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("auth disabled lets everything through", func(t *testing.T) {
		open := NewDefaultAuthProvider(&Config{RequireAuth: false}, authTestLogger())
		openHandler := open.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		rec := httptest.NewRecorder()
		openHandler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/analyze", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGenerateUserID(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{
			name:     "long key uses prefix",
			apiKey:   "abcdefgh-rest-of-key",
			expected: "user_abcdefgh",
		},
		{
			name:     "short key used whole",
			apiKey:   "short",
			expected: "user_short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, generateUserID(tt.apiKey))
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{
			name:     "long key shows edges",
			apiKey:   "sk-1234567890abcdef",
			expected: "sk-1****cdef",
		},
		{
			name:     "short key fully masked",
			apiKey:   "short",
			expected: "****",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskAPIKey(tt.apiKey))
		})
	}
}

func TestGetAuthInfo(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		want := &AuthInfo{UserID: "user-42"}
		ctx := context.WithValue(context.Background(), authInfoKey, want)

		got, ok := GetAuthInfo(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("absent", func(t *testing.T) {
		got, ok := GetAuthInfo(context.Background())
		assert.False(t, ok)
		assert.Nil(t, got)
	})
}
