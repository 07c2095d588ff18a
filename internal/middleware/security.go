package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/security"
)

// SecurityMiddlewareConfig holds configuration for the security stack
type SecurityMiddlewareConfig struct {
	Auth       *security.Config           `yaml:"auth"`
	Validation *security.ValidationConfig `yaml:"validation"`
	OpenAPI    *ValidationConfig          `yaml:"openapi"`
}

// SecurityMiddleware combines the security middleware components
type SecurityMiddleware struct {
	authProvider *security.DefaultAuthProvider
	validator    *security.RequestValidator
	openapi      *ValidationMiddleware
	logger       *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	var authProvider *security.DefaultAuthProvider
	if config.Auth != nil {
		authProvider = security.NewDefaultAuthProvider(config.Auth, logger)
	}

	var validator *security.RequestValidator
	var err error
	if config.Validation != nil {
		validator, err = security.NewRequestValidator(config.Validation, logger)
		if err != nil {
			return nil, err
		}
	}

	openapi, err := NewValidationMiddleware(config.OpenAPI, logger)
	if err != nil {
		return nil, err
	}

	return &SecurityMiddleware{
		authProvider: authProvider,
		validator:    validator,
		openapi:      openapi,
		logger:       logger,
	}, nil
}

// Handler creates the complete security middleware chain
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// Build the chain in reverse order (innermost first)
		handler := next

		// 1. OpenAPI schema validation (innermost, sees decoded routes)
		handler = s.openapi.Middleware(handler)

		// 2. Authentication
		if s.authProvider != nil {
			handler = s.authProvider.AuthMiddleware()(handler)
		}

		// 3. Request screening (method, size, content type, patterns)
		if s.validator != nil {
			handler = s.validator.ValidationMiddleware()(handler)
		}

		// 4. Security headers on every response
		handler = s.securityHeadersMiddleware()(handler)

		return handler
	}
}

// AuthenticationOnly returns only the authentication middleware
func (s *SecurityMiddleware) AuthenticationOnly() func(http.Handler) http.Handler {
	if s.authProvider != nil {
		return s.authProvider.AuthMiddleware()
	}
	return func(next http.Handler) http.Handler { return next }
}

// ValidationOnly returns only the request screening middleware
func (s *SecurityMiddleware) ValidationOnly() func(http.Handler) http.Handler {
	if s.validator != nil {
		return s.validator.ValidationMiddleware()
	}
	return func(next http.Handler) http.Handler { return next }
}

// securityHeadersMiddleware adds security headers to responses
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			w.Header().Set("Server", "Analysis-Router/1.0")
			w.Header().Set("X-API-Version", "1.0")
			if id := r.Header.Get("X-Request-ID"); id != "" {
				w.Header().Set("X-Request-ID", id)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware creates CORS middleware for cross-origin requests
func (s *SecurityMiddleware) CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight OPTIONS requests
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
