package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationConfig holds configuration for OpenAPI schema validation
type ValidationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpecPath string `yaml:"spec_path"`
}

// ValidationMiddleware validates requests against the OpenAPI specification
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// NewValidationMiddleware creates OpenAPI validation middleware from the spec file.
// A nil or disabled config yields a pass-through middleware.
func NewValidationMiddleware(config *ValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if config == nil || !config.Enabled {
		return &ValidationMiddleware{enabled: false, logger: logger}, nil
	}

	specPath := config.SpecPath
	if specPath == "" {
		specPath = "docs/openapi.yaml"
	}

	doc, err := loadOpenAPISpec(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	logger.WithField("spec_path", specPath).Info("OpenAPI request validation enabled")

	return &ValidationMiddleware{
		router:  router,
		logger:  logger,
		enabled: true,
	}, nil
}

// loadOpenAPISpec loads the spec from specPath, also trying the repository
// root so tests running inside a package directory find it.
func loadOpenAPISpec(specPath string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	path := specPath
	if _, err := os.Stat(path); err != nil {
		alt := filepath.Join("..", "..", specPath)
		if _, altErr := os.Stat(alt); altErr == nil {
			path = alt
		}
	}

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", path, err)
	}

	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("spec %s is invalid: %w", path, err)
	}

	return doc, nil
}

// Middleware returns the HTTP middleware function
func (v *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !v.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			// Undocumented routes (health checks, docs) pass through untouched
			v.logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Debug("Route not in OpenAPI spec, skipping validation")
			next.ServeHTTP(w, r)
			return
		}

		var body []byte
		if r.Body != nil {
			body, err = io.ReadAll(r.Body)
			if err != nil {
				v.writeValidationError(w, fmt.Errorf("failed to read request body: %w", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(body))
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
		}

		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			v.logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"error":  err.Error(),
			}).Warn("Request failed OpenAPI validation")
			v.writeValidationError(w, err)
			return
		}

		// Validation consumed the body; restore it for the handler
		r.Body = io.NopCloser(bytes.NewBuffer(body))
		next.ServeHTTP(w, r)
	})
}

func (v *ValidationMiddleware) writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	response := map[string]interface{}{
		"error": map[string]interface{}{
			"message": parseValidationError(err),
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
		},
		"timestamp": time.Now().Unix(),
	}
	json.NewEncoder(w).Encode(response)
}

// parseValidationError turns kin-openapi errors into client-facing messages
func parseValidationError(err error) string {
	msg := err.Error()

	// Strip the wrapping prefix kin-openapi puts on body schema failures
	msg = strings.TrimPrefix(msg, "request body has an error: ")

	if idx := strings.Index(msg, "property"); idx != -1 && strings.Contains(msg, "is missing") {
		return "Request validation failed: " + msg[idx:]
	}
	return "Request validation failed: " + msg
}
