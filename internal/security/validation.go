package security

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	MaxRequestSize  int64    `yaml:"max_request_size"`
	AllowedMethods  []string `yaml:"allowed_methods"`
	ContentTypes    []string `yaml:"allowed_content_types"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// RequestValidator screens incoming requests before they reach the
// analysis handlers. It deliberately never inspects individual JSON
// fields: context payloads are large by design and must arrive intact.
type RequestValidator struct {
	config         *ValidationConfig
	logger         *logrus.Logger
	blockedRegexes []*regexp.Regexp
}

// ValidationResult contains the result of request validation
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewRequestValidator creates a new request validator
func NewRequestValidator(config *ValidationConfig, logger *logrus.Logger) (*RequestValidator, error) {
	if config.MaxRequestSize == 0 {
		config.MaxRequestSize = 32 * 1024 * 1024 // 32MB default
	}

	validator := &RequestValidator{
		config: config,
		logger: logger,
	}

	for _, pattern := range config.BlockedPatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern '%s': %w", pattern, err)
		}
		validator.blockedRegexes = append(validator.blockedRegexes, regex)
	}

	return validator, nil
}

// ValidateRequest validates an incoming HTTP request
func (v *RequestValidator) ValidateRequest(r *http.Request) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []string{},
		Warnings: []string{},
	}

	// Method validation
	if !v.isAllowedMethod(r.Method) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Method %s not allowed", r.Method))
	}

	// Content-Length validation
	if r.ContentLength > v.config.MaxRequestSize {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Request size %d exceeds maximum %d", r.ContentLength, v.config.MaxRequestSize))
	}

	// Content-Type validation
	if r.Method == "POST" || r.Method == "PUT" || r.Method == "PATCH" {
		contentType := r.Header.Get("Content-Type")
		if !v.isAllowedContentType(contentType) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("Content-Type %s not allowed", contentType))
		}
	}

	// Blocked pattern check over the request URL
	if v.containsBlockedPattern(r.URL.String()) {
		result.Valid = false
		result.Errors = append(result.Errors, "Request contains blocked patterns")
	}

	if !result.Valid {
		v.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"url":       r.URL.String(),
			"client_ip": getClientIPFromRequest(r),
			"errors":    result.Errors,
		}).Warn("Request validation failed")
	}

	return result
}

// ValidateBody validates a request body without parsing it
func (v *RequestValidator) ValidateBody(body []byte) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []string{},
		Warnings: []string{},
	}

	if !utf8.Valid(body) {
		result.Valid = false
		result.Errors = append(result.Errors, "Request body contains invalid UTF-8")
		return result
	}

	if v.containsBlockedPattern(string(body)) {
		result.Valid = false
		result.Errors = append(result.Errors, "Request body contains blocked patterns")
	}

	return result
}

// ValidationMiddleware creates request validation middleware. It also
// caps the body reader, since Content-Length alone misses chunked
// uploads.
func (v *RequestValidator) ValidationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := v.ValidateRequest(r)

			if !result.Valid {
				writeValidationError(w, result.Errors)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, v.config.MaxRequestSize)

			next.ServeHTTP(w, r)
		})
	}
}

// Helper methods

func (v *RequestValidator) isAllowedMethod(method string) bool {
	if len(v.config.AllowedMethods) == 0 {
		return true // Allow all if none specified
	}

	for _, allowed := range v.config.AllowedMethods {
		if strings.EqualFold(method, allowed) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) isAllowedContentType(contentType string) bool {
	if len(v.config.ContentTypes) == 0 {
		return true // Allow all if none specified
	}

	// Ignore charset and other parameters
	mainType := strings.Split(contentType, ";")[0]
	mainType = strings.TrimSpace(mainType)

	for _, allowed := range v.config.ContentTypes {
		if strings.EqualFold(mainType, allowed) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) containsBlockedPattern(text string) bool {
	for _, regex := range v.blockedRegexes {
		if regex.MatchString(text) {
			return true
		}
	}
	return false
}

func writeValidationError(w http.ResponseWriter, details []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	response := map[string]interface{}{
		"error": map[string]interface{}{
			"message": "Request validation failed",
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
			"details": details,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(response)
}
