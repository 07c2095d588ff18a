package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmsys/analysis-router/internal/catalog"
	"github.com/swarmsys/analysis-router/internal/history"
	"github.com/swarmsys/analysis-router/internal/middleware"
	"github.com/swarmsys/analysis-router/internal/providers/anthropic"
	"github.com/swarmsys/analysis-router/internal/providers/claudecli"
	"github.com/swarmsys/analysis-router/internal/providers/geminicli"
	"github.com/swarmsys/analysis-router/internal/providers/openai"
	"github.com/swarmsys/analysis-router/internal/routing"
	"github.com/swarmsys/analysis-router/internal/security"
	"github.com/swarmsys/analysis-router/internal/server"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Routing   RoutingConfig     `yaml:"routing"`
	Cooldown  CooldownConfig    `yaml:"cooldown"`
	Providers ProvidersConfig   `yaml:"providers"`
	Catalog   []BackendOverride `yaml:"catalog"`
	History   history.Config    `yaml:"history"`
	Logging   LoggingConfig     `yaml:"logging"`
	Security  SecurityConfig    `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// RoutingConfig holds candidate selection thresholds
type RoutingConfig struct {
	SmallContextChars     int      `yaml:"small_context_chars"`
	LargeContextChars     int      `yaml:"large_context_chars"`
	HardCeilingTokens     int      `yaml:"hard_ceiling_tokens"`
	LargePayloadProviders []string `yaml:"large_payload_providers"`
	WorkDir               string   `yaml:"work_dir"`
}

// CooldownConfig holds the rate-limit cooldown window
type CooldownConfig struct {
	Duration time.Duration `yaml:"duration"`
}

// ProvidersConfig holds configuration for all backends. A nil section
// means the backend is not configured and its invoker is never built.
type ProvidersConfig struct {
	ClaudeCLI *claudecli.Config `yaml:"claude_cli"`
	GeminiCLI *geminicli.Config `yaml:"gemini_cli"`
	Anthropic *anthropic.Config `yaml:"anthropic"`
	OpenAI    *openai.Config    `yaml:"openai"`
}

// BackendOverride re-tunes or disables one catalog descriptor by id.
// Zero-valued fields keep the built-in value; the context flags use
// pointers so an explicit false survives the merge.
type BackendOverride struct {
	ID                 string `yaml:"id"`
	Disabled           bool   `yaml:"disabled"`
	Priority           int    `yaml:"priority"`
	FallbackOrder      int    `yaml:"fallback_order"`
	MaxContextTokens   int    `yaml:"max_context_tokens"`
	UseForSmallContext *bool  `yaml:"use_for_small_context"`
	UseForLargeContext *bool  `yaml:"use_for_large_context"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"` // "json" or "text"
	Output   string         `yaml:"output"` // "stdout", "stderr", or file path
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig holds log rotation settings, applied when Output is a
// file path
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys           []string                    `yaml:"api_keys"`
	JWTSecret         string                      `yaml:"jwt_secret"`
	JWTExpiry         time.Duration               `yaml:"jwt_expiry"`
	RequireAuth       bool                        `yaml:"require_auth"`
	CORS              CORSConfig                  `yaml:"cors"`
	RequestValidation ValidationConfig            `yaml:"request_validation"`
	OpenAPIValidation middleware.ValidationConfig `yaml:"openapi_validation"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	MaxRequestSize  int64    `yaml:"max_request_size"`
	ContentTypes    []string `yaml:"allowed_content_types"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	config.loadFromEnv()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	// Server defaults. The write timeout must outlast a full failover
	// sweep, which can chain several 60s backend calls.
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	// Routing defaults
	c.Routing = RoutingConfig{
		SmallContextChars:     routing.DefaultSmallContextChars,
		LargeContextChars:     routing.DefaultLargeContextChars,
		HardCeilingTokens:     routing.DefaultHardCeilingTokens,
		LargePayloadProviders: []string{catalog.GeminiCLI},
	}

	// Cooldown defaults
	c.Cooldown = CooldownConfig{
		Duration: time.Hour,
	}

	// Provider defaults. The CLI backends work without credentials, so
	// they ship enabled; the HTTP backends stay off until a key arrives
	// from the file or the environment. Zero-valued CLI sections pick up
	// binary, model and timeout defaults from their invokers.
	c.Providers = ProvidersConfig{
		ClaudeCLI: &claudecli.Config{},
		GeminiCLI: &geminicli.Config{},
	}

	// History defaults
	c.History = history.Config{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 10 * time.Second,
		MaxEntries:    1000,
	}

	// Logging defaults
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
		Rotation: RotationConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}

	// Security defaults
	c.Security = SecurityConfig{
		APIKeys:     []string{},
		JWTExpiry:   24 * time.Hour,
		RequireAuth: false,
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
		RequestValidation: ValidationConfig{
			// Oversized payloads still route to the large-context
			// backend, so the request cap stays generous.
			MaxRequestSize: 32 << 20, // 32MB
			ContentTypes:   []string{"application/json"},
		},
		OpenAPIValidation: middleware.ValidationConfig{
			Enabled:  false,
			SpecPath: "docs/openapi.yaml",
		},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	// Server configuration
	if port := os.Getenv("ANALYSIS_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	// Provider API keys. A key in the environment enables the backend
	// even when the file has no section for it.
	if anthropicKey := os.Getenv("ANTHROPIC_API_KEY"); anthropicKey != "" {
		if c.Providers.Anthropic == nil {
			c.Providers.Anthropic = &anthropic.Config{}
		}
		c.Providers.Anthropic.APIKey = anthropicKey
	}

	if openaiKey := os.Getenv("OPENAI_API_KEY"); openaiKey != "" {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &openai.Config{}
		}
		c.Providers.OpenAI.APIKey = openaiKey
	}

	// GITHUB_TOKEN backs an OpenAI-compatible section pointed at GitHub
	// Models. It never creates the section, because without a base_url
	// override the token would be sent to api.openai.com.
	if githubToken := os.Getenv("GITHUB_TOKEN"); githubToken != "" {
		if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey == "" {
			c.Providers.OpenAI.APIKey = githubToken
		}
	}

	// Logging configuration
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	// Validate server port
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	// Validate routing thresholds
	if c.Routing.SmallContextChars <= 0 {
		return fmt.Errorf("small_context_chars must be positive")
	}
	if c.Routing.LargeContextChars <= c.Routing.SmallContextChars {
		return fmt.Errorf("large_context_chars must exceed small_context_chars")
	}
	if c.Routing.HardCeilingTokens <= 0 {
		return fmt.Errorf("hard_ceiling_tokens must be positive")
	}

	// Validate cooldown
	if c.Cooldown.Duration <= 0 {
		return fmt.Errorf("cooldown duration must be positive")
	}

	// Validate logging level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate catalog overrides
	defaults := catalog.Default()
	for _, o := range c.Catalog {
		if _, ok := catalog.ByID(defaults, o.ID); !ok {
			return fmt.Errorf("unknown backend id in catalog overrides: %s", o.ID)
		}
	}
	if len(c.BuildCatalog()) == 0 {
		return fmt.Errorf("catalog overrides disable every backend")
	}

	// Validate provider configurations
	providerCount := 0

	if c.Providers.ClaudeCLI != nil {
		providerCount++
	}

	if c.Providers.GeminiCLI != nil {
		providerCount++
	}

	if c.Providers.Anthropic != nil {
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("anthropic API key is required when the anthropic provider is configured")
		}
		providerCount++
	}

	if c.Providers.OpenAI != nil {
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("openai API key is required when the openai provider is configured")
		}
		providerCount++
	}

	if providerCount == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	// Validate history bounds; negative sizes would break the recorder
	if c.History.BufferSize < 0 {
		return fmt.Errorf("history buffer_size cannot be negative")
	}
	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history max_entries cannot be negative")
	}

	return nil
}

// BuildCatalog applies the catalog overrides to the built-in backend
// table and returns the descriptors routing should use.
func (c *Config) BuildCatalog() []catalog.Descriptor {
	descriptors := make([]catalog.Descriptor, 0, 4)
	for _, d := range catalog.Default() {
		override, ok := c.overrideFor(d.ID)
		if ok && override.Disabled {
			continue
		}
		if ok {
			if override.Priority != 0 {
				d.Routing.Priority = override.Priority
			}
			if override.FallbackOrder != 0 {
				d.Routing.FallbackOrder = override.FallbackOrder
			}
			if override.MaxContextTokens != 0 {
				d.MaxContextTokens = override.MaxContextTokens
			}
			if override.UseForSmallContext != nil {
				d.Routing.UseForSmallContext = *override.UseForSmallContext
			}
			if override.UseForLargeContext != nil {
				d.Routing.UseForLargeContext = *override.UseForLargeContext
			}
		}
		descriptors = append(descriptors, d)
	}
	return descriptors
}

func (c *Config) overrideFor(id string) (BackendOverride, bool) {
	for _, o := range c.Catalog {
		if o.ID == id {
			return o, true
		}
	}
	return BackendOverride{}, false
}

// ToStrategyConfig converts to routing.StrategyConfig
func (c *Config) ToStrategyConfig() routing.StrategyConfig {
	return routing.StrategyConfig{
		SmallContextChars:     c.Routing.SmallContextChars,
		LargeContextChars:     c.Routing.LargeContextChars,
		HardCeilingTokens:     c.Routing.HardCeilingTokens,
		LargePayloadProviders: c.Routing.LargePayloadProviders,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.ToSecurityMiddlewareConfig(),
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:        c.Security.APIKeys,
			JWTSecret:      c.Security.JWTSecret,
			JWTExpiry:      c.Security.JWTExpiry,
			RequireAuth:    c.Security.RequireAuth,
			AllowedOrigins: c.Security.CORS.AllowedOrigins,
		},
		Validation: &security.ValidationConfig{
			MaxRequestSize:  c.Security.RequestValidation.MaxRequestSize,
			AllowedMethods:  c.Security.CORS.AllowedMethods,
			ContentTypes:    c.Security.RequestValidation.ContentTypes,
			BlockedPatterns: c.Security.RequestValidation.BlockedPatterns,
		},
		OpenAPI: &c.Security.OpenAPIValidation,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the configured backend ids in catalog
// priority order
func (c *Config) GetEnabledProviders() []string {
	var enabled []string

	if c.Providers.ClaudeCLI != nil {
		enabled = append(enabled, catalog.ClaudeCLI)
	}

	if c.Providers.GeminiCLI != nil {
		enabled = append(enabled, catalog.GeminiCLI)
	}

	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		enabled = append(enabled, catalog.AnthropicAPI)
	}

	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		enabled = append(enabled, catalog.OpenAIAPI)
	}

	return enabled
}
