// Package anthropic invokes the Anthropic Messages API through the
// official SDK. It serves small-context structured requests when the
// CLI backends are cooling down or filtered out.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/catalog"
	"github.com/swarmsys/analysis-router/internal/providers"
)

// Config holds Anthropic-specific settings.
type Config struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int64         `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Invoker performs single-shot message calls. Retries stay disabled;
// failover across backends is the calling loop's job, not the SDK's.
type Invoker struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	logger    *logrus.Logger
}

// NewInvoker creates an Anthropic invoker. Defaults: model
// "claude-sonnet-4-20250514", max tokens 8192, timeout 60s.
func NewInvoker(cfg Config, logger *logrus.Logger) *Invoker {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Invoker{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}
}

// ID returns the catalog identifier for this backend.
func (i *Invoker) ID() string {
	return catalog.AnthropicAPI
}

// Invoke sends one system/user message pair and concatenates the text
// blocks of the reply into the raw output.
func (i *Invoker) Invoke(ctx context.Context, req providers.Request) (*providers.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(i.model),
		MaxTokens: i.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemPrompt, Type: "text"},
		}
	}

	start := time.Now()
	resp, err := i.client.Messages.New(ctx, params)
	elapsed := time.Since(start)

	if err != nil {
		return nil, i.classifyError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	i.logger.WithFields(logrus.Fields{
		"provider":      catalog.AnthropicAPI,
		"model":         i.model,
		"duration_ms":   elapsed.Milliseconds(),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"stop_reason":   resp.StopReason,
	}).Debug("Anthropic API call completed")

	return &providers.Outcome{
		RawOutput:  strings.TrimSpace(text.String()),
		StatusCode: http.StatusOK,
		Duration:   elapsed,
	}, nil
}

// classifyError separates quota signals from everything else so the
// failover loop records cooldowns only for genuine rate limiting.
func (i *Invoker) classifyError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests || providers.IsRateLimitMessage(apierr.Error()) {
			i.logger.WithField("provider", catalog.AnthropicAPI).Warn("Anthropic API reported rate limiting")
			return &providers.RateLimitError{
				Provider:    catalog.AnthropicAPI,
				RawResponse: apierr.Error(),
			}
		}
		return fmt.Errorf("anthropic api call failed with status %d: %w", apierr.StatusCode, err)
	}

	if providers.IsRateLimitMessage(err.Error()) {
		return &providers.RateLimitError{
			Provider:    catalog.AnthropicAPI,
			RawResponse: err.Error(),
		}
	}
	return fmt.Errorf("anthropic api call failed: %w", err)
}

var _ providers.Invoker = (*Invoker)(nil)
