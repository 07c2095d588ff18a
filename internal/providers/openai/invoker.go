// Package openai invokes chat-completion endpoints through the
// go-openai client. Pointing BaseURL at the GitHub Models inference
// endpoint serves that backend with the same implementation.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/catalog"
	"github.com/swarmsys/analysis-router/internal/providers"
)

// Config holds OpenAI-compatible endpoint settings.
type Config struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	OrgID     string        `yaml:"org_id"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Invoker performs single-shot chat completions.
type Invoker struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *logrus.Logger
}

// NewInvoker creates an OpenAI invoker. Defaults: model "gpt-4o", max
// tokens 4096, timeout 60s.
func NewInvoker(cfg Config, logger *logrus.Logger) *Invoker {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientConfig.OrgID = cfg.OrgID
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Invoker{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}
}

// ID returns the catalog identifier for this backend.
func (i *Invoker) ID() string {
	return catalog.OpenAIAPI
}

// Invoke sends one system/user message pair; the first choice's message
// content is the raw output.
func (i *Invoker) Invoke(ctx context.Context, req providers.Request) (*providers.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	start := time.Now()
	resp, err := i.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     i.model,
		Messages:  messages,
		MaxTokens: i.maxTokens,
	})
	elapsed := time.Since(start)

	if err != nil {
		return nil, i.classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no completion choices")
	}

	i.logger.WithFields(logrus.Fields{
		"provider":      catalog.OpenAIAPI,
		"model":         i.model,
		"duration_ms":   elapsed.Milliseconds(),
		"prompt_tokens": resp.Usage.PromptTokens,
		"total_tokens":  resp.Usage.TotalTokens,
	}).Debug("OpenAI API call completed")

	return &providers.Outcome{
		RawOutput:  strings.TrimSpace(resp.Choices[0].Message.Content),
		StatusCode: http.StatusOK,
		Duration:   elapsed,
	}, nil
}

// classifyError separates quota signals from everything else.
func (i *Invoker) classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || providers.IsRateLimitMessage(apiErr.Message) {
			i.logger.WithField("provider", catalog.OpenAIAPI).Warn("OpenAI API reported rate limiting")
			return &providers.RateLimitError{
				Provider:    catalog.OpenAIAPI,
				RawResponse: apiErr.Message,
			}
		}
		return fmt.Errorf("openai api call failed with status %d: %w", apiErr.HTTPStatusCode, err)
	}

	if providers.IsRateLimitMessage(err.Error()) {
		return &providers.RateLimitError{
			Provider:    catalog.OpenAIAPI,
			RawResponse: err.Error(),
		}
	}
	return fmt.Errorf("openai api call failed: %w", err)
}

var _ providers.Invoker = (*Invoker)(nil)
