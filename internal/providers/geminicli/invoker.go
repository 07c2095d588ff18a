// Package geminicli invokes the Gemini CLI as a subprocess backend.
// Gemini carries the million-token context window, so routing sends it
// the payloads nothing else will take.
package geminicli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/catalog"
	"github.com/swarmsys/analysis-router/internal/providers"
)

const defaultTimeout = 60 * time.Second

// Config holds the subprocess settings. Zero values fall back to the
// defaults applied by NewInvoker.
type Config struct {
	Binary  string        `yaml:"binary"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Invoker runs `gemini -p ... -o json` and returns the whole stdout as
// raw output for the recovery layer.
type Invoker struct {
	binary  string
	model   string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewInvoker creates a Gemini CLI invoker. Defaults: binary "gemini",
// model "gemini-2.5-pro", timeout 60s.
func NewInvoker(cfg Config, logger *logrus.Logger) *Invoker {
	binary := cfg.Binary
	if binary == "" {
		binary = "gemini"
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Invoker{
		binary:  binary,
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

// ID returns the catalog identifier for this backend.
func (i *Invoker) ID() string {
	return catalog.GeminiCLI
}

// Invoke runs one CLI call under the configured wall-clock limit.
func (i *Invoker) Invoke(ctx context.Context, req providers.Request) (*providers.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	args := buildArgs(i.model, req)

	i.logger.WithFields(logrus.Fields{
		"provider":     catalog.GeminiCLI,
		"model":        i.model,
		"prompt_chars": len(req.Prompt),
		"file_ops":     req.RequiresFileOps,
	}).Debug("Invoking Gemini CLI")

	cmd := exec.CommandContext(ctx, i.binary, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("gemini CLI timed out after %v: %w", i.timeout, ctx.Err())
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("gemini CLI execution canceled: %w", ctx.Err())
		}

		stderrStr := stderr.String()
		if providers.IsRateLimitMessage(stderrStr) || providers.IsRateLimitMessage(stdout.String()) {
			i.logger.WithField("provider", catalog.GeminiCLI).Warn("Gemini CLI reported rate limiting")
			return nil, &providers.RateLimitError{
				Provider:    catalog.GeminiCLI,
				RawResponse: stderrStr,
			}
		}

		return nil, fmt.Errorf("gemini CLI execution failed: %w (stderr: %s)", err, truncateString(stderrStr, 500))
	}

	i.logger.WithFields(logrus.Fields{
		"provider":    catalog.GeminiCLI,
		"duration_ms": elapsed.Milliseconds(),
		"output_len":  stdout.Len(),
	}).Debug("Gemini CLI completed")

	return &providers.Outcome{
		RawOutput: stdout.String(),
		ExitCode:  0,
		Duration:  elapsed,
	}, nil
}

// buildArgs assembles the argument vector. The -a flag pulls the
// working directory's files into context; --yolo drops confirmation
// prompts and is added only for file-mutating requests.
func buildArgs(model string, req providers.Request) []string {
	prompt := req.Prompt
	if strings.TrimSpace(req.SystemPrompt) != "" {
		prompt = req.SystemPrompt + "\n\n" + req.Prompt
	}
	if req.RequiresFileOps && req.OutputPath != "" {
		prompt += fmt.Sprintf("\n\nWrite the resulting output to %s.", req.OutputPath)
	}

	args := []string{
		"-p", prompt,
		"-m", model,
		"-a",
		"-o", "json",
		"--checkpointing",
	}

	if req.RequiresFileOps {
		args = append(args, "--yolo")
	}

	return args
}

// truncateString truncates a string to maxLen characters, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

var _ providers.Invoker = (*Invoker)(nil)
