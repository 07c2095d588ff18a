// Package claudecli invokes the Claude Code CLI as a subprocess
// backend. The CLI is codebase aware and is the only backend allowed to
// mutate files, so it sits first in the default routing order.
package claudecli

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

// DefaultTimeout bounds a single CLI call wall-clock.
const DefaultTimeout = 60 * time.Second

// Config holds the subprocess settings. Zero values fall back to the
// defaults applied by NewInvoker.
type Config struct {
	Binary  string        `yaml:"binary"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Invoker runs `claude -p --output-format json` and hands back the
// entire stdout as raw output. It never parses the CLI's JSON envelope;
// salvage is the recovery layer's job.
type Invoker struct {
	binary  string
	model   string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewInvoker creates a Claude CLI invoker. Defaults: binary "claude",
// model "sonnet", timeout 60s.
func NewInvoker(cfg Config, logger *logrus.Logger) *Invoker {
	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}
	model := cfg.Model
	if model == "" {
		model = "sonnet"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
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
	return catalog.ClaudeCLI
}

// Invoke runs one CLI call. A nonzero exit is a failure even when
// stdout contains plausible JSON; hitting the wall-clock timeout is
// reported as its own failure, not as an exit-code failure.
func (i *Invoker) Invoke(ctx context.Context, req providers.Request) (*providers.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	args := buildArgs(i.model, req)

	i.logger.WithFields(logrus.Fields{
		"provider":     catalog.ClaudeCLI,
		"model":        i.model,
		"prompt_chars": len(req.Prompt),
		"session_id":   req.SessionID,
		"file_ops":     req.RequiresFileOps,
	}).Debug("Invoking Claude CLI")

	cmd := exec.CommandContext(ctx, i.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("claude CLI timed out after %v: %w", i.timeout, ctx.Err())
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("claude CLI execution canceled: %w", ctx.Err())
		}

		stderrStr := stderr.String()
		if providers.IsRateLimitMessage(stderrStr) || providers.IsRateLimitMessage(stdout.String()) {
			i.logger.WithField("provider", catalog.ClaudeCLI).Warn("Claude CLI reported rate limiting")
			return nil, &providers.RateLimitError{
				Provider:    catalog.ClaudeCLI,
				RawResponse: stderrStr,
			}
		}

		return nil, fmt.Errorf("claude CLI execution failed: %w (stderr: %s)", err, truncateString(stderrStr, 500))
	}

	i.logger.WithFields(logrus.Fields{
		"provider":    catalog.ClaudeCLI,
		"duration_ms": elapsed.Milliseconds(),
		"output_len":  stdout.Len(),
	}).Debug("Claude CLI completed")

	return &providers.Outcome{
		RawOutput: stdout.String(),
		ExitCode:  0,
		Duration:  elapsed,
	}, nil
}

// buildArgs assembles the argument vector. The permission-skip flag is
// added only when the request declares file operations; everything else
// is unconditional.
func buildArgs(model string, req providers.Request) []string {
	args := []string{
		"-p", combinedPrompt(req),
		"--output-format", "json",
		"--model", model,
	}

	if req.WorkDir != "" {
		args = append(args, "--add-dir", req.WorkDir)
	}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	if req.RequiresFileOps {
		args = append(args, "--dangerously-skip-permissions")
	}

	return args
}

// combinedPrompt folds the system prompt and output-path instruction
// into the single -p argument the CLI accepts.
func combinedPrompt(req providers.Request) string {
	prompt := req.Prompt
	if strings.TrimSpace(req.SystemPrompt) != "" {
		prompt = fmt.Sprintf("[System Instructions]\n%s\n\n[User Request]\n%s", req.SystemPrompt, req.Prompt)
	}
	if req.RequiresFileOps && req.OutputPath != "" {
		prompt += fmt.Sprintf("\n\nWrite the resulting output to %s.", req.OutputPath)
	}
	return prompt
}

// truncateString truncates a string to maxLen characters, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

var _ providers.Invoker = (*Invoker)(nil)
