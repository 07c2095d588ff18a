package geminicli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/providers"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gemini-stub")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing stub: %v", err)
	}
	return path
}

func TestNewInvokerDefaults(t *testing.T) {
	inv := NewInvoker(Config{}, testLogger())

	if inv.binary != "gemini" {
		t.Errorf("binary = %q, want gemini", inv.binary)
	}
	if inv.model != "gemini-2.5-pro" {
		t.Errorf("model = %q, want gemini-2.5-pro", inv.model)
	}
	if inv.timeout != 60*time.Second {
		t.Errorf("timeout = %v, want 60s", inv.timeout)
	}
	if inv.ID() != "gemini-cli" {
		t.Errorf("ID() = %q, want gemini-cli", inv.ID())
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs("gemini-2.5-pro", providers.Request{Prompt: "summarize"})
	joined := strings.Join(args, " ")

	for _, want := range []string{"-p summarize", "-m gemini-2.5-pro", "-a", "-o json", "--checkpointing"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if strings.Contains(joined, "--yolo") {
		t.Errorf("--yolo present without file ops: %v", args)
	}
}

func TestBuildArgsFileOps(t *testing.T) {
	req := providers.Request{
		Prompt:          "refactor",
		SystemPrompt:    "preserve behavior",
		RequiresFileOps: true,
		OutputPath:      "/tmp/report.json",
	}

	joined := strings.Join(buildArgs("gemini-2.5-pro", req), " ")

	if !strings.Contains(joined, "--yolo") {
		t.Errorf("--yolo missing with file ops: %s", joined)
	}
	if !strings.Contains(joined, "preserve behavior\n\nrefactor") {
		t.Errorf("system prompt not folded in: %s", joined)
	}
	if !strings.Contains(joined, "Write the resulting output to /tmp/report.json.") {
		t.Errorf("output path instruction missing: %s", joined)
	}
}

func TestInvokeRunsInWorkDir(t *testing.T) {
	stub := writeStub(t, "#!/bin/sh\npwd\n")
	workDir := t.TempDir()
	inv := NewInvoker(Config{Binary: stub}, testLogger())

	out, err := inv.Invoke(context.Background(), providers.Request{Prompt: "hi", WorkDir: workDir})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !strings.Contains(out.RawOutput, filepath.Base(workDir)) {
		t.Errorf("stub did not run in workdir: output %q, workdir %q", out.RawOutput, workDir)
	}
}

func TestInvokeRateLimit(t *testing.T) {
	stub := writeStub(t, "#!/bin/sh\necho 'RESOURCE_EXHAUSTED: quota exceeded for model' >&2\nexit 1\n")
	inv := NewInvoker(Config{Binary: stub}, testLogger())

	_, err := inv.Invoke(context.Background(), providers.Request{Prompt: "hi"})

	var rle *providers.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("Invoke() error = %v, want RateLimitError", err)
	}
	if rle.Provider != "gemini-cli" {
		t.Errorf("Provider = %q, want gemini-cli", rle.Provider)
	}
}

func TestInvokePlainFailure(t *testing.T) {
	stub := writeStub(t, "#!/bin/sh\necho 'model not found' >&2\nexit 2\n")
	inv := NewInvoker(Config{Binary: stub}, testLogger())

	_, err := inv.Invoke(context.Background(), providers.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("Invoke() error = nil, want failure")
	}
	if providers.IsRateLimit(err) {
		t.Errorf("plain failure misclassified as rate limit: %v", err)
	}
}
