// Package providers defines the invocation contract shared by every
// analysis backend, subprocess and HTTP alike, plus the error types the
// failover layer uses to tell rate limiting apart from ordinary
// transport failures.
package providers

import (
	"context"
	"time"
)

// Request is the normalized form handed to a backend. The routing layer
// fills it once per attempt; invokers translate it into their own argv
// or API call shape.
type Request struct {
	Prompt          string
	SystemPrompt    string
	RequiresFileOps bool
	SessionID       string
	OutputPath      string
	WorkDir         string
}

// Outcome carries the raw result of a single invocation. RawOutput is
// fed to the recovery layer untouched. ExitCode is meaningful for
// subprocess backends, StatusCode for HTTP backends; the unused one
// stays zero.
type Outcome struct {
	RawOutput  string
	ExitCode   int
	StatusCode int
	Duration   time.Duration
}

// Invoker is implemented once per backend kind. Invoke returns a nil
// error only when the backend produced usable raw output. Rate-limit
// failures come back as *RateLimitError so the caller can start a
// cooldown; all other errors advance the failover loop without one.
type Invoker interface {
	ID() string
	Invoke(ctx context.Context, req Request) (*Outcome, error)
}
