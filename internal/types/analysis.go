package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedRequest marks a caller-side invariant violation in an
// AnalysisRequest. It is the only error class that escapes an analysis
// call; backend failures are always folded into the AnalysisResult.
var ErrMalformedRequest = errors.New("malformed analysis request")

// TaskKind categorizes an analysis request. The kind decides which
// backend capabilities the router must require.
type TaskKind string

const (
	TaskGeneral      TaskKind = "general"
	TaskCodeAnalysis TaskKind = "code_analysis"
	TaskRefactor     TaskKind = "refactor"
	TaskExtraction   TaskKind = "extraction"
)

// Valid reports whether k is a known task kind. The empty kind is
// accepted and treated as TaskGeneral.
func (k TaskKind) Valid() bool {
	switch k {
	case "", TaskGeneral, TaskCodeAnalysis, TaskRefactor, TaskExtraction:
		return true
	}
	return false
}

// RequiresCodebaseAware reports whether the kind needs a backend that can
// see the working tree.
func (k TaskKind) RequiresCodebaseAware() bool {
	return k == TaskCodeAnalysis || k == TaskRefactor
}

// RequiresStructuredOutput reports whether the kind needs a backend that
// reliably emits machine-parseable output.
func (k TaskKind) RequiresStructuredOutput() bool {
	return k == TaskExtraction
}

// AnalysisRequest is the caller-constructed description of one analysis.
// It is passed by value through the pipeline and never mutated.
type AnalysisRequest struct {
	TaskKind       TaskKind `json:"task_kind,omitempty"`
	Prompt         string   `json:"prompt"`
	ContextPayload string   `json:"context_payload,omitempty"`

	// RequiresFileOperations grants the backend write access; CLI
	// backends receive their skip-confirmation flag only when this is set.
	RequiresFileOperations bool   `json:"requires_file_operations,omitempty"`
	OutputPath             string `json:"output_path,omitempty"`

	// PreferredProvider is an optional routing hint. When the named
	// provider survives filtering it is tried first.
	PreferredProvider string `json:"preferred_provider,omitempty"`

	// SessionID keys conversation continuity on CLI backends. A fresh
	// id is minted when empty.
	SessionID string `json:"session_id,omitempty"`
}

// Validate checks the request's structural invariants. Failures wrap
// ErrMalformedRequest so callers can detect them with errors.Is.
func (r AnalysisRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrMalformedRequest)
	}
	if !r.TaskKind.Valid() {
		return fmt.Errorf("%w: unknown task kind %q", ErrMalformedRequest, r.TaskKind)
	}
	if r.OutputPath != "" && !r.RequiresFileOperations {
		return fmt.Errorf("%w: output_path set without requires_file_operations", ErrMalformedRequest)
	}
	return nil
}

// AnalysisResult is produced exactly once per analysis call, either by
// the failover loop on success/exhaustion or by the top-level handler.
type AnalysisResult struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	ProviderID      string          `json:"provider_id,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Error           string          `json:"error,omitempty"`
	OutputFile      string          `json:"output_file,omitempty"`

	// WasCleanJSON is false only when no structured data could be
	// recovered and Data carries the raw-response fallback envelope.
	WasCleanJSON bool `json:"was_clean_json"`
}

// RoutingContext is the per-request input to candidate selection.
// Created once per request and consumed exactly once.
type RoutingContext struct {
	ContentLength            int
	RequiresFileOps          bool
	RequiresCodebaseAware    bool
	RequiresStructuredOutput bool
	PreferredProvider        string
}
