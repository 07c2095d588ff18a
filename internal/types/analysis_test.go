package types

import (
	"errors"
	"strings"
	"testing"
)

func TestTaskKindValid(t *testing.T) {
	tests := []struct {
		kind  TaskKind
		valid bool
	}{
		{"", true},
		{TaskGeneral, true},
		{TaskCodeAnalysis, true},
		{TaskRefactor, true},
		{TaskExtraction, true},
		{"translation", false},
		{"GENERAL", false},
	}

	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.valid {
			t.Errorf("TaskKind(%q).Valid() = %v, want %v", tt.kind, got, tt.valid)
		}
	}
}

func TestTaskKindRequirements(t *testing.T) {
	if !TaskCodeAnalysis.RequiresCodebaseAware() {
		t.Error("code_analysis should require a codebase-aware backend")
	}
	if !TaskRefactor.RequiresCodebaseAware() {
		t.Error("refactor should require a codebase-aware backend")
	}
	if TaskGeneral.RequiresCodebaseAware() {
		t.Error("general should not require a codebase-aware backend")
	}
	if !TaskExtraction.RequiresStructuredOutput() {
		t.Error("extraction should require structured output")
	}
	if TaskCodeAnalysis.RequiresStructuredOutput() {
		t.Error("code_analysis should not require structured output")
	}
}

func TestAnalysisRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request AnalysisRequest
		wantErr string
	}{
		{
			name:    "valid minimal request",
			request: AnalysisRequest{Prompt: "summarize this"},
		},
		{
			name: "valid file-op request",
			request: AnalysisRequest{
				TaskKind:               TaskRefactor,
				Prompt:                 "rename the field",
				RequiresFileOperations: true,
				OutputPath:             "report.json",
			},
		},
		{
			name:    "missing prompt",
			request: AnalysisRequest{TaskKind: TaskGeneral},
			wantErr: "prompt is required",
		},
		{
			name:    "unknown task kind",
			request: AnalysisRequest{TaskKind: "poetry", Prompt: "x"},
			wantErr: "unknown task kind",
		},
		{
			name: "output path without file operations",
			request: AnalysisRequest{
				Prompt:     "x",
				OutputPath: "out.json",
			},
			wantErr: "output_path set without",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrMalformedRequest) {
				t.Errorf("error %v should wrap ErrMalformedRequest", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}
