package providers

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRateLimitError(t *testing.T) {
	tests := []struct {
		name    string
		err     *RateLimitError
		wantMsg string
	}{
		{
			name: "with retry after",
			err: &RateLimitError{
				Provider:   "claude-cli",
				RetryAfter: 30 * time.Second,
			},
			wantMsg: "claude-cli rate limit exceeded, retry after 30s",
		},
		{
			name: "without retry after",
			err: &RateLimitError{
				Provider: "openai-api",
			},
			wantMsg: "openai-api rate limit exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestIsRateLimit(t *testing.T) {
	rle := &RateLimitError{Provider: "anthropic-api"}

	if !IsRateLimit(rle) {
		t.Error("IsRateLimit(RateLimitError) = false, want true")
	}
	if !IsRateLimit(fmt.Errorf("invoke failed: %w", rle)) {
		t.Error("IsRateLimit(wrapped RateLimitError) = false, want true")
	}
	if IsRateLimit(errors.New("connection refused")) {
		t.Error("IsRateLimit(plain error) = true, want false")
	}
	if IsRateLimit(nil) {
		t.Error("IsRateLimit(nil) = true, want false")
	}
}

func TestIsRateLimitMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{
			name: "http 429",
			msg:  "unexpected status code: 429",
			want: true,
		},
		{
			name: "rate limit words",
			msg:  "Error: Rate limit exceeded",
			want: true,
		},
		{
			name: "underscore format",
			msg:  "rate_limit_error occurred",
			want: true,
		},
		{
			name: "too many requests",
			msg:  "Too Many Requests, please slow down",
			want: true,
		},
		{
			name: "openai quota",
			msg:  "You exceeded your current quota, please check your plan",
			want: true,
		},
		{
			name: "gemini resource exhausted",
			msg:  "RESOURCE_EXHAUSTED: try again later",
			want: true,
		},
		{
			name: "usage limit",
			msg:  "usage limit reached for this billing period",
			want: true,
		},
		{
			name: "unrelated failure",
			msg:  "connection refused",
			want: false,
		},
		{
			name: "service unavailable",
			msg:  "503 service unavailable",
			want: false,
		},
		{
			name: "empty",
			msg:  "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitMessage(tt.msg); got != tt.want {
				t.Errorf("IsRateLimitMessage(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}
