package routing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/cooldown"
	"github.com/swarmsys/analysis-router/internal/providers"
	"github.com/swarmsys/analysis-router/internal/recovery"
	"github.com/swarmsys/analysis-router/internal/types"
)

// Attempt describes one invocation attempt inside a failover sweep.
type Attempt struct {
	RequestID   string         `json:"request_id"`
	SessionID   string         `json:"session_id"`
	TaskKind    types.TaskKind `json:"task_kind"`
	Provider    string         `json:"provider"`
	Sequence    int            `json:"sequence"`
	Success     bool           `json:"success"`
	RateLimited bool           `json:"rate_limited"`
	DurationMs  int64          `json:"duration_ms"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// AttemptSink receives one record per invocation attempt. The engine
// calls it inline on the request path, so implementations must not block.
type AttemptSink interface {
	RecordAttempt(a Attempt)
}

// Engine runs the sequential failover loop: select candidates, walk
// them in order, first success wins. Backend failures never surface as
// errors; they are folded into the AnalysisResult.
type Engine struct {
	mu       sync.RWMutex // guards strategy; everything else is fixed after startup
	strategy *Strategy
	tracker  *cooldown.Tracker
	sink     AttemptSink
	workDir  string
	logger   *logrus.Logger

	invokers     map[string]providers.Invoker
	invokerNames []string
}

// NewEngine creates an engine over the given strategy and cooldown
// tracker. sink may be nil when attempt history is not wanted. An empty
// workDir falls back to the process working directory so CLI backends
// always receive read access somewhere.
func NewEngine(strategy *Strategy, tracker *cooldown.Tracker, sink AttemptSink, workDir string, logger *logrus.Logger) *Engine {
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	return &Engine{
		strategy:     strategy,
		tracker:      tracker,
		sink:         sink,
		workDir:      workDir,
		logger:       logger,
		invokers:     make(map[string]providers.Invoker),
		invokerNames: make([]string, 0),
	}
}

// RegisterInvoker adds a backend to the pool. Registration happens at
// startup before any analysis call; the maps are read-only afterwards.
func (e *Engine) RegisterInvoker(inv providers.Invoker) {
	e.invokers[inv.ID()] = inv
	e.invokerNames = append(e.invokerNames, inv.ID())
	e.logger.WithField("provider", inv.ID()).Info("Provider registered")
}

// RegisteredInvokers returns registered ids in registration order.
func (e *Engine) RegisteredInvokers() []string {
	names := make([]string, len(e.invokerNames))
	copy(names, e.invokerNames)
	return names
}

// SetStrategy swaps the routing strategy. Used by config hot reload;
// in-flight sweeps keep the strategy they started with.
func (e *Engine) SetStrategy(s *Strategy) {
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
}

func (e *Engine) currentStrategy() *Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategy
}

// Analyze validates the request, selects candidates and walks them in
// order until one succeeds. The only error class that escapes is a
// malformed request; exhaustion and backend failures come back inside
// the result with Success=false.
func (e *Engine) Analyze(ctx context.Context, req types.AnalysisRequest) (*types.AnalysisResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	requestID := uuid.NewString()

	kind := req.TaskKind
	if kind == "" {
		kind = types.TaskGeneral
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	systemPrompt := systemPromptFor(kind)
	userPrompt := buildUserPrompt(req)

	decision := e.currentStrategy().Decide(routingContext(req, kind, systemPrompt, userPrompt))

	var attempted []string
	for _, id := range decision.Candidates {
		if ctx.Err() != nil {
			break
		}

		if e.tracker.IsCoolingDown(id) {
			e.logger.WithFields(logrus.Fields{
				"request_id":        requestID,
				"provider":          id,
				"remaining_minutes": e.tracker.RemainingMinutes(id),
			}).Debug("Skipping provider in cooldown")
			continue
		}

		inv, ok := e.invokers[id]
		if !ok {
			// Catalog entries without a configured invoker (missing API
			// key or binary) are skipped, not failed.
			e.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"provider":   id,
			}).Debug("No invoker registered for provider")
			continue
		}

		attempted = append(attempted, id)
		attemptStart := time.Now()

		outcome, err := inv.Invoke(ctx, providers.Request{
			Prompt:          userPrompt,
			SystemPrompt:    systemPrompt,
			RequiresFileOps: req.RequiresFileOperations,
			SessionID:       sessionID,
			OutputPath:      req.OutputPath,
			WorkDir:         e.workDir,
		})
		if err != nil {
			var rateLimit *providers.RateLimitError
			rateLimited := errors.As(err, &rateLimit)
			if rateLimited {
				e.tracker.RecordSignal(id, time.Now())
			}
			e.recordAttempt(Attempt{
				RequestID:   requestID,
				SessionID:   sessionID,
				TaskKind:    kind,
				Provider:    id,
				Sequence:    len(attempted),
				RateLimited: rateLimited,
				DurationMs:  time.Since(attemptStart).Milliseconds(),
				Error:       err.Error(),
				Timestamp:   attemptStart,
			})
			e.logger.WithFields(logrus.Fields{
				"request_id":   requestID,
				"provider":     id,
				"rate_limited": rateLimited,
				"error":        err.Error(),
			}).Warn("Provider invocation failed, advancing to next candidate")
			continue
		}

		rec := recovery.Extract(outcome.RawOutput)
		e.recordAttempt(Attempt{
			RequestID:  requestID,
			SessionID:  sessionID,
			TaskKind:   kind,
			Provider:   id,
			Sequence:   len(attempted),
			Success:    true,
			DurationMs: time.Since(attemptStart).Milliseconds(),
			Timestamp:  attemptStart,
		})

		result := &types.AnalysisResult{
			Success:         true,
			Data:            rec.Data,
			ProviderID:      id,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			WasCleanJSON:    rec.WasCleanJSON,
		}
		if req.RequiresFileOperations && req.OutputPath != "" {
			result.OutputFile = req.OutputPath
		}
		e.logger.WithFields(logrus.Fields{
			"request_id":     requestID,
			"provider":       id,
			"task_kind":      kind,
			"attempts":       len(attempted),
			"was_clean_json": rec.WasCleanJSON,
			"duration_ms":    result.ExecutionTimeMs,
		}).Info("Analysis completed")
		return result, nil
	}

	elapsed := time.Since(start).Milliseconds()
	if err := ctx.Err(); err != nil {
		return &types.AnalysisResult{
			Success:         false,
			Error:           fmt.Sprintf("analysis canceled: %v", err),
			ExecutionTimeMs: elapsed,
		}, nil
	}

	msg := e.exhaustionMessage(decision.Candidates, attempted)
	e.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"candidates": decision.Candidates,
		"attempted":  attempted,
	}).Error("All providers exhausted")
	return &types.AnalysisResult{
		Success:         false,
		Error:           msg,
		ExecutionTimeMs: elapsed,
	}, nil
}

// Plan validates the request and runs candidate selection without
// invoking any backend. Serves the dry-run routing endpoint.
func (e *Engine) Plan(req types.AnalysisRequest) (Decision, error) {
	if err := req.Validate(); err != nil {
		return Decision{}, err
	}
	kind := req.TaskKind
	if kind == "" {
		kind = types.TaskGeneral
	}
	rctx := routingContext(req, kind, systemPromptFor(kind), buildUserPrompt(req))
	return e.currentStrategy().Decide(rctx), nil
}

func (e *Engine) recordAttempt(a Attempt) {
	if e.sink == nil {
		return
	}
	e.sink.RecordAttempt(a)
}

// exhaustionMessage names every candidate and why it is out: cooling
// providers report their remaining minutes, attempted ones failed, the
// rest had no invoker to try.
func (e *Engine) exhaustionMessage(candidates, attempted []string) string {
	if len(candidates) == 0 {
		return "no providers qualify for this request"
	}
	parts := make([]string, 0, len(candidates))
	for _, id := range candidates {
		switch {
		case e.tracker.RemainingMinutes(id) > 0:
			parts = append(parts, fmt.Sprintf("%s (cooling down, %dm remaining)", id, e.tracker.RemainingMinutes(id)))
		case contains(attempted, id):
			parts = append(parts, id)
		default:
			parts = append(parts, fmt.Sprintf("%s (unavailable)", id))
		}
	}
	return "all providers exhausted: " + strings.Join(parts, ", ")
}

// systemPromptFor returns the task preamble sent as the system prompt.
func systemPromptFor(kind types.TaskKind) string {
	switch kind {
	case types.TaskCodeAnalysis:
		return "You are a code analysis engine. Examine the provided code and respond with your findings as valid JSON."
	case types.TaskRefactor:
		return "You are a refactoring engine. Apply the requested changes and respond with a summary of every edit as valid JSON."
	case types.TaskExtraction:
		return "You are a data extraction engine. Respond with only the extracted data as valid JSON, no commentary."
	default:
		return "You are an analysis engine. Respond with valid JSON."
	}
}

// buildUserPrompt appends the context payload to the caller's prompt.
func buildUserPrompt(req types.AnalysisRequest) string {
	if req.ContextPayload == "" {
		return req.Prompt
	}
	return req.Prompt + "\n\n[Context]\n" + req.ContextPayload
}

// routingContext sizes the request from whichever of the raw prompt or
// the constructed prompt is larger; the constructed prompt carries the
// context payload.
func routingContext(req types.AnalysisRequest, kind types.TaskKind, systemPrompt, userPrompt string) types.RoutingContext {
	contentLength := len(req.Prompt)
	if n := len(systemPrompt) + len(userPrompt); n > contentLength {
		contentLength = n
	}
	return types.RoutingContext{
		ContentLength:            contentLength,
		RequiresFileOps:          req.RequiresFileOperations,
		RequiresCodebaseAware:    kind.RequiresCodebaseAware(),
		RequiresStructuredOutput: kind.RequiresStructuredOutput(),
		PreferredProvider:        req.PreferredProvider,
	}
}
