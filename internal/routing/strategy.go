package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/catalog"
	"github.com/swarmsys/analysis-router/internal/types"
)

// Selection thresholds applied when the config does not override them.
const (
	DefaultSmallContextChars = 10000
	DefaultLargeContextChars = 400000
	DefaultHardCeilingTokens = 1000000
)

// charsPerToken is the payload-size-to-token conversion factor.
const charsPerToken = 4

// StrategyConfig tunes candidate selection. Zero values fall back to
// the package defaults.
type StrategyConfig struct {
	SmallContextChars     int
	LargeContextChars     int
	HardCeilingTokens     int
	LargePayloadProviders []string
}

// Strategy selects and orders backend candidates for one request.
// Selection is a pure function of the routing context and the
// descriptor table: the same inputs always produce the same list.
// Cooldown state is deliberately not consulted here; the failover
// loop skips cooling providers at attempt time.
type Strategy struct {
	descriptors           []catalog.Descriptor
	smallContextChars     int
	largeContextChars     int
	hardCeilingTokens     int
	largePayloadProviders []string
	logger                *logrus.Logger
}

// NewStrategy creates a strategy over the given descriptor table.
func NewStrategy(descriptors []catalog.Descriptor, cfg StrategyConfig, logger *logrus.Logger) *Strategy {
	s := &Strategy{
		descriptors:           descriptors,
		smallContextChars:     cfg.SmallContextChars,
		largeContextChars:     cfg.LargeContextChars,
		hardCeilingTokens:     cfg.HardCeilingTokens,
		largePayloadProviders: cfg.LargePayloadProviders,
		logger:                logger,
	}
	if s.smallContextChars <= 0 {
		s.smallContextChars = DefaultSmallContextChars
	}
	if s.largeContextChars <= 0 {
		s.largeContextChars = DefaultLargeContextChars
	}
	if s.hardCeilingTokens <= 0 {
		s.hardCeilingTokens = DefaultHardCeilingTokens
	}
	if len(s.largePayloadProviders) == 0 {
		s.largePayloadProviders = []string{catalog.GeminiCLI}
	}
	return s
}

// SelectCandidates returns the ordered provider ids the failover loop
// should attempt. An empty list is a valid outcome and means no backend
// can serve the request; it is not an error at this layer.
func (s *Strategy) SelectCandidates(rctx types.RoutingContext) []string {
	return s.Decide(rctx).Candidates
}

// Decide runs candidate selection and reports how the list was formed.
func (s *Strategy) Decide(rctx types.RoutingContext) Decision {
	decision := Decision{
		TokenEstimate: rctx.ContentLength / charsPerToken,
		Bucket:        s.bucketFor(rctx.ContentLength),
		Timestamp:     time.Now(),
	}

	// Payloads past the ceiling bypass normal selection entirely. Only
	// the configured large-payload backends stand a chance of fitting
	// them, so nothing else is worth attempting.
	if decision.TokenEstimate > s.hardCeilingTokens {
		decision.CeilingExceeded = true
		decision.Candidates = s.largePayloadCandidates()
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf(
			"token estimate %d exceeds hard ceiling %d, restricting to large-payload providers",
			decision.TokenEstimate, s.hardCeilingTokens))
		s.logDecision(rctx, decision)
		return decision
	}

	survivors := make([]catalog.Descriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		if reason, ok := s.qualifies(d, rctx, decision); ok {
			survivors = append(survivors, d)
		} else {
			decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("%s excluded: %s", d.ID, reason))
		}
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].Routing.Priority != survivors[j].Routing.Priority {
			return survivors[i].Routing.Priority < survivors[j].Routing.Priority
		}
		return survivors[i].Routing.FallbackOrder < survivors[j].Routing.FallbackOrder
	})

	decision.Candidates = catalog.IDs(survivors)
	if rctx.PreferredProvider != "" && contains(decision.Candidates, rctx.PreferredProvider) {
		decision.Candidates = promote(decision.Candidates, rctx.PreferredProvider)
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("preferred provider %s promoted to front", rctx.PreferredProvider))
	}

	s.logDecision(rctx, decision)
	return decision
}

// qualifies checks one descriptor against the routing context. The
// returned reason is set only on exclusion.
func (s *Strategy) qualifies(d catalog.Descriptor, rctx types.RoutingContext, decision Decision) (string, bool) {
	if decision.TokenEstimate > d.MaxContextTokens {
		return fmt.Sprintf("token estimate %d exceeds context window %d", decision.TokenEstimate, d.MaxContextTokens), false
	}
	switch decision.Bucket {
	case BucketSmall:
		if !d.Routing.UseForSmallContext {
			return "not flagged for small context", false
		}
	case BucketLarge:
		if !d.Routing.UseForLargeContext {
			return "not flagged for large context", false
		}
	case BucketMedium:
		// Backends flagged large-only serve only the large bucket.
		if d.Routing.UseForLargeContext && !d.Routing.UseForSmallContext {
			return "reserved for large context", false
		}
	}
	if rctx.RequiresFileOps && !d.Capabilities.FileOperations {
		return "lacks file operations", false
	}
	if rctx.RequiresCodebaseAware && !d.Capabilities.CodebaseAware {
		return "not codebase aware", false
	}
	if rctx.RequiresStructuredOutput && !d.Capabilities.StructuredOutput {
		return "lacks structured output", false
	}
	return "", true
}

func (s *Strategy) bucketFor(contentLength int) Bucket {
	switch {
	case contentLength <= s.smallContextChars:
		return BucketSmall
	case contentLength >= s.largeContextChars:
		return BucketLarge
	default:
		return BucketMedium
	}
}

// largePayloadCandidates filters the configured fallback list down to
// ids that actually exist in the descriptor table, preserving the
// configured order.
func (s *Strategy) largePayloadCandidates() []string {
	ids := make([]string, 0, len(s.largePayloadProviders))
	for _, id := range s.largePayloadProviders {
		if _, ok := catalog.ByID(s.descriptors, id); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Strategy) logDecision(rctx types.RoutingContext, decision Decision) {
	s.logger.WithFields(logrus.Fields{
		"bucket":           decision.Bucket,
		"token_estimate":   decision.TokenEstimate,
		"ceiling_exceeded": decision.CeilingExceeded,
		"candidates":       decision.Candidates,
		"preferred":        rctx.PreferredProvider,
	}).Debug("Candidates selected")
}

// promote moves id to the front of ids, preserving the relative order
// of everything else. The slice is returned unchanged when id is absent.
func promote(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate != id {
			continue
		}
		promoted := make([]string, 0, len(ids))
		promoted = append(promoted, id)
		promoted = append(promoted, ids[:i]...)
		promoted = append(promoted, ids[i+1:]...)
		return promoted
	}
	return ids
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
