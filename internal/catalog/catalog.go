// Package catalog holds the static table of known analysis backends.
// Descriptors are created at process start and never mutated afterwards;
// routing reads them, nothing writes them.
package catalog

// Kind tags which invoker variant serves a descriptor.
type Kind string

const (
	KindCLI  Kind = "cli"
	KindHTTP Kind = "http"
)

// Capabilities are the declared abilities of a backend. A required
// capability on a request must be matched by a true flag here.
type Capabilities struct {
	FileOperations   bool `yaml:"file_operations" json:"file_operations"`
	CodebaseAware    bool `yaml:"codebase_aware" json:"codebase_aware"`
	StructuredOutput bool `yaml:"structured_output" json:"structured_output"`
	Streaming        bool `yaml:"streaming" json:"streaming"`
}

// RoutingPolicy orders and gates a backend during candidate selection.
// Lower Priority sorts first; FallbackOrder breaks ties.
type RoutingPolicy struct {
	Priority           int  `yaml:"priority" json:"priority"`
	UseForSmallContext bool `yaml:"use_for_small_context" json:"use_for_small_context"`
	UseForLargeContext bool `yaml:"use_for_large_context" json:"use_for_large_context"`
	FallbackOrder      int  `yaml:"fallback_order" json:"fallback_order"`
}

// Descriptor describes one backend. Immutable once constructed.
type Descriptor struct {
	ID               string        `yaml:"id" json:"id"`
	Kind             Kind          `yaml:"kind" json:"kind"`
	MaxContextTokens int           `yaml:"max_context_tokens" json:"max_context_tokens"`
	MaxOutputTokens  int           `yaml:"max_output_tokens" json:"max_output_tokens"`
	Capabilities     Capabilities  `yaml:"capabilities" json:"capabilities"`
	Routing          RoutingPolicy `yaml:"routing" json:"routing"`
}

// Well-known backend identifiers.
const (
	ClaudeCLI    = "claude-cli"
	GeminiCLI    = "gemini-cli"
	AnthropicAPI = "anthropic-api"
	OpenAIAPI    = "openai-api"
)

// Default returns the built-in backend table. Config may drop or re-tune
// entries but the shipped defaults are usable as-is.
func Default() []Descriptor {
	return []Descriptor{
		{
			ID:               ClaudeCLI,
			Kind:             KindCLI,
			MaxContextTokens: 200000,
			MaxOutputTokens:  8192,
			Capabilities: Capabilities{
				FileOperations:   true,
				CodebaseAware:    true,
				StructuredOutput: true,
				Streaming:        true,
			},
			Routing: RoutingPolicy{
				Priority:           1,
				UseForSmallContext: true,
				UseForLargeContext: true,
				FallbackOrder:      1,
			},
		},
		{
			ID:               GeminiCLI,
			Kind:             KindCLI,
			MaxContextTokens: 1000000,
			MaxOutputTokens:  8192,
			Capabilities: Capabilities{
				CodebaseAware: true,
			},
			// Reserved for oversized payloads; small requests go elsewhere.
			Routing: RoutingPolicy{
				Priority:           2,
				UseForLargeContext: true,
				FallbackOrder:      2,
			},
		},
		{
			ID:               AnthropicAPI,
			Kind:             KindHTTP,
			MaxContextTokens: 200000,
			MaxOutputTokens:  8192,
			Capabilities: Capabilities{
				StructuredOutput: true,
				Streaming:        true,
			},
			Routing: RoutingPolicy{
				Priority:           3,
				UseForSmallContext: true,
				FallbackOrder:      3,
			},
		},
		{
			ID:               OpenAIAPI,
			Kind:             KindHTTP,
			MaxContextTokens: 128000,
			MaxOutputTokens:  4096,
			Capabilities: Capabilities{
				StructuredOutput: true,
				Streaming:        true,
			},
			Routing: RoutingPolicy{
				Priority:           4,
				UseForSmallContext: true,
				FallbackOrder:      4,
			},
		},
	}
}

// ByID returns the descriptor with the given id, or false when absent.
func ByID(descriptors []Descriptor, id string) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// IDs returns the identifiers of the given descriptors in order.
func IDs(descriptors []Descriptor) []string {
	ids := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		ids = append(ids, d.ID)
	}
	return ids
}
