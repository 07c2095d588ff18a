package routing

import (
	"time"
)

// Bucket is the three-way size classification of a request payload.
type Bucket string

const (
	BucketSmall  Bucket = "small"
	BucketMedium Bucket = "medium"
	BucketLarge  Bucket = "large"
)

// Decision captures one candidate selection with enough context to
// explain it afterwards. Candidates is the ordered list the failover
// loop walks; Reasoning is human-readable and feeds logs and history.
type Decision struct {
	// Estimated token count derived from the payload size
	TokenEstimate int `json:"token_estimate"`

	// Size bucket the payload fell into
	Bucket Bucket `json:"bucket"`

	// True when the token estimate exceeded the hard ceiling and the
	// fixed large-payload list was returned instead of the normal chain
	CeilingExceeded bool `json:"ceiling_exceeded"`

	// Ordered provider ids the failover loop should attempt
	Candidates []string `json:"candidates"`

	// Human-readable reasoning for the selection
	Reasoning []string `json:"reasoning"`

	// Selection timestamp
	Timestamp time.Time `json:"timestamp"`
}
