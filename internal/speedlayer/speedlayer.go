// Package speedlayer validates agent tool calls through three tiers of
// increasing cost: an in-memory decision cache, compiled policy rules,
// and live expert escalation. The first tier to produce a decision
// wins; if every tier is exhausted the configured fallback policy
// decides.
package speedlayer

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/lighthouse/broker/internal/eventlog"
)

// Decision is the verdict on a tool call.
type Decision string

const (
	Approve  Decision = "APPROVE"
	Block    Decision = "BLOCK"
	Escalate Decision = "ESCALATE"
)

// Tier names the layer that produced a decision.
type Tier string

const (
	TierMemory   Tier = "MEMORY"
	TierPolicy   Tier = "POLICY"
	TierExpert   Tier = "EXPERT"
	TierFallback Tier = "FALLBACK"
)

// Request is one tool call awaiting validation.
type Request struct {
	AgentID   string                 `json:"agent_id"`
	ToolName  string                 `json:"tool_name"`
	ToolInput map[string]interface{} `json:"tool_input"`

	// Fingerprint is computed from ToolName+ToolInput when empty.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Result is the outcome of a validation, including which tier decided
// and how long the whole walk took.
type Result struct {
	Decision      Decision      `json:"decision"`
	Reason        string        `json:"reason"`
	Tier          Tier          `json:"tier"`
	Fingerprint   string        `json:"fingerprint"`
	CorrelationID string        `json:"correlation_id"`
	Latency       time.Duration `json:"-"`
}

// Escalator hands a request to a live command-validator expert and
// blocks until a verdict or ctx expiry.
type Escalator interface {
	Escalate(ctx context.Context, req *Request, correlationID string) (Decision, string, error)
}

// Fingerprint derives the stable identity of a tool call: a BLAKE2b-256
// digest over the tool name and the deterministic encoding of its
// input. Two calls with the same name and semantically equal input map
// to the same fingerprint regardless of map iteration order.
func Fingerprint(toolName string, toolInput map[string]interface{}) string {
	data, err := eventlog.EncodePayload(toolInput)
	if err != nil {
		// Unencodable input still needs a stable identity.
		data = []byte(fmt.Sprintf("%v", toolInput))
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
