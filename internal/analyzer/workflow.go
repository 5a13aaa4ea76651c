package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/kalambet/hindsight/internal/storage"
)

// actionVerbs are the task verbs a workflow signature is built from.
var actionVerbs = map[string]struct{}{
	"fix": {}, "add": {}, "create": {}, "write": {}, "update": {},
	"refactor": {}, "test": {}, "debug": {}, "deploy": {}, "review": {},
	"explain": {}, "implement": {}, "remove": {}, "rename": {}, "migrate": {},
}

// WorkflowDetector clusters conversations by their task-pattern signature:
// the ordered sequence of action verbs opening each user message. Two
// conversations with the same verb sequence land in the same cluster.
type WorkflowDetector struct {
	minSteps int
}

// NewWorkflowDetector creates the detector. Sequences shorter than two steps
// produce no candidate.
func NewWorkflowDetector() *WorkflowDetector {
	return &WorkflowDetector{minSteps: 2}
}

func (d *WorkflowDetector) Type() string { return TypeWorkflow }

func (d *WorkflowDetector) Analyze(_ context.Context, _ storage.Conversation, msgs []storage.Message) ([]Candidate, error) {
	var steps []string
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		verb := leadingVerb(m.Content)
		if verb == "" {
			continue
		}
		// Collapse immediate repeats so "fix, fix, test" equals "fix, test".
		if len(steps) > 0 && steps[len(steps)-1] == verb {
			continue
		}
		steps = append(steps, verb)
	}

	if len(steps) < d.minSteps {
		return nil, nil
	}

	joined := strings.Join(steps, "→")
	sum := sha256.Sum256([]byte(joined))

	confidence := 0.4 + 0.1*float64(len(steps))
	if confidence > 0.9 {
		confidence = 0.9
	}

	return []Candidate{{
		Kind:          KindWorkflow,
		SignatureHash: hex.EncodeToString(sum[:]),
		Description:   joined,
		Confidence:    confidence,
	}}, nil
}

func leadingVerb(content string) string {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) == 0 {
		return ""
	}
	first := strings.Trim(fields[0], ".,!?:;")
	if _, ok := actionVerbs[first]; ok {
		return first
	}
	return ""
}
