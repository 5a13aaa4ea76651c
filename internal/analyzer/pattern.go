package analyzer

import (
	"context"
	"strings"

	"github.com/kalambet/hindsight/internal/storage"
)

// correctionMarkers open a user message that pushes back on the previous
// assistant turn.
var correctionMarkers = []string{
	"no,", "no.", "that's wrong", "thats wrong", "that is wrong",
	"actually", "i meant", "not what i", "instead,", "you should have",
	"don't do", "dont do", "stop doing",
}

// preferenceMarkers signal a durable stated preference.
var preferenceMarkers = []string{
	"always ", "never ", "i prefer", "please use", "make sure to",
	"from now on", "going forward",
}

// PatternDetector is the deterministic learning analyzer: pure, local, and
// always available. It scans user messages for correction and preference
// markers and emits one candidate per distinct extracted rule.
type PatternDetector struct{}

// NewPatternDetector creates the detector.
func NewPatternDetector() *PatternDetector { return &PatternDetector{} }

func (d *PatternDetector) Type() string { return TypeLearning }

func (d *PatternDetector) Analyze(_ context.Context, _ storage.Conversation, msgs []storage.Message) ([]Candidate, error) {
	var candidates []Candidate
	seen := make(map[string]struct{})

	prevAssistant := false
	for _, m := range msgs {
		if m.Role == "assistant" {
			prevAssistant = true
			continue
		}
		if m.Role != "user" {
			continue
		}

		lower := strings.ToLower(m.Content)

		if marker := firstMarker(lower, correctionMarkers); marker != "" && prevAssistant {
			if rule := extractRule(m.Content, lower, marker); rule != "" {
				addCandidate(&candidates, seen, Candidate{
					Kind:         KindLearning,
					LearningType: storage.LearningCorrection,
					Rule:         rule,
					Confidence:   0.8,
				})
			}
		}

		if marker := firstMarker(lower, preferenceMarkers); marker != "" {
			if rule := extractRule(m.Content, lower, marker); rule != "" {
				learningType := storage.LearningPositive
				confidence := 0.7
				// Preferences buried mid-message are weaker signals.
				if strings.Index(lower, marker) > 0 {
					learningType = storage.LearningImplicit
					confidence = 0.5
				}
				addCandidate(&candidates, seen, Candidate{
					Kind:         KindLearning,
					LearningType: learningType,
					Rule:         rule,
					Confidence:   confidence,
				})
			}
		}

		prevAssistant = false
	}

	return candidates, nil
}

func firstMarker(lower string, markers []string) string {
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}

// extractRule takes the sentence containing the marker, from the marker to
// the sentence end, trimmed and length-capped.
func extractRule(original, lower, marker string) string {
	const maxRule = 200

	start := strings.Index(lower, marker)
	if start < 0 {
		return ""
	}
	rest := original[start:]
	if end := strings.IndexAny(rest, "\n"); end > 0 {
		rest = rest[:end]
	}
	if end := strings.IndexAny(rest, ".!?"); end > 0 {
		rest = rest[:end]
	}
	rule := strings.TrimSpace(rest)
	if len(rule) < 8 {
		return ""
	}
	if len(rule) > maxRule {
		rule = rule[:maxRule]
	}
	return rule
}

func addCandidate(candidates *[]Candidate, seen map[string]struct{}, c Candidate) {
	key := strings.ToLower(c.Rule)
	if _, dup := seen[key]; dup {
		return
	}
	seen[key] = struct{}{}
	*candidates = append(*candidates, c)
}
