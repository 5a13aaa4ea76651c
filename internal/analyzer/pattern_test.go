package analyzer

import (
	"context"
	"strings"
	"testing"

	"github.com/kalambet/hindsight/internal/storage"
)

func userMsg(content string) storage.Message {
	return storage.Message{Role: "user", Content: content}
}

func assistantMsg(content string) storage.Message {
	return storage.Message{Role: "assistant", Content: content}
}

func TestPatternDetectorCorrection(t *testing.T) {
	d := NewPatternDetector()
	msgs := []storage.Message{
		userMsg("rename the helper"),
		assistantMsg("renamed to fetchHelper"),
		userMsg("No, that's wrong, helpers use camelCase without the fetch prefix."),
	}

	cands, err := d.Analyze(context.Background(), storage.Conversation{}, msgs)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	c := cands[0]
	if c.LearningType != storage.LearningCorrection {
		t.Errorf("type = %q, want correction", c.LearningType)
	}
	if c.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", c.Confidence)
	}
	if c.Rule == "" {
		t.Error("empty rule")
	}
}

func TestPatternDetectorCorrectionNeedsAssistantTurn(t *testing.T) {
	d := NewPatternDetector()
	// A correction marker in the opening message corrects nothing.
	msgs := []storage.Message{
		userMsg("No, that's wrong approach for this repo, use feature branches."),
	}

	cands, err := d.Analyze(context.Background(), storage.Conversation{}, msgs)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("got %d candidates, want 0: %+v", len(cands), cands)
	}
}

func TestPatternDetectorPreference(t *testing.T) {
	d := NewPatternDetector()
	msgs := []storage.Message{
		userMsg("Always use snake_case for database columns."),
	}

	cands, err := d.Analyze(context.Background(), storage.Conversation{}, msgs)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	if cands[0].LearningType != storage.LearningPositive {
		t.Errorf("type = %q, want positive", cands[0].LearningType)
	}
	if cands[0].Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", cands[0].Confidence)
	}
	if cands[0].Rule != "Always use snake_case for database columns" {
		t.Errorf("rule = %q", cands[0].Rule)
	}
}

func TestPatternDetectorMidMessagePreferenceIsImplicit(t *testing.T) {
	d := NewPatternDetector()
	msgs := []storage.Message{
		userMsg("Looks good so far, but please use table-driven tests here."),
	}

	cands, err := d.Analyze(context.Background(), storage.Conversation{}, msgs)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	if cands[0].LearningType != storage.LearningImplicit {
		t.Errorf("type = %q, want implicit", cands[0].LearningType)
	}
	if cands[0].Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", cands[0].Confidence)
	}
}

func TestPatternDetectorDedupsWithinConversation(t *testing.T) {
	d := NewPatternDetector()
	msgs := []storage.Message{
		userMsg("Always run gofmt before committing."),
		assistantMsg("will do"),
		userMsg("always run gofmt before committing."),
	}

	cands, err := d.Analyze(context.Background(), storage.Conversation{}, msgs)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(cands) != 1 {
		t.Errorf("got %d candidates, want 1 after dedup", len(cands))
	}
}

func TestPatternDetectorIgnoresShortRules(t *testing.T) {
	d := NewPatternDetector()
	msgs := []storage.Message{
		assistantMsg("done"),
		userMsg("no, bad"),
	}

	cands, err := d.Analyze(context.Background(), storage.Conversation{}, msgs)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("got %d candidates from a too-short rule", len(cands))
	}
}

func TestExtractRuleStopsAtSentenceEnd(t *testing.T) {
	content := "Please use table-driven tests everywhere. The rest looks fine."
	rule := extractRule(content, strings.ToLower(content), "please use")
	if rule != "Please use table-driven tests everywhere" {
		t.Errorf("rule = %q", rule)
	}
}
