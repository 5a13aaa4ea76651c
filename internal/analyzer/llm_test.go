package analyzer

import (
	"strings"
	"testing"

	"github.com/kalambet/hindsight/internal/storage"
)

func TestParseExtraction(t *testing.T) {
	resp := `{"learnings":[
		{"type":"correction","rule":"Use snake_case for columns","confidence":0.9},
		{"type":"positive","rule":"Run gofmt before committing","confidence":0.7}
	]}`

	cands, err := parseExtraction(resp)
	if err != nil {
		t.Fatalf("parseExtraction: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	if cands[0].LearningType != storage.LearningCorrection || cands[0].Confidence != 0.9 {
		t.Errorf("first candidate = %+v", cands[0])
	}
	if cands[1].Rule != "Run gofmt before committing" {
		t.Errorf("second rule = %q", cands[1].Rule)
	}
}

func TestParseExtractionStripsFences(t *testing.T) {
	resp := "Here you go:\n```json\n{\"learnings\":[{\"type\":\"implicit\",\"rule\":\"Prefer errgroup over raw goroutines\",\"confidence\":0.6}]}\n```"

	cands, err := parseExtraction(resp)
	if err != nil {
		t.Fatalf("parseExtraction: %v", err)
	}
	if len(cands) != 1 || cands[0].Rule != "Prefer errgroup over raw goroutines" {
		t.Errorf("candidates = %+v", cands)
	}
}

func TestParseExtractionSanitizes(t *testing.T) {
	resp := `{"learnings":[
		{"type":"made-up-type","rule":"Something useful either way","confidence":1.7},
		{"type":"correction","rule":"   ","confidence":0.5},
		{"type":"positive","rule":"Negative stays clamped","confidence":-0.2}
	]}`

	cands, err := parseExtraction(resp)
	if err != nil {
		t.Fatalf("parseExtraction: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2 (blank rule dropped)", len(cands))
	}
	if cands[0].LearningType != storage.LearningImplicit {
		t.Errorf("unknown type mapped to %q, want implicit", cands[0].LearningType)
	}
	if cands[0].Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", cands[0].Confidence)
	}
	if cands[1].Confidence != 0 {
		t.Errorf("confidence = %v, want clamped to 0", cands[1].Confidence)
	}
}

func TestParseExtractionNoJSON(t *testing.T) {
	if _, err := parseExtraction("I could not find any learnings."); err == nil {
		t.Fatal("expected error for response without JSON")
	}
}

func TestParseExtractionEmptyList(t *testing.T) {
	cands, err := parseExtraction(`{"learnings":[]}`)
	if err != nil {
		t.Fatalf("parseExtraction: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("got %d candidates, want 0", len(cands))
	}
}

func TestBuildTranscriptBounded(t *testing.T) {
	long := strings.Repeat("words ", 5000)
	msgs := []storage.Message{
		{Role: "user", Content: long},
		{Role: "assistant", Content: long},
	}
	transcript := buildTranscript(storage.Conversation{Title: "big one"}, msgs)
	if len(transcript) > maxTranscriptChars {
		t.Errorf("transcript length = %d, want <= %d", len(transcript), maxTranscriptChars)
	}
	if !strings.HasPrefix(transcript, "Topic: big one") {
		t.Errorf("transcript missing topic header: %q", transcript[:40])
	}
}

func TestBuildTranscriptEmpty(t *testing.T) {
	if got := buildTranscript(storage.Conversation{}, nil); got != "" {
		t.Errorf("transcript = %q, want empty", got)
	}
}
