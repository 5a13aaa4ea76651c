package learning

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/hindsight/internal/analyzer"
	"github.com/kalambet/hindsight/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s, 0.4), s
}

func learningCandidate(rule string, confidence float64) analyzer.Candidate {
	return analyzer.Candidate{
		Kind:         analyzer.KindLearning,
		LearningType: storage.LearningPositive,
		Rule:         rule,
		Confidence:   confidence,
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Always use snake_case.", "always use snake_case"},
		{"  Collapse   internal\twhitespace  ", "collapse internal whitespace"},
		{"Trailing punctuation!?;:", "trailing punctuation"},
		{"already normalized", "already normalized"},
		{"...", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAcceptInsertsLearning(t *testing.T) {
	m, s := newTestManager(t)
	conv := storage.Conversation{ID: "conv-1"}

	res, err := m.Accept(context.Background(), conv, []analyzer.Candidate{
		learningCandidate("Always use snake_case", 0.7),
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if res.LearningsAdded != 1 {
		t.Errorf("result = %+v, want 1 learning", res)
	}

	stored, err := s.ListLearnings("", 10)
	if err != nil {
		t.Fatalf("ListLearnings: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("got %d learnings", len(stored))
	}
	l := stored[0]
	if l.Status != storage.LearningPending {
		t.Errorf("status = %q, want pending", l.Status)
	}
	if l.Scope != storage.ScopeGlobal {
		t.Errorf("scope = %q, want global", l.Scope)
	}
	if l.NormalizedRule != "always use snake_case" {
		t.Errorf("normalized rule = %q", l.NormalizedRule)
	}
}

func TestAcceptDedupsEquivalentRules(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res1, err := m.Accept(ctx, storage.Conversation{ID: "conv-1"}, []analyzer.Candidate{
		learningCandidate("Always use snake_case.", 0.7),
	})
	if err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	// Same rule, different surface form, different conversation.
	res2, err := m.Accept(ctx, storage.Conversation{ID: "conv-2"}, []analyzer.Candidate{
		learningCandidate("always   use snake_case", 0.8),
	})
	if err != nil {
		t.Fatalf("second Accept: %v", err)
	}

	if res1.LearningsAdded != 1 {
		t.Errorf("first result = %+v", res1)
	}
	if res2.LearningsAdded != 0 || res2.Discarded != 1 {
		t.Errorf("second result = %+v, want discarded duplicate", res2)
	}
}

func TestAcceptConfidenceCutoff(t *testing.T) {
	m, s := newTestManager(t)

	res, err := m.Accept(context.Background(), storage.Conversation{ID: "conv-1"}, []analyzer.Candidate{
		learningCandidate("Interesting but weak signal here", 0.3),
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if res.LearningsAdded != 0 || res.Discarded != 1 {
		t.Errorf("result = %+v, want candidate discarded below cutoff", res)
	}
	if stored, _ := s.ListLearnings("", 10); len(stored) != 0 {
		t.Errorf("low-confidence candidate was stored")
	}
}

func TestAcceptProjectScope(t *testing.T) {
	m, s := newTestManager(t)
	conv := storage.Conversation{ID: "conv-1", ProjectPath: "/home/dev/proj"}

	if _, err := m.Accept(context.Background(), conv, []analyzer.Candidate{
		learningCandidate("Use the repo makefile for builds", 0.6),
	}); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	stored, _ := s.ListLearnings("", 10)
	if len(stored) != 1 {
		t.Fatalf("got %d learnings", len(stored))
	}
	if stored[0].Scope != storage.ScopeProject || stored[0].ProjectPath != "/home/dev/proj" {
		t.Errorf("scope = %q/%q, want project scope", stored[0].Scope, stored[0].ProjectPath)
	}
}

func TestAcceptWorkflowCandidates(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	wf := analyzer.Candidate{
		Kind:          analyzer.KindWorkflow,
		SignatureHash: "hash-1",
		Description:   "fix→test",
		Confidence:    0.6,
	}

	res, err := m.Accept(ctx, storage.Conversation{ID: "conv-1"}, []analyzer.Candidate{wf})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if res.WorkflowsAdded != 1 {
		t.Errorf("result = %+v, want 1 workflow", res)
	}

	// Second occurrence folds into the cluster without creating a new one.
	res, err = m.Accept(ctx, storage.Conversation{ID: "conv-2"}, []analyzer.Candidate{wf})
	if err != nil {
		t.Fatalf("second Accept: %v", err)
	}
	if res.WorkflowsAdded != 0 {
		t.Errorf("second result = %+v, want no new workflow", res)
	}

	sigs, _ := s.ListWorkflowSignatures(10)
	if len(sigs) != 1 || sigs[0].Occurrences != 2 {
		t.Errorf("signatures = %+v, want one cluster with 2 occurrences", sigs)
	}
}

func TestApproveRejectLifecycle(t *testing.T) {
	m, s := newTestManager(t)

	if _, err := m.Accept(context.Background(), storage.Conversation{ID: "conv-1"}, []analyzer.Candidate{
		learningCandidate("Run tests before pushing", 0.8),
	}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	stored, _ := s.ListLearnings("", 10)
	id := stored[0].ID

	if err := m.Approve(id); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := m.Reject(id); !errors.Is(err, storage.ErrTerminalState) {
		t.Errorf("Reject after approve = %v, want ErrTerminalState", err)
	}
	if err := m.Approve("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Approve(missing) = %v, want ErrNotFound", err)
	}
}
