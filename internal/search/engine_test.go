package search

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kalambet/hindsight/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s *storage.Store, id, title, content string, updated time.Time) {
	t.Helper()
	err := s.ApplyUpsert(storage.UpsertCommit{
		Conversation: storage.Conversation{
			ID:          id,
			Provider:    "claude-code",
			SourceKind:  storage.SourceKindCLI,
			ExternalKey: "key-" + id,
			Title:       title,
			CreatedAt:   updated,
			UpdatedAt:   updated,
		},
		Created: true,
		Inserts: []storage.Message{
			{ID: id + "-m1", Role: "user", Content: content, Timestamp: updated, Seq: 0},
		},
		Tokens:  IndexText(title, []string{content}),
		Reindex: true,
	})
	if err != nil {
		t.Fatalf("seeding %s: %v", id, err)
	}
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return s.vec, s.err
}

func TestSearchLexicalOnly(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedConversation(t, s, "conv-1", "Parser bugfix", "the json parser drops trailing commas", base)
	seedConversation(t, s, "conv-2", "Deploy pipeline", "set up the deploy pipeline", base)

	e := NewEngine(s, nil, DefaultOptions())
	results, err := e.Search(context.Background(), "json parser")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Conversation.ID != "conv-1" {
		t.Errorf("top result = %q", r.Conversation.ID)
	}
	if r.MatchType != MatchFullText {
		t.Errorf("match type = %q, want fullText", r.MatchType)
	}
	// Both query tokens matched; lexical score 1.0 at weight 0.5.
	if math.Abs(r.LexicalScore-1.0) > 0.001 || math.Abs(r.Score-0.5) > 0.001 {
		t.Errorf("scores = %v/%v, want 1.0/0.5", r.LexicalScore, r.Score)
	}
}

func TestSearchPartialTokenMatch(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedConversation(t, s, "conv-1", "Parser bugfix", "fixed the parser", base)

	e := NewEngine(s, nil, DefaultOptions())
	results, err := e.Search(context.Background(), "parser deployment")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	// One of two query tokens matched.
	if math.Abs(results[0].LexicalScore-0.5) > 0.001 {
		t.Errorf("lexical score = %v, want 0.5", results[0].LexicalScore)
	}
}

func TestSearchHybridScoring(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedConversation(t, s, "conv-1", "Parser bugfix", "fixed the parser", base)
	seedConversation(t, s, "conv-2", "Unrelated topic", "nothing in common", base)

	// conv-1 matches lexically and semantically; conv-2 only semantically.
	if err := s.SetConversationEmbedding("conv-1", []float32{1, 0}, "stub"); err != nil {
		t.Fatalf("SetConversationEmbedding: %v", err)
	}
	if err := s.SetConversationEmbedding("conv-2", []float32{0.8, 0.6}, "stub"); err != nil {
		t.Fatalf("SetConversationEmbedding: %v", err)
	}

	e := NewEngine(s, &stubEmbedder{vec: []float32{1, 0}}, DefaultOptions())
	results, err := e.Search(context.Background(), "parser")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	top := results[0]
	if top.Conversation.ID != "conv-1" || top.MatchType != MatchHybrid {
		t.Errorf("top = %s/%s, want conv-1 hybrid", top.Conversation.ID, top.MatchType)
	}
	// 0.5*1.0 lexical + 0.5*1.0 semantic.
	if math.Abs(top.Score-1.0) > 0.001 {
		t.Errorf("top score = %v, want 1.0", top.Score)
	}

	second := results[1]
	if second.Conversation.ID != "conv-2" || second.MatchType != MatchSemantic {
		t.Errorf("second = %s/%s, want conv-2 semantic", second.Conversation.ID, second.MatchType)
	}
	if math.Abs(second.Score-0.4) > 0.001 {
		t.Errorf("second score = %v, want 0.4 (0.5 * cos 0.8)", second.Score)
	}
}

func TestSearchSemanticThreshold(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedConversation(t, s, "conv-1", "Unrelated", "nothing in common", base)

	// Similarity 0.1 sits below the 0.3 threshold.
	if err := s.SetConversationEmbedding("conv-1", []float32{0.1, float32(math.Sqrt(0.99))}, "stub"); err != nil {
		t.Fatalf("SetConversationEmbedding: %v", err)
	}

	e := NewEngine(s, &stubEmbedder{vec: []float32{1, 0}}, DefaultOptions())
	results, err := e.Search(context.Background(), "zzz")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results below threshold, want 0", len(results))
	}
}

func TestSearchEmbedderFailureDegrades(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedConversation(t, s, "conv-1", "Parser bugfix", "fixed the parser", base)

	e := NewEngine(s, &stubEmbedder{err: errors.New("model offline")}, DefaultOptions())
	results, err := e.Search(context.Background(), "parser")
	if err != nil {
		t.Fatalf("Search: %v (embedder failure must not fail the query)", err)
	}
	if len(results) != 1 || results[0].MatchType != MatchFullText {
		t.Errorf("results = %+v, want lexical-only fallback", results)
	}
}

func TestSearchTieBreakByRecency(t *testing.T) {
	s := openTestStore(t)
	older := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	seedConversation(t, s, "conv-old", "parser work", "parser", older)
	seedConversation(t, s, "conv-new", "parser work", "parser", newer)

	e := NewEngine(s, nil, DefaultOptions())
	results, err := e.Search(context.Background(), "parser")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Conversation.ID != "conv-new" {
		t.Errorf("equal scores not broken by recency: top = %q", results[0].Conversation.ID)
	}
}

func TestSearchCapsResults(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		seedConversation(t, s, "conv-"+id, "parser", "parser", base.Add(time.Duration(i)*time.Minute))
	}

	opts := DefaultOptions()
	opts.MaxResults = 3
	e := NewEngine(s, nil, opts)

	results, err := e.Search(context.Background(), "parser")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want capped at 3", len(results))
	}
}

func TestSearchNoMatches(t *testing.T) {
	s := openTestStore(t)
	e := NewEngine(s, nil, DefaultOptions())

	results, err := e.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
}

func TestRebuildRestoresIndex(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedConversation(t, s, "conv-1", "Parser bugfix", "fixed the parser", base)

	if err := s.ClearSearchIndex(); err != nil {
		t.Fatalf("ClearSearchIndex: %v", err)
	}

	e := NewEngine(s, nil, DefaultOptions())
	results, err := e.Search(context.Background(), "parser")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results after index clear")
	}

	if err := e.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	results, err = e.Search(context.Background(), "parser")
	if err != nil {
		t.Fatalf("Search after rebuild: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results after rebuild, want 1", len(results))
	}
}
