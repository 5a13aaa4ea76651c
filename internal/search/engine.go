package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/hindsight/internal/storage"
)

// MatchType reports which score components contributed to a result.
type MatchType string

const (
	MatchFullText MatchType = "fullText"
	MatchSemantic MatchType = "semantic"
	MatchHybrid   MatchType = "hybrid"
)

// Result is one ranked search hit.
type Result struct {
	Conversation  storage.Conversation
	Score         float64
	LexicalScore  float64
	SemanticScore float64
	MatchType     MatchType
}

// Embedder produces a query embedding for the semantic score.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tune the hybrid scoring. Weights are expected to sum to 1.0 for
// interpretable scores; the engine does not enforce this.
type Options struct {
	FTSWeight         float64
	SemanticWeight    float64
	SemanticThreshold float64
	MaxResults        int
}

// DefaultOptions mirror the shipped configuration defaults.
func DefaultOptions() Options {
	return Options{
		FTSWeight:         0.5,
		SemanticWeight:    0.5,
		SemanticThreshold: 0.3,
		MaxResults:        20,
	}
}

// Engine answers hybrid queries by combining the token-index lexical score
// with cosine similarity over stored conversation embeddings. With no
// embedder configured it degrades to lexical-only ranking.
type Engine struct {
	store    *storage.Store
	embedder Embedder // nil disables the semantic side
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates a search engine over the given store. embedder may be nil.
func NewEngine(store *storage.Store, embedder Embedder, opts Options) *Engine {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultOptions().MaxResults
	}
	return &Engine{store: store, embedder: embedder, opts: opts, logger: slog.Default()}
}

// Search ranks conversations against the query. Results are sorted by final
// score descending, ties broken by most-recent update, capped at MaxResults.
func (e *Engine) Search(ctx context.Context, query string) ([]Result, error) {
	tokens := Tokenize(query)

	lexical := make(map[string]float64)
	if len(tokens) > 0 {
		matches, err := e.store.LexicalMatches(tokens)
		if err != nil {
			return nil, fmt.Errorf("lexical lookup: %w", err)
		}
		for id, n := range matches {
			lexical[id] = float64(n) / float64(len(tokens))
		}
	}

	semantic := e.semanticScores(ctx, query)

	ids := make(map[string]struct{}, len(lexical)+len(semantic))
	for id := range lexical {
		ids[id] = struct{}{}
	}
	for id := range semantic {
		ids[id] = struct{}{}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	convs, err := e.store.GetConversationsByIDs(idList)
	if err != nil {
		return nil, fmt.Errorf("loading conversations: %w", err)
	}

	results := make([]Result, 0, len(convs))
	for _, conv := range convs {
		lex := lexical[conv.ID]
		sem := semantic[conv.ID]
		score := e.opts.FTSWeight*lex + e.opts.SemanticWeight*sem
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			Conversation:  conv,
			Score:         score,
			LexicalScore:  lex,
			SemanticScore: sem,
			MatchType:     matchType(lex, sem),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Conversation.UpdatedAt.After(results[j].Conversation.UpdatedAt)
	})

	if len(results) > e.opts.MaxResults {
		results = results[:e.opts.MaxResults]
	}
	return results, nil
}

// semanticScores returns per-conversation similarities at or above the
// threshold. Any failure degrades to lexical-only search rather than erroring.
func (e *Engine) semanticScores(ctx context.Context, query string) map[string]float64 {
	if e.embedder == nil {
		return nil
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding failed, falling back to lexical search", "error", err)
		return nil
	}

	embeddings, err := e.store.AllEmbeddings()
	if err != nil {
		e.logger.Warn("loading embeddings failed, falling back to lexical search", "error", err)
		return nil
	}

	scores := make(map[string]float64, len(embeddings))
	for _, emb := range embeddings {
		sim := Cosine(queryVec, emb.Vector)
		if sim >= e.opts.SemanticThreshold {
			scores[emb.ConversationID] = sim
		}
	}
	return scores
}

func matchType(lex, sem float64) MatchType {
	switch {
	case lex > 0 && sem > 0:
		return MatchHybrid
	case sem > 0:
		return MatchSemantic
	default:
		return MatchFullText
	}
}

// IndexText returns the token set for a conversation: title plus message
// content. Used by the upsert engine to keep the index inside its commit.
func IndexText(title string, contents []string) []string {
	var b strings.Builder
	b.WriteString(title)
	for _, c := range contents {
		b.WriteByte('\n')
		b.WriteString(c)
	}
	return Tokenize(b.String())
}

// Rebuild reconstructs the whole lexical index from the canonical store.
// The index is a derived cache; this is always safe.
func (e *Engine) Rebuild(ctx context.Context) error {
	if err := e.store.ClearSearchIndex(); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}

	ids, err := e.store.AllConversationIDs()
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conv, err := e.store.GetConversation(id)
		if err != nil {
			return fmt.Errorf("loading conversation %s: %w", id, err)
		}
		msgs, err := e.store.GetMessages(id)
		if err != nil {
			return fmt.Errorf("loading messages for %s: %w", id, err)
		}
		contents := make([]string, len(msgs))
		for i, m := range msgs {
			contents[i] = m.Content
		}
		if err := e.store.ReplaceSearchTokens(id, IndexText(conv.Title, contents)); err != nil {
			return fmt.Errorf("indexing %s: %w", id, err)
		}
	}
	return nil
}
