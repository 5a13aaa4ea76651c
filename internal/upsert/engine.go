// Package upsert reconciles normalized source batches against the canonical
// store and emits change events describing what actually changed.
package upsert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/hindsight/internal/search"
	"github.com/kalambet/hindsight/internal/source"
	"github.com/kalambet/hindsight/internal/storage"
)

// Delta describes what one upsert changed. It is the sole trigger for
// analysis enqueueing: a batch that changed nothing emits no event.
type Delta struct {
	ConversationID   string
	Created          bool
	MessagesAdded    int
	MessagesReplaced int
	MetadataChanged  bool
}

// Changed reports whether the upsert affected stored content.
func (d Delta) Changed() bool {
	return d.Created || d.MessagesAdded > 0 || d.MessagesReplaced > 0 || d.MetadataChanged
}

// ChangeHandler receives one change event per committed conversation.
type ChangeHandler func(ctx context.Context, d Delta)

// Embedder optionally refreshes a conversation's embedding after commit.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Provider() string
}

// Engine applies source batches to the store with at most one writer per
// conversation at a time.
type Engine struct {
	store    *storage.Store
	embedder Embedder // nil disables embedding refresh
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// handlers are set during wiring, before any Apply call.
	handlers []ChangeHandler
}

// NewEngine creates an upsert engine. embedder may be nil.
func NewEngine(store *storage.Store, embedder Embedder) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		locks:    make(map[string]*sync.Mutex),
		logger:   slog.Default(),
	}
}

// OnChange registers a handler invoked after each content-affecting commit.
func (e *Engine) OnChange(h ChangeHandler) {
	e.handlers = append(e.handlers, h)
}

func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	return mu
}

// Apply reconciles one normalized batch against the store. The conversation
// row, message diff, and search-index update commit in a single transaction;
// on any error nothing is written and no event is emitted.
func (e *Engine) Apply(ctx context.Context, provider source.Provider, batch source.Batch) (Delta, error) {
	if batch.Header.ExternalKey == "" {
		return Delta{}, fmt.Errorf("batch for provider %s has no external key", provider)
	}

	lockKey := string(provider) + "\x00" + batch.Header.ExternalKey
	mu := e.lockFor(lockKey)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Delta{}, err
	}

	existing, err := e.store.GetConversationByKey(string(provider), batch.Header.ExternalKey)
	created := err == storage.ErrNotFound
	if err != nil && !created {
		return Delta{}, fmt.Errorf("looking up conversation: %w", err)
	}

	conv, delta := e.mergeHeader(existing, created, provider, batch.Header)

	inserts, replacements, err := e.diffMessages(conv.ID, created, batch.Messages)
	if err != nil {
		return Delta{}, err
	}
	delta.MessagesAdded = len(inserts)
	delta.MessagesReplaced = len(replacements)

	existingCount := 0
	if !created {
		existingCount = existing.MessageCount
	}
	conv.MessageCount = existingCount + len(inserts)

	commit := storage.UpsertCommit{
		Conversation: conv,
		Created:      created,
		Inserts:      inserts,
		Replacements: replacements,
	}
	if delta.Changed() {
		commit.Reindex = true
		commit.Tokens, err = e.indexTokens(conv, created, batch.Messages)
		if err != nil {
			return Delta{}, err
		}
	}

	if err := e.store.ApplyUpsert(commit); err != nil {
		return Delta{}, fmt.Errorf("committing upsert for %s: %w", conv.ID, err)
	}

	if delta.Changed() {
		e.refreshEmbedding(ctx, conv, batch.Messages)
		for _, h := range e.handlers {
			h(ctx, delta)
		}
	}

	return delta, nil
}

// mergeHeader builds the conversation row to write. For existing rows the
// identifier and created timestamp are preserved and the updated timestamp
// never moves backwards.
func (e *Engine) mergeHeader(existing storage.Conversation, created bool, provider source.Provider, h source.ConversationHeader) (storage.Conversation, Delta) {
	now := time.Now().UTC()

	if created {
		createdAt := h.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		updatedAt := h.UpdatedAt
		if updatedAt.Before(createdAt) {
			updatedAt = createdAt
		}
		conv := storage.Conversation{
			ID:          uuid.New().String(),
			Provider:    string(provider),
			SourceKind:  provider.SourceKind(),
			ExternalKey: h.ExternalKey,
			Title:       h.Title,
			ProjectPath: h.ProjectPath,
			CreatedAt:   createdAt,
			UpdatedAt:   updatedAt,
			Summary:     h.Summary,
		}
		return conv, Delta{ConversationID: conv.ID, Created: true}
	}

	conv := existing
	delta := Delta{ConversationID: existing.ID}
	if h.Title != "" && h.Title != conv.Title {
		conv.Title = h.Title
		delta.MetadataChanged = true
	}
	if h.ProjectPath != "" && h.ProjectPath != conv.ProjectPath {
		conv.ProjectPath = h.ProjectPath
		delta.MetadataChanged = true
	}
	if h.Summary != "" && h.Summary != conv.Summary {
		conv.Summary = h.Summary
		delta.MetadataChanged = true
	}
	if h.UpdatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = h.UpdatedAt
	}
	return conv, delta
}

// diffMessages compares incoming messages against stored ones by ordering
// key. Unseen keys are appended; matching keys are replaced only when the
// content differs byte-for-byte; nothing is ever duplicated.
func (e *Engine) diffMessages(conversationID string, created bool, incoming []source.MessageRecord) (inserts, replacements []storage.Message, err error) {
	existing := make(map[storage.OrderingKey]storage.Message)
	if !created {
		stored, err := e.store.GetMessages(conversationID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading messages for %s: %w", conversationID, err)
		}
		for _, m := range stored {
			existing[m.Key()] = m
		}
	}

	seen := make(map[storage.OrderingKey]struct{}, len(incoming))
	for _, rec := range incoming {
		msg := storage.Message{
			ConversationID: conversationID,
			Role:           rec.Role,
			Content:        rec.Content,
			Timestamp:      rec.Timestamp.UTC(),
			Seq:            rec.Seq,
		}
		key := msg.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if stored, ok := existing[key]; ok {
			if stored.Content != msg.Content || stored.Role != msg.Role {
				msg.ID = stored.ID
				replacements = append(replacements, msg)
			}
			continue
		}
		msg.ID = uuid.New().String()
		inserts = append(inserts, msg)
	}

	sort.Slice(inserts, func(i, j int) bool {
		ki, kj := inserts[i].Key(), inserts[j].Key()
		if ki.TS != kj.TS {
			return ki.TS < kj.TS
		}
		return ki.Seq < kj.Seq
	})
	return inserts, replacements, nil
}

// indexTokens computes the replacement token set from the post-commit message
// state: stored messages merged with the incoming batch.
func (e *Engine) indexTokens(conv storage.Conversation, created bool, incoming []source.MessageRecord) ([]string, error) {
	contents := make(map[storage.OrderingKey]string)
	if !created {
		stored, err := e.store.GetMessages(conv.ID)
		if err != nil {
			return nil, fmt.Errorf("loading messages for index: %w", err)
		}
		for _, m := range stored {
			contents[m.Key()] = m.Content
		}
	}
	for _, rec := range incoming {
		key := storage.Message{Timestamp: rec.Timestamp, Seq: rec.Seq}.Key()
		contents[key] = rec.Content
	}

	list := make([]string, 0, len(contents))
	for _, c := range contents {
		list = append(list, c)
	}
	return search.IndexText(conv.Title, list), nil
}

// refreshEmbedding re-embeds the conversation preview after a content change.
// Best effort: failures are logged and never affect the committed upsert.
func (e *Engine) refreshEmbedding(ctx context.Context, conv storage.Conversation, msgs []source.MessageRecord) {
	if e.embedder == nil {
		return
	}

	preview := buildPreview(conv, msgs)
	if preview == "" {
		return
	}

	embedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	vec, err := e.embedder.Embed(embedCtx, preview)
	if err != nil {
		e.logger.Warn("embedding refresh failed", "conversation", conv.ID, "error", err)
		return
	}
	if err := e.store.SetConversationEmbedding(conv.ID, vec, e.embedder.Provider()); err != nil {
		e.logger.Warn("storing embedding failed", "conversation", conv.ID, "error", err)
	}
}

// buildPreview assembles a bounded text sample for embedding: title, summary,
// and leading message content.
func buildPreview(conv storage.Conversation, msgs []source.MessageRecord) string {
	const maxPreview = 4000

	var b strings.Builder
	b.WriteString(conv.Title)
	if conv.Summary != "" {
		b.WriteByte('\n')
		b.WriteString(conv.Summary)
	}
	for _, m := range msgs {
		if b.Len() >= maxPreview {
			break
		}
		b.WriteByte('\n')
		b.WriteString(m.Content)
	}
	s := b.String()
	if len(s) > maxPreview {
		s = s[:maxPreview]
	}
	return strings.TrimSpace(s)
}
