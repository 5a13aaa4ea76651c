// Package queue converts upsert change events into bounded-concurrency
// analysis work with retry and partial-failure isolation.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/hindsight/internal/analyzer"
	"github.com/kalambet/hindsight/internal/learning"
	"github.com/kalambet/hindsight/internal/storage"
	"github.com/kalambet/hindsight/internal/upsert"
)

// Options tune queue behavior.
type Options struct {
	Types       []string // analysis types to enqueue; default learning, workflow
	BatchSize   int
	Concurrency int
	MaxAttempts int
}

func (o *Options) applyDefaults() {
	if len(o.Types) == 0 {
		o.Types = []string{analyzer.TypeLearning, analyzer.TypeWorkflow}
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// ScanStats summarizes processed analysis work.
type ScanStats struct {
	Processed      int
	Completed      int
	Failed         int
	LearningsAdded int
	WorkflowsAdded int
}

func (s *ScanStats) add(other ScanStats) {
	s.Processed += other.Processed
	s.Completed += other.Completed
	s.Failed += other.Failed
	s.LearningsAdded += other.LearningsAdded
	s.WorkflowsAdded += other.WorkflowsAdded
}

// Queue schedules and dispatches analysis jobs. The claim step marks items
// in-progress atomically, so together with the store's active-item uniqueness
// at most one analysis per (conversation, type) is ever in flight.
type Queue struct {
	store     *storage.Store
	registry  *analyzer.Registry
	learnings *learning.Manager
	opts      Options
	logger    *slog.Logger
}

// New creates a queue dispatching to the registry's analyzers.
func New(store *storage.Store, registry *analyzer.Registry, learnings *learning.Manager, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		store:     store,
		registry:  registry,
		learnings: learnings,
		opts:      opts,
		logger:    slog.Default(),
	}
}

// OnChange is the upsert engine's change-event hook: it enqueues one item per
// configured analysis type for the changed conversation. Enqueue is
// idempotent while an item for the pair is pending or in progress.
func (q *Queue) OnChange(_ context.Context, d upsert.Delta) {
	batchID := uuid.New().String()
	for _, analysisType := range q.opts.Types {
		if _, err := q.store.EnqueueAnalysis(d.ConversationID, analysisType, batchID); err != nil {
			q.logger.Error("enqueue failed", "conversation", d.ConversationID, "type", analysisType, "error", err)
		}
	}
}

// ScanOnce claims and processes one batch of pending items, oldest first,
// with bounded concurrency. Per-item failures are recorded against the item
// and never abort the batch.
func (q *Queue) ScanOnce(ctx context.Context) (ScanStats, error) {
	var stats ScanStats

	items, err := q.store.ClaimAnalysisBatch(q.opts.Types, q.opts.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("claiming batch: %w", err)
	}
	if len(items) == 0 {
		return stats, nil
	}

	results := make([]ScanStats, len(items))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(q.opts.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = q.processItem(gCtx, item)
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		stats.add(r)
	}
	return stats, ctx.Err()
}

// Drain scans until no pending work remains or ctx is cancelled.
func (q *Queue) Drain(ctx context.Context) (ScanStats, error) {
	var total ScanStats
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		stats, err := q.ScanOnce(ctx)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.Processed == 0 {
			return total, nil
		}
	}
}

// Run polls for work until ctx is cancelled. Used by serve mode.
func (q *Queue) Run(ctx context.Context, poll time.Duration) {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	for {
		stats, err := q.ScanOnce(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("queue scan failed", "error", err)
		}
		if stats.Processed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

func (q *Queue) processItem(ctx context.Context, item storage.QueueItem) ScanStats {
	stats := ScanStats{Processed: 1}

	err := q.analyzeItem(ctx, item, &stats)
	if err != nil {
		stats.Failed = 1
		q.logger.Warn("analysis failed", "item", item.ID, "conversation", item.ConversationID,
			"type", item.Type, "attempt", item.Attempts+1, "error", err)
		if failErr := q.store.FailAnalysisItem(item.ID, err.Error(), q.opts.MaxAttempts); failErr != nil {
			q.logger.Error("failed to record item failure", "item", item.ID, "error", failErr)
		}
		return stats
	}

	if err := q.store.CompleteAnalysisItem(item.ID); err != nil {
		q.logger.Error("failed to complete item", "item", item.ID, "error", err)
	}
	stats.Completed = 1
	return stats
}

func (q *Queue) analyzeItem(ctx context.Context, item storage.QueueItem, stats *ScanStats) error {
	a, err := q.registry.Get(item.Type)
	if err != nil {
		return err
	}

	conv, err := q.store.GetConversation(item.ConversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	msgs, err := q.store.GetMessages(item.ConversationID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	candidates, err := a.Analyze(ctx, conv, msgs)
	if err != nil {
		return err
	}

	res, err := q.learnings.Accept(ctx, conv, candidates)
	if err != nil {
		return fmt.Errorf("accepting candidates: %w", err)
	}
	stats.LearningsAdded += res.LearningsAdded
	stats.WorkflowsAdded += res.WorkflowsAdded
	return nil
}

// Rescan clears all queue and learning state and re-enqueues every stored
// conversation. Used for recovery or after a model change.
func (q *Queue) Rescan(ctx context.Context) (int, error) {
	if err := q.store.ResetAnalysisState(); err != nil {
		return 0, fmt.Errorf("resetting analysis state: %w", err)
	}

	ids, err := q.store.AllConversationIDs()
	if err != nil {
		return 0, fmt.Errorf("listing conversations: %w", err)
	}

	batchID := uuid.New().String()
	enqueued := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		for _, analysisType := range q.opts.Types {
			inserted, err := q.store.EnqueueAnalysis(id, analysisType, batchID)
			if err != nil {
				return enqueued, fmt.Errorf("enqueueing %s/%s: %w", id, analysisType, err)
			}
			if inserted {
				enqueued++
			}
		}
	}
	return enqueued, nil
}

// ResetFailed returns failed items to pending so a later scan retries them.
func (q *Queue) ResetFailed() (int, error) {
	return q.store.ResetFailedAnalysis()
}
