// Package syncer coordinates per-provider sync passes: discovery, fetch with
// retry, commit-ordered cursor advancement, and single-flight guarantees.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/hindsight/internal/source"
	"github.com/kalambet/hindsight/internal/upsert"
)

// DescriptorError records one failed unit of work within a pass.
type DescriptorError struct {
	Descriptor string
	Kind       string
	Err        string
}

// ProviderStats summarizes one provider's pass.
type ProviderStats struct {
	Provider       source.Provider
	Created        int
	Updated        int
	Unchanged      int
	Failed         int
	SessionExpired bool
	Errors         []DescriptorError
}

// Stats aggregates all providers of a pass.
type Stats struct {
	Providers map[source.Provider]*ProviderStats
	// Errors holds provider-level pass failures. A provider can carry both
	// partial stats and an error, e.g. a discovery failure mid-pass.
	Errors map[source.Provider]error
}

// Totals sums created/updated/failed across providers.
func (s Stats) Totals() (created, updated, failed int) {
	for _, ps := range s.Providers {
		created += ps.Created
		updated += ps.Updated
		failed += ps.Failed
	}
	return
}

// Progress is a coalesced progress report for one provider's pass.
type Progress struct {
	Provider source.Provider
	Done     int
	Total    int
}

// ProgressFunc observes pass progress. Called from the pass goroutine.
type ProgressFunc func(Progress)

// CursorStore persists per-provider cursors. Satisfied by *storage.Store.
type CursorStore interface {
	GetCursor(provider string) (string, error)
	SetCursor(provider, cursor string) error
	ClearCursor(provider string) error
}

// Upserter hands normalized batches to the dedup engine.
// Satisfied by *upsert.Engine.
type Upserter interface {
	Apply(ctx context.Context, provider source.Provider, batch source.Batch) (upsert.Delta, error)
}

// Options tune retry and concurrency behavior.
type Options struct {
	MaxRetries          int           // transient retries per descriptor
	RetryBackoff        time.Duration // base backoff, doubled per attempt
	ProviderConcurrency int           // concurrent provider passes in SyncAll
	Progress            ProgressFunc  // optional
	// BaseContext bounds in-flight passes. A pass is shared by every caller
	// that joins it, so it must not inherit any single caller's cancellation.
	// Nil means context.Background().
	BaseContext context.Context
}

// Orchestrator drives sync passes. Concurrent requests for the same provider
// are coalesced onto the in-flight pass and share its result.
type Orchestrator struct {
	adapters map[source.Provider]source.Adapter
	cursors  CursorStore
	upserter Upserter
	opts     Options
	flight   singleflight.Group
	logger   *slog.Logger
}

// New creates an orchestrator over the given adapters.
func New(adapters map[source.Provider]source.Adapter, cursors CursorStore, upserter Upserter, opts Options) *Orchestrator {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.ProviderConcurrency <= 0 {
		opts.ProviderConcurrency = 4
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	return &Orchestrator{
		adapters: adapters,
		cursors:  cursors,
		upserter: upserter,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// SyncAll runs one pass over every enabled provider. Provider passes run
// concurrently and independently; a provider-level failure does not abort the
// others. With zero enabled providers the result is empty but successful.
func (o *Orchestrator) SyncAll(ctx context.Context, force bool) (Stats, error) {
	stats := Stats{
		Providers: make(map[source.Provider]*ProviderStats),
		Errors:    make(map[source.Provider]error),
	}

	providers := make([]source.Provider, 0, len(o.adapters))
	for p := range o.adapters {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	results := make([]*ProviderStats, len(providers))
	errs := make([]error, len(providers))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.ProviderConcurrency)
	for i, p := range providers {
		g.Go(func() error {
			ps, err := o.SyncOne(gCtx, p, force)
			results[i] = ps
			errs[i] = err
			return nil
		})
	}
	g.Wait()

	var firstErr error
	for i, p := range providers {
		if results[i] != nil {
			stats.Providers[p] = results[i]
		}
		if errs[i] != nil {
			stats.Errors[p] = errs[i]
			if firstErr == nil {
				firstErr = fmt.Errorf("provider %s: %w", p, errs[i])
			}
		}
	}
	return stats, firstErr
}

// SyncOne runs (or joins) the pass for a single provider. While a pass for
// the provider is in flight, additional calls await its result instead of
// starting a duplicate pass. The pass runs on BaseContext, not the first
// caller's context: callers that joined it would otherwise fail when the
// initiating request is cancelled mid-pass.
func (o *Orchestrator) SyncOne(_ context.Context, provider source.Provider, force bool) (*ProviderStats, error) {
	v, err, _ := o.flight.Do(string(provider), func() (any, error) {
		return o.runPass(o.opts.BaseContext, provider, force)
	})
	if v == nil {
		return nil, err
	}
	return v.(*ProviderStats), err
}

func (o *Orchestrator) runPass(ctx context.Context, provider source.Provider, force bool) (*ProviderStats, error) {
	adapter, ok := o.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", provider)
	}

	stats := &ProviderStats{Provider: provider}

	cursor, err := o.loadCursor(provider, force)
	if err != nil {
		return nil, err
	}

	descriptors, err := adapter.Discover(ctx)
	if err != nil {
		// Discovery failure aborts the provider's pass; there is nothing to
		// isolate at the descriptor level yet.
		return stats, fmt.Errorf("discover: %w", err)
	}

	total := len(descriptors)
	step := progressStep(total)

	for i, desc := range descriptors {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batches, fragment, err := o.fetchWithRetry(ctx, adapter, desc, cursor[desc.Key])
		switch {
		case errors.Is(err, source.ErrNotModified):
			stats.Unchanged++
			o.reportProgress(provider, i+1, total, step)
			continue
		case err != nil && source.KindOf(err) == source.KindSessionExpired:
			// Re-authentication required; the rest of the pass would fail the
			// same way, and this is not counted as a sync failure.
			stats.SessionExpired = true
			stats.Errors = append(stats.Errors, descErr(desc, err))
			o.logger.Warn("session expired, stopping provider pass", "provider", provider)
			return stats, nil
		case err != nil:
			stats.Failed++
			stats.Errors = append(stats.Errors, descErr(desc, err))
			o.logger.Warn("descriptor failed", "provider", provider, "descriptor", desc.Key, "error", err)
			o.reportProgress(provider, i+1, total, step)
			continue
		}

		committed := true
		for _, batch := range batches {
			delta, err := o.upserter.Apply(ctx, provider, batch)
			if err != nil {
				stats.Failed++
				stats.Errors = append(stats.Errors, descErr(desc, err))
				o.logger.Warn("upsert failed", "provider", provider, "descriptor", desc.Key, "error", err)
				committed = false
				break
			}
			switch {
			case delta.Created:
				stats.Created++
			case delta.Changed():
				stats.Updated++
			default:
				stats.Unchanged++
			}
		}

		// Cursor advancement is strictly ordered after the confirmed commit:
		// a failed descriptor is re-fetched on the next pass.
		if committed {
			cursor[desc.Key] = fragment
			if err := o.saveCursor(provider, cursor); err != nil {
				return stats, fmt.Errorf("saving cursor: %w", err)
			}
		}

		o.reportProgress(provider, i+1, total, step)
	}

	return stats, nil
}

func (o *Orchestrator) fetchWithRetry(ctx context.Context, adapter source.Adapter, desc source.Descriptor, fragment string) ([]source.Batch, string, error) {
	var lastErr error
	backoff := o.opts.RetryBackoff

	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		batches, newFragment, err := adapter.Fetch(ctx, desc, fragment)
		if err == nil || errors.Is(err, source.ErrNotModified) {
			return batches, newFragment, err
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if source.KindOf(err) != source.KindTransient {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}

// loadCursor decodes the provider's cursor into its per-descriptor fragments.
// On force the stored cursor is cleared first so every descriptor refetches.
func (o *Orchestrator) loadCursor(provider source.Provider, force bool) (map[string]string, error) {
	if force {
		if err := o.cursors.ClearCursor(string(provider)); err != nil {
			return nil, fmt.Errorf("clearing cursor: %w", err)
		}
		return make(map[string]string), nil
	}

	raw, err := o.cursors.GetCursor(string(provider))
	if err != nil {
		return nil, fmt.Errorf("loading cursor: %w", err)
	}
	cursor := make(map[string]string)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
			// A corrupt cursor degrades to a full resync rather than failing.
			o.logger.Warn("discarding unreadable cursor", "provider", provider, "error", err)
			cursor = make(map[string]string)
		}
	}
	return cursor, nil
}

func (o *Orchestrator) saveCursor(provider source.Provider, cursor map[string]string) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return o.cursors.SetCursor(string(provider), string(raw))
}

// progressStep coalesces reports to every N items: a fixed floor of 10 or 5%
// of the total, whichever is larger.
func progressStep(total int) int {
	step := total / 20
	if step < 10 {
		step = 10
	}
	return step
}

func (o *Orchestrator) reportProgress(provider source.Provider, done, total, step int) {
	if o.opts.Progress == nil {
		return
	}
	if done%step == 0 || done == total {
		o.opts.Progress(Progress{Provider: provider, Done: done, Total: total})
	}
}

func descErr(desc source.Descriptor, err error) DescriptorError {
	return DescriptorError{
		Descriptor: desc.Key,
		Kind:       source.KindOf(err).String(),
		Err:        err.Error(),
	}
}
