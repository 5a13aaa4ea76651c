package source

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns file-system change notifications under CLI log roots into
// debounced per-provider sync triggers. Events are coalesced so a burst of
// appends produces a single trigger per provider.
type Watcher struct {
	roots    map[Provider]string
	debounce time.Duration
	onChange func(Provider)
	logger   *slog.Logger
}

// NewWatcher creates a watcher over the given provider → log-root mapping.
// onChange is invoked (from the watcher goroutine) after the debounce window
// closes for a provider.
func NewWatcher(roots map[Provider]string, debounce time.Duration, onChange func(Provider)) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		roots:    roots,
		debounce: debounce,
		onChange: onChange,
		logger:   slog.Default(),
	}
}

// Run watches until ctx is cancelled. Missing roots are skipped; new
// subdirectories are added to the watch as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dirOwner := make(map[string]Provider)
	for provider, root := range w.roots {
		if err := w.addTree(fsw, dirOwner, provider, root); err != nil {
			w.logger.Warn("skipping watch root", "provider", provider, "root", root, "error", err)
		}
	}

	pending := make(map[Provider]bool)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			provider, ok := w.ownerOf(dirOwner, event.Name)
			if !ok {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, dirOwner, provider, event.Name); err != nil {
						w.logger.Warn("watching new directory failed", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			if len(pending) == 0 {
				timer.Reset(w.debounce)
			}
			pending[provider] = true

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			for provider := range pending {
				w.onChange(provider)
			}
			clear(pending)
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dirOwner map[string]Provider, provider Provider, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			return err
		}
		dirOwner[path] = provider
		return nil
	})
}

func (w *Watcher) ownerOf(dirOwner map[string]Provider, name string) (Provider, bool) {
	dir := filepath.Dir(name)
	if p, ok := dirOwner[dir]; ok {
		return p, true
	}
	if p, ok := dirOwner[name]; ok {
		return p, true
	}
	return "", false
}
