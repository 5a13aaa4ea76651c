package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/hindsight/internal/api"
	"github.com/kalambet/hindsight/internal/source"
)

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with background sync and analysis",
	Long: `Run the HTTP API server. CLI log directories are watched and synced on
change, and the analysis queue is drained continuously. Requires
HINDSIGHT_API_TOKEN to be set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The signal context is installed before wiring so in-flight sync
		// passes are bounded by shutdown, not by any one trigger.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		a, err := buildApp(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.HTTP.Token == "" {
			return fmt.Errorf("HINDSIGHT_API_TOKEN must be set to serve the API")
		}

		handler := api.NewHandler(api.Deps{
			Store:     a.store,
			Search:    a.search,
			Syncer:    a.syncer,
			Learnings: a.learnings,
			Token:     a.cfg.HTTP.Token,
		})

		addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.HTTP.Port)
		srv := &http.Server{
			Addr:    addr,
			Handler: handler,
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		}

		// Initial pass so a fresh server starts from current state.
		go func() {
			if _, err := a.syncer.SyncAll(ctx, false); err != nil && ctx.Err() == nil {
				slog.Error("initial sync failed", "error", err)
			}
		}()

		// Watch CLI log roots and sync a provider when its logs change.
		if len(a.cfg.Sync.CLIRoots) > 0 {
			watcher := source.NewWatcher(a.cfg.Sync.CLIRoots, 2*time.Second, func(p source.Provider) {
				if _, err := a.syncer.SyncOne(ctx, p, false); err != nil && ctx.Err() == nil {
					slog.Error("watch-triggered sync failed", "provider", p, "error", err)
				}
			})
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					slog.Error("watcher stopped", "error", err)
				}
			}()
		}

		// Background analysis loop.
		go a.queue.Run(ctx, a.cfg.Analysis.PollInterval)

		errCh := make(chan error, 1)
		go func() {
			fmt.Fprintf(os.Stdout, "hindsight listening on %s\n", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stdout, "shutting down...")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
