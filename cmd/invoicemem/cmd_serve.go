package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/invoicemem/internal/engine"
	"github.com/scrypster/invoicemem/internal/inbox"
	"github.com/scrypster/invoicemem/internal/server"
	"github.com/scrypster/invoicemem/pkg/types"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		Long: `Serve exposes the pipeline on INVOICEMEM_HOST:INVOICEMEM_PORT and, unless
INVOICEMEM_DECAY_INTERVAL_HOURS is 0, runs decay maintenance on that
interval. Decisions are pushed to websocket subscribers on /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a)
			})
		},
	}
}

// serve blocks until ctx is cancelled and the HTTP server has drained.
func serve(ctx context.Context, a *app) error {
	srv, err := server.New(a.cfg, a.pipeline, a.backend)
	if err != nil {
		return err
	}

	var scheduler *engine.DecayScheduler
	if hours := a.cfg.Server.DecayIntervalHours; hours > 0 {
		scheduler, err = engine.NewDecayScheduler(a.pipeline, time.Duration(hours)*time.Hour)
		if err != nil {
			return err
		}
		scheduler.SetOnRun(func(updates []types.MemoryUpdate) {
			if len(updates) > 0 {
				srv.Hub().Publish(server.Event{Type: server.EventDecay, Data: updates})
			}
		})
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
	}

	addr, err := srv.Start(ctx)
	if err != nil {
		if scheduler != nil {
			_ = scheduler.Shutdown(context.Background())
		}
		return err
	}

	var watcher *inbox.Watcher
	if dir := a.cfg.Server.InboxPath; dir != "" {
		watcher = inbox.NewWatcher(dir, inboxHandler(ctx, a))
		if err := watcher.Start(); err != nil {
			log.Printf("Inbox disabled: %v", err)
			watcher = nil
		}
	}
	log.Printf("invoicemem listening on http://%s (storage: %s)", addr, a.cfg.Storage.StorageEngine)

	<-ctx.Done()
	log.Println("Shutting down gracefully...")

	if watcher != nil {
		watcher.Stop()
	}
	<-srv.Done()
	if scheduler != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error stopping decay maintenance: %v", err)
		}
	}
	return nil
}

// inboxHandler runs every invoice of one inbox file through the pipeline and
// persists the result. The file fails when any invoice cannot be processed.
// A file in progress is finished even when shutdown has begun.
func inboxHandler(ctx context.Context, a *app) inbox.Handler {
	ctx = context.WithoutCancel(ctx)
	return func(name string, invoices []*types.Invoice) error {
		var failed int
		for _, inv := range invoices {
			out, err := a.pipeline.Process(ctx, inv, nil)
			if err != nil && out == nil {
				log.Printf("inbox: %s: invoice %q: %v", name, inv.InvoiceNumber, err)
				failed++
				continue
			}
			if err != nil {
				log.Printf("inbox: %s: %v", name, err)
			}
		}
		if _, err := a.pipeline.Flush(ctx); err != nil {
			return fmt.Errorf("failed to persist memory: %w", err)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d invoices failed", failed, len(invoices))
		}
		return nil
	}
}
