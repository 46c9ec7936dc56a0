package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/reid-catalog/internal/web"
	"github.com/kozaktomas/reid-catalog/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the catalog server",
	Long: `Start the reid-catalog HTTP server.

Tracker cycles are accepted on POST /api/v1/cycles and on the /api/v1/stream
websocket. Committed catalog changes are broadcast on /api/v1/events.
On shutdown pending rows are flushed, the identity index is saved and a
snapshot is written when SNAPSHOT_LOCATION is set.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// resolveServeHostPort applies --port and --host over the configuration.
func resolveServeHostPort(cmd *cobra.Command, rt *runtime) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		rt.cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		rt.cfg.Web.Host = host
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	resolveServeHostPort(cmd, rt)

	engine, err := rt.engine()
	if err != nil {
		return err
	}
	idx := rt.index()
	broadcaster := handlers.NewEventBroadcaster()
	proc := rt.processor(engine, idx, broadcaster, true, true)

	server := web.NewServer(rt.cfg, web.Dependencies{
		Processor:   proc,
		Index:       idx,
		Reader:      rt.backend,
		Broadcaster: broadcaster,
		Logger:      rt.logger,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		rt.logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			rt.logger.Error("error during shutdown", "error", err)
		}
	}()

	fmt.Printf("Starting reid-catalog on http://%s:%d\n", rt.cfg.Web.Host, rt.cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	serveErr := server.Start()
	if serveErr != nil {
		cancel()
	}
	// Start returns as soon as shutdown begins; wait until open streams are
	// closed and their cycles have finished before the final flush.
	<-shutdownDone

	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer finishCancel()
	if err := proc.Flush(finishCtx); err != nil {
		rt.logger.Error("failed to flush pending rows", "pending", proc.Stats().PendingRows, "error", err)
	}
	if err := rt.saveIndex(idx); err != nil {
		rt.logger.Warn("failed to save identity index", "error", err)
	}
	if err := rt.saveSnapshot(finishCtx); err != nil {
		rt.logger.Error("failed to save snapshot", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("starting server: %w", serveErr)
	}
	return nil
}
