package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkemper/steward/internal/backend/claude"
	"github.com/dkemper/steward/internal/bus"
	"github.com/dkemper/steward/internal/config"
	"github.com/dkemper/steward/internal/netutil"
	"github.com/dkemper/steward/internal/orchestrator"
	"github.com/dkemper/steward/internal/realtime"
	"github.com/dkemper/steward/internal/store"
	"github.com/dkemper/steward/internal/watcher"
)

func serveCmd() *cobra.Command {
	var (
		listenAddr string
		dir        string
		dbPath     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the steward server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), listenAddr, dir, dbPath)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Address to listen on (overrides settings)")
	cmd.Flags().StringVar(&dir, "dir", ".", "Workspace directory")
	cmd.Flags().StringVar(&dbPath, "db", "", "Path to the turn database (overrides settings)")
	return cmd
}

func runServe(ctx context.Context, listenAddr, dir, dbPath string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(dir, log)
	if err != nil {
		return err
	}
	settings := cfg.Settings()
	if listenAddr == "" {
		listenAddr = settings.ListenAddr
	}
	if dbPath == "" {
		dbPath = settings.DatabasePath
	}

	st, err := store.Open(dbPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	b := bus.New()
	defer b.Close()
	st.Attach(b)

	orch := orchestrator.New(orchestrator.Deps{
		Log:         log,
		Backend:     claude.New(claude.Deps{Log: log, Model: settings.Model}),
		Env:         cfg,
		ToolServers: cfg,
		Sink: func(sessionID string, ev orchestrator.Event) {
			b.PublishSync(bus.SessionEvent{SessionID: sessionID, Event: ev})
		},
	})
	defer orch.Cleanup()

	rt := realtime.New(realtime.Deps{
		Log:        log,
		Controller: orch,
		Bus:        b,
	})
	defer rt.Close()

	fw, err := watcher.New(cfg.Dir(), settings.Watcher.Ignore, rt.BroadcastWorkspaceChange, log)
	if err != nil {
		return err
	}
	defer fw.Close()

	ln, err := netutil.Listen(listenAddr, settings.Tailscale)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: rt.Handler()}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", ln.Addr().String(), "dir", cfg.Dir())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return nil
}
