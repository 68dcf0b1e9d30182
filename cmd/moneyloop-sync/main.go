package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/backend"
	"github.com/SamSnead85/moneyloop-sub004/internal/config"
	"github.com/SamSnead85/moneyloop-sub004/internal/engine"
	"github.com/SamSnead85/moneyloop-sub004/internal/logging"
	"github.com/SamSnead85/moneyloop-sub004/internal/netmon"
	"github.com/SamSnead85/moneyloop-sub004/internal/server"
	"github.com/SamSnead85/moneyloop-sub004/internal/state"
	"github.com/SamSnead85/moneyloop-sub004/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "run"
	if len(args) > 0 {
		cmd = args[0]
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	appState, err := openState(cfg)
	if err != nil {
		return err
	}
	defer appState.Close()

	switch cmd {
	case "run":
		return runDaemon(cfg, appState, logger)
	case "status":
		return printStatus(os.Stdout, appState)
	case "requeue", "discard":
		if len(args) != 2 {
			return fmt.Errorf("usage: moneyloop-sync %s <entry-id>", cmd)
		}

		return resolveEntry(appState, cmd, args[1], logger)
	case "reset":
		if err := appState.Reset(); err != nil {
			return fmt.Errorf("resetting state: %w", err)
		}

		logger.Info("local sync state wiped")

		return nil
	}

	return fmt.Errorf("unknown command %q (want run, status, requeue, discard or reset)", cmd)
}

// loadConfig validates backend settings only for the daemon; the
// maintenance commands work on the state file alone.
func loadConfig(cmd string) (*config.Config, error) {
	if cmd == "run" {
		return config.Load()
	}

	return config.LoadLocal()
}

func openState(cfg *config.Config) (*state.State, error) {
	var (
		s   *state.State
		err error
	)

	if cfg.StatePath != "" {
		s, err = state.LoadAt(cfg.StatePath)
	} else {
		s, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return s, nil
}

// runDaemon runs the sync engine until SIGINT or SIGTERM.
func runDaemon(cfg *config.Config, appState *state.State, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "moneyloop-sync",
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, err = appState.DeviceID()
		if err != nil {
			return err
		}
	}

	logger.Info("moneyloop-sync starting",
		slog.String("version", Version),
		slog.String("device", deviceID),
		slog.Bool("realtime", cfg.RealtimeURL != ""),
	)

	client := backend.NewClient(cfg.BackendURL, cfg.BackendToken, nil)

	var feed engine.ChangeFeed
	if cfg.RealtimeURL != "" {
		wsFeed := backend.NewFeed(cfg.RealtimeURL, cfg.BackendToken, logger)
		feed = engine.DialFunc(func(ctx context.Context, scope, device string) (engine.FeedConn, error) {
			conn, err := wsFeed.Dial(ctx, scope, device)
			if err != nil {
				return nil, err
			}

			return conn, nil
		})
	}

	monitor := netmon.New(netmon.Options{
		HealthURL:     cfg.HealthURL,
		ProbeInterval: cfg.ProbeInterval,
		SignalFile:    cfg.ConnectivityFile,
		// Without any source the daemon assumes it is online and relies on
		// write failures to queue.
		InitialOnline: cfg.HealthURL == "" && cfg.ConnectivityFile == "",
	}, logger)

	eng := engine.New(appState, client, feed, monitor, cfg.EngineConfig(deviceID), logger)

	unsubscribe := eng.OnStateChange(func(s engine.Status) {
		logger.Debug("sync status",
			slog.Bool("online", s.IsOnline),
			slog.Bool("syncing", s.IsSyncing),
			slog.Int("pending", s.PendingActions),
			slog.Int("devices", s.ConnectedDevices),
			slog.String("last_error", s.LastError),
		)
	})
	defer unsubscribe()

	var ln net.Listener
	if cfg.ControlAddr != "" {
		ln, err = net.Listen("tcp", cfg.ControlAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.ControlAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := eng.Run(gctx, cfg.ScopeID); err != nil {
			return fmt.Errorf("sync engine: %w", err)
		}

		return nil
	})

	if ln != nil {
		mux := server.NewMux(server.MuxConfig{Engine: eng, Logger: logger, Token: cfg.ControlToken})

		g.Go(func() error { return server.Serve(gctx, ln, mux, logger) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("moneyloop-sync stopped")

	return nil
}

func printStatus(w io.Writer, appState *state.State) error {
	pending, err := appState.PendingCount()
	if err != nil {
		return err
	}

	dead, err := appState.DeadLetters()
	if err != nil {
		return err
	}

	last, err := appState.LastSyncAt()
	if err != nil {
		return err
	}

	cursors, err := appState.Cursors()
	if err != nil {
		return err
	}

	lastStr := "never"
	if !last.IsZero() {
		lastStr = last.Format(time.RFC3339)
	}

	fmt.Fprintf(w, "last sync:    %s\n", lastStr)
	fmt.Fprintf(w, "pending:      %d\n", pending)
	fmt.Fprintf(w, "dead-letters: %d\n", len(dead))

	for _, c := range cursors {
		fmt.Fprintf(w, "cursor %-12s %s\n", c.EntityType, c.LastSyncedAt.Format(time.RFC3339Nano))
	}

	for _, e := range dead {
		fmt.Fprintf(w, "  #%d %s %s/%s retries=%d error=%q\n",
			e.ID, e.Action, e.EntityType, e.RecordID, e.RetryCount, e.LastError)
	}

	return nil
}

func resolveEntry(appState *state.State, cmd, rawID string, logger *slog.Logger) error {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entry id %q", rawID)
	}

	if cmd == "requeue" {
		err = appState.Requeue(id)
	} else {
		err = appState.Discard(id)
	}

	if err != nil {
		return fmt.Errorf("%s entry %d: %w", cmd, id, err)
	}

	logger.Info("outbox entry updated", slog.String("action", cmd), slog.Uint64("id", id))

	return nil
}
