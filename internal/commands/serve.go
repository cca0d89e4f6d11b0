package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clanforge/timekeep/internal/audit"
	"github.com/clanforge/timekeep/internal/broadcast"
	"github.com/clanforge/timekeep/internal/clock"
	"github.com/clanforge/timekeep/internal/config"
	"github.com/clanforge/timekeep/internal/db"
	"github.com/clanforge/timekeep/internal/identity"
	"github.com/clanforge/timekeep/internal/ledger"
	"github.com/clanforge/timekeep/internal/request"
	"github.com/clanforge/timekeep/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the time tracking engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(cmd.Context(), configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the yaml config file")
}

func runServe(ctx context.Context, configPath string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	dbPath, err := cfg.DatabaseLocation()
	if err != nil {
		return fmt.Errorf("resolve database path: %w", err)
	}
	handle, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close(handle)

	clk := clock.Real()
	bus := broadcast.New(logger, clk)
	sink := audit.NewStore(handle, logger)
	led := ledger.New(handle, clk, logger, bus, sink)
	requests := request.New(handle, clk, logger, bus, sink, led)
	resolver := identity.NewStatic(cfg.Tokens)
	srv := server.New(handle, clk, logger, bus, requests, led, resolver, resolver)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Seed the member cache so authority checks see the directory
	// before any client has authenticated.
	if count, err := srv.RefreshMembers(ctx); err != nil {
		logger.Warn("initial member refresh failed", "error", err)
	} else {
		logger.Info("member cache seeded", "members", count)
	}

	go bus.Run(ctx)
	go sweepLoop(ctx, clk, cfg.SweepInterval.Std(), requests, logger)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		bus.Close()
	}()

	logger.Info("timekeep serving", "listen", cfg.Listen, "database", dbPath)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sweepLoop periodically flips expired pending requests. Lazy expiry
// on the read path is authoritative; this keeps listings converging
// even with no traffic.
func sweepLoop(ctx context.Context, clk clock.Clock, interval time.Duration, requests *request.Manager, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flipped, err := requests.SweepExpired(ctx)
			if err != nil {
				logger.Warn("expiry sweep failed", "error", err)
				continue
			}
			if flipped > 0 {
				logger.Info("expiry sweep", "flipped", flipped)
			}
		}
	}
}
