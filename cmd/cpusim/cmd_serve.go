package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/VerteraIO/cpusim/internal/config"
	"github.com/VerteraIO/cpusim/internal/controlplane/dispatch"
	"github.com/VerteraIO/cpusim/internal/controlplane/engine"
	"github.com/VerteraIO/cpusim/internal/controlplane/stores"
	grpccontroller "github.com/VerteraIO/cpusim/internal/grpc/controller"
	httpserver "github.com/VerteraIO/cpusim/internal/http"
	v1 "github.com/VerteraIO/cpusim/internal/http/v1"
	"github.com/VerteraIO/cpusim/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation engine with its HTTP API and gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr))
		},
	}
	cmd.Flags().String("config", "", "Path to YAML config file")
	return cmd
}

// newEngine builds an engine from the simulation settings and seeds it.
// base supplies the injected dependencies (Rand, Now, NewID, Logger, Dispatch).
func newEngine(s config.SimulationConfig, base engine.Config) *engine.Engine {
	base.TickPeriod = s.TickPeriod
	base.HistorySize = s.HistorySize
	base.ShareNoise = s.ShareNoise
	base.MemoryNoise = s.MemoryNoise
	base.StartPaused = !s.Autostart
	eng := engine.New(base)
	for i := 0; i < s.SeedUnits; i++ {
		eng.CreateUnit(engine.CreateOptions{})
	}
	return eng
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	seed := uint64(time.Now().UnixNano())
	eng := newEngine(cfg.Simulation, engine.Config{
		Rand:     rand.New(rand.NewPCG(seed, seed>>1|1)),
		Logger:   logger,
		Dispatch: dispatch.NewManager(0),
	})
	logger.Info("engine ready", "units", len(eng.ListUnits()), "tick_period", cfg.Simulation.TickPeriod, "running", eng.SimulationRunning())

	deps := v1.Deps{
		Engine:   eng,
		TokenTTL: cfg.Auth.TokenTTL,
		Logger:   logger,
	}
	if cfg.Auth.Enabled() {
		deps.JWTSecret = []byte(cfg.Auth.JWTSecret)
	}

	if cfg.Store.Path != "" {
		st, err := stores.Open(ctx, cfg.Store.Path, logger)
		if err != nil {
			return fmt.Errorf("opening tick archive: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Warn("closing tick archive", "err", err)
			}
		}()
		ch, cancel := eng.Subscribe()
		defer cancel()
		go st.Run(ctx, ch)
		deps.Store = st
		logger.Info("tick archive enabled", "path", cfg.Store.Path)
	}

	eng.Start(ctx)
	defer eng.Shutdown()

	errCh := make(chan error, 2)

	if cfg.GRPC.Enabled {
		creds, err := grpccontroller.ServerCredentials(cfg.GRPC)
		if err != nil {
			return err
		}
		var opts []grpc.ServerOption
		if creds != nil {
			opts = append(opts, grpc.Creds(creds))
		}
		gs := grpccontroller.New(eng, logger, opts...)
		go func() {
			if err := gs.Run(ctx, cfg.GRPC.Addr); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpserver.NewServer(deps),
		ReadHeaderTimeout: 10 * time.Second,
		// Open event streams end with the server context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("cpusim listening", "addr", cfg.HTTP.Addr, "auth", cfg.Auth.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}
