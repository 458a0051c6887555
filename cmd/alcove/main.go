package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alcovelabs/alcove/internal/config"
	"github.com/alcovelabs/alcove/internal/logging"
	"github.com/alcovelabs/alcove/internal/runs"
	"github.com/alcovelabs/alcove/internal/sandbox"
	"github.com/alcovelabs/alcove/internal/spaces"
	"github.com/alcovelabs/alcove/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var envFileFlag string

var rootCmd = &cobra.Command{
	Use:     "alcove",
	Short:   "Alcove - policy-governed execution spaces",
	Long:    `Alcove provisions isolated container-backed spaces and executes batched operations against them under a per-space policy`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the alcove daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Alcove %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", "", "path to an env file loaded before startup")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon() {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "alcove"})

	cfg, err := config.Load(envFileFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "alcove"})

	log.Info().
		Str("version", Version).
		Str("workspace_base", cfg.WorkspaceBaseDir).
		Str("base_image", cfg.SandboxBaseImage).
		Msg("Starting alcove daemon")

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	factory, err := sandbox.NewFactory(sandbox.FactoryConfig{
		BaseImage:        cfg.SandboxBaseImage,
		WorkspaceBaseDir: cfg.WorkspaceBaseDir,
		MemoryBytes:      cfg.SandboxMemoryBytes(),
		NanoCPUs:         cfg.SandboxNanoCPUs(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to container runtime")
	}
	defer factory.Close()

	manager := spaces.NewManager(st, func(ctx context.Context, spaceID string, networkEnabled bool) (spaces.Sandbox, error) {
		return factory.Create(ctx, spaceID, networkEnabled)
	})

	runService := runs.NewService(st, manager)
	if err := runService.RecoverInterrupted(); err != nil {
		log.Error().Err(err).Msg("Failed to recover interrupted runs")
	}

	reaper := spaces.NewReaper(manager)
	reaper.Start()

	if watcher, err := config.NewWatcher(cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
	} else if watcher != nil {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		} else {
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics listener started")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Daemon error")
	}

	log.Info().Msg("Shutting down")
	reaper.Stop()

	teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Shutdown(teardownCtx)
}
