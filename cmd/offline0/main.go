package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"offline0/internal/logging"
	"offline0/internal/offline0"
)

var configPath string

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "offline0",
		Short:         "Offline-first caching proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the proxy (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "install [version]",
			Short: "Install and activate a cache version, then exit",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runInstall,
		},
		&cobra.Command{
			Use:   "versions",
			Short: "List stored cache versions",
			Args:  cobra.NoArgs,
			RunE:  runVersions,
		},
		&cobra.Command{
			Use:   "gc",
			Short: "Delete every stored version except the configured one",
			Args:  cobra.NoArgs,
			RunE:  runGC,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "offline0:", err)
		os.Exit(1)
	}
}

func setup() (offline0.Config, *slog.Logger, error) {
	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		return offline0.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return offline0.Config{}, nil, err
	}
	logger := logging.New(os.Stderr, level, logging.Format(cfg.Logging.Format))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	svc, err := offline0.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("offline0 listening", "addr", addr, "origin", cfg.Server.Origin, "storage", cfg.Storage.Kind)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	if err := svc.Start(ctx); err != nil {
		logger.Warn("cache version not installed, serving with what is available", "version", cfg.Cache.Version, "active", svc.Lifecycle().ActiveVersion(), "error", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	version := cfg.Cache.Version
	if len(args) == 1 {
		version = args[0]
	}

	svc, err := offline0.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx := cmd.Context()
	if err := svc.Lifecycle().Install(ctx, version); err != nil {
		return err
	}
	if svc.Lifecycle().WaitingVersion() == version {
		if err := svc.Lifecycle().Activate(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", version)
	return nil
}

func runVersions(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	svc, err := offline0.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	infos, err := svc.Store().Versions(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tCREATED\tINSTALLED\tCONFIGURED")
	for _, info := range infos {
		installed := "-"
		if info.Ready() {
			installed = info.ReadyTime().Format(time.RFC3339)
		}
		configured := ""
		if info.Name == cfg.Cache.Version {
			configured = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, time.Unix(0, info.CreatedAt).UTC().Format(time.RFC3339), installed, configured)
	}
	return tw.Flush()
}

func runGC(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	svc, err := offline0.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx := cmd.Context()
	versions, err := svc.Store().ListVersions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, v := range versions {
		if v == cfg.Cache.Version {
			continue
		}
		if err := svc.Store().DeleteAll(ctx, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", v, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", v)
	}
	return errors.Join(errs...)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
