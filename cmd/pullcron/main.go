// Command pullcron drives the media ingestion pipeline: channel
// scanning, media URL resolution, download, and optional delivery
// upload, wired together and run either as a long-running automated
// loop (until SIGINT/SIGTERM) or inspected via the config subcommands. The cobra root command plus
// signal-driven graceful shutdown is adapted from the donor's
// cmd/webstalk/main.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lakshaybot/pullcron/internal/automation"
	"github.com/lakshaybot/pullcron/internal/config"
	"github.com/lakshaybot/pullcron/internal/dashboard"
	"github.com/lakshaybot/pullcron/internal/delivery"
	"github.com/lakshaybot/pullcron/internal/download"
	"github.com/lakshaybot/pullcron/internal/fetch"
	"github.com/lakshaybot/pullcron/internal/logging"
	"github.com/lakshaybot/pullcron/internal/pipeline"
	"github.com/lakshaybot/pullcron/internal/scanner"
	"github.com/lakshaybot/pullcron/internal/session"
	"github.com/lakshaybot/pullcron/internal/solver"
	"github.com/lakshaybot/pullcron/internal/store"
)

var version = "dev"

// postPathMarker matches the path segment preceding a post's opaque
// id. The target site's exact markup is out of scope; this pattern
// covers the common "/post/<id>" and "/video/<id>" shapes.
var postPathMarker = regexp.MustCompile(`/(?:post|video)/([A-Za-z0-9_-]+)`)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "pullcron",
		Short: "Channel scanning and media ingestion pipeline",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	root.AddCommand(newAutomatedCmd(), newVersionCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			fmt.Println("configuration valid")
			return nil
		},
	})
	return cmd
}

func newAutomatedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "automated",
		Short: "Start the automation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAutomated()
		},
	}
}

func runAutomated() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.DownloadDir, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	db, err := store.Open(cfg.ConnectionStr)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	solverClient := solver.New(cfg.Solver.URL, cfg.Solver.RequestTimeout, logger)
	sessionMgr := session.New(solverClient, cfg.Session.TTL(), logger)
	fetcher := fetch.New(sessionMgr, solverClient, logger, 2)

	chScanner := scanner.New(fetcher, logger, postPathMarker)
	downloadEngine := download.New(cfg.DownloadDir, fetcher, db, logger)

	var uploader pipeline.Uploader
	if cfg.Delivery.Enabled() {
		uploader = delivery.New(cfg.DownloadDir, cfg.Delivery.BaseURL, cfg.Delivery.Token, cfg.Delivery.ChatID, db, logger)
	}

	orchestrator := pipeline.New(cfg.Concurrency.Downloads, cfg.Concurrency.Uploads, downloadEngine, uploader, logger)

	renderer := dashboard.NewRenderer(os.Stdout)
	orchestrator.OnSnapshot(renderer.Render)

	loop := automation.New(db, chScanner, fetcher, orchestrator, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	orchestrator.Start(ctx)

	if cfg.Delivery.Enabled() {
		pendingUploads, err := db.GetDownloadedNotUploadedPosts(ctx)
		if err != nil {
			logger.Warn("failed to resume pending uploads", "error", err)
		} else if len(pendingUploads) > 0 {
			logger.Info("resuming uploads from a prior run", "count", len(pendingUploads))
			orchestrator.EnqueueUploads(pendingUploads)
		}
	}

	logger.Info("automation loop starting")
	loop.Run(ctx)

	orchestrator.Stop()
	sessionMgr.Shutdown(context.Background())

	logger.Info("shutdown complete")
	return nil
}
