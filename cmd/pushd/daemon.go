package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pushdaemon/pushd/pkg/apiclient"
	"github.com/pushdaemon/pushd/pkg/config"
	"github.com/pushdaemon/pushd/pkg/credentials"
	"github.com/pushdaemon/pushd/pkg/dispatcher"
	"github.com/pushdaemon/pushd/pkg/identity"
	"github.com/pushdaemon/pushd/pkg/metrics"
	"github.com/pushdaemon/pushd/pkg/pushlog"
	"github.com/pushdaemon/pushd/pkg/registry"
	"github.com/pushdaemon/pushd/pkg/remoteurl"
	"github.com/pushdaemon/pushd/pkg/status"
	"github.com/pushdaemon/pushd/pkg/worktree"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and inspect the task execution daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon loop in the foreground",
	Long: `Run the dispatcher loop in the foreground until SIGINT/SIGTERM.
This is the process the service commands start detached; run it directly
for debugging.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		singleProject, _ := cmd.Flags().GetBool("single-project")
		if singleProject {
			cfg.Mode = config.ModeSingleProject
		}
		return runDaemon(cfg)
	},
}

func init() {
	daemonRunCmd.Flags().Bool("single-project", false, "Service only the project in the current working directory")
	daemonCmd.AddCommand(daemonRunCmd)
}

func runDaemon(cfg *config.Config) error {
	logFile := cfg.Log.File
	if logFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			logFile = filepath.Join(home, ".push", "daemon.log")
		}
	}
	pushlog.Init(pushlog.Config{
		Level:      pushlog.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSONOutput,
		LogFile:    logFile,
	})
	logger := pushlog.WithComponent("daemon")

	paths, err := resolvePaths(cfg)
	if err != nil {
		return err
	}

	creds, err := credentials.New("")
	if err != nil {
		return err
	}
	if _, err := creds.APIKey(); err != nil {
		// Not fatal: the daemon keeps polling so a key added later takes
		// effect, but tell the operator now.
		logger.Warn().Err(err).Msg("no API credential configured; set PUSH_API_KEY or add it to the push config file")
	}

	idStore, err := identity.New("")
	if err != nil {
		return err
	}
	reg, err := registry.New("")
	if err != nil {
		return err
	}
	statusW, err := status.New(paths.statusFile)
	if err != nil {
		return err
	}

	var singlePath, singleRepo string
	if cfg.Mode == config.ModeSingleProject {
		singlePath, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		singleRepo, err = remoteurl.FromDir(context.Background(), singlePath)
		if err != nil {
			return fmt.Errorf("single-project mode requires a git checkout with an origin remote: %w", err)
		}
	}

	d := dispatcher.New(dispatcher.Deps{
		Config:            cfg,
		API:               apiclient.New(cfg.BaseURL, creds),
		Registry:          reg,
		Identity:          idStore,
		Worktrees:         worktree.New(),
		Status:            statusW,
		Version:           Version,
		SingleProjectPath: singlePath,
		SingleProjectRepo: singleRepo,
	})

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen)
		metricsServer.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", Version).Str("mode", string(cfg.Mode)).Msg("daemon starting")
	d.Run(ctx)
	logger.Info().Msg("daemon shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = metricsServer.Stop(shutdownCtx)
	}

	// Clean shutdown: drop the pid, version, and status files so the
	// self-heal supervisor and monitor see a stopped daemon, not a stale one.
	for _, path := range []string{paths.pidFile, paths.versionFile} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to remove runtime file")
		}
	}
	if err := statusW.Remove(); err != nil {
		logger.Warn().Err(err).Msg("failed to remove status file")
	}
	return nil
}
