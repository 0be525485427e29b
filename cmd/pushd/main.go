package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pushdaemon/pushd/pkg/config"
	"github.com/pushdaemon/pushd/pkg/pushlog"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pushd",
	Short: "pushd - task execution daemon for the push queue",
	Long: `pushd bridges the remote push task queue with the coding assistant
installed on this machine. It polls for queued work items, claims them
atomically against other machines, isolates each task in a fresh git
worktree, and supervises the assistant process running against it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pushd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to daemon config file (default ~/.config/push/daemon.yaml if present)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	pushlog.Init(pushlog.Config{
		Level:      pushlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig resolves the effective configuration: the --config flag if
// given, else ~/.config/push/daemon.yaml if it exists, else defaults only.
func loadConfig() (*config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	if path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			candidate := filepath.Join(dir, "push", "daemon.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	return config.Load(path)
}

// runtimePaths are the daemon's pid/version/status file locations, from
// config overrides or their ~/.push defaults.
type runtimePaths struct {
	pidFile     string
	versionFile string
	statusFile  string
}

func resolvePaths(cfg *config.Config) (runtimePaths, error) {
	p := runtimePaths{
		pidFile:     cfg.PIDFile,
		versionFile: cfg.VersionFile,
		statusFile:  cfg.StatusFile,
	}
	if p.pidFile != "" && p.versionFile != "" && p.statusFile != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return runtimePaths{}, fmt.Errorf("resolving home directory: %w", err)
	}
	base := filepath.Join(home, ".push")
	if p.pidFile == "" {
		p.pidFile = filepath.Join(base, "daemon.pid")
	}
	if p.versionFile == "" {
		p.versionFile = filepath.Join(base, "daemon.version")
	}
	if p.statusFile == "" {
		p.statusFile = filepath.Join(base, "daemon_status.json")
	}
	return p, nil
}
