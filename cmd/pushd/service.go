package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pushdaemon/pushd/pkg/selfheal"
	"github.com/pushdaemon/pushd/pkg/status"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the daemon process lifecycle",
}

func newSupervisor() (*selfheal.Supervisor, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	paths, err := resolvePaths(cfg)
	if err != nil {
		return nil, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	return &selfheal.Supervisor{
		PIDFile:     paths.pidFile,
		VersionFile: paths.versionFile,
		DaemonArgs:  []string{"daemon", "run"},
		WorkDir:     home,
	}, nil
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon as a detached background process",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor()
		if err != nil {
			return err
		}
		if running, pid, err := s.IsRunning(); err != nil {
			return err
		} else if running {
			fmt.Printf("daemon already running (pid %d)\n", pid)
			return nil
		}
		if err := s.Start(Version); err != nil {
			return err
		}
		fmt.Println("daemon started")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor()
		if err != nil {
			return err
		}
		if err := s.Stop(); err != nil {
			return err
		}
		fmt.Println("daemon stopped")
		return nil
	},
}

var serviceEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Ensure the daemon is running and current",
	Long: `Ensure the daemon is running this binary's version: a no-op when it
already is, a restart when an older version is running, a start when none
is. Safe to call from login hooks and cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor()
		if err != nil {
			return err
		}
		return s.EnsureRunning(Version)
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's liveness and last status snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSupervisor()
		if err != nil {
			return err
		}
		running, pid, err := s.IsRunning()
		if err != nil {
			return err
		}
		if !running {
			fmt.Println("daemon: not running")
			return nil
		}
		version, err := s.RunningVersion()
		if err != nil {
			return err
		}
		fmt.Printf("daemon: running (pid %d, version %s)\n", pid, version)

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths, err := resolvePaths(cfg)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(paths.statusFile)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		var snap status.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("parsing status file: %w", err)
		}
		fmt.Printf("running tasks: %d/%d, completed today: %d (as of %s)\n",
			snap.Stats.Running, snap.Stats.MaxConcurrent,
			snap.Stats.CompletedTodayCount, snap.LastUpdated.Format("15:04:05"))
		for _, task := range snap.ActiveTasks {
			fmt.Printf("  #%d %s [%s]\n", task.DisplayNumber, task.Summary, task.Phase)
		}
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceEnsureCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}
