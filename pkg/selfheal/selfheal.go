// Package selfheal is the external entrypoint that ensures the daemon
// process is alive and running the expected version. It has no
// dependency on the dispatcher itself: it only knows how to read/write a
// pid file, probe liveness, and spawn a detached daemon process.
package selfheal

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pushdaemon/pushd/pkg/pushlog"
)

var logger = pushlog.WithComponent("selfheal")

// Supervisor manages the daemon process lifecycle from outside the
// daemon itself (CLI entrypoints, cron, login hooks).
type Supervisor struct {
	PIDFile     string
	VersionFile string
	// DaemonPath is the binary to exec when starting the daemon. Defaults
	// to the currently running executable (os.Executable()).
	DaemonPath string
	// DaemonArgs are appended after DaemonPath, e.g. []string{"daemon", "run"}.
	DaemonArgs []string
	// WorkDir is the working directory for the spawned daemon process.
	WorkDir string
}

// IsRunning reads the pid file and probes the process with signal 0. A
// missing pid file, unparseable contents, or a dead process all report
// false without error.
func (s *Supervisor) IsRunning() (bool, int, error) {
	data, err := os.ReadFile(s.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("selfheal: reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, 0, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, 0, nil
	}
	return true, pid, nil
}

// RunningVersion reads the recorded version of the currently running
// daemon, or "" if no version file exists.
func (s *Supervisor) RunningVersion() (string, error) {
	data, err := os.ReadFile(s.VersionFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("selfheal: reading version file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Start launches the daemon as a detached process in a new session,
// writing the pid and version files. If DaemonPath is missing entirely
// (the distribution is not installed on this machine), Start returns
// ErrNotInstalled and the caller should treat that as a silent no-op.
func (s *Supervisor) Start(version string) error {
	daemonPath := s.DaemonPath
	if daemonPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("selfheal: resolving current executable: %w", err)
		}
		daemonPath = exe
	}
	if _, err := os.Stat(daemonPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotInstalled
		}
		return fmt.Errorf("selfheal: checking daemon binary: %w", err)
	}

	cmd := exec.Command(daemonPath, s.DaemonArgs...)
	cmd.Dir = s.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("selfheal: starting daemon: %w", err)
	}
	// Read the pid before Release, which resets it to -1.
	pid := cmd.Process.Pid
	// Detach: the daemon outlives this process, so we do not Wait() on it.
	if err := cmd.Process.Release(); err != nil {
		logger.Warn().Err(err).Msg("failed to release daemon process handle")
	}

	if err := s.writePID(pid); err != nil {
		return err
	}
	if err := s.writeVersion(version); err != nil {
		return err
	}
	return nil
}

// Stop sends SIGTERM to the recorded pid and removes the pid file. Not
// finding a pid file is not an error.
func (s *Supervisor) Stop() error {
	running, pid, err := s.IsRunning()
	if err != nil {
		return err
	}
	if !running {
		err := os.Remove(s.PIDFile)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("selfheal: finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("selfheal: signaling process %d: %w", pid, err)
	}

	err = os.Remove(s.PIDFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EnsureRunning is idempotent: a no-op if the daemon is already running the
// expected version; restarts it if running an outdated version; starts it
// if not running at all.
func (s *Supervisor) EnsureRunning(expectedVersion string) error {
	running, _, err := s.IsRunning()
	if err != nil {
		return err
	}

	if running {
		current, err := s.RunningVersion()
		if err != nil {
			return err
		}
		if current == expectedVersion {
			return nil
		}
		logger.Info().Str("from", current).Str("to", expectedVersion).Msg("restarting daemon for version change")
		if err := s.Stop(); err != nil {
			return err
		}
	}

	err = s.Start(expectedVersion)
	if err == ErrNotInstalled {
		logger.Info().Msg("daemon binary not installed on this machine, skipping")
		return nil
	}
	return err
}

func (s *Supervisor) writePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(s.PIDFile), 0o700); err != nil {
		return fmt.Errorf("selfheal: creating pid file directory: %w", err)
	}
	return os.WriteFile(s.PIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

func (s *Supervisor) writeVersion(version string) error {
	if err := os.MkdirAll(filepath.Dir(s.VersionFile), 0o700); err != nil {
		return fmt.Errorf("selfheal: creating version file directory: %w", err)
	}
	return os.WriteFile(s.VersionFile, []byte(version+"\n"), 0o600)
}

// ErrNotInstalled is returned by Start when the daemon binary does not
// exist on this machine; callers should treat it as a silent no-op.
var ErrNotInstalled = fmt.Errorf("selfheal: daemon is not installed on this machine")
