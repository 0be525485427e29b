package selfheal

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRunningFalseWhenNoPIDFile(t *testing.T) {
	dir := t.TempDir()
	s := &Supervisor{PIDFile: filepath.Join(dir, "daemon.pid")}
	running, _, err := s.IsRunning()
	require.NoError(t, err)
	require.False(t, running)
}

func TestIsRunningTrueForCurrentProcess(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "daemon.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600))

	s := &Supervisor{PIDFile: pidFile}
	running, pid, err := s.IsRunning()
	require.NoError(t, err)
	require.True(t, running)
	require.Equal(t, os.Getpid(), pid)
}

func TestIsRunningFalseForDeadPID(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "daemon.pid")
	// PID 1 is reserved/init; use a very high, almost certainly unused one.
	require.NoError(t, os.WriteFile(pidFile, []byte("999999"), 0o600))

	s := &Supervisor{PIDFile: pidFile}
	running, _, err := s.IsRunning()
	require.NoError(t, err)
	require.False(t, running)
}

func TestStartWithMissingBinaryReturnsErrNotInstalled(t *testing.T) {
	dir := t.TempDir()
	s := &Supervisor{
		PIDFile:     filepath.Join(dir, "daemon.pid"),
		VersionFile: filepath.Join(dir, "daemon.version"),
		DaemonPath:  filepath.Join(dir, "does-not-exist"),
	}
	err := s.Start("1.0.0")
	require.ErrorIs(t, err, ErrNotInstalled)
}

func TestEnsureRunningStartsWhenNotRunning(t *testing.T) {
	dir := t.TempDir()
	fakeDaemon := filepath.Join(dir, "fake-daemon")
	require.NoError(t, os.WriteFile(fakeDaemon, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	s := &Supervisor{
		PIDFile:     filepath.Join(dir, "daemon.pid"),
		VersionFile: filepath.Join(dir, "daemon.version"),
		DaemonPath:  fakeDaemon,
		WorkDir:     dir,
	}
	require.NoError(t, s.EnsureRunning("1.0.0"))

	running, pid, err := s.IsRunning()
	require.NoError(t, err)
	require.True(t, running)

	proc, _ := os.FindProcess(pid)
	_ = proc.Kill()
}

func TestEnsureRunningIsNoOpWhenCurrentVersionMatches(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "daemon.pid")
	versionFile := filepath.Join(dir, "daemon.version")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600))
	require.NoError(t, os.WriteFile(versionFile, []byte("1.0.0"), 0o600))

	s := &Supervisor{PIDFile: pidFile, VersionFile: versionFile}
	require.NoError(t, s.EnsureRunning("1.0.0"))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}
