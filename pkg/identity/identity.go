// Package identity produces and persists a stable machine identifier.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pushdaemon/pushd/pkg/pushlog"
	"github.com/pushdaemon/pushd/pkg/types"
)

var logger = pushlog.WithComponent("identity")

// Store persists the machine id to a file under the user's config
// directory. The zero value is not usable; construct with New.
type Store struct {
	path string
}

// New returns a Store backed by ~/.config/push/machine_id, or the explicit
// path if non-empty (used by tests).
func New(path string) (*Store, error) {
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "machine_id")
	}
	return &Store{path: path}, nil
}

func configDir() (string, error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(cfg, "push"), nil
}

// Identity returns this machine's stable id and current hostname. On first
// call it generates and persists a new id; subsequent calls return the
// stored value. A failure to persist is logged but never prevents returning
// a usable identity for the current process.
func (s *Store) Identity() (types.MachineIdentity, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	id, err := s.load()
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", s.path).Msg("failed to read machine id, regenerating")
		}
		id, genErr := generate(hostname)
		if genErr != nil {
			return types.MachineIdentity{}, genErr
		}
		if saveErr := s.save(id); saveErr != nil {
			logger.Warn().Err(saveErr).Str("path", s.path).Msg("failed to persist machine id")
		}
		return types.MachineIdentity{MachineID: id, MachineName: hostname}, nil
	}

	return types.MachineIdentity{MachineID: id, MachineName: hostname}, nil
}

// Reset deletes the persisted machine id. Only used by tests.
func (s *Store) Reset() error {
	err := os.Remove(s.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", os.ErrNotExist
	}
	return id, nil
}

func (s *Store) save(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(s.path, []byte(id+"\n"), 0o600)
}

func generate(hostname string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating machine id suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s", hostname, hex.EncodeToString(buf)), nil
}
