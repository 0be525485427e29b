// Package credentials resolves the API key used to authenticate against the
// remote task queue. It never caches the resolved value: every call
// re-reads the environment and config file so a key rotated on disk takes
// effect on the daemon's next poll without a restart.
package credentials

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const envVar = "PUSH_API_KEY"

// ErrNoCredential is returned when neither the environment nor the config
// file yields an API key.
var ErrNoCredential = fmt.Errorf("credentials: no %s found in environment or config", envVar)

// Store resolves an API key from, in order: the PUSH_API_KEY environment
// variable, then an `export PUSH_API_KEY="..."` line in a config file.
type Store struct {
	configPath string
}

// New returns a Store reading the given config file path, or
// ~/.config/push/config if path is empty.
func New(path string) (*Store, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user config dir: %w", err)
		}
		path = filepath.Join(dir, "push", "config")
	}
	return &Store{configPath: path}, nil
}

// APIKey resolves the current API key, preferring the environment variable
// over the config file.
func (s *Store) APIKey() (string, error) {
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}

	key, err := s.fromConfigFile()
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", ErrNoCredential
	}
	return key, nil
}

// fromConfigFile scans the config file for a line of the shape
// `export PUSH_API_KEY="value"` (quotes optional). A missing file is not an
// error; it simply yields no key.
func (s *Store) fromConfigFile() (string, error) {
	f, err := os.Open(s.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("opening credential config: %w", err)
	}
	defer f.Close()

	prefix := "export " + envVar + "="
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		value := strings.TrimPrefix(line, prefix)
		value = strings.Trim(value, `"'`)
		if value != "" {
			return value, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading credential config: %w", err)
	}
	return "", nil
}
