// Package registry implements the persistent remote-URL to local-checkout
// mapping used to route dispatched tasks to a filesystem location.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pushdaemon/pushd/pkg/pushlog"
	"github.com/pushdaemon/pushd/pkg/types"
)

const schemaVersion = 1

var logger = pushlog.WithComponent("registry")

// fileEntry is the on-disk shape of a ProjectRegistryEntry (the remote key
// lives in the parent map, not the struct, matching projects.json's shape).
type fileEntry struct {
	LocalPath    string    `json:"local_path"`
	RegisteredAt time.Time `json:"registered_at"`
	LastUsed     time.Time `json:"last_used"`
}

type file struct {
	Version        int                  `json:"version"`
	Projects       map[string]fileEntry `json:"projects"`
	DefaultProject string               `json:"default_project"`
}

// Registry is a file-backed store of ProjectRegistryEntry values, last-write
// wins on the backing file. It is safe for single-process, sequential use
// only; writers are short-lived foreground commands, never the daemon loop.
type Registry struct {
	path string
}

// New returns a Registry backed by the given file path, or
// ~/.config/push/projects.json if path is empty.
func New(path string) (*Registry, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user config dir: %w", err)
		}
		path = filepath.Join(dir, "push", "projects.json")
	}
	return &Registry{path: path}, nil
}

func (r *Registry) load() (file, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file{Version: schemaVersion, Projects: map[string]fileEntry{}}, nil
		}
		return file{}, fmt.Errorf("reading registry file: %w", err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return file{}, fmt.Errorf("parsing registry file: %w", err)
	}
	if f.Projects == nil {
		f.Projects = map[string]fileEntry{}
	}
	return f, nil
}

func (r *Registry) save(f file) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing temp registry file: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Register creates or updates the entry for remote, setting LastUsed to
// now. If there is no default project yet, this entry becomes the default.
// Returns true if this was a new registration.
func (r *Registry) Register(remote, localPath string) (bool, error) {
	f, err := r.load()
	if err != nil {
		return false, err
	}
	now := time.Now()
	_, existed := f.Projects[remote]
	entry := f.Projects[remote]
	entry.LocalPath = localPath
	entry.LastUsed = now
	if !existed {
		entry.RegisteredAt = now
	}
	f.Projects[remote] = entry

	if f.DefaultProject == "" {
		f.DefaultProject = remote
	}
	f.Version = schemaVersion

	if err := r.save(f); err != nil {
		return false, err
	}
	return !existed, nil
}

// Resolve looks up remote's local path, updating LastUsed. Returns "", false
// if unregistered.
func (r *Registry) Resolve(remote string) (string, bool, error) {
	f, err := r.load()
	if err != nil {
		return "", false, err
	}
	entry, ok := f.Projects[remote]
	if !ok {
		return "", false, nil
	}
	entry.LastUsed = time.Now()
	f.Projects[remote] = entry
	if err := r.save(f); err != nil {
		return "", false, err
	}
	return entry.LocalPath, true, nil
}

// Peek looks up remote's local path without updating LastUsed.
func (r *Registry) Peek(remote string) (string, bool, error) {
	f, err := r.load()
	if err != nil {
		return "", false, err
	}
	entry, ok := f.Projects[remote]
	if !ok {
		return "", false, nil
	}
	return entry.LocalPath, true, nil
}

// List returns all registered entries, sorted by remote key for stable
// output.
func (r *Registry) List() ([]types.ProjectRegistryEntry, error) {
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	remotes := make([]string, 0, len(f.Projects))
	for remote := range f.Projects {
		remotes = append(remotes, remote)
	}
	sort.Strings(remotes)

	out := make([]types.ProjectRegistryEntry, 0, len(remotes))
	for _, remote := range remotes {
		e := f.Projects[remote]
		out = append(out, types.ProjectRegistryEntry{
			Remote:       remote,
			LocalPath:    e.LocalPath,
			RegisteredAt: e.RegisteredAt,
			LastUsed:     e.LastUsed,
		})
	}
	return out, nil
}

// Count returns the number of registered projects.
func (r *Registry) Count() (int, error) {
	f, err := r.load()
	if err != nil {
		return 0, err
	}
	return len(f.Projects), nil
}

// IsRegistered reports whether remote has a registry entry.
func (r *Registry) IsRegistered(remote string) (bool, error) {
	f, err := r.load()
	if err != nil {
		return false, err
	}
	_, ok := f.Projects[remote]
	return ok, nil
}

// Unregister removes remote's entry. If it was the default, an arbitrary
// remaining entry (the lexicographically first) becomes the new default.
func (r *Registry) Unregister(remote string) error {
	f, err := r.load()
	if err != nil {
		return err
	}
	delete(f.Projects, remote)
	if f.DefaultProject == remote {
		f.DefaultProject = ""
		for candidate := range f.Projects {
			if f.DefaultProject == "" || candidate < f.DefaultProject {
				f.DefaultProject = candidate
			}
		}
	}
	return r.save(f)
}

// Rename changes a registry entry's remote-URL key while preserving its
// LocalPath, timestamps, and default status. Used when a repository is
// transferred or renamed upstream.
func (r *Registry) Rename(oldRemote, newRemote string) error {
	f, err := r.load()
	if err != nil {
		return err
	}
	entry, ok := f.Projects[oldRemote]
	if !ok {
		return fmt.Errorf("registry: %q is not registered", oldRemote)
	}
	delete(f.Projects, oldRemote)
	f.Projects[newRemote] = entry
	if f.DefaultProject == oldRemote {
		f.DefaultProject = newRemote
	}
	return r.save(f)
}

// SetDefault marks remote as the default project. remote must already be
// registered.
func (r *Registry) SetDefault(remote string) error {
	f, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := f.Projects[remote]; !ok {
		return fmt.Errorf("registry: %q is not registered", remote)
	}
	f.DefaultProject = remote
	return r.save(f)
}

// GetDefault returns the default project's remote key and local path, or
// ok=false if no default is set.
func (r *Registry) GetDefault() (remote, localPath string, ok bool, err error) {
	f, err := r.load()
	if err != nil {
		return "", "", false, err
	}
	if f.DefaultProject == "" {
		return "", "", false, nil
	}
	entry, exists := f.Projects[f.DefaultProject]
	if !exists {
		return "", "", false, nil
	}
	return f.DefaultProject, entry.LocalPath, true, nil
}

// InvalidEntry describes a registry entry whose local path is missing,
// not a directory, or lacks a source-control marker.
type InvalidEntry struct {
	Remote string
	Reason string
}

// Validate reports entries whose LocalPath does not exist, is not a
// directory, or has no .git marker. It never mutates the registry.
func (r *Registry) Validate() ([]InvalidEntry, error) {
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	var invalid []InvalidEntry
	for remote, entry := range f.Projects {
		info, statErr := os.Stat(entry.LocalPath)
		switch {
		case statErr != nil:
			invalid = append(invalid, InvalidEntry{Remote: remote, Reason: "path does not exist"})
		case !info.IsDir():
			invalid = append(invalid, InvalidEntry{Remote: remote, Reason: "path is not a directory"})
		default:
			if _, err := os.Stat(filepath.Join(entry.LocalPath, ".git")); err != nil {
				invalid = append(invalid, InvalidEntry{Remote: remote, Reason: "no source-control marker (.git)"})
			}
		}
	}
	sort.Slice(invalid, func(i, j int) bool { return invalid[i].Remote < invalid[j].Remote })
	if len(invalid) > 0 {
		logger.Warn().Int("count", len(invalid)).Msg("registry validation found invalid entries")
	}
	return invalid, nil
}
