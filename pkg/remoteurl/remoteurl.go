// Package remoteurl normalizes source-control remote URLs into the
// `host/owner/repo` key form used by the project registry and the remote
// queue's git_remote filter. Every URL that participates in routing goes
// through Normalize, so the daemon, the registry CLI, and the server all
// agree on the key.
package remoteurl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var protocolPrefixes = []string{"https://", "http://", "ssh://git@", "git@"}

// Normalize strips the protocol prefix, converts scp-style `host:path`
// separators to `host/path`, and drops a trailing `.git`. It is idempotent:
// normalizing an already-normalized URL returns it unchanged.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	for _, prefix := range protocolPrefixes {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}
	if strings.Contains(s, ":") && !strings.Contains(s, "://") {
		s = strings.Replace(s, ":", "/", 1)
	}
	s = strings.TrimSuffix(s, ".git")
	return s
}

// FromDir resolves the normalized remote of the checkout at dir by asking
// git for the origin URL. Used in single-project mode to derive the
// git_remote filter from the current working directory.
func FromDir(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = dir
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("remoteurl: resolving origin in %s: %w (%s)", dir, err, strings.TrimSpace(errOut.String()))
	}
	return Normalize(out.String()), nil
}
