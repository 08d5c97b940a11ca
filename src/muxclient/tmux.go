// Package muxclient wraps an external terminal multiplexer binary
// (tmux-compatible CLI) as the one process the Backend Adapter (src/backend)
// and Reconciler (src/reconciler) need to drive muxed sessions: create a
// detached session, list live sessions by name, query a pane's cwd, and
// kill a session. Every call shells out via os/exec — there is no
// persistent control connection, matching how the teacher's
// TerminalSession treats any external process as "a command plus its
// arguments" rather than a stateful client library.
package muxclient

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Client drives an external multiplexer binary.
type Client struct {
	bin string
}

// New returns a Client for the given multiplexer binary ("tmux" by default).
func New(bin string) *Client {
	if bin == "" {
		bin = "tmux"
	}
	return &Client{bin: bin}
}

// Available reports whether the multiplexer binary can be found and
// invoked. Used by the Reconciler (§4.H) and the health endpoint (§6.1).
func (c *Client) Available(ctx context.Context) bool {
	_, err := exec.LookPath(c.bin)
	if err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, c.bin, "list-sessions")
	// tmux exits non-zero when there are no sessions at all; that still
	// proves the binary runs, so only a lookup failure counts as unavailable.
	_ = cmd.Run()
	return true
}

// NewDetachedSession creates a new detached multiplexer session with the
// given name and starting working directory.
func (c *Client) NewDetachedSession(ctx context.Context, name, cwd string, cols, rows int) error {
	args := []string{"new-session", "-d", "-s", name, "-x", itoa(cols), "-y", itoa(rows)}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	out, err := exec.CommandContext(ctx, c.bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("create mux session %q: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HasSession reports whether a multiplexer session with the given name is
// currently live.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	err := exec.CommandContext(ctx, c.bin, "has-session", "-t", name).Run()
	return err == nil
}

// ListSessions returns the names of all live multiplexer sessions whose
// name carries the given reserved prefix (§4.H step 2).
func (c *Client) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	out, err := exec.CommandContext(ctx, c.bin, "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		// No sessions at all is reported as a non-zero exit by tmux; treat
		// it as an empty list rather than an error.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if prefix == "" || strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// PaneCwd queries the current working directory of a session's first pane,
// used by the Reconciler to synthesize workspace_path for adopted orphans
// (§4.H step 3).
func (c *Client) PaneCwd(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, c.bin, "display-message", "-p", "-t", name, "#{pane_current_path}").Output()
	if err != nil {
		return "", fmt.Errorf("query pane cwd for %q: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// KillSession terminates a multiplexer session. Idempotent: killing an
// absent session is not an error.
func (c *Client) KillSession(ctx context.Context, name string) error {
	if !c.HasSession(ctx, name) {
		return nil
	}
	if err := exec.CommandContext(ctx, c.bin, "kill-session", "-t", name).Run(); err != nil {
		return fmt.Errorf("kill mux session %q: %w", name, err)
	}
	return nil
}

// AttachCommand returns the command and arguments that, run inside a PTY,
// attach to the given multiplexer session (§4.A attach_mux).
func (c *Client) AttachCommand(name string) (string, []string) {
	return c.bin, []string{"attach-session", "-t", name}
}

func itoa(n int) string {
	if n <= 0 {
		return "80"
	}
	return fmt.Sprintf("%d", n)
}
