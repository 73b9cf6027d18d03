package worker

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// GitClient fetches repository sources. The seam keeps runner tests off the
// network and off the git binary.
type GitClient interface {
	Clone(ctx context.Context, cloneURL, dest string, onLine func(string)) error
}

type execGit struct {
	timeout time.Duration
}

// NewGitClient returns the git-binary-backed client.
func NewGitClient() GitClient {
	return &execGit{timeout: commandTimeout}
}

// Clone runs a shallow clone of cloneURL into dest. Output lines go to
// onLine; callers scrub credentials there, since git echoes the remote URL
// in its progress and error output. The returned error never contains the
// URL.
func (g *execGit) Clone(ctx context.Context, cloneURL, dest string, onLine func(string)) error {
	cloneCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", cloneURL, dest)
	// Fail on missing credentials instead of hanging on a prompt.
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("piping stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting git: %w", err)
	}

	done := make(chan struct{})
	go func() {
		scanLines(stdout, onLine)
		close(done)
	}()
	scanLines(stderr, onLine)
	<-done

	if err := cmd.Wait(); err != nil {
		if cloneCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("clone timed out after %s", g.timeout)
		}
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}
