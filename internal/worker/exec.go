package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// commandTimeout is the wall clock budget for one build command. Installs
// and builds each get their own budget.
const commandTimeout = 5 * time.Minute

// CommandRunner executes build commands through the shell, scanning stdout
// and stderr into a line callback as they arrive.
type CommandRunner struct {
	timeout time.Duration
}

// NewCommandRunner creates a runner with the standard 5-minute timeout.
func NewCommandRunner() *CommandRunner {
	return &CommandRunner{timeout: commandTimeout}
}

// Run executes command via `sh -c` in dir with the process environment plus
// extraEnv. Every output line, ANSI bytes included, is handed to onLine in
// arrival order per stream. On timeout the process gets SIGTERM, with a
// kill following if it lingers.
func (r *CommandRunner) Run(ctx context.Context, dir, command string, extraEnv map[string]string, onLine func(string)) error {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = mergeEnv(extraEnv)
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
		return fmt.Errorf("starting command: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, onLine)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, onLine)
	}()
	wg.Wait()

	err = cmd.Wait()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("Command timed out after %d minutes", int(r.timeout.Minutes()))
	}
	if err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// scanLines reads r line by line. bufio.Scanner caps line length, so this
// reads manually and stitches long lines back together.
func scanLines(r io.Reader, onLine func(string)) {
	reader := bufio.NewReader(r)
	var appending []byte

	for {
		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			return
		}

		// ReadLine's slice is only valid until the next call; a long line
		// gets copied out and accumulated until its final fragment lands.
		if isPrefix && appending == nil {
			appending = make([]byte, len(line), cap(line)*2)
			copy(appending, line)
			continue
		}

		if appending != nil {
			appending = append(appending, line...)
			if isPrefix {
				continue
			}
			line = appending
			appending = nil
		}

		onLine(string(line))
	}
}

// mergeEnv layers extra on top of the process environment. Keys are sorted
// so repeated runs see an identical environment order.
func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
