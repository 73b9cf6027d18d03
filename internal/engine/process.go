package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	pidFileName     = "server.pid"
	stopGracePeriod = 300 * time.Millisecond
	portFreeTimeout = 5 * time.Second
	startupGrace    = 2 * time.Second
	healthTimeout   = 15 * time.Second
	healthInterval  = 500 * time.Millisecond
	installTimeout  = 5 * time.Minute
)

// stopProcess terminates the app recorded in the project's pidfile: SIGTERM,
// a short grace period, then SIGKILL. A missing pidfile or a dead process is
// not an error.
func stopProcess(projectDir string) error {
	pidPath := filepath.Join(projectDir, pidFileName)
	data, err := os.ReadFile(pidPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		os.Remove(pidPath)
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err == nil {
		time.Sleep(stopGracePeriod)
		if processAlive(pid) {
			syscall.Kill(pid, syscall.SIGKILL)
		}
	}

	os.Remove(pidPath)
	return nil
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// waitPortFree polls until nothing accepts connections on port. A refused
// connection means the port is free.
func waitPortFree(port int, timeout time.Duration) error {
	addr := fmt.Sprintf("localhost:%d", port)
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 150*time.Millisecond)
		if err != nil {
			return nil
		}
		conn.Close()
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d still in use after %s", port, timeout)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// startProcess launches argv detached from the engine, wires its output into
// onLine, and records the pid in the project's pidfile. The process outlives
// engine restarts.
func startProcess(projectDir, workDir string, argv, env []string, onLine func(string)) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scanInto(stdout, onLine) }()
	go func() { defer wg.Done(); scanInto(stderr, onLine) }()
	go func() {
		// Reap after the output drains so the process never zombies.
		wg.Wait()
		cmd.Wait()
	}()

	pid := cmd.Process.Pid
	pidPath := filepath.Join(projectDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return pid, fmt.Errorf("failed to write pidfile: %w", err)
	}
	return pid, nil
}

// runStreamed runs argv in dir and feeds every output line to onLine.
func runStreamed(ctx context.Context, dir string, argv, env []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scanInto(stdout, onLine) }()
	go func() { defer wg.Done(); scanInto(stderr, onLine) }()
	wg.Wait()

	return cmd.Wait()
}

func scanInto(r io.Reader, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		onLine(sc.Text())
	}
}

// healthCheck polls the app until it answers with any status below 500.
func healthCheck(ctx context.Context, port int, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://localhost:%d", port)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		time.Sleep(healthInterval)
	}
	return fmt.Errorf("health check timed out after %s", timeout)
}

// processEnv builds the app environment: the engine's own env, the project's
// variables, with NODE_ENV and PORT pinned last.
func processEnv(envVars map[string]string, port int) []string {
	env := os.Environ()
	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+envVars[k])
	}
	return append(env, "NODE_ENV=production", "PORT="+strconv.Itoa(port))
}
