//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const (
	binaryName     = "tagsyncd"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the tagsyncd binary and runs its commands against a
// private configuration and state directory.
type Harness struct {
	t          *testing.T
	binary     string
	workDir    string
	configPath string
	stateDir   string
	env        []string
}

// NewHarness creates a new test harness rooted in a temporary directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	workDir := t.TempDir()
	return &Harness{
		t:          t,
		workDir:    workDir,
		configPath: filepath.Join(workDir, "config", "config.yaml"),
		stateDir:   filepath.Join(workDir, "state"),
		env:        []string{"GITHUB_TOKEN=integration-token"},
	}
}

// BuildBinary compiles tagsyncd into the harness work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, binaryName)
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/tagsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// StatePath returns the TOML state file used by the harness configuration
func (h *Harness) StatePath() string {
	return filepath.Join(h.stateDir, "state.toml")
}

// WriteConfig writes a configuration that points tagsyncd at apiURL
func (h *Harness) WriteConfig(apiURL, backend string, entries ...string) {
	h.t.Helper()

	config := fmt.Sprintf(`github:
  api_url: %s

paths:
  state_dir: %s

state:
  backend: %s

entries:
%s`, apiURL, h.stateDir, backend, strings.Join(entries, ""))

	if err := h.WriteFile(h.configPath, config); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Entry renders one entries[] item of the configuration
func Entry(upstream, upstreamBranch, fork, forkBranch string) string {
	up := strings.SplitN(upstream, "/", 2)
	fk := strings.SplitN(fork, "/", 2)
	return fmt.Sprintf(`  - upstream_owner: %s
    upstream_repo: %s
    upstream_branch: %s
    fork_owner: %s
    fork_repo: %s
    fork_branch: %s
`, up[0], up[1], upstreamBranch, fk[0], fk[1], forkBranch)
}

// Run executes tagsyncd with the harness configuration
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append(args, "--config", h.configPath)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), h.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes tagsyncd and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// WriteFile writes a file, creating parent directories
func (h *Harness) WriteFile(path, content string) error {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// ReadFile reads a file
func (h *Harness) ReadFile(path string) (string, error) {
	h.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FileExists checks if a regular file exists
func (h *Harness) FileExists(path string) bool {
	h.t.Helper()
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ResetState removes the state directory
func (h *Harness) ResetState() {
	h.t.Helper()
	if err := os.RemoveAll(h.stateDir); err != nil {
		h.t.Fatalf("reset state: %v", err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
