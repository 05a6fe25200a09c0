package mongo

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

// execFunc runs a process and returns its combined output
type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// connectFailures are shell messages meaning no server answered
var connectFailures = []string{
	"connect failed",
	"couldn't connect to server",
	"connection refused",
	"econnrefused",
	"mongonetworkerror",
	"mongoserverselectionerror",
}

// ShellRunner runs administrative commands through the mongo shell binary
type ShellRunner struct {
	binary string
	exec   execFunc
	debug  bool
}

// NewShellRunner creates a runner invoking binary.
func NewShellRunner(binary string, debug bool) *ShellRunner {
	return &ShellRunner{
		binary: binary,
		exec:   combinedOutput,
		debug:  debug,
	}
}

// CheckBinary verifies the shell binary can be found on PATH.
func (s *ShellRunner) CheckBinary() error {
	if _, err := exec.LookPath(s.binary); err != nil {
		return fmt.Errorf("%w: %s: %w", failure.ErrDependencyMissing, s.binary, err)
	}
	return nil
}

// RunCommand sends cmd to target.
func (s *ShellRunner) RunCommand(ctx context.Context, target Target, cmd Command) (*Result, error) {
	return s.Run(ctx, target, cmd.Script())
}

// Run evaluates script against target and parses the printed document.
// Only failures to reach the database are returned as errors; everything
// the shell prints is turned into a Result.
func (s *ShellRunner) Run(ctx context.Context, target Target, script string) (*Result, error) {
	args := []string{"--quiet", "--host", target.String(), "--eval", "printjson(" + script + ")"}

	if s.debug {
		klog.InfoS("Running shell command", "target", target, "script", script)
	}

	out, err := s.exec(ctx, s.binary, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", failure.ErrDependencyMissing, s.binary, err)
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: launching %s: %w", failure.ErrDatabaseUnreachable, s.binary, err)
		}
		if isConnectFailure(out) {
			return nil, fmt.Errorf("%w: %s: %s", failure.ErrDatabaseUnreachable, target, lastLine(out))
		}

		klog.V(2).InfoS("Shell exited with error", "target", target, "exitCode", exitErr.ExitCode())
	}

	res := ParseOutput(out)
	if s.debug {
		klog.InfoS("Shell command result",
			"target", target,
			"ok", res.OK,
			"myState", res.MyState,
			"errmsg", res.Message,
			"parseError", res.ParseErr)
	}
	return res, nil
}

func isConnectFailure(out []byte) bool {
	lower := strings.ToLower(string(out))
	for _, marker := range connectFailures {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func lastLine(out []byte) string {
	trimmed := strings.TrimSpace(string(out))
	if i := strings.LastIndex(trimmed, "\n"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
