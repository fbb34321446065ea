// Package execx runs host commands behind an interface so service
// installation can be unit-tested without touching the init system.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Runner abstracts command execution.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func NewOSRunner(stdout, stderr io.Writer) *OSRunner {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &OSRunner{Stdout: stdout, Stderr: stderr}
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(name, args, err, stderr.String())
	}
	if stderr.Len() > 0 && r.Stderr != nil {
		_, _ = io.Copy(r.Stderr, &stderr)
	}
	return nil
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", commandError(name, args, err, buf.String())
	}
	return strings.TrimSpace(buf.String()), nil
}

func commandError(name string, args []string, err error, output string) error {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if msg := strings.TrimSpace(output); msg != "" {
		return fmt.Errorf("%s: %w: %s", line, err, msg)
	}
	return fmt.Errorf("%s: %w", line, err)
}

// StartDetached starts name in its own session with stdout and stderr
// appended to logPath, and returns without waiting for it.
func StartDetached(name string, args []string, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachAttr()
	if err := cmd.Start(); err != nil {
		return 0, commandError(name, args, err, "")
	}
	pid := cmd.Process.Pid
	return pid, cmd.Process.Release()
}
