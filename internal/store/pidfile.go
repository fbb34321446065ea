package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotRunning means no live daemon owns the PID file.
var ErrNotRunning = errors.New("node is not running")

// WritePID records pid, refusing to overwrite the file of a live process.
func WritePID(path string, pid int) error {
	if existing, err := ReadPID(path); err == nil && existing != pid && Alive(existing) {
		return fmt.Errorf("node already running (pid %d)", existing)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPID returns the recorded pid.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}

// RunningPID returns the pid of the live daemon. A stale file is removed.
func RunningPID(path string) (int, error) {
	pid, err := ReadPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !Alive(pid) {
		_ = RemovePID(path)
		return 0, ErrNotRunning
	}
	return pid, nil
}

// RemovePID deletes the PID file. A missing file is not an error.
func RemovePID(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether a process with pid exists and has not exited.
// An exited child that was never reaped counts as gone.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.Status(); err == nil && slices.Contains(st, process.Zombie) {
		return false
	}
	return true
}

// Terminate asks the process to exit.
func Terminate(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ErrNotRunning
	}
	return p.TerminateWithContext(ctx)
}
