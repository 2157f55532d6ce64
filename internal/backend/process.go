package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// newCommand builds a worker subprocess in its own process group. Cancelling
// ctx kills the whole group, so helpers the worker spawned do not outlive a
// timed-out task or keep its output pipes open.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd)
	}
	return cmd
}

// executeCommand starts cmd, drains stdout and stderr concurrently and waits
// for it to exit. A non-zero exit wraps *exec.ExitError; a cancelled ctx is
// named in the error. When pm is non-nil the process is tracked while it runs.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) ([]byte, []byte, error) {
	name := filepath.Base(cmd.Path)

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to attach %s stdout: %w", name, err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to attach %s stderr: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	drain := func(dst *bytes.Buffer, src io.Reader) {
		g.Go(func() error {
			_, err := io.Copy(dst, src)
			return err
		})
	}
	drain(&stdout, outPipe)
	drain(&stderr, errPipe)

	// Wait closes the pipes, so the readers must finish first.
	copyErr := g.Wait()
	waitErr := cmd.Wait()

	switch {
	case waitErr != nil && ctx.Err() != nil:
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s interrupted: %w (%v)", name, waitErr, ctx.Err())
	case waitErr != nil:
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s failed: %w", name, waitErr)
		}
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s failed: %w (stderr: %s)", name, waitErr, detail)
	case copyErr != nil && !errors.Is(copyErr, io.ErrClosedPipe):
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("reading %s output: %w", name, copyErr)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// killGroup sends SIGKILL to the process group led by cmd.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager remembers the worker subprocesses that are running so a
// shutting-down session can kill them instead of leaving them orphaned.
type ProcessManager struct {
	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{running: make(map[*exec.Cmd]struct{})}
}

// Track registers a started subprocess. Commands that never started are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.running[cmd] = struct{}{}
	pm.mu.Unlock()
}

// Untrack forgets a subprocess.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	pm.mu.Lock()
	delete(pm.running, cmd)
	pm.mu.Unlock()
}

// KillAll kills the process group of every tracked subprocess. Tracking is
// left to the callers that started them.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for cmd := range pm.running {
		if err := killGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked subprocesses.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.running)
}
