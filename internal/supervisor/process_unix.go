//go:build unix

package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// LaunchDetached starts the runtime with args in a new session so that it,
// and everything it spawns, shares a process group separate from ours. The
// returned handle's Output must be drained by the caller.
func (r Runtime) LaunchDetached(ctx context.Context, bundleDir string, args []string) (*Handle, error) {
	argv := r.argv(args...)
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Args: argv, Err: err}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Args: argv, Err: err}
	}

	// Not CommandContext: the group outlives the request that started it.
	cmd := exec.Command(r.Binary, argv...)
	cmd.Dir = bundleDir
	cmd.Env = r.Env
	cmd.Stdin = nil
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, &LaunchError{Args: argv, Err: err}
	}
	_ = pw.Close()

	h := &Handle{
		PGID:   cmd.Process.Pid,
		Output: pr,
		done:   make(chan struct{}),
	}
	r.logger().Debug("launched runtime", "pgid", h.PGID, "args", argv)

	go func() {
		h.finish(cmd.Wait())
	}()
	return h, nil
}

// Terminate sends SIGTERM to the handle's process group.
func (r Runtime) Terminate(h *Handle) error {
	return signalGroup(h.PGID, unix.SIGTERM)
}

// KillGroup sends SIGKILL to the handle's process group.
func (r Runtime) KillGroup(h *Handle) error {
	return signalGroup(h.PGID, unix.SIGKILL)
}

func signalGroup(pgid int, sig unix.Signal) error {
	if pgid <= 0 {
		return ErrProcessGone
	}
	if err := unix.Kill(-pgid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessGone
		}
		return err
	}
	return nil
}

// RunSynchronous runs container id from bundleDir to completion with its
// stdout and stderr captured separately. Cancelling ctx kills the whole
// process group.
func (r Runtime) RunSynchronous(ctx context.Context, bundleDir, id string) (*Result, error) {
	argv := r.argv("run", "--bundle", bundleDir, id)

	stdout := &boundedBuffer{limit: r.OutputLimit}
	stderr := &boundedBuffer{limit: r.OutputLimit}

	cmd := exec.CommandContext(ctx, r.Binary, argv...)
	cmd.Dir = bundleDir
	cmd.Env = r.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = r.waitDelay()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Args: argv, Err: err}
	}
	err := cmd.Wait()
	duration := time.Since(started)
	truncated := stdout.Truncated() || stderr.Truncated()

	if err == nil {
		return &Result{
			Stdout:    stdout.Bytes(),
			Stderr:    stderr.Bytes(),
			Duration:  duration,
			Truncated: truncated,
		}, nil
	}

	execErr := &ExecutionError{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ExitCode:  -1,
		Truncated: truncated,
		Err:       err,
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		execErr.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		execErr.Err = ctxErr
		return nil, execErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		execErr.ExitCode = exitErr.ExitCode()
	}
	return nil, execErr
}

// Exec runs a one-shot management command and returns its combined output.
func (r Runtime) Exec(ctx context.Context, args ...string) ([]byte, error) {
	argv := r.argv(args...)
	var out boundedBuffer

	cmd := exec.CommandContext(ctx, r.Binary, argv...)
	cmd.Env = r.Env
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = r.waitDelay()

	r.logger().Debug("running runtime command", "args", argv)
	if err := cmd.Run(); err != nil {
		return out.Bytes(), &CommandError{Args: append([]string{r.Binary}, argv...), Output: out.Bytes(), Err: err}
	}
	return out.Bytes(), nil
}
