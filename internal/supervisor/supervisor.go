// Package supervisor invokes the sandbox runtime binary: detached launches in
// their own session, group termination, synchronous runs and one-shot
// management commands.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrProcessGone reports a signal sent to a process group that no longer
// exists.
var ErrProcessGone = errors.New("process group no longer exists")

// Runtime describes how to invoke the sandbox runtime binary.
type Runtime struct {
	Binary string
	// GlobalArgs precede the subcommand on every invocation.
	GlobalArgs []string
	// Env is the environment of runtime invocations; nil inherits ours.
	Env []string
	// OutputLimit caps each captured stream of RunSynchronous. Zero means
	// unlimited.
	OutputLimit int
	// WaitDelay bounds how long a cancelled invocation may keep its output
	// pipes open after the process group is killed.
	WaitDelay time.Duration
	Logger    *log.Logger
}

// Handle is a process group started by LaunchDetached.
type Handle struct {
	PGID int
	// Output carries the combined stdout and stderr of the group.
	Output io.ReadCloser

	done chan struct{}
	once sync.Once
	err  error
}

// Done is closed once the group leader has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the leader's exit error. Only valid after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Result is the outcome of a synchronous run that exited zero.
type Result struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// LaunchError reports a runtime process that could not be spawned.
type LaunchError struct {
	Args []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExecutionError reports a synchronous run that did not exit zero. It carries
// whatever output was captured.
type ExecutionError struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return "sandbox execution timed out"
	}
	if e.ExitCode >= 0 {
		return fmt.Sprintf("sandbox execution exited with code %d", e.ExitCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("sandbox execution failed: %v", e.Err)
	}
	return "sandbox execution failed"
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CommandError reports a failed management command.
type CommandError struct {
	Args   []string
	Output []byte
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(string(e.Output))
	if out == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (r Runtime) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.New(io.Discard)
}

func (r Runtime) argv(args ...string) []string {
	out := make([]string, 0, len(r.GlobalArgs)+len(args))
	out = append(out, r.GlobalArgs...)
	return append(out, args...)
}

func (r Runtime) waitDelay() time.Duration {
	if r.WaitDelay > 0 {
		return r.WaitDelay
	}
	return 2 * time.Second
}

// CreateArgs is the argument vector that creates container id from bundleDir.
func CreateArgs(bundleDir, id string) []string {
	return []string{"create", "--bundle", bundleDir, id}
}

func (r Runtime) Start(ctx context.Context, id string) error {
	_, err := r.Exec(ctx, "start", id)
	return err
}

func (r Runtime) Pause(ctx context.Context, id string) error {
	_, err := r.Exec(ctx, "pause", id)
	return err
}

func (r Runtime) Resume(ctx context.Context, id string) error {
	_, err := r.Exec(ctx, "resume", id)
	return err
}

// Kill sends signal (a name such as KILL or TERM) to the container's init.
func (r Runtime) Kill(ctx context.Context, id, signal string) error {
	_, err := r.Exec(ctx, "kill", id, signal)
	return err
}

func (r Runtime) Delete(ctx context.Context, id string, force bool) error {
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	_, err := r.Exec(ctx, append(args, id)...)
	return err
}

// List returns the runtime's raw container listing.
func (r Runtime) List(ctx context.Context) (string, error) {
	out, err := r.Exec(ctx, "list")
	return string(out), err
}

// boundedBuffer keeps at most limit bytes and silently discards the rest so
// the writer never blocks on a chatty process.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
