// Package lifecycle owns the single long-lived sandbox instance: its state
// machine, its bundle, its process group and its captured output.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildkite/sandboxd/internal/bundle"
	"github.com/buildkite/sandboxd/internal/logcapture"
	"github.com/buildkite/sandboxd/internal/supervisor"
	"github.com/charmbracelet/log"
)

var (
	ErrAlreadyRunning       = errors.New("app already running")
	ErrNotRunning           = errors.New("app not running")
	ErrTransitionInProgress = errors.New("app is busy")
)

type State int

const (
	Absent State = iota
	Starting
	Running
	Suspended
	Stopping
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Stopping:
		return "stopping"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Runtime is the subset of supervisor.Runtime the manager drives.
type Runtime interface {
	LaunchDetached(ctx context.Context, bundleDir string, args []string) (*supervisor.Handle, error)
	Terminate(h *supervisor.Handle) error
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Kill(ctx context.Context, id, signal string) error
	Delete(ctx context.Context, id string, force bool) error
	List(ctx context.Context) (string, error)
}

type Config struct {
	ID             string
	Spec           bundle.Spec
	BundleRoot     string
	LaunchTimeout  time.Duration
	CommandTimeout time.Duration
	LogBufferLines int
	// OnLogDrop observes lines discarded from a full log buffer.
	OnLogDrop func(int)
	// NewSuffix names each bundle directory; defaults to a timestamp.
	NewSuffix func() string
	Logger    *log.Logger
}

// Status is a point-in-time view of the instance.
type Status struct {
	ID        string
	State     State
	StartedAt time.Time
	BundleDir string
	PGID      int
}

type Manager struct {
	cfg    Config
	rt     Runtime
	logger *log.Logger

	mu        sync.Mutex
	state     State
	handle    *supervisor.Handle
	bundleDir string
	startedAt time.Time

	status atomic.Pointer[Status]
	logs   atomic.Pointer[logcapture.Buffer]
}

func New(rt Runtime, cfg Config) (*Manager, error) {
	if rt == nil {
		return nil, errors.New("lifecycle manager requires a runtime")
	}
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return nil, errors.New("lifecycle manager requires an instance id")
	}
	if strings.TrimSpace(cfg.BundleRoot) == "" {
		return nil, errors.New("lifecycle manager requires a bundle root")
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.NewSuffix == nil {
		cfg.NewSuffix = func() string { return strconv.FormatInt(time.Now().UnixNano(), 10) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	m := &Manager{
		cfg:    cfg,
		rt:     rt,
		logger: logger.With("instance", cfg.ID),
	}
	m.publishLocked()
	return m, nil
}

// publishLocked refreshes the lock-free status snapshot. Callers hold mu, or
// own m exclusively.
func (m *Manager) publishLocked() {
	st := &Status{
		ID:        m.cfg.ID,
		State:     m.state,
		StartedAt: m.startedAt,
		BundleDir: m.bundleDir,
	}
	if m.handle != nil {
		st.PGID = m.handle.PGID
	}
	m.status.Store(st)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.publishLocked()
	m.mu.Unlock()
}

func (m *Manager) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CommandTimeout)
}

// Start creates and starts the instance. The slot is claimed before any slow
// work so concurrent callers observe ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Absent {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = Starting
	m.publishLocked()
	m.mu.Unlock()

	h, dir, err := m.launch(ctx)
	if err != nil {
		m.setState(Absent)
		return err
	}

	m.mu.Lock()
	m.state = Running
	m.handle = h
	m.bundleDir = dir
	m.startedAt = time.Now()
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("instance started", "pgid", h.PGID, "bundle", dir)
	return nil
}

func (m *Manager) launch(ctx context.Context) (*supervisor.Handle, string, error) {
	dir := filepath.Join(m.cfg.BundleRoot, m.cfg.ID+"-"+m.cfg.NewSuffix())
	if _, err := bundle.Build(m.cfg.Spec, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", err
	}

	m.clearStaleRecord(ctx)

	createArgs := supervisor.CreateArgs(dir, m.cfg.ID)
	h, err := m.rt.LaunchDetached(ctx, dir, createArgs)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", err
	}

	buf := logcapture.NewBuffer(m.cfg.LogBufferLines, m.cfg.OnLogDrop)
	m.logs.Store(buf)
	captured := buf.Attach(h.Output)
	go func() {
		<-captured
		m.logger.Debug("instance output closed")
	}()

	fail := func(err error) (*supervisor.Handle, string, error) {
		m.cleanup(ctx, h, dir)
		return nil, "", err
	}

	timer := time.NewTimer(m.cfg.LaunchTimeout)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
		return fail(&supervisor.LaunchError{Args: createArgs, Err: fmt.Errorf("create did not finish within %s", m.cfg.LaunchTimeout)})
	case <-ctx.Done():
		return fail(&supervisor.LaunchError{Args: createArgs, Err: ctx.Err()})
	}
	if err := h.Err(); err != nil {
		return fail(&supervisor.LaunchError{Args: createArgs, Err: err})
	}

	cctx, cancel := m.commandContext(ctx)
	defer cancel()
	if err := m.rt.Start(cctx, m.cfg.ID); err != nil {
		return fail(&supervisor.LaunchError{Args: []string{"start", m.cfg.ID}, Err: err})
	}
	return h, dir, nil
}

// clearStaleRecord force-deletes a runtime record left behind by a failed
// delete or a previous server process. The ID is fixed, so create would
// otherwise fail with "already exists" on every start.
func (m *Manager) clearStaleRecord(ctx context.Context) {
	cctx, cancel := m.commandContext(ctx)
	defer cancel()
	if err := m.rt.Delete(cctx, m.cfg.ID, true); err != nil {
		m.logger.Debug("no stale container record removed", "err", err)
	}
}

// cleanup tears down a partially or fully started instance. Every step is
// best-effort.
func (m *Manager) cleanup(ctx context.Context, h *supervisor.Handle, dir string) {
	if h != nil {
		if err := m.rt.Terminate(h); err != nil {
			if errors.Is(err, supervisor.ErrProcessGone) {
				m.logger.Debug("process group already gone", "pgid", h.PGID)
			} else {
				m.logger.Warn("terminate process group", "pgid", h.PGID, "err", err)
			}
		}
	}

	cctx, cancel := m.commandContext(ctx)
	defer cancel()
	if err := m.rt.Kill(cctx, m.cfg.ID, "KILL"); err != nil {
		m.logger.Warn("kill container", "err", err)
	}
	if err := m.rt.Delete(cctx, m.cfg.ID, true); err != nil {
		m.logger.Warn("delete container", "err", err)
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("remove bundle", "dir", dir, "err", err)
		}
	}
}

// Suspend pauses a running instance. Suspending a suspended instance is a
// no-op.
func (m *Manager) Suspend(ctx context.Context) error {
	return m.transition(ctx, "pause", Running, Suspended, m.rt.Pause)
}

// Restore resumes a suspended instance. Restoring a running instance is a
// no-op.
func (m *Manager) Restore(ctx context.Context) error {
	return m.transition(ctx, "resume", Suspended, Running, m.rt.Resume)
}

func (m *Manager) transition(ctx context.Context, verb string, from, to State, fn func(context.Context, string) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Absent:
		return ErrNotRunning
	case Starting, Stopping:
		return ErrTransitionInProgress
	case to:
		return nil
	case from:
	default:
		return fmt.Errorf("cannot %s instance in state %s", verb, m.state)
	}

	cctx, cancel := m.commandContext(ctx)
	defer cancel()
	if err := fn(cctx, m.cfg.ID); err != nil {
		return err
	}
	m.state = to
	m.publishLocked()
	m.logger.Info("instance "+to.String(), "verb", verb)
	return nil
}

// Stop terminates the instance and clears the slot. Teardown failures are
// logged, never returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Absent:
		m.mu.Unlock()
		return ErrNotRunning
	case Starting, Stopping:
		m.mu.Unlock()
		return ErrTransitionInProgress
	}
	h, dir := m.handle, m.bundleDir
	m.state = Stopping
	m.publishLocked()
	m.mu.Unlock()

	m.cleanup(ctx, h, dir)

	m.mu.Lock()
	m.state = Absent
	m.handle = nil
	m.bundleDir = ""
	m.startedAt = time.Time{}
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("instance stopped")
	return nil
}

// Shutdown stops the instance if one exists.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.Stop(ctx)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// List returns the runtime's raw listing of containers.
func (m *Manager) List(ctx context.Context) (string, error) {
	cctx, cancel := m.commandContext(ctx)
	defer cancel()
	return m.rt.List(cctx)
}

// Status never blocks on an in-flight transition.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// Running reports whether the slot is held.
func (m *Manager) Running() bool {
	return m.Status().State != Absent
}

// Logs drains the output captured since the previous call. Output survives
// suspension and stop until the next start replaces the buffer.
func (m *Manager) Logs() []string {
	buf := m.logs.Load()
	if buf == nil {
		return []string{}
	}
	return buf.Drain()
}
